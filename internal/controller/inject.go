package controller

import "bytes"

// injectedBlock is the self-contained executable block planted into the
// primary document. It runs in the document's own execution context, where it
// can read state the controller has no API to reach (session material in the
// page's local storage) and attach a live status feed from the controller's
// events endpoint. The controller's API-level restriction is not a security
// boundary: it can always delegate execution to the document context.
const injectedBlock = `<script>
(function () {
  var keys = [];
  try {
    for (var i = 0; i < localStorage.length; i++) keys.push(localStorage.key(i));
  } catch (e) { /* storage disabled */ }
  window.__ironspider = { sessionKeys: keys, events: [] };
  console.log("[ironspider] document-context block active, storage keys:", keys.length);

  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(proto + location.host + "/ironspider/events");
  ws.onmessage = function (msg) {
    var ev = JSON.parse(msg.data);
    window.__ironspider.events.push(ev);
    console.log("[ironspider]", ev.type, ev.reason || "", ev.bytes || "");
  };
})();
</script>
`

var closingBodyTag = []byte("</body>")

// injectBeforeClosingBody inserts the executable block immediately before the
// document's closing body tag. There is a single insertion point, so a
// response construction can never carry the block twice. Returns ok=false
// when the marker is absent; the caller then serves the body unmodified.
func injectBeforeClosingBody(body []byte) ([]byte, bool) {
	idx := lastIndexFold(body, closingBodyTag)
	if idx < 0 {
		return nil, false
	}
	out := make([]byte, 0, len(body)+len(injectedBlock))
	out = append(out, body[:idx]...)
	out = append(out, injectedBlock...)
	out = append(out, body[idx:]...)
	return out, true
}

// lastIndexFold finds the last ASCII case-insensitive occurrence of sep.
func lastIndexFold(s, sep []byte) int {
	lower := bytes.ToLower(s)
	return bytes.LastIndex(lower, sep)
}
