package host

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hojune02/ironspider-extension/internal/config"
)

func newTestHost(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "static"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "static", "malware.js"), []byte("console.log('payload')"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html><body>HMI</body></html>"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default().Host
	cfg.Dir = dir

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := httptest.NewServer(New(cfg, logger).Handler())
	t.Cleanup(ts.Close)
	return ts, dir
}

func TestStaticServingForbidsTransportCache(t *testing.T) {
	ts, _ := newTestHost(t)

	for _, path := range []string{"/", "/static/malware.js"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status = %d", path, resp.StatusCode)
		}
		cc := resp.Header.Get("Cache-Control")
		if !strings.Contains(cc, "no-store") || !strings.Contains(cc, "no-cache") {
			t.Errorf("GET %s: Cache-Control = %q, want no-store/no-cache", path, cc)
		}
		if resp.Header.Get("Pragma") != "no-cache" {
			t.Errorf("GET %s: missing Pragma header", path)
		}
	}
}

func TestAbsentPayloadIs404(t *testing.T) {
	ts, dir := newTestHost(t)

	if err := os.Remove(filepath.Join(dir, "static", "malware.js")); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(ts.URL + "/static/malware.js?cb=123")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status for deleted artifact = %d, want 404", resp.StatusCode)
	}
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(v)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWriteFile(t *testing.T) {
	ts, dir := newTestHost(t)

	resp := postJSON(t, ts.URL+"/write-file", map[string]string{
		"filename": "malware.js",
		"content":  "console.log('back')",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var conf map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&conf); err != nil {
		t.Fatalf("decode confirmation: %v", err)
	}
	if conf["written"] != "malware.js" {
		t.Errorf("confirmation = %v", conf)
	}

	got, err := os.ReadFile(filepath.Join(dir, "static", "malware.js"))
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	if string(got) != "console.log('back')" {
		t.Errorf("written content = %q", got)
	}
}

func TestWriteFileRejectsUnsafeNames(t *testing.T) {
	ts, dir := newTestHost(t)

	bad := []string{
		"../evil.js",
		"evil.sh",
		"evil.js.js",
		"a b.js",
		"/etc/passwd",
		".js",
		"evil.JS",
		"",
	}
	for _, name := range bad {
		resp := postJSON(t, ts.URL+"/write-file", map[string]string{
			"filename": name,
			"content":  "x",
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("filename %q: status = %d, want 400", name, resp.StatusCode)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "evil.js")); !os.IsNotExist(err) {
		t.Error("rejected write left a file behind")
	}
}

func TestWriteFileRequiresPost(t *testing.T) {
	ts, _ := newTestHost(t)

	resp, err := http.Get(ts.URL + "/write-file")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /write-file: status = %d, want 405", resp.StatusCode)
	}
}

func TestDeletePayloadIsIdempotent(t *testing.T) {
	ts, dir := newTestHost(t)

	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.URL+"/delete-payload", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("delete attempt %d: status = %d", i+1, resp.StatusCode)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "static", "malware.js")); !os.IsNotExist(err) {
		t.Error("payload artifact still present after delete")
	}
}

func TestRunRequiresTLSMaterial(t *testing.T) {
	cfg := config.Default().Host
	cfg.Dir = t.TempDir()
	cfg.CertFile = filepath.Join(cfg.Dir, "missing.crt")
	cfg.KeyFile = filepath.Join(cfg.Dir, "missing.key")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := New(cfg, logger).Run(context.Background())
	if err == nil {
		t.Fatal("Run without certificates should fail with a diagnostic")
	}
	if !strings.Contains(err.Error(), "TLS material missing") {
		t.Errorf("diagnostic = %v", err)
	}
}
