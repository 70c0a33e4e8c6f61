// Package fanout delivers resurrection status events to every foreground
// observer currently attached to the controller. Observers are enumerated
// fresh at delivery time; no subscription list is persisted, delivery is
// at-most-once and best-effort, and an unreachable observer simply misses the
// event.
package fanout

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hojune02/ironspider-extension/internal/resurrect"
)

// Message is the wire format observers receive.
type Message struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`
}

const (
	TypeStarted            = "STARTED"
	TypeResurrected        = "RESURRECTED"
	TypeResurrectionFailed = "RESURRECTION_FAILED"
)

const writeWait = 5 * time.Second

type observer struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes to conn
}

// Hub upgrades observer connections and fans events out to them.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	observers map[string]*observer
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			// The demo dashboard connects from the controller's own origin;
			// same-origin checks are the host runtime's concern, not ours.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		observers: make(map[string]*observer),
	}
}

// ServeHTTP attaches a new foreground observer. Observers that connected
// before the controller activated are attached the same way: control is not a
// precondition for receiving notifications.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("observer upgrade failed", "error", err)
		return
	}
	obs := &observer{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	h.observers[obs.id] = obs
	count := len(h.observers)
	h.mu.Unlock()
	h.logger.Info("observer attached", "observer", obs.id, "total", count)

	// Observers never send application data; the read loop only notices
	// disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.detach(obs.id)
				return
			}
		}
	}()
}

func (h *Hub) detach(id string) {
	h.mu.Lock()
	obs, ok := h.observers[id]
	if ok {
		delete(h.observers, id)
	}
	count := len(h.observers)
	h.mu.Unlock()
	if ok {
		obs.conn.Close()
		h.logger.Info("observer detached", "observer", id, "total", count)
	}
}

// Count reports the number of currently attached observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Close drops every observer connection.
func (h *Hub) Close() {
	h.mu.Lock()
	obs := make([]*observer, 0, len(h.observers))
	for _, o := range h.observers {
		obs = append(obs, o)
	}
	h.observers = make(map[string]*observer)
	h.mu.Unlock()
	for _, o := range obs {
		o.conn.Close()
	}
}

// Notify implements resurrect.Notifier. The observer set is snapshotted at
// delivery time and each delivery is independent: a failed write detaches
// that observer and the rest still receive the event.
func (h *Hub) Notify(ev resurrect.Event) {
	msg := Message{
		Timestamp: ev.At.UTC().Format(time.RFC3339),
		Reason:    ev.Reason,
		Bytes:     ev.Bytes,
	}
	switch ev.Kind {
	case resurrect.Started:
		msg.Type = TypeStarted
	case resurrect.Succeeded:
		msg.Type = TypeResurrected
	case resurrect.Failed:
		msg.Type = TypeResurrectionFailed
	default:
		return
	}

	h.mu.Lock()
	targets := make([]*observer, 0, len(h.observers))
	for _, o := range h.observers {
		targets = append(targets, o)
	}
	h.mu.Unlock()

	for _, o := range targets {
		o.mu.Lock()
		o.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := o.conn.WriteJSON(msg)
		o.mu.Unlock()
		if err != nil {
			h.logger.Debug("observer unreachable, dropping", "observer", o.id, "error", err)
			h.detach(o.id)
		}
	}
}
