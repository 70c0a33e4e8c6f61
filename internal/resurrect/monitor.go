// Package resurrect implements the resurrection control loop: a repeating
// health check against the remote host plus the recovery sequence that
// re-delivers the payload from the durable cache when the check fails.
package resurrect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/hojune02/ironspider-extension/internal/cache"
	"github.com/hojune02/ironspider-extension/internal/lifecycle"
)

// Config holds the loop's remote endpoints and timing.
type Config struct {
	// Origin is the remote host base URL, e.g. "https://127.0.0.1:8443".
	Origin string
	// PayloadPath is the resource whose existence the loop defends.
	PayloadPath string
	// WriteEndpoint is the host's structured write endpoint.
	WriteEndpoint string
	// Period is the probe interval. Defaults to 5s.
	Period time.Duration
}

// Monitor runs the control loop for one controller process. The registration's
// armed guard makes EnsureArmed idempotent: at most one timer runs per live
// process, and a respawn (which constructs a fresh Monitor and Registration)
// always starts unarmed.
type Monitor struct {
	cfg    Config
	client *http.Client
	reg    *lifecycle.Registration
	bucket *cache.Bucket
	notify Notifier
	logger *slog.Logger

	outageLog *rateLimitedLog

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewMonitor(cfg Config, client *http.Client, reg *lifecycle.Registration, bucket *cache.Bucket, notify Notifier, logger *slog.Logger) *Monitor {
	if cfg.Period <= 0 {
		cfg.Period = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:       cfg,
		client:    client,
		reg:       reg,
		bucket:    bucket,
		notify:    notify,
		logger:    logger,
		outageLog: newRateLimitedLog(time.Minute),
	}
}

// EnsureArmed starts the control loop if no monitor is currently armed. It is
// called on every qualifying inbound event, so a suspended or freshly
// respawned controller re-arms on the next request of any kind. Returns true
// if this call started the loop.
func (m *Monitor) EnsureArmed() bool {
	if !m.reg.TryArm() {
		return false
	}
	m.mu.Lock()
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(stop)
	m.logger.Info("control loop armed", "period", m.cfg.Period, "payload", m.cfg.PayloadPath)
	return true
}

// Disarm stops the loop and clears the guard, mirroring the host runtime
// destroying in-process timer state on suspension.
func (m *Monitor) Disarm() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	m.wg.Wait()
	m.reg.Disarm()
}

func (m *Monitor) loop(stop chan struct{}) {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.Period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Period*6)
			m.CheckOnce(ctx)
			cancel()
		}
	}
}

// CheckOnce performs one probe and, if the payload is absent, exactly one
// recovery attempt. A non-2xx probe status and a transport-level probe error
// are treated identically: an unreachable host and a deleted artifact require
// the same corrective action, and a later probe finds out which was true.
func (m *Monitor) CheckOnce(ctx context.Context) {
	status, err := m.probe(ctx)
	if err == nil && status >= 200 && status < 300 {
		m.logger.Debug("payload present on host", "status", status)
		return
	}

	if err != nil {
		m.outageLog.Warn(m.logger, "payload probe failed", "error", err)
	} else {
		m.outageLog.Warn(m.logger, "payload missing from host", "status", status)
	}
	m.resurrect(ctx)
}

// probe issues a direct, transport-cache-bypassing existence check for the
// payload resource.
func (m *Monitor) probe(ctx context.Context) (int, error) {
	url := m.cfg.Origin + m.cfg.PayloadPath + "?cb=" + strconv.FormatInt(time.Now().UnixNano(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

type writeRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// resurrect is the recovery sequence: read the cached snapshot, re-upload it
// through the host's write endpoint, and report the outcome. No retry happens
// here; the next tick is the retry mechanism.
func (m *Monitor) resurrect(ctx context.Context) {
	m.notify.Notify(Event{Kind: Started, At: time.Now()})

	snap, ok := m.bucket.Read(m.cfg.PayloadPath)
	if !ok {
		// Only an installation that never cached the payload gets here; a
		// fresh installation cycle is the sole way this ever recovers.
		m.fail("No cached payload in CacheStorage")
		return
	}

	body, err := json.Marshal(writeRequest{
		Filename: path.Base(m.cfg.PayloadPath),
		Content:  string(snap.Body),
	})
	if err != nil {
		m.fail(fmt.Sprintf("Upload failed: %v", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Origin+m.cfg.WriteEndpoint, bytes.NewReader(body))
	if err != nil {
		m.fail(fmt.Sprintf("Upload failed: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.fail(fmt.Sprintf("Upload failed: %v", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.fail(fmt.Sprintf("Upload returned HTTP %d", resp.StatusCode))
		return
	}

	m.logger.Info("payload resurrected", "bytes", len(snap.Body), "filename", path.Base(m.cfg.PayloadPath))
	m.notify.Notify(Event{Kind: Succeeded, At: time.Now(), Bytes: len(snap.Body)})
}

func (m *Monitor) fail(reason string) {
	m.logger.Warn("resurrection failed", "reason", reason)
	m.notify.Notify(Event{Kind: Failed, At: time.Now(), Reason: reason})
}
