// Package host is the demonstration remote host: a TLS static file server
// with the structured write endpoint the recovery sequence depends on and a
// demo-only reset endpoint that simulates artifact loss. It is demonstration
// plumbing; the controller only depends on the interface contract here.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/hojune02/ironspider-extension/internal/config"
)

// safeName is the strict pattern the write endpoint accepts: letters, digits,
// underscore, dash, and a single .js extension. Everything else is rejected
// before any filesystem path is formed.
var safeName = regexp.MustCompile(`^[A-Za-z0-9_-]+\.js$`)

type Server struct {
	cfg    config.HostConfig
	logger *slog.Logger
}

func New(cfg config.HostConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/write-file", s.handleWrite)
	mux.HandleFunc("/delete-payload", s.handleReset)
	mux.Handle("/", http.FileServer(http.Dir(s.cfg.Dir)))
	return noTransportCache(mux)
}

// noTransportCache forbids transport-level caching on every response, so a
// browser or proxy cache never masks the artifact's true presence or absence.
func noTransportCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
		h.Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}

type writeRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if !safeName.MatchString(req.Filename) {
		s.logger.Warn("write-file rejected", "filename", req.Filename)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "filename not allowed"})
		return
	}

	dir := filepath.Join(s.cfg.Dir, "static")
	if err := os.MkdirAll(dir, 0755); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	target := filepath.Join(dir, req.Filename)
	if err := os.WriteFile(target, []byte(req.Content), 0644); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("artifact written", "filename", req.Filename, "bytes", len(req.Content))
	writeJSON(w, http.StatusOK, map[string]any{"written": req.Filename, "bytes": len(req.Content)})
}

// handleReset deletes the payload artifact, simulating artifact loss.
// Idempotent: deleting an absent artifact still succeeds.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	target := filepath.Join(s.cfg.Dir, filepath.FromSlash(s.cfg.PayloadFile))
	err := os.Remove(target)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("artifact deleted", "payload", s.cfg.PayloadFile, "existed", err == nil)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": s.cfg.PayloadFile})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves the host over TLS until ctx is cancelled. The certificate and
// key come from fixed paths; if either is absent the host exits with a
// diagnostic instead of provisioning anything.
func (s *Server) Run(ctx context.Context) error {
	for _, p := range []string{s.cfg.CertFile, s.cfg.KeyFile} {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("TLS material missing at %s: provision a certificate before starting the host", p)
		}
	}

	watcher, err := newArtifactWatcher(s.cfg, s.logger)
	if err != nil {
		s.logger.Warn("artifact watcher unavailable", "error", err)
	} else {
		go watcher.run(ctx)
		defer watcher.close()
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("host listening", "addr", addr, "dir", s.cfg.Dir)
		errCh <- srv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
