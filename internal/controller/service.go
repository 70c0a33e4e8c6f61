// Package controller hosts the background controller: an intercepting proxy
// bound to an origin scope that keeps a durable local copy of the payload,
// verifies the payload is still present on the remote host, re-delivers it
// when it is not, and notifies foreground observers of the outcome.
package controller

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hojune02/ironspider-extension/internal/cache"
	"github.com/hojune02/ironspider-extension/internal/config"
	"github.com/hojune02/ironspider-extension/internal/fanout"
	"github.com/hojune02/ironspider-extension/internal/lifecycle"
	"github.com/hojune02/ironspider-extension/internal/resurrect"
)

// eventsPath is where foreground observers attach for status notifications.
const eventsPath = "/ironspider/events"

type Service struct {
	cfg    config.ControllerConfig
	logger *slog.Logger

	upstream *http.Client

	store  *cache.Store
	bucket *cache.Bucket
	regs   *lifecycle.Store
	reg    *lifecycle.Registration

	monitor *resurrect.Monitor
	hub     *fanout.Hub
	stats   *statsCollector

	lastActivity atomic.Int64 // unix nanos of the last qualifying event

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(cfg config.ControllerConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	upstream := &http.Client{Timeout: 30 * time.Second, Transport: transport}

	store, err := cache.Open(filepath.Join(cfg.DataDir, "leveldb"))
	if err != nil {
		return nil, err
	}
	regs, err := lifecycle.OpenStore(filepath.Join(cfg.DataDir, "registrations.db"))
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		upstream: upstream,
		store:    store,
		bucket:   store.Bucket(cfg.Bucket),
		regs:     regs,
		hub:      fanout.NewHub(logger),
		stats:    newStatsCollector(),
		stopCh:   make(chan struct{}),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s, nil
}

// Install drives the registration from installing through activated. The
// cache bucket must hold the payload snapshot before installation completes;
// a population failure ends this installation attempt and is surfaced to the
// process supervisor, which owns the retry policy.
func (s *Service) Install(ctx context.Context) error {
	reg, err := s.regs.Create(s.cfg.Scope)
	if err != nil {
		return err
	}
	s.reg = reg
	s.logger.Info("registration created", "scope", s.cfg.Scope, "state", reg.State())

	snap, err := s.bucket.Install(ctx, s.upstream, s.cfg.Origin, s.cfg.PayloadPath)
	if err != nil {
		reg.Transition(lifecycle.StateRedundant)
		s.regs.SaveState(reg)
		return fmt.Errorf("installation cache population: %w", err)
	}
	s.logger.Info("payload cached", "key", s.cfg.PayloadPath, "bytes", len(snap.Body))

	if err := s.advance(lifecycle.StateInstalledWaiting); err != nil {
		return err
	}

	older, err := s.regs.OlderActive(s.cfg.Scope, reg.ID)
	if err != nil {
		return err
	}
	if older {
		if s.cfg.SkipWaiting {
			// Skip-waiting removes the normal requirement that the older
			// controller's observers first detach.
			if err := s.regs.Supersede(s.cfg.Scope, reg.ID); err != nil {
				return err
			}
			s.logger.Info("skip-waiting: superseded older registration", "scope", s.cfg.Scope)
		} else if s.hub.Count() > 0 {
			s.logger.Info("waiting: older registration still controls observers", "scope", s.cfg.Scope)
			return nil
		} else {
			// No observers remain attached, so the older controller has
			// nothing left to control.
			if err := s.regs.Supersede(s.cfg.Scope, reg.ID); err != nil {
				return err
			}
		}
	}
	return s.activate()
}

func (s *Service) activate() error {
	if err := s.advance(lifecycle.StateActivating); err != nil {
		return err
	}

	// Claim every currently attached observer without requiring a reload.
	s.logger.Info("claimed observers", "count", s.hub.Count())

	s.monitor = resurrect.NewMonitor(resurrect.Config{
		Origin:        s.cfg.Origin,
		PayloadPath:   s.cfg.PayloadPath,
		WriteEndpoint: s.cfg.WriteEndpoint,
		Period:        s.cfg.CheckInterval(),
	}, s.upstream, s.reg, s.bucket, s.hub, s.logger)
	s.monitor.EnsureArmed()

	if err := s.advance(lifecycle.StateActivated); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.suspendLoop()
	s.wg.Add(1)
	go s.statsLoop(time.Minute)
	return nil
}

func (s *Service) advance(next lifecycle.State) error {
	if err := s.reg.Transition(next); err != nil {
		return err
	}
	if err := s.regs.SaveState(s.reg); err != nil {
		return err
	}
	s.logger.Info("lifecycle transition", "scope", s.cfg.Scope, "state", next)
	return nil
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(eventsPath, func(w http.ResponseWriter, r *http.Request) {
		s.qualify()
		s.hub.ServeHTTP(w, r)
	})
	mux.HandleFunc("/", s.handle)
	return mux
}

// qualify runs before domain-specific handling of every inbound event. It is
// the cheap idempotent "ensure loop armed" check: any traffic, not just the
// loop's own domain, rearms suspended background work.
func (s *Service) qualify() {
	s.lastActivity.Store(time.Now().UnixNano())
	if s.reg == nil || s.monitor == nil {
		return
	}
	if s.reg.State() == lifecycle.StateSuspended {
		if err := s.reg.Transition(lifecycle.StateActivated); err == nil {
			s.regs.SaveState(s.reg)
			s.logger.Info("reactivated by inbound event", "scope", s.cfg.Scope)
		}
	}
	s.monitor.EnsureArmed()
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	s.qualify()

	if s.cfg.InScope(r.URL.Path) && r.Method == http.MethodGet && r.URL.Path == s.cfg.DocumentPath {
		s.handleDocument(w, r)
		return
	}
	s.proxyPass(w, r)
}

// handleDocument serves the scope's primary document with the executable
// block appended. The inner fetch goes straight to the upstream client and is
// never re-intercepted. Any failure after a successful fetch degrades to the
// unmodified live response; only an unreachable upstream yields an error.
func (s *Service) handleDocument(w http.ResponseWriter, r *http.Request) {
	snap, err := s.fetchUpstream(r)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if snap.Status < 200 || snap.Status >= 300 {
		s.writeSnapshot(w, snap)
		return
	}

	injected, ok := injectBeforeClosingBody(snap.Body)
	if !ok {
		s.writeSnapshot(w, snap)
		return
	}
	snap.Body = injected
	// The length header is stale now; the transport layer recomputes it.
	snap.Header.Del("Content-Length")
	s.stats.ObserveInjected()
	s.writeSnapshot(w, snap)
}

// proxyPass is the transparent path for every non-document request.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request) {
	snap, err := s.fetchUpstream(r)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.writeSnapshot(w, snap)
}

func (s *Service) fetchUpstream(r *http.Request) (cache.Snapshot, error) {
	originURL := s.cfg.Origin + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, originURL, r.Body)
	if err != nil {
		return cache.Snapshot{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.upstream.Do(req)
	if err != nil {
		return cache.Snapshot{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.Snapshot{}, err
	}

	snap := cache.Snapshot{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	snap.Header.Del("Content-Length")
	return snap, nil
}

func (s *Service) writeSnapshot(w http.ResponseWriter, snap cache.Snapshot) {
	for k, vs := range snap.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(snap.Status)
	_, _ = w.Write(snap.Body)
	s.stats.Observe(len(snap.Body))
}

// suspendLoop models the host runtime forcing a suspended state after a
// bounded idle period. Suspension destroys the in-process timer state: the
// control loop stops and the monitor-armed guard clears. The next qualifying
// event reactivates implicitly.
func (s *Service) suspendLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.CheckInterval())
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if s.reg.State() != lifecycle.StateActivated {
				continue
			}
			last := time.Unix(0, s.lastActivity.Load())
			if time.Since(last) < s.cfg.IdleTimeout() {
				continue
			}
			s.monitor.Disarm()
			if err := s.reg.Transition(lifecycle.StateSuspended); err == nil {
				s.regs.SaveState(s.reg)
				s.logger.Info("suspended after idle", "scope", s.cfg.Scope, "idle", s.cfg.IdleTimeout())
			}
		}
	}
}

func (s *Service) statsLoop(every time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			if ss.TotalResponses == 0 {
				continue
			}
			s.logger.Info("proxy stats",
				"responses", ss.TotalResponses,
				"injected", ss.InjectedDocs,
				"min", formatBytes(ss.MinRespBytes),
				"avg", formatBytes(ss.AvgRespBytes),
				"max", formatBytes(ss.MaxRespBytes),
			)
		}
	}
}

// Registration exposes the live registration, mainly for status reporting.
func (s *Service) Registration() *lifecycle.Registration { return s.reg }

// Observers reports the number of attached foreground observers.
func (s *Service) Observers() int { return s.hub.Count() }

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if s.monitor != nil {
			s.monitor.Disarm()
		}
		s.hub.Close()
		s.regs.Close()
		s.store.Close()
	})
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
