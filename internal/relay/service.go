// Package relay bridges client WebSocket connections to an upstream realtime
// speech API.
//
// Every accepted client connection (the downstream leg) is paired with its
// own upstream connection to form a link. A link forwards each message in
// both directions unchanged and in order. When either leg ends, both are
// closed and the link is dropped from the registry.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/talkingobjects/internal/observe"
	"github.com/MrWong99/talkingobjects/internal/protocol"
	"github.com/MrWong99/talkingobjects/internal/resilience"
)

// Config tunes a [Service].
type Config struct {
	// Target is the initial upstream endpoint. See [Service.SetTarget].
	Target Target

	// MaxLinks caps concurrent links. Default: 64.
	MaxLinks int

	// MaxFrameBytes is the read limit on both legs. Default: 64 KiB.
	MaxFrameBytes int64

	// WriteTimeout bounds each forwarded write. Zero disables the bound.
	WriteTimeout time.Duration

	// OriginPatterns are host patterns accepted in the Origin header.
	OriginPatterns []string

	// Breaker tunes the circuit breaker around upstream dials.
	Breaker resilience.BreakerConfig
}

// Option configures a [Service].
type Option func(*Service)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithHTTPClient sets the client used for upstream handshakes.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.dialer.client = c }
}

// Service is an [http.Handler] serving the realtime route.
type Service struct {
	cfg     Config
	target  atomic.Pointer[Target]
	sem     *semaphore.Weighted
	used    atomic.Int64
	dialer  *dialer
	breaker *resilience.Breaker
	metrics *observe.Metrics

	// ctx parents every link and pending dial; cancel is called on Shutdown.
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	links    map[string]*link
	draining bool
	inflight sync.WaitGroup
}

// New returns a [Service] ready to serve upgrades.
func New(cfg Config, opts ...Option) *Service {
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = 64
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = protocol.DefaultMaxFrameBytes
	}

	s := &Service{
		cfg:   cfg,
		sem:   semaphore.NewWeighted(int64(cfg.MaxLinks)),
		links: make(map[string]*link),

		dialer: &dialer{},
	}
	s.ctx, s.cancel = context.WithCancelCause(context.Background())
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	bcfg := cfg.Breaker
	if bcfg.Name == "" {
		bcfg.Name = "upstream"
	}
	hook := bcfg.OnStateChange
	bcfg.OnStateChange = func(from, to resilience.State) {
		s.metrics.RecordBreakerTransition(context.Background(), to.String())
		if hook != nil {
			hook(from, to)
		}
	}
	s.breaker = resilience.NewBreaker(bcfg)
	s.dialer.breaker = s.breaker
	s.dialer.metrics = s.metrics

	t := cfg.Target
	s.target.Store(&t)
	return s
}

// SetTarget replaces the upstream endpoint for links opened from now on.
// Established links keep their current upstream.
func (s *Service) SetTarget(t Target) {
	s.target.Store(&t)
	slog.Info("relay: upstream target updated", "url", t.URL, "model", t.Model)
}

// Active returns the number of registered links.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Breaker exposes the upstream circuit breaker.
func (s *Service) Breaker() *resilience.Breaker {
	return s.breaker
}

// CheckCapacity fails when no link slot is free.
func (s *Service) CheckCapacity(context.Context) error {
	if s.used.Load() >= int64(s.cfg.MaxLinks) {
		return ErrAtCapacity
	}
	return nil
}

// CheckUpstream fails while the upstream breaker is open.
func (s *Service) CheckUpstream(context.Context) error {
	if s.breaker.State() == resilience.StateOpen {
		return resilience.ErrCircuitOpen
	}
	return nil
}

// ServeHTTP classifies the request and, for a valid upgrade, runs a link
// until it ends.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		switch r.Method {
		case http.MethodGet, http.MethodPost:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(protocol.EndpointMessage))
		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}
	if r.Method != http.MethodGet {
		s.metrics.RecordLinkAttempt(r.Context(), "bad_method")
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "upgrade requires GET", http.StatusMethodNotAllowed)
		return
	}
	if !headerHasToken(r.Header, "Upgrade", "websocket") {
		s.metrics.RecordLinkAttempt(r.Context(), "bad_request")
		http.Error(w, "expected Upgrade: websocket", http.StatusBadRequest)
		return
	}

	if !s.enter() {
		s.metrics.RecordLinkAttempt(r.Context(), "shutting_down")
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.inflight.Done()

	if !s.sem.TryAcquire(1) {
		s.metrics.RecordLinkAttempt(r.Context(), "at_capacity")
		observe.Logger(r.Context()).Warn("relay: rejecting upgrade at capacity", "max_links", s.cfg.MaxLinks)
		http.Error(w, "too many active links", http.StatusServiceUnavailable)
		return
	}
	s.used.Add(1)
	defer func() {
		s.used.Add(-1)
		s.sem.Release(1)
	}()

	down, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		// Accept has already written the error response.
		s.metrics.RecordLinkAttempt(r.Context(), "rejected")
		observe.Logger(r.Context()).Debug("relay: upgrade rejected", "err", err)
		return
	}
	down.SetReadLimit(s.cfg.MaxFrameBytes)

	// The link outlives the request; it keeps the request's values (trace
	// span, correlation ID) and ends with the service.
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(r.Context()))
	defer cancel(nil)
	stop := context.AfterFunc(s.ctx, func() { cancel(context.Cause(s.ctx)) })
	defer stop()

	up, err := s.dialer.dial(ctx, *s.target.Load())
	if err != nil {
		s.metrics.RecordLinkAttempt(ctx, "upstream_unavailable")
		if errors.Is(context.Cause(ctx), ErrShuttingDown) {
			_ = down.Close(websocket.StatusGoingAway, protocol.ReasonShuttingDown)
			return
		}
		_ = down.Close(protocol.StatusUpstreamUnavailable, protocol.ReasonUpstreamUnavailable)
		return
	}
	up.SetReadLimit(s.cfg.MaxFrameBytes)

	l := newLink(ctx, uuid.NewString(), down, up, s.cfg.WriteTimeout, s.metrics)
	if !s.register(l) {
		s.metrics.RecordLinkAttempt(ctx, "shutting_down")
		l.cancel(ErrShuttingDown)
		l.teardown(ErrShuttingDown)
		return
	}
	defer s.unregister(l)

	s.metrics.RecordLinkAttempt(ctx, "ok")
	l.log.Info("relay: link established", "active", s.Active())
	l.run()
}

// Shutdown closes every live link with 1001 going away and waits for their
// handlers to return or ctx to end. New upgrades are refused with 503.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	n := len(s.links)
	s.mu.Unlock()

	slog.Info("relay: shutting down", "links", n)
	s.cancel(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: shutdown: %w", ctx.Err())
	}
}

// enter admits a handler unless the service is draining.
func (s *Service) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Service) register(l *link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.links[l.id] = l
	s.metrics.ActiveLinks.Add(l.ctx, 1)
	return true
}

func (s *Service) unregister(l *link) {
	s.mu.Lock()
	delete(s.links, l.id)
	s.mu.Unlock()
	s.metrics.ActiveLinks.Add(context.Background(), -1)
}

// headerHasToken reports whether the comma-separated header contains token,
// compared case-insensitively.
func headerHasToken(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
