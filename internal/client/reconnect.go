package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/talkingobjects/pkg/audio"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrRetriesExhausted is returned by [Reconnector.Run] when every attempt
// after a failure has failed.
var ErrRetriesExhausted = errors.New("client: reconnect retries exhausted")

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Endpoint is the relay WebSocket URL.
	Endpoint string

	// Session configures every session the reconnector creates.
	Session Config

	// MaxRetries is the number of consecutive failed attempts tolerated
	// before giving up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial delay between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnSession is called with every newly opened session. May be nil.
	OnSession func(*Session)
}

// Reconnector keeps one session open. When the current session fails it
// creates a new one (with a new ID) after an exponential backoff. A session
// closed normally by the relay, or by [Reconnector.Stop], ends [Reconnector.Run].
//
// All methods are safe for concurrent use.
type Reconnector struct {
	cfg   ReconnectorConfig
	after func(time.Duration) <-chan time.Time

	mu       sync.Mutex
	current  *Session
	done     chan struct{}
	stopOnce sync.Once
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	return &Reconnector{
		cfg:   cfg,
		after: time.After,
		done:  make(chan struct{}),
	}
}

// Current returns the open session, or nil while (re)connecting.
func (r *Reconnector) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Send forwards f to the current session.
func (r *Reconnector) Send(f audio.Frame) error {
	s := r.Current()
	if s == nil {
		return ErrNotConnected
	}
	return s.Send(f)
}

// Stop closes the current session and makes Run return nil. Safe to call
// multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	if s := r.Current(); s != nil {
		_ = s.Close()
	}
}

// Run connects and keeps reconnecting until ctx ends, Stop is called, the
// relay closes a session normally, or MaxRetries consecutive attempts fail.
func (r *Reconnector) Run(ctx context.Context) error {
	backoff := r.cfg.Backoff
	failures := 0
	for {
		if r.stopped(ctx) {
			return ctx.Err()
		}

		s := New(r.cfg.Session)
		err := s.Connect(ctx, r.cfg.Endpoint)
		if err == nil {
			failures, backoff = 0, r.cfg.Backoff
			slog.Info("client: connected", "session_id", s.ID, "endpoint", r.cfg.Endpoint)
			r.setCurrent(s)
			if r.cfg.OnSession != nil {
				r.cfg.OnSession(s)
			}

			select {
			case <-ctx.Done():
				_ = s.Close()
				r.setCurrent(nil)
				return ctx.Err()
			case <-r.done:
				_ = s.Close()
				r.setCurrent(nil)
				return nil
			case <-s.Done():
			}
			r.setCurrent(nil)
			if s.State() == StateClosed {
				return nil
			}
			err = s.Err()
		}

		if r.stopped(ctx) {
			return ctx.Err()
		}
		failures++
		if failures > r.cfg.MaxRetries {
			slog.Error("client: reconnection failed after max retries",
				"endpoint", r.cfg.Endpoint,
				"max_retries", r.cfg.MaxRetries,
				"err", err,
			)
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, failures, err)
		}
		slog.Warn("client: connection attempt failed",
			"endpoint", r.cfg.Endpoint,
			"attempt", failures,
			"max_retries", r.cfg.MaxRetries,
			"backoff", backoff,
			"upstream_unavailable", errors.Is(err, ErrUpstreamUnavailable),
			"err", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return nil
		case <-r.after(backoff):
		}
		backoff = min(backoff*2, r.cfg.MaxBackoff)
	}
}

func (r *Reconnector) setCurrent(s *Session) {
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()
}

func (r *Reconnector) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-r.done:
		return true
	default:
		return false
	}
}
