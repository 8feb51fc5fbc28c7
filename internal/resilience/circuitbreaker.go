// Package resilience guards calls to a flaky dependency (the upstream
// realtime API) with a three-state circuit breaker.
//
// While closed every call goes through. After MaxFailures consecutive
// failures the breaker opens and rejects calls with [ErrCircuitOpen] until
// ResetTimeout has passed. It then lets up to HalfOpenMax probes through: all
// succeeding closes it again, any failing re-opens it.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the guarded function while the
// breaker is open or its probe budget is spent.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker]. The yaml tags let it be
// embedded in the application config directly.
type BreakerConfig struct {
	// Name labels log lines.
	Name string `yaml:"-"`

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of probes allowed while half-open.
	// Default: 3.
	HalfOpenMax int `yaml:"half_open_max"`

	// OnStateChange, if set, is called after every transition with the
	// breaker lock released.
	OnStateChange func(from, to State) `yaml:"-"`
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int
}

// NewBreaker creates a closed [Breaker]. Zero-valued config fields fall back
// to defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn if the breaker permits it and records the outcome. A failure
// caused by the caller's own ctx being cancelled is not counted against the
// dependency.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	if err != nil && ctx.Err() != nil {
		b.release(probe)
		return err
	}
	b.record(probe, err == nil)
	return err
}

// admit decides whether a call may proceed and reports whether it is a
// half-open probe.
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	var changed func()
	defer func() {
		b.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		changed = b.transition(StateHalfOpen)
		b.probes, b.probeWins = 0, 0
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
	}
	if b.state == StateHalfOpen {
		b.probes++
		return true, nil
	}
	return false, nil
}

// release returns an unused probe slot.
func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
}

func (b *Breaker) record(probe, ok bool) {
	b.mu.Lock()
	var changed func()
	defer func() {
		b.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	switch {
	case ok && probe:
		b.probeWins++
		if b.state == StateHalfOpen && b.probeWins >= b.cfg.HalfOpenMax {
			b.failures = 0
			changed = b.transition(StateClosed)
		}
	case ok:
		b.failures = 0
	case probe:
		b.openedAt = b.now()
		changed = b.transition(StateOpen)
	default:
		b.failures++
		if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
			b.openedAt = b.now()
			changed = b.transition(StateOpen)
		}
	}
}

// transition switches state, logs, and returns the hook call to run once the
// lock is released. Must be called with b.mu held.
func (b *Breaker) transition(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", b.cfg.Name, "from", from.String(), "failures", b.failures)
	default:
		slog.Info("circuit breaker state changed", "name", b.cfg.Name, "from", from.String(), "to", to.String())
	}
	if hook := b.cfg.OnStateChange; hook != nil {
		return func() { hook(from, to) }
	}
	return nil
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	changed := b.transition(StateClosed)
	b.failures, b.probes, b.probeWins = 0, 0, 0
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
}
