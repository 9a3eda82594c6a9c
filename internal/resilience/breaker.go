// Package resilience protects the client from a dependency that keeps
// failing.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open). The
// history recorder wraps its database writes in one so that an unreachable
// database costs a fast rejection per turn instead of a full write timeout.
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

// ErrOpen is returned by [Breaker.Execute] while the breaker is open or its
// single half-open probe is already running.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls until the cooldown elapses.
	Open

	// HalfOpen lets one probe call through; its outcome closes or re-opens
	// the breaker.
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Option configures a [Breaker].
type Option func(*Breaker)

// WithThreshold sets how many consecutive failures open the breaker.
// Default: 3.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays open before probing.
// Default: 30s.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateListener is called, outside the lock, on every transition.
func WithStateListener(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed [Breaker]. name labels its log lines.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: 3,
		cooldown:  30 * time.Second,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Execute runs fn if the breaker allows it and records the outcome.
// Context cancellation is not counted as a failure of the dependency.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	from, to, probe, err := b.admit()
	b.notify(from, to)
	if err != nil {
		return err
	}

	callErr := fn(ctx)

	b.mu.Lock()
	from = b.state
	switch {
	case callErr == nil:
		b.failures = 0
		b.state = Closed
	case ctx.Err() != nil && errors.Is(callErr, ctx.Err()):
		// Caller gave up; say nothing about the dependency.
		if probe {
			b.state = Open
			b.openedAt = b.now()
		}
	default:
		b.failures++
		if probe || b.failures >= b.threshold {
			b.state = Open
			b.openedAt = b.now()
		}
	}
	if probe {
		b.probing = false
	}
	to = b.state
	b.mu.Unlock()

	b.notify(from, to)
	return callErr
}

// admit decides whether a call may proceed and performs the open to
// half-open transition.
func (b *Breaker) admit() (from, to State, probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	from = b.state
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return from, from, false, ErrOpen
		}
		b.state = HalfOpen
		fallthrough
	case HalfOpen:
		if b.probing {
			return from, b.state, false, ErrOpen
		}
		b.probing = true
		return from, b.state, true, nil
	}
	return from, from, false, nil
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	switch to {
	case Open:
		slog.Warn("circuit opened", "name", b.name, "threshold", b.threshold, "cooldown", b.cooldown)
	case HalfOpen:
		slog.Info("circuit probing", "name", b.name)
	case Closed:
		slog.Info("circuit closed", "name", b.name)
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [HalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
	b.notify(from, Closed)
}
