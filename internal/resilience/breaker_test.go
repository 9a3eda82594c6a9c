package resilience_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/stagelive/internal/resilience"
)

var errDB = errors.New("connection refused")

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBreaker(t *testing.T, opts ...resilience.Option) (*resilience.Breaker, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]resilience.Option{
		resilience.WithThreshold(2),
		resilience.WithCooldown(time.Minute),
		resilience.WithClock(c.Now),
	}, opts...)
	return resilience.New("history", opts...), c
}

func fail(context.Context) error { return errDB }
func ok(context.Context) error   { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newBreaker(t)
	ctx := context.Background()

	if err := b.Execute(ctx, fail); !errors.Is(err, errDB) {
		t.Fatalf("first failure = %v", err)
	}
	if b.State() != resilience.Closed {
		t.Fatalf("state after 1 failure = %v, want closed", b.State())
	}
	_ = b.Execute(ctx, fail)
	if b.State() != resilience.Open {
		t.Fatalf("state after 2 failures = %v, want open", b.State())
	}

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, resilience.ErrOpen) || called {
		t.Errorf("open breaker: err = %v, called = %v", err, called)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	b, _ := newBreaker(t)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, ok)
	_ = b.Execute(ctx, fail)
	if b.State() != resilience.Closed {
		t.Errorf("state = %v, want closed (failures were not consecutive)", b.State())
	}
}

func TestBreaker_ProbeCloses(t *testing.T) {
	t.Parallel()
	var transitions []string
	b, c := newBreaker(t, resilience.WithStateListener(func(from, to resilience.State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	c.Advance(time.Minute)
	if b.State() != resilience.HalfOpen {
		t.Fatalf("state after cooldown = %v, want half-open", b.State())
	}
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != resilience.Closed {
		t.Errorf("state after good probe = %v, want closed", b.State())
	}

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	t.Parallel()
	b, c := newBreaker(t)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	c.Advance(time.Minute)
	_ = b.Execute(ctx, fail)
	if b.State() != resilience.Open {
		t.Errorf("state after failed probe = %v, want open", b.State())
	}
}

func TestBreaker_SingleProbe(t *testing.T) {
	t.Parallel()
	b, c := newBreaker(t)
	ctx := context.Background()
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	c.Advance(time.Minute)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe
	if err := b.Execute(ctx, ok); !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("second call during probe = %v, want ErrOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("probe = %v", err)
	}
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	t.Parallel()
	b, _ := newBreaker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 3 {
		_ = b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	}
	if b.State() != resilience.Closed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b, _ := newBreaker(t)
	ctx := context.Background()
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	b.Reset()
	if b.State() != resilience.Closed {
		t.Errorf("state after Reset = %v, want closed", b.State())
	}
	if err := b.Execute(ctx, ok); err != nil {
		t.Errorf("call after Reset = %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := map[resilience.State]string{
		resilience.Closed:   "closed",
		resilience.Open:     "open",
		resilience.HalfOpen: "half-open",
		resilience.State(9): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
