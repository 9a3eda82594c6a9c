// Package mock provides in-memory mock implementations of [audio.Player] and
// [audio.Sink] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on what was played, and expose fields that control behaviour:
//
//	p := &mock.Player{
//	    Duration: 20 * time.Millisecond,
//	    Errors:   map[string]error{"bad": audio.ErrDecode},
//	}
//	err := p.Play(ctx, "bad", nil) // returns audio.ErrDecode
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/stagelive/pkg/audio"
)

var (
	_ audio.Player = (*Player)(nil)
	_ audio.Sink   = (*Sink)(nil)
)

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock implementation of [audio.Player].
type Player struct {
	mu sync.Mutex

	// Duration is how long each successful Play blocks. Cancelling the
	// context does not shorten it unless HonourCancel is set.
	Duration time.Duration

	// HonourCancel makes Play return early with the context error.
	HonourCancel bool

	// Levels are reported to onLevel, spread over Duration, before the
	// terminal 0. Defaults to a single 0.5.
	Levels []float64

	// Errors maps payloads to the error Play returns for them. Failing
	// payloads return immediately.
	Errors map[string]error

	// Gate, when non-nil, makes every Play wait for a value (or close) on it
	// before returning. Used to hold a chunk "in flight".
	Gate chan struct{}

	played []string
	active int
	peak   int
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, payload string, onLevel func(float64)) error {
	report := func(v float64) {
		if onLevel != nil {
			onLevel(v)
		}
	}
	defer report(0)

	p.mu.Lock()
	p.played = append(p.played, payload)
	p.active++
	p.peak = max(p.peak, p.active)
	err := p.Errors[payload]
	levels := p.Levels
	d := p.Duration
	honour := p.HonourCancel
	gate := p.Gate
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if err != nil {
		return err
	}
	if len(levels) == 0 {
		levels = []float64{0.5}
	}

	var done <-chan struct{}
	if honour {
		done = ctx.Done()
	}
	step := d / time.Duration(len(levels))
	for _, v := range levels {
		report(v)
		if step <= 0 {
			continue
		}
		select {
		case <-done:
			return ctx.Err()
		case <-time.After(step):
		}
	}
	if gate != nil {
		select {
		case <-done:
			return ctx.Err()
		case <-gate:
		}
	}
	return nil
}

// Played returns the payloads passed to Play in call order.
func (p *Player) Played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.played))
	copy(out, p.played)
	return out
}

// Active returns the number of Play calls currently in progress.
func (p *Player) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// MaxConcurrent returns the highest number of simultaneous Play calls seen.
func (p *Player) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// WriteErr is returned by every Write call.
	WriteErr error

	frames []audio.AudioFrame
}

// Write implements [audio.Sink].
func (s *Sink) Write(_ context.Context, frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	cp := frame
	cp.Data = append([]byte(nil), frame.Data...)
	s.frames = append(s.frames, cp)
	return nil
}

// Frames returns every frame written so far.
func (s *Sink) Frames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.AudioFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Bytes returns the concatenated PCM of every written frame.
func (s *Sink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, f := range s.frames {
		out = append(out, f.Data...)
	}
	return out
}
