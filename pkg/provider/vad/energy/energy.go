// Package energy implements a loudness-based [vad.Engine].
//
// The speech probability of a frame is its RMS level mapped linearly from a
// noise floor (probability 0) to a speech level (probability 1), both in
// dBFS. A speech run starts after a number of consecutive frames at or above
// the speech threshold and ends after a hangover of frames below the silence
// threshold.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/stagelive/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("energy: session closed")

// Default tuning.
const (
	defaultFloorDB     = -55.0
	defaultSpeechDB    = -25.0
	defaultStartFrames = 2
	defaultHangoverMs  = 400
)

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithLevels sets the noise floor and speech level in dBFS.
func WithLevels(floorDB, speechDB float64) Option {
	return func(e *Engine) {
		if speechDB > floorDB {
			e.floorDB, e.speechDB = floorDB, speechDB
		}
	}
}

// WithStartFrames sets how many consecutive speech frames open a run.
func WithStartFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.startFrames = n
		}
	}
}

// WithHangover sets how long the level must stay below the silence
// threshold before a run ends.
func WithHangover(ms int) Option {
	return func(e *Engine) {
		if ms >= 0 {
			e.hangoverMs = ms
		}
	}
}

// Engine is the energy [vad.Engine].
type Engine struct {
	floorDB     float64
	speechDB    float64
	startFrames int
	hangoverMs  int
}

// New creates an [Engine].
func New(opts ...Option) *Engine {
	e := &Engine{
		floorDB:     defaultFloorDB,
		speechDB:    defaultSpeechDB,
		startFrames: defaultStartFrames,
		hangoverMs:  defaultHangoverMs,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return &session{
		cfg:         cfg,
		eng:         *e,
		frameBytes:  cfg.FrameBytes(),
		hangFrames:  max(e.hangoverMs/cfg.FrameSizeMs, 1),
		startFrames: e.startFrames,
	}, nil
}

// session is safe for concurrent use.
type session struct {
	cfg         vad.Config
	eng         Engine
	frameBytes  int
	hangFrames  int
	startFrames int

	mu       sync.Mutex
	speaking bool
	above    int
	below    int
	closed   bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}
	p := s.probability(frame)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, ErrClosed
	}

	if !s.speaking {
		if p >= s.cfg.SpeechThreshold {
			s.above++
		} else {
			s.above = 0
		}
		if s.above >= s.startFrames {
			s.speaking = true
			s.above = 0
			s.below = 0
			return vad.Event{Type: vad.SpeechStart, Probability: p}, nil
		}
		return vad.Event{Type: vad.Silence, Probability: p}, nil
	}

	if p < s.cfg.SilenceThreshold {
		s.below++
	} else {
		s.below = 0
	}
	if s.below >= s.hangFrames {
		s.speaking = false
		s.below = 0
		return vad.Event{Type: vad.SpeechEnd, Probability: p}, nil
	}
	return vad.Event{Type: vad.SpeechContinue, Probability: p}, nil
}

// probability maps the frame's RMS level onto [0, 1].
func (s *session) probability(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(frame[i*2:]))) / 32768
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	p := (db - s.eng.floorDB) / (s.eng.speechDB - s.eng.floorDB)
	return min(max(p, 0), 1)
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.above = 0
	s.below = 0
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
