// Package vad defines the Engine interface for voice activity detection.
//
// A VAD engine turns fixed-size PCM frames into speech start, continue and
// end events using a per-stream session. Each session keeps its own smoothing
// state, so several microphones can be processed independently.
//
// ProcessFrame is synchronous and must not block: it runs inline in the
// capture loop that decides when to interrupt the performance and when to
// stream audio upstream.
package vad

import (
	"errors"
	"fmt"
)

// Event is the detection result for one audio frame.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Probability is the speech probability score in [0, 1].
	Probability float64
}

// EventType enumerates detection states.
type EventType int

const (
	// SpeechStart indicates speech has just begun.
	SpeechStart EventType = iota

	// SpeechContinue indicates ongoing speech.
	SpeechContinue

	// SpeechEnd indicates speech has just ended.
	SpeechEnd

	// Silence indicates no speech.
	Silence
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	case Silence:
		return "silence"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the PCM sample rate in Hz. Common values: 8000, 16000,
	// 48000.
	SampleRate int

	// FrameSizeMs is the duration of each frame. ProcessFrame rejects frames
	// of any other size.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame counts as
	// speech. Typical: 0.5.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which an active speech run is
	// considered ended. Must not exceed SpeechThreshold. Typical: 0.35.
	SilenceThreshold float64
}

// FrameBytes returns the size of one mono 16-bit frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame size must be positive, got %dms", c.FrameSizeMs))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold %v outside [0, 1]", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad: silence threshold %v must be in [0, speech threshold]", c.SilenceThreshold))
	}
	return errors.Join(errs...)
}

// SessionHandle is an active VAD session for a single audio stream. A session
// should not be shared between goroutines unless the implementation says so.
type SessionHandle interface {
	// ProcessFrame analyses one frame of little-endian 16-bit mono PCM at the
	// configured rate and frame size.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine creates VAD sessions. Implementations must be safe for concurrent
// use.
type Engine interface {
	// NewSession creates a session with the given configuration. It returns
	// an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
