// Package audio renders backend speech and derives the mouth-openness signal
// that drives lip sync.
//
// A [Bridge] takes one base64 audio chunk, decodes it (WAV or raw 16-bit PCM),
// converts it to the output [Format], writes it to a [Sink] one rendering
// frame at a time and reports the loudness of every frame as a value in
// [0, 1]. The bridge never queues: callers play chunks one after another.
//
// All PCM handled by this package is little-endian signed 16-bit, interleaved
// when Channels > 1.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FrameBytes is the size in bytes of one sample frame across all channels.
func (f Format) FrameBytes() int { return 2 * f.Channels }

// Duration returns the playback length of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := n / f.FrameBytes()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// AudioFrame is one block of PCM flowing to a [Sink] or from the capture
// pipeline.
type AudioFrame struct {
	// Data is the PCM payload.
	Data []byte

	// SampleRate in Hz (e.g. 48000 for output, 16000 for capture).
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the frame's offset from the start of its stream.
	Timestamp time.Duration
}

// Format returns the frame's [Format].
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}
