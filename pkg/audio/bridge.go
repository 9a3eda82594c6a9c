package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Compile-time assertions that the bridge and sinks satisfy their interfaces.
var (
	_ Player = (*Bridge)(nil)
	_ Sink   = DiscardSink{}
	_ Sink   = (*WriterSink)(nil)
)

// ErrDecode is returned by [Bridge.Play] when a payload cannot be turned into
// PCM.
var ErrDecode = errors.New("audio: decode failed")

// Default bridge parameters.
const (
	defaultFrameRate  = 60
	defaultThreshold  = 10
	defaultGain       = 3.0
	defaultSampleRate = 48000
)

// Player plays one audio chunk to completion.
type Player interface {
	// Play decodes payload (base64 audio) and renders it, calling onLevel with
	// the mouth-openness value of every rendered frame. onLevel receives
	// exactly one final call with 0 when Play returns, whatever the outcome.
	// onLevel may be nil.
	Play(ctx context.Context, payload string, onLevel func(level float64)) error
}

// Sink receives rendered PCM frames. Write may block to apply backpressure.
type Sink interface {
	Write(ctx context.Context, frame AudioFrame) error
}

// DiscardSink drops every frame. Level reporting and pacing still happen,
// which is what a headless client needs for lip sync.
type DiscardSink struct{}

// Write implements [Sink].
func (DiscardSink) Write(context.Context, AudioFrame) error { return nil }

// WriterSink writes raw PCM to an [io.Writer], e.g. a FIFO read by an
// external player.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink returns a [WriterSink] writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Write implements [Sink].
func (s *WriterSink) Write(_ context.Context, frame AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(frame.Data); err != nil {
		return fmt.Errorf("audio: write sink: %w", err)
	}
	return nil
}

// ── Options ───────────────────────────────────────────────────────────────────

// BridgeOption is a functional option for configuring a [Bridge].
type BridgeOption func(*Bridge)

// WithOutputFormat sets the format frames are converted to before reaching
// the sink. Default: 48 kHz mono.
func WithOutputFormat(f Format) BridgeOption {
	return func(b *Bridge) { b.out = f }
}

// WithRawFormat sets the format assumed for payloads that are not WAV files.
// Default: the output format.
func WithRawFormat(f Format) BridgeOption {
	return func(b *Bridge) { b.raw = f }
}

// WithFrameRate sets how many frames per second are rendered and reported.
func WithFrameRate(fps int) BridgeOption {
	return func(b *Bridge) {
		if fps > 0 {
			b.frameRate = fps
		}
	}
}

// WithLevelMapping sets the loudness threshold and gain passed to [Level].
func WithLevelMapping(threshold, gain float64) BridgeOption {
	return func(b *Bridge) {
		b.threshold = threshold
		b.gain = gain
	}
}

// WithRealtime controls whether frames are paced at the frame rate. Disable it
// when the sink blocks for the playback time itself or in tests.
func WithRealtime(on bool) BridgeOption {
	return func(b *Bridge) { b.realtime = on }
}

// ── Bridge ────────────────────────────────────────────────────────────────────

// Bridge is the default [Player]. It holds no per-playback state, so one
// Bridge may serve several characters concurrently.
type Bridge struct {
	sink      Sink
	out       Format
	raw       Format
	frameRate int
	threshold float64
	gain      float64
	realtime  bool
}

// NewBridge creates a [Bridge] that renders into sink.
func NewBridge(sink Sink, opts ...BridgeOption) *Bridge {
	if sink == nil {
		sink = DiscardSink{}
	}
	b := &Bridge{
		sink:      sink,
		out:       Format{SampleRate: defaultSampleRate, Channels: 1},
		frameRate: defaultFrameRate,
		threshold: defaultThreshold,
		gain:      defaultGain,
		realtime:  true,
	}
	for _, o := range opts {
		o(b)
	}
	if b.raw == (Format{}) {
		b.raw = b.out
	}
	return b
}

// Play implements [Player]. Cancelling ctx stops rendering at the next frame
// boundary and returns the context error.
func (b *Bridge) Play(ctx context.Context, payload string, onLevel func(float64)) error {
	report := func(v float64) {
		if onLevel != nil {
			onLevel(v)
		}
	}
	defer report(0)

	pcm, err := b.decode(payload)
	if err != nil {
		return err
	}

	samples := max(b.out.SampleRate/b.frameRate, 1)
	step := samples * b.out.FrameBytes()

	var tick <-chan time.Time
	if b.realtime {
		ticker := time.NewTicker(time.Second / time.Duration(b.frameRate))
		defer ticker.Stop()
		tick = ticker.C
	}

	for off := 0; off < len(pcm); off += step {
		if err := ctx.Err(); err != nil {
			return err
		}
		block := pcm[off:min(off+step, len(pcm))]
		frame := AudioFrame{
			Data:       block,
			SampleRate: b.out.SampleRate,
			Channels:   b.out.Channels,
			Timestamp:  b.out.Duration(off),
		}
		if err := b.sink.Write(ctx, frame); err != nil {
			return err
		}
		report(Level(Loudness(block), b.threshold, b.gain))

		if tick != nil && off+step < len(pcm) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		}
	}
	return nil
}

// Duration returns the playback length of payload without rendering it.
func (b *Bridge) Duration(payload string) (time.Duration, error) {
	pcm, err := b.decode(payload)
	if err != nil {
		return 0, err
	}
	return b.out.Duration(len(pcm)), nil
}

// decode turns a base64 payload into PCM in the output format.
func (b *Bridge) decode(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %w", ErrDecode, err)
	}

	var (
		pcm []byte
		src Format
	)
	if IsWAV(data) {
		if pcm, src, err = DecodeWAV(data); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
	} else {
		pcm, src = data, b.raw
	}

	out, err := Convert(pcm, src, b.out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return out, nil
}
