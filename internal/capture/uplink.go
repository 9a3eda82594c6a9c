// Package capture streams the user's voice to the backend.
//
// Every PCM frame is classified by a VAD session. On speech onset the
// performance is interrupted and the frames of the speech run are sent
// upstream as base64 audio with is_final=false; when the run ends an empty
// audio frame with is_final=true closes the utterance.
package capture

import (
	"container/list"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/stagelive/pkg/audio"
	"github.com/MrWong99/stagelive/pkg/protocol"
	"github.com/MrWong99/stagelive/pkg/provider/vad"
	"github.com/MrWong99/stagelive/pkg/transport"
)

// ErrClosed is returned by [Uplink.ProcessFrame] after [Uplink.Close].
var ErrClosed = errors.New("capture: uplink closed")

// Interrupter is the part of the director the uplink needs.
type Interrupter interface {
	Interrupt()
}

// TokenSource supplies the auth token attached to outbound audio.
type TokenSource interface {
	Token() string
}

// Option is a functional option for configuring an [Uplink].
type Option func(*Uplink)

// WithPreroll keeps the last n non-speech frames and sends them ahead of the
// first speech frame, so the onset the VAD needed to detect speech is not
// lost.
func WithPreroll(n int) Option {
	return func(u *Uplink) {
		if n >= 0 {
			u.preroll = n
		}
	}
}

// Uplink turns microphone frames into outbound audio frames.
//
// All methods are safe for concurrent use.
type Uplink struct {
	cfg         vad.Config
	sender      transport.Sender
	interrupter Interrupter
	tokens      TokenSource
	preroll     int

	mu       sync.Mutex
	sess     vad.SessionHandle
	speaking bool
	closed   bool
	history  *list.List
}

// New creates an [Uplink] with a fresh session from eng.
func New(eng vad.Engine, cfg vad.Config, sender transport.Sender, interrupter Interrupter, tokens TokenSource, opts ...Option) (*Uplink, error) {
	sess, err := eng.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("capture: new vad session: %w", err)
	}
	u := &Uplink{
		cfg:         cfg,
		sender:      sender,
		interrupter: interrupter,
		tokens:      tokens,
		preroll:     2,
		sess:        sess,
		history:     list.New(),
	}
	for _, o := range opts {
		o(u)
	}
	return u, nil
}

// Format returns the PCM format ProcessFrame expects.
func (u *Uplink) Format() audio.Format {
	return audio.Format{SampleRate: u.cfg.SampleRate, Channels: 1}
}

// Speaking reports whether a speech run is in progress.
func (u *Uplink) Speaking() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.speaking
}

// ProcessFrame classifies one PCM frame and sends whatever the detection
// result calls for.
func (u *Uplink) ProcessFrame(ctx context.Context, pcm []byte) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	ev, err := u.sess.ProcessFrame(pcm)
	if err != nil {
		u.mu.Unlock()
		return fmt.Errorf("capture: vad: %w", err)
	}

	var (
		send      [][]byte
		final     bool
		interrupt bool
	)
	switch ev.Type {
	case vad.SpeechStart:
		u.speaking = true
		interrupt = true
		for e := u.history.Front(); e != nil; e = e.Next() {
			send = append(send, e.Value.([]byte))
		}
		u.history.Init()
		send = append(send, pcm)
	case vad.SpeechContinue:
		if u.speaking {
			send = append(send, pcm)
		}
	case vad.SpeechEnd:
		if u.speaking {
			u.speaking = false
			final = true
		}
	case vad.Silence:
		u.remember(pcm)
	}
	u.mu.Unlock()

	if interrupt {
		slog.Debug("capture: speech started", "probability", ev.Probability)
		u.interrupter.Interrupt()
	}

	token := u.tokens.Token()
	var errs []error
	for _, frame := range send {
		payload := base64.StdEncoding.EncodeToString(frame)
		if err := u.sender.Send(ctx, protocol.Audio(payload, false, token)); err != nil {
			errs = append(errs, err)
		}
	}
	if final {
		slog.Debug("capture: speech ended")
		if err := u.sender.Send(ctx, protocol.Audio("", true, token)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("capture: send: %w", err)
	}
	return nil
}

// remember keeps pcm in the preroll ring. u.mu must be held.
func (u *Uplink) remember(pcm []byte) {
	if u.preroll == 0 {
		return
	}
	u.history.PushBack(append([]byte(nil), pcm...))
	for u.history.Len() > u.preroll {
		u.history.Remove(u.history.Front())
	}
}

// Run processes frames until the channel is closed or ctx ends. Frames in a
// different format are converted first. Send failures are logged and do not
// stop the loop.
func (u *Uplink) Run(ctx context.Context, frames <-chan audio.AudioFrame) error {
	target := u.Format()
	frameBytes := u.cfg.FrameBytes()
	var pending []byte

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			pcm, err := audio.Convert(f.Data, f.Format(), target)
			if err != nil {
				slog.Warn("capture: dropping unconvertible frame", "format", f.Format(), "err", err)
				continue
			}
			// Re-slice into VAD-sized frames.
			pending = append(pending, pcm...)
			for len(pending) >= frameBytes {
				frame := pending[:frameBytes]
				if err := u.ProcessFrame(ctx, frame); err != nil {
					if errors.Is(err, ErrClosed) {
						return nil
					}
					slog.Warn("capture: frame not delivered", "err", err)
				}
				pending = pending[frameBytes:]
			}
			pending = append([]byte(nil), pending...)
		}
	}
}

// Close releases the VAD session. Safe to call multiple times.
func (u *Uplink) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	return u.sess.Close()
}
