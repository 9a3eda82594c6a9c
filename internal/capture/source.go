package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/stagelive/pkg/audio"
)

// ReadFrames reads raw 16-bit PCM in format f from r and emits it in blocks
// of frameMs. With realtime set, blocks are released at the rate they would
// be captured. The channel is closed at EOF, on a read error or when ctx
// ends.
func ReadFrames(ctx context.Context, r io.Reader, f audio.Format, frameMs int, realtime bool) <-chan audio.AudioFrame {
	out := make(chan audio.AudioFrame, 16)
	size := f.SampleRate * frameMs / 1000 * f.FrameBytes()
	interval := time.Duration(frameMs) * time.Millisecond

	go func() {
		defer close(out)
		var tick <-chan time.Time
		if realtime {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		var ts time.Duration
		for {
			buf := make([]byte, size)
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				frame := audio.AudioFrame{Data: buf[:n], SampleRate: f.SampleRate, Channels: f.Channels, Timestamp: ts}
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
				ts += interval
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					slog.Warn("capture: read failed", "err", err)
				}
				return
			}
			if tick != nil {
				select {
				case <-tick:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
