package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/stagelive/internal/director"
	"github.com/MrWong99/stagelive/internal/resilience"
)

// ErrRecorderClosed is returned by [Recorder.Run] when the recorder was
// closed before it started.
var ErrRecorderClosed = errors.New("history: recorder closed")

const (
	defaultQueueSize    = 64
	defaultWriteTimeout = 5 * time.Second
)

// RecorderOption is a functional option for a [Recorder].
type RecorderOption func(*Recorder)

// WithQueueSize sets how many entries may wait for the store. Entries
// arriving while the queue is full are dropped.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithWriteTimeout bounds a single Append call.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithBreaker routes every Append through b. While b is open, entries are
// dropped without touching the store.
func WithBreaker(b *resilience.Breaker) RecorderOption {
	return func(r *Recorder) { r.breaker = b }
}

// Recorder moves performed turns from the director into a [Store]. Record
// never blocks the director; writes happen on the goroutine running
// [Recorder.Run].
type Recorder struct {
	store        Store
	queueSize    int
	writeTimeout time.Duration
	breaker      *resilience.Breaker

	queue    chan Entry
	done     chan struct{}
	stopOnce sync.Once
}

// NewRecorder returns a Recorder writing to store. Panics if store is nil.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	if store == nil {
		panic("history: NewRecorder requires a store")
	}
	r := &Recorder{
		store:        store,
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.queue = make(chan Entry, r.queueSize)
	return r
}

// Attach registers the recorder as a performed-turn listener on d.
func (r *Recorder) Attach(d *director.Director) {
	d.OnPerformed(r.Record)
}

// Record queues p for storage.
func (r *Recorder) Record(p director.Performed) {
	e := Entry{
		SegmentID: p.SegmentID,
		Character: p.Character,
		Name:      p.Name,
		Text:      p.Text,
		ThinkText: p.ThinkText,
		Chunks:    p.Chunks,
		Skipped:   p.Skipped,
		Started:   p.Started,
		Finished:  p.Finished,
	}
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.queue <- e:
	default:
		slog.Warn("history: queue full, dropping entry", "segment_id", e.SegmentID)
	}
}

// Run writes queued entries until ctx ends or Close is called, then drains
// what is left. Store errors are logged.
func (r *Recorder) Run(ctx context.Context) error {
	select {
	case <-r.done:
		return ErrRecorderClosed
	default:
	}
	for {
		if ctx.Err() != nil {
			r.drain(context.WithoutCancel(ctx))
			return nil
		}
		select {
		case e := <-r.queue:
			r.write(ctx, e)
		case <-ctx.Done():
			r.drain(context.WithoutCancel(ctx))
			return nil
		case <-r.done:
			r.drain(ctx)
			return nil
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case e := <-r.queue:
			r.write(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, e Entry) {
	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()
	var err error
	if r.breaker != nil {
		err = r.breaker.Execute(ctx, func(ctx context.Context) error {
			return r.store.Append(ctx, e)
		})
	} else {
		err = r.store.Append(ctx, e)
	}
	switch {
	case errors.Is(err, resilience.ErrOpen):
		slog.Debug("history: store unavailable, dropping entry", "segment_id", e.SegmentID)
	case err != nil:
		slog.Warn("history: append failed", "segment_id", e.SegmentID, "err", err)
	}
}

// Close stops Run after the queued entries are written. Safe to call
// multiple times.
func (r *Recorder) Close() error {
	r.stopOnce.Do(func() { close(r.done) })
	return nil
}
