package segment

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/stagelive/internal/observe"
	"github.com/MrWong99/stagelive/pkg/protocol"
	"github.com/MrWong99/stagelive/pkg/transport"
)

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Buffer].
type Option func(*Buffer)

// WithStrictSpeaker controls how content frames that name no character are
// routed. By default they apply to the active receiver. In strict mode they
// never match and are dropped.
func WithStrictSpeaker(strict bool) Option {
	return func(b *Buffer) { b.strict = strict }
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Buffer) { b.metrics = m }
}

// WithIDGenerator overrides the segment id source. Defaults to random UUIDs.
func WithIDGenerator(fn func() string) Option {
	return func(b *Buffer) {
		if fn != nil {
			b.newID = fn
		}
	}
}

// ── Buffer ────────────────────────────────────────────────────────────────────

// Buffer owns the FIFO queue of performance segments.
//
// Every mutator applies its whole effect under the buffer lock, so a reader
// never observes a half-applied frame. Listeners registered with
// [Buffer.OnPush] run after the lock is released and may call back into the
// buffer.
//
// All methods are safe for concurrent use.
type Buffer struct {
	strict  bool
	metrics *observe.Metrics
	newID   func() string

	mu        sync.Mutex
	queue     []*segment
	listeners []func(View)
}

// NewBuffer creates an empty [Buffer].
func NewBuffer(opts ...Option) *Buffer {
	b := &Buffer{newID: uuid.NewString}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Attach subscribes the buffer's handlers on bus for every content kind.
func (b *Buffer) Attach(bus *transport.Bus) {
	bus.Subscribe(protocol.KindStart, func(m protocol.Message) { b.OnStart(m.Character) })
	bus.Subscribe(protocol.KindText, func(m protocol.Message) { b.OnTextDelta(m.Character, m.Data) })
	bus.Subscribe(protocol.KindThinkText, func(m protocol.Message) { b.OnThinkDelta(m.Character, m.Data) })
	bus.Subscribe(protocol.KindAudio, func(m protocol.Message) { b.OnAudioChunk(m.Character, m.Data, m.IsFinal) })
	bus.Subscribe(protocol.KindEnd, func(m protocol.Message) { b.OnEnd(m.Character) })
	bus.Subscribe(protocol.KindFinish, func(protocol.Message) { b.OnFinish() })
}

// OnPush registers fn to be called with the new segment each time
// [Buffer.OnStart] appends one.
func (b *Buffer) OnPush(fn func(View)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// OnStart appends a new empty segment for character and returns its id. An
// empty character becomes [protocol.UnknownCharacter]. An incomplete previous
// tail is left in the queue as is.
func (b *Buffer) OnStart(character string) string {
	if character == "" {
		character = protocol.UnknownCharacter
	}

	b.mu.Lock()
	if tail := b.tail(); tail != nil && !tail.segmentComplete {
		slog.Warn("segment: start before previous turn ended",
			"previous_id", tail.id,
			"previous_character", tail.character,
			"character", character,
		)
	}
	s := &segment{id: b.newID(), character: character}
	b.queue = append(b.queue, s)
	v := s.view()
	listeners := make([]func(View), len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	b.metrics.RecordQueued(context.Background(), character)
	slog.Debug("segment: turn opened", "segment_id", v.ID, "character", character)

	for _, fn := range listeners {
		fn(v)
	}
	return v.ID
}

// OnTextDelta appends data to the active receiver's main text and closes its
// thinking phase. It reports whether a receiver accepted the delta.
func (b *Buffer) OnTextDelta(character, data string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.receiver(protocol.KindText, character)
	if s == nil {
		return false
	}
	s.text.WriteString(data)
	s.thinkingComplete = true
	return true
}

// OnThinkDelta appends data to the active receiver's thinking text.
func (b *Buffer) OnThinkDelta(character, data string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.receiver(protocol.KindThinkText, character)
	if s == nil {
		return false
	}
	s.thinkText.WriteString(data)
	return true
}

// OnAudioChunk adds one streamed audio payload to the active receiver. When
// isFinal is set, the payloads collected since the previous final marker are
// concatenated into one playable [AudioChunk].
func (b *Buffer) OnAudioChunk(character, payload string, isFinal bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.receiver(protocol.KindAudio, character)
	if s == nil {
		return false
	}
	s.appendAudio(payload, isFinal)
	return true
}

// OnEnd closes the active receiver: residual audio is flushed as one chunk
// and all four completion flags are set, whatever signals arrived before.
func (b *Buffer) OnEnd(character string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.receiver(protocol.KindEnd, character)
	if s == nil {
		return false
	}
	s.complete()
	slog.Debug("segment: turn closed", "segment_id", s.id, "character", s.character, "chunks", len(s.chunks))
	return true
}

// OnFinish records the advisory session terminal signal. It does not touch
// segment state.
func (b *Buffer) OnFinish() {
	slog.Debug("segment: backend finished session", "queued", b.Len())
}

// PopFront removes the queue head. It reports false when the queue is empty.
func (b *Buffer) PopFront() bool {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return false
	}
	b.queue[0] = nil
	b.queue = b.queue[1:]
	b.mu.Unlock()

	b.metrics.RecordDequeued(context.Background(), 1)
	return true
}

// Clear drops every queued segment together with its pending audio.
func (b *Buffer) Clear() int {
	b.mu.Lock()
	n := len(b.queue)
	b.queue = nil
	b.mu.Unlock()

	b.metrics.RecordDequeued(context.Background(), n)
	return n
}

// Len returns the number of queued segments.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Head returns a snapshot of the queue head.
func (b *Buffer) Head() (View, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return View{}, false
	}
	return b.queue[0].view(), true
}

// View returns a snapshot of the queued segment with the given id.
func (b *Buffer) View(id string) (View, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s := b.find(id); s != nil {
		return s.view(), true
	}
	return View{}, false
}

// Views returns snapshots of every queued segment in queue order.
func (b *Buffer) Views() []View {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]View, len(b.queue))
	for i, s := range b.queue {
		out[i] = s.view()
	}
	return out
}

// Chunk returns the i-th playable chunk of segment id.
func (b *Buffer) Chunk(id string, i int) (AudioChunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.find(id)
	if s == nil || i < 0 || i >= len(s.chunks) {
		return AudioChunk{}, false
	}
	return s.chunks[i], true
}

// ── internals (b.mu held) ─────────────────────────────────────────────────────

func (b *Buffer) tail() *segment {
	if len(b.queue) == 0 {
		return nil
	}
	return b.queue[len(b.queue)-1]
}

func (b *Buffer) find(id string) *segment {
	for _, s := range b.queue {
		if s.id == id {
			return s
		}
	}
	return nil
}

// receiver resolves the segment a content frame applies to. A frame naming a
// character must match the tail's owner; a frame naming none applies to the
// tail unless strict mode is on.
func (b *Buffer) receiver(kind protocol.Kind, character string) *segment {
	s := b.tail()
	if s == nil || s.segmentComplete {
		slog.Debug("segment: no active receiver", "kind", kind, "character", character)
		return nil
	}
	if character == "" {
		if b.strict {
			slog.Debug("segment: dropping frame without character", "kind", kind, "segment_id", s.id)
			return nil
		}
		return s
	}
	if character != s.character {
		slog.Warn("segment: frame for inactive speaker",
			"kind", kind,
			"character", character,
			"active_character", s.character,
		)
		return nil
	}
	return s
}
