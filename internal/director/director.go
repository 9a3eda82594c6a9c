// Package director drives the on-screen performance of queued segments.
//
// The [Director] is a three-state machine (InputStandby, Performance,
// Waiting). Entering Performance starts two concurrent tasks for the
// segment at the head of the buffer: a typewriter that reveals thinking text
// and then main text one character per tick, and an audio sequencer that
// plays the segment's chunks one after another, polling while more audio may
// still arrive. The state moves to Waiting only when both tasks have finished;
// the user then advances to the next segment or back to standby.
//
// An interrupt cancels both tasks, clears the buffer, tells the backend to
// stop and returns to InputStandby. A chunk that is already playing is
// allowed to finish.
package director

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/stagelive/internal/observe"
	"github.com/MrWong99/stagelive/internal/segment"
	"github.com/MrWong99/stagelive/pkg/audio"
	"github.com/MrWong99/stagelive/pkg/protocol"
	"github.com/MrWong99/stagelive/pkg/stage"
	"github.com/MrWong99/stagelive/pkg/transport"
)

// Defaults.
const (
	DefaultTextSpeed         = 25.0
	DefaultAudioPollInterval = 100 * time.Millisecond
	DefaultUserName          = "User"
)

var (
	// ErrNotAccepting is returned by [Director.SubmitInput] outside
	// InputStandby.
	ErrNotAccepting = errors.New("director: not accepting input")

	// ErrEmptyInput is returned by [Director.SubmitInput] for blank text.
	ErrEmptyInput = errors.New("director: empty input")

	// ErrClosed is returned after [Director.Close].
	ErrClosed = errors.New("director: closed")
)

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Director].
type Option func(*Director)

// WithTextSpeed sets the typewriter speed in characters per second.
func WithTextSpeed(cps float64) Option {
	return func(d *Director) {
		if cps > 0 {
			d.cps = cps
		}
	}
}

// WithAudioPollInterval sets how often the audio sequencer checks for new
// chunks while the segment's audio is still open.
func WithAudioPollInterval(iv time.Duration) Option {
	return func(d *Director) {
		if iv > 0 {
			d.poll = iv
		}
	}
}

// WithCredentials sets the user identity. Defaults to the name "User" and an
// empty token.
func WithCredentials(c Credentials) Option {
	return func(d *Director) {
		if c != nil {
			d.creds = c
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Director) { d.metrics = m }
}

// ── Director ──────────────────────────────────────────────────────────────────

// Director is the playback state machine.
//
// All methods are safe for concurrent use. Listener callbacks run without
// internal locks held and may call back into the Director.
type Director struct {
	buf     *segment.Buffer
	sender  transport.Sender
	player  audio.Player
	stage   stage.Stage
	creds   Credentials
	metrics *observe.Metrics
	poll    time.Duration

	// base outlives every turn. Chunk playback runs under it so that an
	// interrupt does not cut the chunk that is already playing.
	base       context.Context
	baseCancel context.CancelFunc

	// playMu keeps at most one chunk in flight across turns.
	playMu sync.Mutex

	mu        sync.Mutex
	state     State
	cps       float64
	turn      *turn
	displayed string
	think     string
	name      string
	canInput  bool
	showCaret bool
	closed    bool

	stateListeners     []func(View)
	revealListeners    []func(View)
	performedListeners []func(Performed)
}

// turn is the per-segment performance state. Its fields are guarded by
// Director.mu.
type turn struct {
	segmentID string
	character string
	name      string

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	thinkPos   int
	textPos    int
	mainPhase  bool
	textDone   bool
	audioDone  bool
	chunks     int
	skipped    int
	started    time.Time
	speedEpoch int
}

// New creates a [Director] that performs segments from buf. Outbound frames
// go through sender, chunks are rendered by player and mouth movement is
// pushed to stg. The director starts in InputStandby and begins a
// performance as soon as buf receives a segment.
func New(buf *segment.Buffer, sender transport.Sender, player audio.Player, stg stage.Stage, opts ...Option) *Director {
	if buf == nil || sender == nil || player == nil || stg == nil {
		panic("director: nil collaborator")
	}
	d := &Director{
		buf:    buf,
		sender: sender,
		player: player,
		stage:  stg,
		creds:  StaticCredentials{Name: DefaultUserName},
		poll:   DefaultAudioPollInterval,
		cps:    DefaultTextSpeed,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	d.base, d.baseCancel = context.WithCancel(context.Background())

	d.mu.Lock()
	d.enterStandbyLocked()
	d.mu.Unlock()

	buf.OnPush(d.onPush)
	// Segments queued before the listener was registered.
	d.onPush(segment.View{})
	return d
}

// ── Listeners ─────────────────────────────────────────────────────────────────

// OnStateChange registers fn to be called after every state transition.
func (d *Director) OnStateChange(fn func(View)) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateListeners = append(d.stateListeners, fn)
}

// OnReveal registers fn to be called whenever the typewriter changes the
// displayed or thinking text.
func (d *Director) OnReveal(fn func(View)) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revealListeners = append(d.revealListeners, fn)
}

// OnPerformed registers fn to be called for every segment that reaches
// Waiting.
func (d *Director) OnPerformed(fn func(Performed)) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.performedListeners = append(d.performedListeners, fn)
}

// events collects listener calls to run once Director.mu is released.
type events struct {
	stateChanged bool
	revealed     bool
	performed    *Performed
}

// update runs fn under the lock and then fires the listeners it requested.
func (d *Director) update(fn func(ev *events)) {
	var ev events
	d.mu.Lock()
	fn(&ev)
	var view View
	if ev.stateChanged || ev.revealed {
		view = d.snapshotLocked()
	}
	stateLs := d.stateListeners
	revealLs := d.revealListeners
	performedLs := d.performedListeners
	d.mu.Unlock()

	if ev.performed != nil {
		for _, l := range performedLs {
			l(*ev.performed)
		}
	}
	if ev.stateChanged {
		for _, l := range stateLs {
			l(view)
		}
	}
	if ev.revealed {
		for _, l := range revealLs {
			l(view)
		}
	}
}

// ── Public operations ─────────────────────────────────────────────────────────

// Snapshot returns the current view.
func (d *Director) Snapshot() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// State returns the current state.
func (d *Director) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SetTextSpeed changes the typewriter speed. The running typewriter picks up
// the new rate on its next tick.
func (d *Director) SetTextSpeed(cps float64) error {
	if cps <= 0 {
		return fmt.Errorf("director: text speed must be positive, got %v", cps)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cps = cps
	if d.turn != nil {
		d.turn.speedEpoch++
	}
	return nil
}

// Advance is the user's continue signal. In Waiting it removes the performed
// segment and starts the next one, or returns to InputStandby when the queue
// is empty. In any other state it does nothing and reports false.
func (d *Director) Advance() bool {
	advanced := false
	d.update(func(ev *events) {
		if d.closed || d.state != Waiting {
			return
		}
		advanced = true
		d.turn = nil
		d.buf.PopFront()
		if d.buf.Len() > 0 {
			d.beginLocked()
		} else {
			d.enterStandbyLocked()
		}
		ev.stateChanged = true
	})
	return advanced
}

// Interrupt aborts the current performance from any state: the typewriter
// and audio sequencer are cancelled, the buffer is cleared, the backend is
// sent an interrupt frame and the director returns to InputStandby.
func (d *Director) Interrupt() {
	var (
		from    State
		cleared int
		closed  bool
	)
	d.update(func(ev *events) {
		if d.closed {
			closed = true
			return
		}
		from = d.state
		if t := d.turn; t != nil {
			t.cancel()
			t.span.End()
			d.turn = nil
		}
		cleared = d.buf.Clear()
		d.enterStandbyLocked()
		ev.stateChanged = true
	})
	if closed {
		return
	}

	d.metrics.Interrupts.Add(context.Background(), 1)
	slog.Info("director: interrupted", "from", from, "cleared", cleared)

	if err := d.sender.Send(d.base, protocol.Interrupt(d.creds.Token())); err != nil {
		slog.Warn("director: failed to send interrupt", "err", err)
	}
}

// SubmitInput sends the user's chat text to the backend. It is only accepted
// in InputStandby.
func (d *Director) SubmitInput(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}

	d.mu.Lock()
	closed, state := d.closed, d.state
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if state != InputStandby {
		return fmt.Errorf("%w: state is %s", ErrNotAccepting, state)
	}

	if err := d.sender.Send(ctx, protocol.Chat(text, d.creds.Token())); err != nil {
		return fmt.Errorf("director: submit input: %w", err)
	}
	return nil
}

// Close cancels any running performance. The director stops reacting to new
// segments. Safe to call multiple times.
func (d *Director) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if t := d.turn; t != nil {
		t.cancel()
		t.span.End()
		d.turn = nil
	}
	d.baseCancel()
	return nil
}

// ── Transitions (d.mu held) ───────────────────────────────────────────────────

func (d *Director) onPush(segment.View) {
	d.update(func(ev *events) {
		if d.closed || d.state != InputStandby {
			return
		}
		d.beginLocked()
		ev.stateChanged = d.state == Performance
	})
}

// beginLocked starts performing the buffer head.
func (d *Director) beginLocked() {
	head, ok := d.buf.Head()
	if !ok {
		d.enterStandbyLocked()
		return
	}

	ctx, cancel := context.WithCancel(d.base)
	ctx, span := observe.StartPerformSpan(ctx, head.ID, head.Character)
	t := &turn{
		segmentID: head.ID,
		character: head.Character,
		name:      d.characterName(head.Character),
		ctx:       ctx,
		cancel:    cancel,
		span:      span,
		started:   time.Now(),
	}

	d.turn = t
	d.state = Performance
	d.displayed = ""
	d.think = ""
	d.name = t.name
	d.canInput = false
	d.showCaret = false

	observe.Logger(ctx).Debug("director: performance started", "segment_id", t.segmentID, "character", t.character)

	go d.typewrite(t, d.intervalLocked())
	go d.sequenceAudio(t)
}

func (d *Director) enterStandbyLocked() {
	d.state = InputStandby
	d.displayed = ""
	d.think = ""
	d.name = d.creds.DisplayName()
	if d.name == "" {
		d.name = DefaultUserName
	}
	d.canInput = true
	d.showCaret = true
}

// finishLocked moves to Waiting once both tasks of t are done.
func (d *Director) finishLocked(t *turn, ev *events) {
	if !t.textDone || !t.audioDone || d.state != Performance {
		return
	}
	d.state = Waiting
	d.canInput = false
	d.showCaret = true
	ev.stateChanged = true

	now := time.Now()
	d.metrics.RecordPerformed(t.ctx, t.character, now.Sub(t.started))
	observe.Logger(t.ctx).Debug("director: segment performed",
		"segment_id", t.segmentID,
		"chunks", t.chunks,
		"skipped", t.skipped,
		"elapsed", now.Sub(t.started),
	)
	t.span.End()
	t.cancel()

	p := Performed{
		SegmentID: t.segmentID,
		Character: t.character,
		Name:      t.name,
		Chunks:    t.chunks,
		Skipped:   t.skipped,
		Started:   t.started,
		Finished:  now,
	}
	if v, ok := d.buf.View(t.segmentID); ok {
		p.Text = v.Text
		p.ThinkText = v.ThinkText
	}
	ev.performed = &p
}

func (d *Director) snapshotLocked() View {
	v := View{
		State:         d.state,
		DisplayedText: d.displayed,
		ThinkText:     d.think,
		CurrentName:   d.name,
		CanInput:      d.canInput,
		ShowCaret:     d.showCaret,
		Queued:        d.buf.Len(),
	}
	if t := d.turn; t != nil {
		v.SegmentID = t.segmentID
		v.Character = t.character
	}
	return v
}

func (d *Director) characterName(id string) string {
	if name, ok := d.stage.DisplayName(id); ok {
		return name
	}
	return id
}

func (d *Director) intervalLocked() time.Duration {
	return time.Duration(float64(time.Second) / d.cps)
}

// ── Typewriter ────────────────────────────────────────────────────────────────

// typewrite reveals t's text one character per tick until the text channel
// is complete and fully shown.
func (d *Director) typewrite(t *turn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	epoch := 0
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}

		var (
			done bool
			next time.Duration
		)
		d.update(func(ev *events) {
			done = d.tickLocked(t, ev)
			if t.speedEpoch != epoch {
				epoch = t.speedEpoch
				next = d.intervalLocked()
			}
		})
		if done {
			return
		}
		if next > 0 {
			ticker.Reset(next)
		}
	}
}

// tickLocked advances the typewriter by one step and reports whether it has
// finished.
func (d *Director) tickLocked(t *turn, ev *events) bool {
	if d.turn != t {
		return true
	}
	v, ok := d.buf.View(t.segmentID)
	if !ok {
		return true
	}

	if !t.mainPhase {
		// Buffered thinking text is shown in full even after main text has
		// started arriving.
		if t.thinkPos < len(v.ThinkText) {
			_, size := utf8.DecodeRuneInString(v.ThinkText[t.thinkPos:])
			t.thinkPos += size
			d.think = v.ThinkText[:t.thinkPos]
			ev.revealed = true
			return false
		}
		if !v.ThinkingComplete {
			return false
		}
		// Thinking is over and fully shown: clear it and fall through to the
		// main text in the same tick.
		t.mainPhase = true
		if d.think != "" {
			d.think = ""
			ev.revealed = true
		}
	}

	if t.textPos < len(v.Text) {
		_, size := utf8.DecodeRuneInString(v.Text[t.textPos:])
		t.textPos += size
		d.displayed = v.Text[:t.textPos]
		ev.revealed = true
	}
	if t.textPos < len(v.Text) || !v.TextComplete {
		return false
	}

	t.textDone = true
	d.finishLocked(t, ev)
	return true
}

// ── Audio sequencing ──────────────────────────────────────────────────────────

// sequenceAudio plays t's chunks in order and finishes once the audio channel
// is complete and every chunk has been played or skipped.
func (d *Director) sequenceAudio(t *turn) {
	log := observe.Logger(t.ctx).With("segment_id", t.segmentID, "character", t.character)

	timer := time.NewTimer(d.poll)
	timer.Stop()
	defer timer.Stop()

	for i := 0; ; {
		if t.ctx.Err() != nil {
			return
		}

		if chunk, ok := d.buf.Chunk(t.segmentID, i); ok {
			d.playChunk(t, chunk, i, log)
			i++
			continue
		}

		v, ok := d.buf.View(t.segmentID)
		if !ok {
			return
		}
		if v.AudioComplete && i >= v.ChunkCount {
			break
		}

		timer.Reset(d.poll)
		select {
		case <-t.ctx.Done():
			return
		case <-timer.C:
		}
	}

	// Close the mouth before the turn can reach Waiting, so a reset never
	// lands on the next turn of the same character.
	d.stage.UpdateCharacterTransform(t.character, stage.Transform{MouthOpen: 0})
	d.update(func(ev *events) {
		if d.turn != t {
			return
		}
		t.audioDone = true
		d.finishLocked(t, ev)
	})
}

// playChunk renders one chunk. Failures are logged and counted as skipped.
func (d *Director) playChunk(t *turn, chunk segment.AudioChunk, index int, log *slog.Logger) {
	d.playMu.Lock()
	defer d.playMu.Unlock()

	// The turn may have been interrupted while waiting for the previous
	// turn's chunk to finish.
	if t.ctx.Err() != nil {
		return
	}

	start := time.Now()
	err := d.player.Play(d.base, chunk.Payload, func(level float64) {
		d.stage.UpdateCharacterTransform(t.character, stage.Transform{MouthOpen: level})
	})
	elapsed := time.Since(start)

	d.mu.Lock()
	if err != nil {
		t.skipped++
	} else {
		t.chunks++
	}
	d.mu.Unlock()

	if err != nil {
		d.metrics.RecordChunk(t.ctx, "skipped", elapsed)
		log.Warn("director: skipping audio chunk", "index", index, "err", err)
		return
	}
	d.metrics.RecordChunk(t.ctx, "played", elapsed)
}
