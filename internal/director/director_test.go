package director_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/stagelive/internal/director"
	"github.com/MrWong99/stagelive/internal/observe"
	"github.com/MrWong99/stagelive/internal/segment"
	"github.com/MrWong99/stagelive/pkg/audio"
	audiomock "github.com/MrWong99/stagelive/pkg/audio/mock"
	"github.com/MrWong99/stagelive/pkg/protocol"
	"github.com/MrWong99/stagelive/pkg/stage"
	transportmock "github.com/MrWong99/stagelive/pkg/transport/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type fixture struct {
	buf    *segment.Buffer
	sender *transportmock.Sender
	player *audiomock.Player
	roster *stage.Roster
	dir    *director.Director
}

func newFixture(t *testing.T, player *audiomock.Player, opts ...director.Option) *fixture {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if player == nil {
		player = &audiomock.Player{}
	}
	f := &fixture{
		buf:    segment.NewBuffer(segment.WithMetrics(m)),
		sender: &transportmock.Sender{},
		player: player,
		roster: stage.NewRoster([]stage.Character{
			{ID: "maho", Name: "Maho Hiyajo"},
			{ID: "may", Name: "Mayuri"},
		}),
	}
	opts = append([]director.Option{
		director.WithMetrics(m),
		director.WithTextSpeed(500),
		director.WithAudioPollInterval(5 * time.Millisecond),
		director.WithCredentials(director.StaticCredentials{Name: "Rintaro", AuthToken: "tok-42"}),
	}, opts...)
	f.dir = director.New(f.buf, f.sender, f.player, f.roster, opts...)
	t.Cleanup(func() { _ = f.dir.Close() })
	return f
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) waitState(t *testing.T, s director.State) director.View {
	t.Helper()
	waitFor(t, "state "+s.String(), func() bool { return f.dir.State() == s })
	return f.dir.Snapshot()
}

// turn queues a complete segment for character with the given text and chunks.
func (f *fixture) turn(character, text string, chunks ...string) {
	f.buf.OnStart(character)
	f.buf.OnTextDelta(character, text)
	for _, c := range chunks {
		f.buf.OnAudioChunk(character, c, true)
	}
	f.buf.OnEnd(character)
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestDirector_StartsInStandby(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	v := f.dir.Snapshot()
	if v.State != director.InputStandby || !v.CanInput || v.CurrentName != "Rintaro" {
		t.Errorf("initial view = %+v", v)
	}
}

func TestDirector_PushStartsPerformance(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.buf.OnStart("maho")

	v := f.waitState(t, director.Performance)
	if v.CurrentName != "Maho Hiyajo" || v.Character != "maho" || v.CanInput {
		t.Errorf("performance view = %+v", v)
	}
}

func TestDirector_SegmentQueuedBeforeNew(t *testing.T) {
	t.Parallel()

	m, _ := observe.NewMetrics(noop.NewMeterProvider())
	buf := segment.NewBuffer(segment.WithMetrics(m))
	buf.OnStart("maho")
	buf.OnEnd("maho")

	d := director.New(buf, &transportmock.Sender{}, &audiomock.Player{}, stage.NewRoster(nil),
		director.WithMetrics(m), director.WithTextSpeed(500))
	defer d.Close()

	waitFor(t, "waiting", func() bool { return d.State() == director.Waiting })
	if name := d.Snapshot().CurrentName; name != "maho" {
		t.Errorf("CurrentName = %q, want id fallback %q", name, "maho")
	}
}

func TestDirector_WaitsForAudioBeforeWaiting(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	f := newFixture(t, &audiomock.Player{Gate: gate})
	f.turn("maho", "Hi", "QUFB")

	waitFor(t, "text revealed", func() bool { return f.dir.Snapshot().DisplayedText == "Hi" })
	time.Sleep(40 * time.Millisecond)
	if s := f.dir.State(); s != director.Performance {
		t.Fatalf("state = %s with audio still playing, want performance", s)
	}

	close(gate)
	v := f.waitState(t, director.Waiting)
	if !v.ShowCaret || v.CanInput {
		t.Errorf("waiting view = %+v", v)
	}
}

func TestDirector_WaitsForTextBeforeWaiting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, director.WithTextSpeed(40))
	f.turn("maho", "abcdefghijkl", "QUFB")

	waitFor(t, "chunk played", func() bool { return len(f.player.Played()) == 1 && f.player.Active() == 0 })
	if s := f.dir.State(); s != director.Performance {
		t.Fatalf("state = %s with text still revealing, want performance", s)
	}
	v := f.waitState(t, director.Waiting)
	if v.DisplayedText != "abcdefghijkl" {
		t.Errorf("DisplayedText = %q", v.DisplayedText)
	}
}

func TestDirector_IdlesOnExhaustedText(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.buf.OnStart("maho")
	f.buf.OnTextDelta("maho", "Hel")

	waitFor(t, "partial text", func() bool { return f.dir.Snapshot().DisplayedText == "Hel" })
	time.Sleep(50 * time.Millisecond)
	v := f.dir.Snapshot()
	if v.State != director.Performance || v.DisplayedText != "Hel" {
		t.Fatalf("idle view = %+v", v)
	}

	f.buf.OnTextDelta("maho", "lo, 世界")
	f.buf.OnEnd("maho")
	v = f.waitState(t, director.Waiting)
	if v.DisplayedText != "Hello, 世界" {
		t.Errorf("DisplayedText = %q", v.DisplayedText)
	}
}

func TestDirector_ThinkingPhase(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.buf.OnStart("maho")
	f.buf.OnThinkDelta("maho", "hmm…")

	waitFor(t, "thinking revealed", func() bool { return f.dir.Snapshot().ThinkText == "hmm…" })
	if v := f.dir.Snapshot(); v.DisplayedText != "" {
		t.Errorf("main text shown during thinking: %q", v.DisplayedText)
	}

	f.buf.OnTextDelta("maho", "Okay.")
	waitFor(t, "main text", func() bool { return f.dir.Snapshot().DisplayedText == "Okay." })
	if v := f.dir.Snapshot(); v.ThinkText != "" {
		t.Errorf("ThinkText = %q after main phase began, want empty", v.ThinkText)
	}
}

func TestDirector_ThinkingShownBeforeImmediateText(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	var (
		mu        sync.Mutex
		longest   string
		earlyMain bool
	)
	f.dir.OnReveal(func(v director.View) {
		mu.Lock()
		defer mu.Unlock()
		if len(v.ThinkText) > len(longest) {
			longest = v.ThinkText
		}
		if v.DisplayedText != "" && longest != "let me think" {
			earlyMain = true
		}
	})

	// The whole turn is buffered before the first tick: thinking is already
	// closed by the text delta.
	f.buf.OnStart("maho")
	f.buf.OnThinkDelta("maho", "let me think")
	f.buf.OnTextDelta("maho", "Hi")
	f.buf.OnEnd("maho")

	v := f.waitState(t, director.Waiting)
	if v.DisplayedText != "Hi" || v.ThinkText != "" {
		t.Errorf("view = %+v, want main text only", v)
	}

	mu.Lock()
	defer mu.Unlock()
	if longest != "let me think" {
		t.Errorf("longest revealed think text = %q, want %q", longest, "let me think")
	}
	if earlyMain {
		t.Error("main text revealed before thinking was fully shown")
	}
}

func TestDirector_AdvanceThroughQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	if f.dir.Advance() {
		t.Fatal("Advance in standby reported true")
	}

	f.turn("maho", "Hi")
	f.turn("may", "Yo")

	v := f.waitState(t, director.Waiting)
	if v.Character != "maho" || v.DisplayedText != "Hi" || v.Queued != 2 {
		t.Fatalf("first waiting view = %+v", v)
	}
	if !f.dir.Advance() {
		t.Fatal("Advance in waiting reported false")
	}

	waitFor(t, "second segment", func() bool {
		v := f.dir.Snapshot()
		return v.State == director.Waiting && v.Character == "may"
	})
	if v := f.dir.Snapshot(); v.DisplayedText != "Yo" || v.CurrentName != "Mayuri" {
		t.Errorf("second waiting view = %+v", v)
	}

	f.dir.Advance()
	v = f.waitState(t, director.InputStandby)
	if f.buf.Len() != 0 {
		t.Errorf("buffer holds %d segments after last advance", f.buf.Len())
	}
	if v.CurrentName != "Rintaro" || !v.CanInput || v.DisplayedText != "" {
		t.Errorf("standby view = %+v", v)
	}
}

func TestDirector_InterruptClearsQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.buf.OnStart("maho")
	f.buf.OnTextDelta("maho", "one ")
	f.buf.OnTextDelta("maho", "two")
	f.turn("may", "queued")
	f.waitState(t, director.Performance)

	f.dir.Interrupt()

	v := f.dir.Snapshot()
	if v.State != director.InputStandby || f.buf.Len() != 0 {
		t.Fatalf("after interrupt: state=%s queued=%d", v.State, f.buf.Len())
	}
	if v.DisplayedText != "" || v.ThinkText != "" || !v.CanInput {
		t.Errorf("standby view = %+v", v)
	}
	sent := f.sender.SentOfType(protocol.TypeInterrupt)
	if len(sent) != 1 || sent[0].Token() != "tok-42" {
		t.Errorf("interrupt frames = %+v", sent)
	}

	// Late frames of the cancelled turn are dropped.
	f.buf.OnTextDelta("maho", "late")
	time.Sleep(20 * time.Millisecond)
	if s := f.dir.State(); s != director.InputStandby {
		t.Errorf("state = %s after late frame", s)
	}
}

func TestDirector_InterruptLetsInFlightChunkFinish(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	f := newFixture(t, &audiomock.Player{Gate: gate, HonourCancel: true})
	f.turn("maho", "Hi", "QQ==")
	waitFor(t, "chunk in flight", func() bool { return f.player.Active() == 1 })

	f.dir.Interrupt()
	time.Sleep(30 * time.Millisecond)
	if f.player.Active() != 1 {
		t.Fatal("interrupt cancelled the playing chunk")
	}

	// A new turn must not overlap with the chunk still playing.
	f.turn("maho", "Again", "Qg==")
	time.Sleep(30 * time.Millisecond)
	if n := f.player.MaxConcurrent(); n != 1 {
		t.Fatalf("max concurrent playbacks = %d, want 1", n)
	}

	close(gate)
	f.waitState(t, director.Waiting)
	played := f.player.Played()
	if len(played) != 2 || played[1] != "Qg==" {
		t.Errorf("played = %v", played)
	}
}

func TestDirector_SkipsFailedChunks(t *testing.T) {
	t.Parallel()

	player := &audiomock.Player{Errors: map[string]error{"bad": audio.ErrDecode}}
	f := newFixture(t, player)

	performed := make(chan director.Performed, 1)
	f.dir.OnPerformed(func(p director.Performed) { performed <- p })

	f.turn("maho", "Hi", "bad", "good")
	f.waitState(t, director.Waiting)

	if got := player.Played(); len(got) != 2 || got[0] != "bad" || got[1] != "good" {
		t.Errorf("played = %v", got)
	}
	select {
	case p := <-performed:
		if p.Chunks != 1 || p.Skipped != 1 || p.Text != "Hi" || p.Name != "Maho Hiyajo" {
			t.Errorf("performed = %+v", p)
		}
		if p.Finished.Before(p.Started) {
			t.Errorf("finished %v before started %v", p.Finished, p.Started)
		}
	case <-time.After(time.Second):
		t.Fatal("OnPerformed not called")
	}
}

func TestDirector_AudioArrivesDuringPlayback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &audiomock.Player{Duration: 10 * time.Millisecond})
	f.buf.OnStart("maho")
	f.buf.OnTextDelta("maho", "Hi")
	f.buf.OnAudioChunk("maho", "A", true)
	waitFor(t, "first chunk", func() bool { return len(f.player.Played()) == 1 })

	time.Sleep(30 * time.Millisecond)
	f.buf.OnAudioChunk("maho", "B", false)
	f.buf.OnAudioChunk("maho", "C", false)
	f.buf.OnEnd("maho")

	f.waitState(t, director.Waiting)
	if got := f.player.Played(); len(got) != 2 || got[1] != "BC" {
		t.Errorf("played = %v, want [A BC]", got)
	}
}

func TestDirector_MouthFollowsLevelsAndResets(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &audiomock.Player{Levels: []float64{0.8, 0.4}})
	var (
		mu   sync.Mutex
		seen []float64
	)
	f.roster.OnTransform(func(id string, tr stage.Transform) {
		if id != "maho" {
			return
		}
		mu.Lock()
		seen = append(seen, tr.MouthOpen)
		mu.Unlock()
	})

	f.turn("maho", "Hi", "A")
	f.waitState(t, director.Waiting)
	waitFor(t, "mouth reset", func() bool { return f.roster.Transform("maho").MouthOpen == 0 })

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 3 || seen[0] != 0.8 || seen[1] != 0.4 {
		t.Errorf("mouth levels = %v", seen)
	}
}

func TestDirector_MouthClosedBeforeWaiting(t *testing.T) {
	t.Parallel()

	// Audio outlasts the text, so the audio task completes the join.
	f := newFixture(t, &audiomock.Player{Duration: 30 * time.Millisecond, Levels: []float64{0.8}})
	var (
		mu        sync.Mutex
		updates   int
		atWaiting = -1
	)
	f.roster.OnTransform(func(id string, _ stage.Transform) {
		if id != "maho" {
			return
		}
		mu.Lock()
		updates++
		mu.Unlock()
	})
	f.dir.OnStateChange(func(v director.View) {
		if v.State != director.Waiting {
			return
		}
		mu.Lock()
		atWaiting = updates
		mu.Unlock()
	})

	f.turn("maho", "Hi", "A")
	f.waitState(t, director.Waiting)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// 0.8, the player's terminal 0, then the sequencer's reset.
	if atWaiting != 3 {
		t.Errorf("mouth updates before Waiting = %d, want 3", atWaiting)
	}
	if updates != atWaiting {
		t.Errorf("mouth updated %d times after Waiting", updates-atWaiting)
	}
}

func TestDirector_WaitsForChunkFlushedByEnd(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	f := newFixture(t, &audiomock.Player{Gate: gate})
	f.buf.OnStart("maho")
	f.buf.OnTextDelta("maho", "Hi")
	f.buf.OnAudioChunk("maho", "A", false)
	f.buf.OnAudioChunk("maho", "B", false)

	waitFor(t, "text revealed", func() bool { return f.dir.Snapshot().DisplayedText == "Hi" })
	time.Sleep(20 * time.Millisecond)
	if n := len(f.player.Played()); n != 0 {
		t.Fatalf("played %d chunks before the utterance was closed", n)
	}

	f.buf.OnEnd("maho")
	waitFor(t, "flushed chunk playing", func() bool { return f.player.Active() == 1 })
	time.Sleep(20 * time.Millisecond)
	if s := f.dir.State(); s != director.Performance {
		t.Fatalf("state = %v while the flushed chunk plays, want Performance", s)
	}

	close(gate)
	f.waitState(t, director.Waiting)
	if got := f.player.Played(); len(got) != 1 || got[0] != "AB" {
		t.Errorf("played = %v, want [AB]", got)
	}
}

func TestDirector_SubmitInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.dir.SubmitInput(ctx, "   "); !errors.Is(err, director.ErrEmptyInput) {
		t.Errorf("blank input err = %v", err)
	}
	if err := f.dir.SubmitInput(ctx, " hello "); err != nil {
		t.Fatalf("SubmitInput: %v", err)
	}
	chats := f.sender.SentOfType(protocol.TypeChat)
	if len(chats) != 1 || chats[0].Data() != "hello" || chats[0].Token() != "tok-42" {
		t.Errorf("chat frames = %+v", chats)
	}

	f.buf.OnStart("maho")
	f.waitState(t, director.Performance)
	if err := f.dir.SubmitInput(ctx, "again"); !errors.Is(err, director.ErrNotAccepting) {
		t.Errorf("input during performance err = %v", err)
	}

	sendErr := errors.New("offline")
	f.dir.Interrupt()
	f.sender.SendErr = sendErr
	if err := f.dir.SubmitInput(ctx, "x"); !errors.Is(err, sendErr) {
		t.Errorf("send failure err = %v", err)
	}
}

func TestDirector_StateListener(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	var (
		mu     sync.Mutex
		states []director.State
	)
	f.dir.OnStateChange(func(v director.View) {
		mu.Lock()
		states = append(states, v.State)
		mu.Unlock()
	})

	f.turn("maho", "Hi")
	f.waitState(t, director.Waiting)
	f.dir.Advance()
	f.waitState(t, director.InputStandby)

	mu.Lock()
	defer mu.Unlock()
	want := []director.State{director.Performance, director.Waiting, director.InputStandby}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestDirector_EmptySegment(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.buf.OnStart("maho")
	f.buf.OnEnd("maho")

	v := f.waitState(t, director.Waiting)
	if v.DisplayedText != "" || len(f.player.Played()) != 0 {
		t.Errorf("empty segment view = %+v, played %v", v, f.player.Played())
	}
}

func TestDirector_SetTextSpeed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, director.WithTextSpeed(1))
	f.turn("maho", "abcdef")
	f.waitState(t, director.Performance)

	if err := f.dir.SetTextSpeed(0); err == nil {
		t.Error("SetTextSpeed(0) accepted")
	}
	if err := f.dir.SetTextSpeed(1000); err != nil {
		t.Fatalf("SetTextSpeed: %v", err)
	}
	// One slow tick, then the fast rate.
	v := f.waitState(t, director.Waiting)
	if v.DisplayedText != "abcdef" {
		t.Errorf("DisplayedText = %q", v.DisplayedText)
	}
}

func TestDirector_Close(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	if err := f.dir.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.dir.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	f.buf.OnStart("maho")
	time.Sleep(20 * time.Millisecond)
	if s := f.dir.State(); s != director.InputStandby {
		t.Errorf("closed director entered %s", s)
	}
	f.dir.Interrupt()
	if n := len(f.sender.Sent()); n != 0 {
		t.Errorf("closed director sent %d frames", n)
	}
	if err := f.dir.SubmitInput(context.Background(), "hi"); !errors.Is(err, director.ErrClosed) {
		t.Errorf("SubmitInput after Close = %v", err)
	}
}
