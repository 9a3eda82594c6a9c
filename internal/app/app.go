// Package app wires all stagelive subsystems into a running client.
//
// The App struct owns the full lifecycle: New builds every component from
// the config, Run supervises the long-running loops (socket, recorder,
// capture, config watcher, debug server) under one errgroup, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithPlayer,
// WithHistoryStore, WithPrefs, ...). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/stagelive/internal/capture"
	"github.com/MrWong99/stagelive/internal/config"
	"github.com/MrWong99/stagelive/internal/director"
	"github.com/MrWong99/stagelive/internal/health"
	"github.com/MrWong99/stagelive/internal/history"
	"github.com/MrWong99/stagelive/internal/history/postgres"
	"github.com/MrWong99/stagelive/internal/observe"
	"github.com/MrWong99/stagelive/internal/prefs"
	"github.com/MrWong99/stagelive/internal/resilience"
	"github.com/MrWong99/stagelive/internal/segment"
	"github.com/MrWong99/stagelive/pkg/audio"
	"github.com/MrWong99/stagelive/pkg/protocol"
	"github.com/MrWong99/stagelive/pkg/provider/vad"
	"github.com/MrWong99/stagelive/pkg/provider/vad/energy"
	"github.com/MrWong99/stagelive/pkg/stage"
	"github.com/MrWong99/stagelive/pkg/transport"
)

// debugShutdownTimeout bounds the graceful stop of the debug server.
const debugShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	metrics  *observe.Metrics
	logLevel *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	bus      *transport.Bus
	channel  *transport.Channel
	buffer   *segment.Buffer
	roster   *stage.Roster
	sink     audio.Sink
	player   audio.Player
	director *director.Director
	prefs    *prefs.Store
	store    history.Store
	recorder *history.Recorder
	vad      vad.Engine
	uplink   *capture.Uplink
	micInput io.Reader
	health   *health.Handler
	debug    http.Handler

	configPath    string
	watchInterval time.Duration
	watcher       *config.Watcher
	transportOpts []transport.Option

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics records telemetry into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config hot-reload adjust the level of the process
// logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithSink sends rendered audio to s instead of the configured output path.
func WithSink(s audio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithPlayer replaces the audio bridge entirely.
func WithPlayer(p audio.Player) Option {
	return func(a *App) { a.player = p }
}

// WithPrefs injects a preference store instead of loading prefs.path.
func WithPrefs(p *prefs.Store) Option {
	return func(a *App) { a.prefs = p }
}

// WithHistoryStore injects a history store instead of creating one from
// config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithVADEngine replaces the energy VAD used by the capture uplink.
func WithVADEngine(e vad.Engine) Option {
	return func(a *App) { a.vad = e }
}

// WithCaptureInput reads microphone PCM from r instead of capture.input_path.
func WithCaptureInput(r io.Reader) Option {
	return func(a *App) { a.micInput = r }
}

// WithConfigWatch reloads the hot-reloadable settings whenever the file at
// path changes.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// WithTransportOptions appends options to the transport channel.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(a *App) { a.transportOpts = append(a.transportOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing connects or
// plays until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Preferences ───────────────────────────────────────────────────
	if a.prefs == nil {
		p, err := prefs.Load(cfg.Prefs.Path)
		if err != nil {
			return nil, fmt.Errorf("app: init prefs: %w", err)
		}
		a.prefs = p
	}

	// ── 2. Transport + buffer ────────────────────────────────────────────
	a.initTransport()

	// ── 3. Stage + audio ─────────────────────────────────────────────────
	a.roster = stage.NewRoster(castOf(cfg.Characters))
	if err := a.initAudio(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 4. Director ──────────────────────────────────────────────────────
	a.director = director.New(a.buffer, a.channel, a.player, a.roster,
		director.WithTextSpeed(cfg.Director.TextSpeed),
		director.WithAudioPollInterval(cfg.Director.AudioPollInterval.Std()),
		director.WithCredentials(a.prefs),
		director.WithMetrics(a.metrics),
	)
	// The director must stop before the socket and sinks it talks to.
	a.closers = append([]func() error{a.director.Close}, a.closers...)

	a.health = health.New(health.Connected("backend", a.channel))

	// ── 5. History ───────────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 6. Capture ───────────────────────────────────────────────────────
	if err := a.initCapture(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	// ── 7. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig, config.WithInterval(a.watchInterval))
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	a.health.Register(mux)
	a.debug = observe.Middleware(a.metrics)(mux)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTransport builds the bus, the socket channel and the segment buffer and
// subscribes the lifecycle loggers.
func (a *App) initTransport() {
	b := a.cfg.Backend
	a.bus = transport.NewBus()
	opts := append([]transport.Option{
		transport.WithReconnectInterval(b.ReconnectInterval.Std()),
		transport.WithKeepaliveInterval(b.KeepaliveInterval.Std()),
		transport.WithDialTimeout(b.DialTimeout.Std()),
		transport.WithMetrics(a.metrics),
	}, a.transportOpts...)
	a.channel = transport.New(b.URL, a.bus, opts...)
	a.closers = append(a.closers, a.channel.Close)

	a.buffer = segment.NewBuffer(
		segment.WithStrictSpeaker(a.cfg.Director.StrictSpeaker),
		segment.WithMetrics(a.metrics),
	)
	a.buffer.Attach(a.bus)

	a.bus.Subscribe(protocol.KindOpen, func(protocol.Message) {
		slog.Info("backend connected", "url", b.URL)
	})
	a.bus.Subscribe(protocol.KindClose, func(m protocol.Message) {
		slog.Warn("backend disconnected", "url", b.URL, "err", m.Err)
	})
	a.bus.Subscribe(protocol.KindError, func(m protocol.Message) {
		var se *protocol.ServerError
		if errors.As(m.Err, &se) {
			slog.Error("backend rejected request", "msg", se.Msg)
			return
		}
		slog.Warn("backend transport error", "err", m.Err)
	})
}

// initAudio sets up the sink and the rendering bridge unless a player was
// injected.
func (a *App) initAudio() error {
	if a.player != nil {
		return nil
	}
	ac := a.cfg.Audio
	if a.sink == nil {
		if ac.OutputPath == "" {
			a.sink = audio.DiscardSink{}
		} else {
			f, err := os.OpenFile(ac.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open output %q: %w", ac.OutputPath, err)
			}
			a.closers = append(a.closers, f.Close)
			a.sink = audio.NewWriterSink(f)
		}
	}
	a.player = audio.NewBridge(a.sink,
		audio.WithOutputFormat(audio.Format{SampleRate: ac.SampleRate, Channels: ac.Channels}),
		audio.WithFrameRate(ac.FrameRate),
		audio.WithLevelMapping(ac.Threshold, ac.Gain),
	)
	return nil
}

// initHistory sets up the performed-turn store and the recorder.
func (a *App) initHistory(ctx context.Context) error {
	var pg *postgres.Store
	if a.store == nil {
		if dsn := a.cfg.History.PostgresDSN; dsn != "" {
			var err error
			if pg, err = postgres.NewStore(ctx, dsn); err != nil {
				return err
			}
			a.health.Add(health.Ping("history", pg))
			a.store = pg
		} else {
			a.store = history.NewMemStore(a.cfg.History.Capacity)
		}
	}
	var ropts []history.RecorderOption
	if pg != nil {
		ropts = append(ropts, history.WithBreaker(resilience.New("history")))
	}
	a.recorder = history.NewRecorder(a.store, ropts...)
	a.recorder.Attach(a.director)
	a.closers = append(a.closers, a.recorder.Close)
	if pg != nil {
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
	}
	return nil
}

// initCapture sets up the voice uplink when capture is enabled.
func (a *App) initCapture() error {
	cc := a.cfg.Capture
	if !cc.Enabled {
		return nil
	}
	if a.vad == nil {
		a.vad = energy.New()
	}
	vcfg := vad.Config{
		SampleRate:       cc.SampleRate,
		FrameSizeMs:      cc.FrameMs,
		SpeechThreshold:  cc.SpeechThreshold,
		SilenceThreshold: cc.SilenceThreshold,
	}
	if err := vcfg.Validate(); err != nil {
		return err
	}
	up, err := capture.New(a.vad, vcfg, a.channel, a.director, a.prefs)
	if err != nil {
		return err
	}
	a.uplink = up
	a.closers = append(a.closers, up.Close)

	if a.micInput == nil {
		f, err := os.Open(cc.InputPath)
		if err != nil {
			return fmt.Errorf("open input %q: %w", cc.InputPath, err)
		}
		a.closers = append(a.closers, f.Close)
		a.micInput = f
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run supervises every long-running loop until ctx is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.channel.Run(gctx) })
	g.Go(func() error { return a.recorder.Run(gctx) })

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	if a.uplink != nil {
		in := a.cfg.Capture
		frames := capture.ReadFrames(gctx, a.micInput,
			audio.Format{SampleRate: in.InputSampleRate, Channels: in.InputChannels},
			in.FrameMs, true)
		g.Go(func() error { return a.uplink.Run(gctx, frames) })
	}

	if addr := a.cfg.Server.DebugAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: a.debug, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error { return serveDebug(gctx, srv) })
	}

	slog.Info("stagelive running",
		"backend", a.cfg.Backend.URL,
		"debug_addr", a.cfg.Server.DebugAddr,
		"capture", a.uplink != nil,
	)
	return g.Wait()
}

// serveDebug runs srv until ctx ends, then shuts it down gracefully.
func serveDebug(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: debug server: %w", err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), debugShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// applyConfig applies the hot-reloadable parts of a new config.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TextSpeedChanged {
		if err := a.director.SetTextSpeed(d.NewTextSpeed); err != nil {
			slog.Warn("text speed not applied", "err", err)
		} else {
			slog.Info("text speed changed", "cps", d.NewTextSpeed)
		}
	}
	if d.CharactersChanged {
		a.roster.SetCast(castOf(new.Characters))
		slog.Info("cast updated", "changes", len(d.CharacterChanges))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Director returns the playback director.
func (a *App) Director() *director.Director { return a.director }

// Transport returns the backend socket channel.
func (a *App) Transport() *transport.Channel { return a.channel }

// Buffer returns the segment buffer.
func (a *App) Buffer() *segment.Buffer { return a.buffer }

// Roster returns the character roster.
func (a *App) Roster() *stage.Roster { return a.roster }

// History returns the performed-turn store.
func (a *App) History() history.Store { return a.store }

// Prefs returns the user preference store.
func (a *App) Prefs() *prefs.Store { return a.prefs }

// DebugHandler returns the handler serving /metrics, /healthz and /readyz.
func (a *App) DebugHandler() http.Handler { return a.debug }

// castOf converts configured characters to roster entries.
func castOf(chars []config.CharacterConfig) []stage.Character {
	cast := make([]stage.Character, len(chars))
	for i, c := range chars {
		cast[i] = stage.Character{ID: c.ID, Name: c.Name}
	}
	return cast
}
