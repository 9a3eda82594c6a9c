// Command stagelive is a terminal client for a streaming dialogue backend.
//
// Replies are revealed line by line as they stream in and their audio is
// rendered to the configured output. Type a line and press enter to speak;
// an empty line continues to the next reply, /interrupt cuts the current one
// short and /quit exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/stagelive/internal/app"
	"github.com/MrWong99/stagelive/internal/config"
	"github.com/MrWong99/stagelive/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	name := flag.String("name", "", "set and persist the display name")
	token := flag.String("token", "", "set and persist the backend auth token")
	watch := flag.Duration("watch", 5*time.Second, "config reload poll interval, 0 disables reloading")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "stagelive: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "stagelive: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(level))

	slog.Info("stagelive starting",
		"version", version,
		"config", *configPath,
		"backend", cfg.Backend.URL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		BackendURL:     cfg.Backend.URL,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{app.WithLogLevel(level)}
	if *watch > 0 {
		opts = append(opts, app.WithConfigWatch(*configPath, *watch))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *name != "" || *token != "" {
		p := application.Prefs()
		if *name != "" {
			p.SetDisplayName(*name)
		}
		if *token != "" {
			p.SetToken(*token)
		}
		if err := p.Save(); err != nil {
			slog.Error("failed to save preferences", "path", p.Path(), "err", err)
			return 1
		}
	}

	ctx, quit := context.WithCancel(ctx)
	defer quit()

	c := newConsole(os.Stdout, application.Director())
	go func() {
		c.ReadLoop(ctx, os.Stdin)
		quit()
	}()

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger writes text logs to stderr so they do not interleave with the
// console on stdout. level may be changed at runtime.
func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
