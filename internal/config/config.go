// Package config provides the configuration schema, loader and hot-reload
// watcher for the stagelive client.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Duration is a [time.Duration] written in YAML as a Go duration string
// ("3s", "100ms").
type Duration time.Duration

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements [yaml.Marshaler].
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Backend    BackendConfig     `yaml:"backend"`
	Director   DirectorConfig    `yaml:"director"`
	Audio      AudioConfig       `yaml:"audio"`
	Capture    CaptureConfig     `yaml:"capture"`
	Prefs      PrefsConfig       `yaml:"prefs"`
	History    HistoryConfig     `yaml:"history"`
	Characters []CharacterConfig `yaml:"characters"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// LogLevel sets the minimum log level. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// DebugAddr is the listen address of the /metrics, /healthz and /readyz
	// endpoints. Empty disables the debug server.
	DebugAddr string `yaml:"debug_addr"`
}

// BackendConfig describes the dialogue backend socket.
type BackendConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string `yaml:"url"`

	// ReconnectInterval is the fixed wait between connection attempts.
	ReconnectInterval Duration `yaml:"reconnect_interval"`

	// KeepaliveInterval is the ping period. Zero disables pings.
	KeepaliveInterval Duration `yaml:"keepalive_interval"`

	// DialTimeout bounds a single connection attempt.
	DialTimeout Duration `yaml:"dial_timeout"`
}

// DirectorConfig tunes the playback director.
type DirectorConfig struct {
	// TextSpeed is the typewriter speed in characters per second.
	// Hot-reloadable.
	TextSpeed float64 `yaml:"text_speed"`

	// AudioPollInterval is how often the audio task re-checks a segment
	// whose next chunk has not arrived yet.
	AudioPollInterval Duration `yaml:"audio_poll_interval"`

	// StrictSpeaker drops content frames that name no character.
	StrictSpeaker bool `yaml:"strict_speaker"`
}

// AudioConfig configures the rendering bridge.
type AudioConfig struct {
	// SampleRate and Channels describe the output device format.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// FrameRate is how many level samples are produced per second.
	FrameRate int `yaml:"frame_rate"`

	// Threshold is the loudness (0-255) below which the mouth stays shut.
	Threshold float64 `yaml:"threshold"`

	// Gain scales loudness above the threshold into mouth openness.
	Gain float64 `yaml:"gain"`

	// OutputPath, when set, receives the rendered PCM stream. Empty
	// discards it.
	OutputPath string `yaml:"output_path"`
}

// CaptureConfig configures the voice uplink.
type CaptureConfig struct {
	Enabled bool `yaml:"enabled"`

	// SampleRate and FrameMs describe the frames sent upstream.
	SampleRate int `yaml:"sample_rate"`
	FrameMs    int `yaml:"frame_ms"`

	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// InputPath is a file or FIFO of raw PCM16 audio. InputSampleRate and
	// InputChannels describe its format.
	InputPath       string `yaml:"input_path"`
	InputSampleRate int    `yaml:"input_sample_rate"`
	InputChannels   int    `yaml:"input_channels"`
}

// PrefsConfig locates the persisted user preferences.
type PrefsConfig struct {
	Path string `yaml:"path"`
}

// HistoryConfig configures the performed-turn log.
type HistoryConfig struct {
	// PostgresDSN selects the PostgreSQL store. Empty keeps history in
	// memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Capacity bounds the in-memory store.
	Capacity int `yaml:"capacity"`
}

// CharacterConfig maps a backend character id to a display name.
// Hot-reloadable.
type CharacterConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}
