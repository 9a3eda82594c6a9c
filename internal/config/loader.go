package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultLogLevel          = LogInfo
	DefaultReconnectInterval = 3 * time.Second
	DefaultKeepaliveInterval = 20 * time.Second
	DefaultDialTimeout       = 5 * time.Second
	DefaultTextSpeed         = 25
	DefaultAudioPoll         = 100 * time.Millisecond
	DefaultSampleRate        = 48000
	DefaultFrameRate         = 60
	DefaultThreshold         = 10
	DefaultGain              = 3.0
	DefaultCaptureRate       = 16000
	DefaultCaptureFrameMs    = 20
	DefaultSpeechThreshold   = 0.5
	DefaultSilenceThreshold  = 0.35
	DefaultPrefsPath         = "stagelive-prefs.yaml"
	DefaultHistoryCapacity   = 200
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}

	b := &cfg.Backend
	if b.ReconnectInterval == 0 {
		b.ReconnectInterval = Duration(DefaultReconnectInterval)
	}
	if b.KeepaliveInterval == 0 {
		b.KeepaliveInterval = Duration(DefaultKeepaliveInterval)
	}
	if b.DialTimeout == 0 {
		b.DialTimeout = Duration(DefaultDialTimeout)
	}

	d := &cfg.Director
	if d.TextSpeed == 0 {
		d.TextSpeed = DefaultTextSpeed
	}
	if d.AudioPollInterval == 0 {
		d.AudioPollInterval = Duration(DefaultAudioPoll)
	}

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = 1
	}
	if a.FrameRate == 0 {
		a.FrameRate = DefaultFrameRate
	}
	if a.Threshold == 0 {
		a.Threshold = DefaultThreshold
	}
	if a.Gain == 0 {
		a.Gain = DefaultGain
	}

	c := &cfg.Capture
	if c.SampleRate == 0 {
		c.SampleRate = DefaultCaptureRate
	}
	if c.FrameMs == 0 {
		c.FrameMs = DefaultCaptureFrameMs
	}
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = DefaultSpeechThreshold
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.InputSampleRate == 0 {
		c.InputSampleRate = c.SampleRate
	}
	if c.InputChannels == 0 {
		c.InputChannels = 1
	}

	if cfg.Prefs.Path == "" {
		cfg.Prefs.Path = DefaultPrefsPath
	}
	if cfg.History.Capacity == 0 {
		cfg.History.Capacity = DefaultHistoryCapacity
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	if cfg.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	} else if u, err := url.Parse(cfg.Backend.URL); err != nil {
		errs = append(errs, fmt.Errorf("backend.url %q: %w", cfg.Backend.URL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("backend.url %q must use ws or wss", cfg.Backend.URL))
	}
	if cfg.Backend.ReconnectInterval < 0 || cfg.Backend.KeepaliveInterval < 0 || cfg.Backend.DialTimeout < 0 {
		errs = append(errs, errors.New("backend intervals must not be negative"))
	}

	// Director
	if cfg.Director.TextSpeed <= 0 {
		errs = append(errs, fmt.Errorf("director.text_speed %v must be positive", cfg.Director.TextSpeed))
	}
	if cfg.Director.AudioPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("director.audio_poll_interval %v must be positive", cfg.Director.AudioPollInterval.Std()))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}
	if cfg.Audio.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_rate %d must be positive", cfg.Audio.FrameRate))
	}
	if cfg.Audio.Threshold < 0 || cfg.Audio.Threshold >= 255 {
		errs = append(errs, fmt.Errorf("audio.threshold %v is out of range [0, 255)", cfg.Audio.Threshold))
	}
	if cfg.Audio.Gain < 0 {
		errs = append(errs, fmt.Errorf("audio.gain %v must not be negative", cfg.Audio.Gain))
	}

	// Capture
	if c := cfg.Capture; c.Enabled {
		if c.SampleRate <= 0 || c.FrameMs <= 0 {
			errs = append(errs, errors.New("capture.sample_rate and capture.frame_ms must be positive"))
		}
		if c.SilenceThreshold >= c.SpeechThreshold {
			errs = append(errs, fmt.Errorf("capture.silence_threshold %v must be below capture.speech_threshold %v", c.SilenceThreshold, c.SpeechThreshold))
		}
		if c.InputPath == "" {
			errs = append(errs, errors.New("capture.input_path is required when capture is enabled"))
		}
		if c.InputChannels != 1 && c.InputChannels != 2 {
			errs = append(errs, fmt.Errorf("capture.input_channels %d is invalid; valid values: 1, 2", c.InputChannels))
		}
	}

	// History
	if cfg.History.Capacity < 0 {
		errs = append(errs, fmt.Errorf("history.capacity %d must not be negative", cfg.History.Capacity))
	}

	// Characters
	seen := make(map[string]int, len(cfg.Characters))
	for i, ch := range cfg.Characters {
		prefix := fmt.Sprintf("characters[%d]", i)
		if ch.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := seen[ch.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of characters[%d]", prefix, ch.ID, prev))
		}
		seen[ch.ID] = i
	}

	return errors.Join(errs...)
}
