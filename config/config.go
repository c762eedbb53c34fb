// Package config loads and validates the voicemode client configuration.
// The resolved scheme and host are injected here rather than sniffed from
// the hosting environment.
package config

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	Channel    ChannelConfig    `yaml:"channel"`
	Recordings RecordingsConfig `yaml:"recordings"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig names the voice backend.
type ServerConfig struct {
	Host   string `yaml:"host"`
	Secure bool   `yaml:"secure"`
	Token  string `yaml:"token"` // optional bearer token, sent as a header when set
}

// AudioConfig contains capture parameters. The wire protocol requires
// 16 kHz mono.
type AudioConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	Channels        int `yaml:"channels"`
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// ChannelConfig contains the reconnect policy.
type ChannelConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
}

// RecordingsConfig controls local persistence of finished utterances.
type RecordingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration suitable for zero-config local runs.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "localhost:8000"},
		Audio: AudioConfig{
			SampleRate:      16000,
			Channels:        1,
			FramesPerBuffer: 1024,
		},
		Channel: ChannelConfig{
			MaxAttempts:      5,
			InitialBackoffMs: 1000,
			MaxBackoffMs:     30000,
		},
		Recordings: RecordingsConfig{Dir: "recordings"},
		Logging:    LoggingConfig{Level: "info"},
	}
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs validation of the complete configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Channel.Validate(); err != nil {
		return fmt.Errorf("channel config: %w", err)
	}
	if err := c.Recordings.Validate(); err != nil {
		return fmt.Errorf("recordings config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz for the voice protocol, got %d", a.SampleRate)
	}
	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono) for the voice protocol, got %d", a.Channels)
	}
	if a.FramesPerBuffer < 64 || a.FramesPerBuffer > 8192 {
		return fmt.Errorf("frames_per_buffer must be between 64 and 8192, got %d", a.FramesPerBuffer)
	}
	return nil
}

func (ch *ChannelConfig) Validate() error {
	if ch.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", ch.MaxAttempts)
	}
	if ch.InitialBackoffMs < 1 {
		return fmt.Errorf("initial_backoff_ms must be positive, got %d", ch.InitialBackoffMs)
	}
	if ch.MaxBackoffMs < ch.InitialBackoffMs {
		return fmt.Errorf("max_backoff_ms (%d) must be at least initial_backoff_ms (%d)",
			ch.MaxBackoffMs, ch.InitialBackoffMs)
	}
	return nil
}

func (r *RecordingsConfig) Validate() error {
	if r.Enabled && r.Dir == "" {
		return fmt.Errorf("dir cannot be empty when recordings are enabled")
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("level must be one of [debug, info, warn, error], got %q", l.Level)
}

// VoiceURL builds the per-session channel endpoint from the injected scheme
// and host.
func (c *Config) VoiceURL(chatID string) string {
	scheme := "ws"
	if c.Server.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws/voice/%s/", scheme, c.Server.Host, chatID)
}

// Header returns the dial headers for the channel, carrying the bearer token
// when one is configured.
func (c *Config) Header() http.Header {
	if c.Server.Token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.Server.Token)
	return h
}

// InitialBackoff returns the initial reconnect delay as a time.Duration.
func (ch *ChannelConfig) InitialBackoff() time.Duration {
	return time.Duration(ch.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the reconnect delay ceiling as a time.Duration.
func (ch *ChannelConfig) MaxBackoff() time.Duration {
	return time.Duration(ch.MaxBackoffMs) * time.Millisecond
}
