// Package config provides the configuration schema, loader, and file watcher
// for the voxtail transcript pipeline.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxtail/voxtail/pkg/types"
)

// LogLevel controls log verbosity for the voxtail server.
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

// Duration wraps time.Duration so YAML values can be written in Go duration
// syntax ("30s", "2m", "1h30m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for voxtail.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Recognizer RecognizerConfig `yaml:"recognizer"`
	Processing ProcessingConfig `yaml:"processing"`
	LLM        ProviderEntry    `yaml:"llm"`
	Storage    StorageConfig    `yaml:"storage"`
	Events     EventsConfig     `yaml:"events"`
}

// ServerConfig holds network and logging settings for the voxtail server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// SourceConfig describes one audio capture source to record from. Each source
// gets its own recognizer subprocess.
type SourceConfig struct {
	// Source labels the capture origin; segments from this subprocess carry it.
	Source types.AudioSource `yaml:"source"`

	// DeviceID is the capture device index passed to the recognizer via -c.
	// Nil means the recognizer's default device.
	DeviceID *int `yaml:"device_id"`
}

// RecognizerConfig holds settings for the external whisper-stream subprocess.
type RecognizerConfig struct {
	// Binary is the whisper-stream executable path or name.
	Binary string `yaml:"binary"`

	// ModelPath is the whisper model file passed via -m.
	ModelPath string `yaml:"model_path"`

	// Threads is passed via -t. Zero means the recognizer's default.
	Threads int `yaml:"threads"`

	// Sources lists the capture sources to record. When empty, a single
	// microphone source on the default device is used.
	Sources []SourceConfig `yaml:"sources"`

	// Mode selects how the recognizer chunks output: "vad" (marked blocks,
	// voice-activity triggered) or "fixed-interval" (one line per window).
	Mode types.RecognizerMode `yaml:"mode"`

	// StepMS is the fixed-interval step in milliseconds (--step).
	// Ignored in vad mode, where step is pinned to 0.
	StepMS int `yaml:"step_ms"`

	// WindowMS is the audio window length in milliseconds (--length).
	WindowMS int `yaml:"window_ms"`

	// VADThreshold is the voice activity detection threshold (-vth).
	VADThreshold float64 `yaml:"vad_threshold"`

	// KeepMS is the audio carried over between windows (--keep).
	KeepMS int `yaml:"keep_ms"`

	// OverlapMergeThreshold is the Jaro-Winkler similarity in (0, 1] above
	// which a fixed-interval segment is treated as a sliding-window re-emit
	// of the previous segment and merged into it. 0 disables merging.
	OverlapMergeThreshold float64 `yaml:"overlap_merge_threshold"`
}

// ProcessingConfig tunes the LLM deduplication scheduler.
type ProcessingConfig struct {
	// AutoEnabled arms the per-session auto-process timer.
	AutoEnabled bool `yaml:"auto_enabled"`

	// Interval is the auto-process timer period.
	Interval Duration `yaml:"interval"`

	// MaxRetries bounds automatic retries of a failed deduplication run.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the base delay before a retry; it doubles per attempt.
	RetryBackoff Duration `yaml:"retry_backoff"`

	// Timeout is the hard deadline for one model call.
	Timeout Duration `yaml:"timeout"`

	// Temperature for deduplication and summary calls.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the model completion length.
	MaxTokens int `yaml:"max_tokens"`
}

// ProviderEntry selects and configures the LLM backend.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "openai", "anthropic",
	// "ollama"). "openai-compat" uses the OpenAI SDK directly with BaseURL,
	// for Lambda-style compatible endpoints.
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// PostgresDSN is the PostgreSQL connection string. When empty, voxtail
	// runs with in-memory storage only.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// EventsConfig tunes the live event broadcaster.
type EventsConfig struct {
	// QueueSize is the per-subscriber event queue capacity.
	QueueSize int `yaml:"queue_size"`

	// Heartbeat is the keep-alive interval for idle subscribers.
	Heartbeat Duration `yaml:"heartbeat"`
}
