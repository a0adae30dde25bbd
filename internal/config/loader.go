package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxtail/voxtail/pkg/types"
)

// ValidLLMProviderNames lists the provider names the loader recognises.
// Used by [Validate] to warn about unrecognised provider names.
var ValidLLMProviderNames = []string{
	"openai", "openai-compat", "anthropic", "gemini", "ollama",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Default returns a Config populated with working defaults: VAD-mode
// recognition from the default microphone, auto-processing every 30 seconds,
// in-memory storage.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8090",
			LogLevel:   LogInfo,
		},
		Recognizer: RecognizerConfig{
			Binary:                "whisper-stream",
			Mode:                  types.ModeVAD,
			StepMS:                10000,
			WindowMS:              30000,
			VADThreshold:          0.6,
			KeepMS:                200,
			OverlapMergeThreshold: 0.92,
		},
		Processing: ProcessingConfig{
			AutoEnabled:  true,
			Interval:     Duration(30 * time.Second),
			MaxRetries:   3,
			RetryBackoff: Duration(2 * time.Second),
			Timeout:      Duration(30 * time.Second),
			Temperature:  0.1,
			MaxTokens:    5000,
		},
		Events: EventsConfig{
			QueueSize: 64,
			Heartbeat: Duration(30 * time.Second),
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, fills defaults for unset
// values, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults restores defaults for fields explicitly set to their zero
// value in the YAML (decoding into Default() covers absent fields only when
// the enclosing mapping is also absent).
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = def.Server.ListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = def.Server.LogLevel
	}
	if cfg.Recognizer.Binary == "" {
		cfg.Recognizer.Binary = def.Recognizer.Binary
	}
	if cfg.Recognizer.Mode == "" {
		cfg.Recognizer.Mode = def.Recognizer.Mode
	}
	if cfg.Recognizer.WindowMS == 0 {
		cfg.Recognizer.WindowMS = def.Recognizer.WindowMS
	}
	if cfg.Recognizer.VADThreshold == 0 {
		cfg.Recognizer.VADThreshold = def.Recognizer.VADThreshold
	}
	if len(cfg.Recognizer.Sources) == 0 {
		cfg.Recognizer.Sources = []SourceConfig{{Source: types.SourceMicrophone}}
	}
	if cfg.Processing.Interval == 0 {
		cfg.Processing.Interval = def.Processing.Interval
	}
	if cfg.Processing.RetryBackoff == 0 {
		cfg.Processing.RetryBackoff = def.Processing.RetryBackoff
	}
	if cfg.Processing.Timeout == 0 {
		cfg.Processing.Timeout = def.Processing.Timeout
	}
	if cfg.Processing.MaxTokens == 0 {
		cfg.Processing.MaxTokens = def.Processing.MaxTokens
	}
	if cfg.Events.QueueSize == 0 {
		cfg.Events.QueueSize = def.Events.QueueSize
	}
	if cfg.Events.Heartbeat == 0 {
		cfg.Events.Heartbeat = def.Events.Heartbeat
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Recognizer.Mode != "" && !cfg.Recognizer.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("recognizer.mode %q is invalid; valid values: vad, fixed-interval", cfg.Recognizer.Mode))
	}
	if cfg.Recognizer.Mode == types.ModeFixedInterval && cfg.Recognizer.StepMS <= 0 {
		errs = append(errs, fmt.Errorf("recognizer.step_ms must be positive in fixed-interval mode"))
	}
	if cfg.Recognizer.WindowMS < 0 {
		errs = append(errs, fmt.Errorf("recognizer.window_ms must not be negative"))
	}
	if t := cfg.Recognizer.VADThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("recognizer.vad_threshold %.2f is out of range [0, 1]", t))
	}
	if t := cfg.Recognizer.OverlapMergeThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("recognizer.overlap_merge_threshold %.2f is out of range [0, 1]", t))
	}

	seenSources := make(map[types.AudioSource]int, len(cfg.Recognizer.Sources))
	for i, src := range cfg.Recognizer.Sources {
		prefix := fmt.Sprintf("recognizer.sources[%d]", i)
		if !src.Source.IsValid() {
			errs = append(errs, fmt.Errorf("%s.source %q is invalid; valid values: microphone, system, unknown", prefix, src.Source))
			continue
		}
		if prev, ok := seenSources[src.Source]; ok {
			errs = append(errs, fmt.Errorf("%s.source %q is a duplicate of recognizer.sources[%d]", prefix, src.Source, prev))
		}
		seenSources[src.Source] = i
	}

	if cfg.Processing.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("processing.max_retries must not be negative"))
	}
	if cfg.Processing.Temperature < 0 || cfg.Processing.Temperature > 2 {
		errs = append(errs, fmt.Errorf("processing.temperature %.2f is out of range [0, 2]", cfg.Processing.Temperature))
	}
	if cfg.Processing.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("processing.timeout must be positive"))
	}

	validateLLMProviderName(cfg.LLM.Name)
	if cfg.LLM.Name == "" {
		slog.Warn("llm.name is empty; deduplication and summaries will be unavailable")
	}
	if cfg.LLM.Name != "" && cfg.LLM.Model == "" {
		errs = append(errs, fmt.Errorf("llm.model is required when llm.name is set"))
	}

	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; transcripts will be kept in memory only")
	}

	if cfg.Events.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("events.queue_size must be positive"))
	}

	return errors.Join(errs...)
}

// validateLLMProviderName logs a warning if name is non-empty and not found
// in [ValidLLMProviderNames].
func validateLLMProviderName(name string) {
	if name == "" || slices.Contains(ValidLLMProviderNames, name) {
		return
	}
	slog.Warn("unknown LLM provider name, may be a typo or a third-party provider",
		"name", name,
		"known", ValidLLMProviderNames,
	)
}
