package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"streaming": {"deepgram"},
	"batch":     {"whisper", "whisper-native", "openai"},
	"llm":       {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated,
// normalized [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, validates the result, and
// fills in defaults. Useful in tests where configs are string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Capture
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 0 || cfg.Capture.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is out of range [0, 2]", cfg.Capture.Channels))
	}
	if cfg.Capture.SilenceMs < 0 {
		errs = append(errs, fmt.Errorf("capture.silence_ms %d must not be negative", cfg.Capture.SilenceMs))
	}
	if cfg.Capture.CorroborateBelow < 0 || cfg.Capture.CorroborateBelow > 1 {
		errs = append(errs, fmt.Errorf("capture.corroborate_below %.2f is out of range [0, 1]", cfg.Capture.CorroborateBelow))
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("streaming", cfg.Providers.Streaming.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)

	// Batch chain: duplicate names are a config error, the chain is keyed
	// by name.
	batchSeen := make(map[string]int, len(cfg.Providers.Batch))
	for i, entry := range cfg.Providers.Batch {
		prefix := fmt.Sprintf("providers.batch[%d]", i)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := batchSeen[entry.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.batch[%d]", prefix, entry.Name, prev))
		}
		batchSeen[entry.Name] = i
		validateProviderName("batch", entry.Name)
	}

	// Transcription availability warnings
	if cfg.Providers.Streaming.Name == "" && len(cfg.Providers.Batch) == 0 {
		slog.Warn("no streaming or batch transcription provider configured; only typed thoughts will work")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is empty; captured thoughts will not be enriched")
	}
	if cfg.Capture.CorroborateBelow > 0 && len(cfg.Providers.Batch) == 0 {
		slog.Warn("capture.corroborate_below is set but no batch provider is configured; corroboration will be skipped")
	}

	// Enrich
	if cfg.Enrich.Workers < 0 {
		errs = append(errs, fmt.Errorf("enrich.workers %d must not be negative", cfg.Enrich.Workers))
	}
	if cfg.Enrich.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("enrich.max_attempts %d must not be negative", cfg.Enrich.MaxAttempts))
	}
	if cfg.Enrich.InitialBackoff < 0 || cfg.Enrich.MaxBackoff < 0 {
		errs = append(errs, errors.New("enrich backoff durations must not be negative"))
	}
	if cfg.Enrich.InitialBackoff > 0 && cfg.Enrich.MaxBackoff > 0 && cfg.Enrich.InitialBackoff > cfg.Enrich.MaxBackoff {
		errs = append(errs, fmt.Errorf("enrich.initial_backoff %v exceeds enrich.max_backoff %v", cfg.Enrich.InitialBackoff, cfg.Enrich.MaxBackoff))
	}

	// Sync
	if cfg.Sync.MaxActionAge < 0 {
		errs = append(errs, fmt.Errorf("sync.max_action_age %v must not be negative", cfg.Sync.MaxActionAge))
	}
	if cfg.Sync.PostgresDSN == "" {
		slog.Warn("sync.postgres_dsn is empty; thoughts are stored in memory and lost on restart")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
