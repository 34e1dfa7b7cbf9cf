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

// ValidProviderNames lists known provider names per pipeline stage.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp"},
	"stt": {"assemblyai"},
	"tts": {"murf"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in values that have a sensible default when left unset.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.History.Backend == "" {
		c.History.Backend = BackendFile
	}
	if c.History.Backend == BackendFile && c.History.Dir == "" {
		c.History.Dir = "chat_histories"
	}
	if c.STT.Provider == "" {
		c.STT.Provider = "assemblyai"
	}
	if c.STT.SampleRate == 0 {
		c.STT.SampleRate = 16000
	}
	if c.TTS.Provider == "" {
		c.TTS.Provider = "murf"
	}
	if c.Speech.Chunking == "" {
		c.Speech.Chunking = ChunkIncrement
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

	// History
	if cfg.History.Backend != "" && !cfg.History.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: file, postgres", cfg.History.Backend))
	}
	if cfg.History.Backend == BackendPostgres && cfg.History.DSN == "" {
		errs = append(errs, errors.New("history.dsn is required when history.backend is postgres"))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.LLM.Provider)
	validateProviderName("stt", cfg.STT.Provider)
	validateProviderName("tts", cfg.TTS.Provider)

	if cfg.LLM.Provider == "" {
		errs = append(errs, errors.New("llm.provider is required"))
	}
	if cfg.STT.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("stt.sample_rate %d is invalid; must be positive", cfg.STT.SampleRate))
	}

	// Speech
	if cfg.Speech.Chunking != "" && !cfg.Speech.Chunking.IsValid() {
		errs = append(errs, fmt.Errorf("speech.chunking %q is invalid; valid values: increment, sentence", cfg.Speech.Chunking))
	}

	// Credential availability warnings — sessions can still supply keys via
	// the config endpoint, so missing defaults are not fatal.
	if cfg.LLM.APIKey == "" {
		slog.Warn("llm.api_key is empty; turns will fail unless sessions provide a model key")
	}
	if cfg.STT.APIKey == "" {
		slog.Warn("stt.api_key is empty; connections will fail unless sessions provide a transcription key")
	}
	if cfg.TTS.APIKey == "" {
		slog.Warn("tts.api_key is empty; replies will stream as text only unless sessions provide a synthesis key")
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
