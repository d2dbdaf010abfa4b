package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "anyllm"},
	"stt":        {"deepgram", "whisper"},
	"tts":        {"elevenlabs", "coqui"},
	"vision":     {"gemini"},
	"embeddings": {"openai", "ollama"},
	"vad":        {"silero"},
}

// envOverrides are the environment-variable knobs applied on top of the
// YAML configuration at Load time. Environment wins over file.
type envOverrides struct {
	FrameIdleThresholdMinutes int    `env:"FRAME_IDLE_THRESHOLD_MINUTES"`
	DefaultLLMURL             string `env:"DEFAULT_LLM_URL"`
	DefaultTTSProvider        string `env:"DEFAULT_TTS_PROVIDER"`
	ASRModelPath              string `env:"ASR_MODEL_PATH"`
	ASRDevice                 string `env:"ASR_DEVICE"`
	AccessTokenExpireDays     int    `env:"ACCESS_TOKEN_EXPIRE_DAYS"`
	JWTSecret                 string `env:"JWT_SECRET"`
	DatabaseDSN               string `env:"DATABASE_DSN"`
}

// Load reads the YAML configuration file at path, applies the environment
// overrides, and returns a validated [Config].
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

// LoadFromReader decodes a YAML config from r, applies the environment
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays the eight environment knobs onto cfg. A knob
// only takes effect when its environment variable is set to a non-zero
// value — an unset variable leaves the YAML-provided value untouched.
func applyEnvOverrides(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("config: parse environment overrides: %w", err)
	}

	if o.FrameIdleThresholdMinutes != 0 {
		cfg.Frame.IdleThresholdMinutes = o.FrameIdleThresholdMinutes
	}
	if o.DefaultLLMURL != "" {
		cfg.Providers.LLM.BaseURL = o.DefaultLLMURL
	}
	if o.DefaultTTSProvider != "" {
		cfg.Providers.TTS.Name = o.DefaultTTSProvider
	}
	if o.ASRModelPath != "" {
		if cfg.Providers.STT.Options == nil {
			cfg.Providers.STT.Options = map[string]any{}
		}
		cfg.Providers.STT.Options["model_path"] = o.ASRModelPath
	}
	if o.ASRDevice != "" {
		if cfg.Providers.STT.Options == nil {
			cfg.Providers.STT.Options = map[string]any{}
		}
		cfg.Providers.STT.Options["device"] = o.ASRDevice
	}
	if o.AccessTokenExpireDays != 0 {
		cfg.Auth.AccessTokenExpireDays = o.AccessTokenExpireDays
	}
	if o.JWTSecret != "" {
		cfg.Auth.JWTSecret = o.JWTSecret
	}
	if o.DatabaseDSN != "" {
		cfg.Database.DSN = o.DatabaseDSN
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Frame.IdleThresholdMinutes < 0 {
		errs = append(errs, fmt.Errorf("frame.idle_threshold_minutes must be non-negative, got %d", cfg.Frame.IdleThresholdMinutes))
	}
	if cfg.Auth.AccessTokenExpireDays < 0 {
		errs = append(errs, fmt.Errorf("auth.access_token_expire_days must be non-negative, got %d", cfg.Auth.AccessTokenExpireDays))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vision", cfg.Providers.Vision.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	if cfg.Database.DSN == "" {
		slog.Warn("database.dsn is empty; the persistence gateway will fail to open unless DATABASE_DSN is set")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; the agent runtime will not be able to generate responses")
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
