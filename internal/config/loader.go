package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviders lists known LLM provider names. Used by [Validate] to
// warn about unrecognised provider names.
var ValidLLMProviders = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Default returns a Config populated with sensible defaults. YAML decoding
// and environment overrides are applied on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Escalation: EscalationConfig{
			RingNumber: "5",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then environment variable overrides,
// then validation. This is the entry point used by the server binary.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	ApplyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment variable
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Unset variables leave
// the corresponding fields untouched, so YAML values survive.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.ListenAddr = ":" + v
	}
	if v := os.Getenv("PIPECAT_SERVER_URL"); v != "" {
		cfg.Agent.URL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		} else {
			slog.Warn("ignoring non-numeric DB_PORT", "value", v)
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("INFO_AGENT_ASSISTANT_ID"); v != "" {
		cfg.LLM.AssistantID = v
	}
	if v := os.Getenv("DATA_FILE_PATH"); v != "" {
		cfg.Catalog.Path = v
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
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Agent endpoint. The bridge cannot do anything without it.
	if cfg.Agent.URL == "" {
		errs = append(errs, errors.New("agent.url is required; set it in the config file or via PIPECAT_SERVER_URL"))
	} else if err := validateAgentURL(cfg.Agent.URL); err != nil {
		errs = append(errs, err)
	}

	// Database: either a full URL, a complete host/user/name triple, or nothing.
	db := cfg.Database
	if db.URL == "" {
		anySet := db.Host != "" || db.Port != 0 || db.User != "" || db.Password != "" || db.Name != ""
		if anySet && (db.Host == "" || db.User == "" || db.Name == "") {
			errs = append(errs, errors.New("database: host, user, and name are all required when any db field is set"))
		} else if !anySet {
			slog.Warn("database is not configured; call statistics will not be recorded")
		}
	}

	// LLM provider names — warn for unknown names, they may be typos.
	validateProviderName(cfg.LLM.Provider.Name)
	for _, fb := range cfg.LLM.Fallbacks {
		validateProviderName(fb.Name)
	}
	if cfg.LLM.Provider.Name == "" {
		slog.Warn("llm.provider is not configured; knowledge-base answers will be unavailable")
	}

	if cfg.Catalog.Path == "" {
		slog.Warn("catalog.path is empty; service catalog will be looked up in default locations")
	}

	if cfg.Booking.BaseURL == "" {
		slog.Warn("booking.base_url is empty; reservation calls will fail until it is set")
	}

	return errors.Join(errs...)
}

// validateAgentURL checks that raw parses and carries a scheme the agent
// dialler understands.
func validateAgentURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("agent.url %q is not a valid URL: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
		return nil
	}
	return fmt.Errorf("agent.url %q has unsupported scheme %q; valid schemes: ws, wss, http, https", raw, u.Scheme)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidLLMProviders].
func validateProviderName(name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidLLMProviders, name) {
		return
	}
	slog.Warn("unknown LLM provider name — may be a typo or third-party provider",
		"name", name,
		"known", ValidLLMProviders,
	)
}
