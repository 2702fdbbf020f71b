package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidResponseModalities lists the response modalities the remote accepts.
var ValidResponseModalities = []string{"AUDIO", "TEXT"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults and environment overrides applied. It is a
// convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and the
// process environment, and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, os.LookupEnv)
}

func load(r io.Reader, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, lookup)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error of [*ConfigurationError] values, one per problem.
func Validate(cfg *Config) error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		fail("server.log_level", "%q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if cfg.Server.MaxMessageBytes < 0 {
		fail("server.max_message_bytes", "must not be negative, got %d", cfg.Server.MaxMessageBytes)
	}
	if cfg.Server.ShutdownTimeout < 0 {
		fail("server.shutdown_timeout", "must not be negative, got %s", cfg.Server.ShutdownTimeout)
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			fail("server.tls.cert_file", "is required when tls is configured")
		}
		if tls.KeyFile == "" {
			fail("server.tls.key_file", "is required when tls is configured")
		}
	}
	if dir := cfg.Server.StaticDir; dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			fail("server.static_dir", "%q is not a readable directory", dir)
		}
	}

	// Remote
	if cfg.Remote.APIKey == "" {
		fail("remote.api_key", "a credential is required; set remote.api_key or %s", EnvAPIKey)
	}
	if u, err := url.Parse(cfg.Remote.BaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		fail("remote.base_url", "%q must be a ws:// or wss:// URL", cfg.Remote.BaseURL)
	}
	if cfg.Remote.ResponseModality != "" && !slices.Contains(ValidResponseModalities, strings.ToUpper(cfg.Remote.ResponseModality)) {
		fail("remote.response_modality", "%q is invalid; valid values: %s", cfg.Remote.ResponseModality, strings.Join(ValidResponseModalities, ", "))
	}
	if cfg.Remote.InteractionMode != "" && !cfg.Remote.InteractionMode.IsValid() {
		fail("remote.interaction_mode", "%q is invalid; valid values: ptt, vad", cfg.Remote.InteractionMode)
	}
	if cfg.Remote.DialTimeout < 0 {
		fail("remote.dial_timeout", "must not be negative, got %s", cfg.Remote.DialTimeout)
	}

	return errors.Join(errs...)
}
