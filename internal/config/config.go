// Package config provides the configuration schema, loader, and hot-reload
// watcher for the live audio relay.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/livebridge/pkg/protocol"
)

// LogLevel controls log verbosity for the relay.
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

// SlogLevel maps l onto a [slog.Level]. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InteractionMode selects how utterance boundaries are detected.
type InteractionMode string

const (
	// ModePushToTalk disables the remote's voice activity detection; the
	// client marks every utterance with explicit activity boundaries.
	ModePushToTalk InteractionMode = "ptt"

	// ModeVoiceActivity leaves turn detection to the remote endpoint.
	ModeVoiceActivity InteractionMode = "vad"
)

// IsValid reports whether m is a recognised interaction mode.
func (m InteractionMode) IsValid() bool {
	return m == ModePushToTalk || m == ModeVoiceActivity
}

// Environment variables consulted by [ApplyEnv].
const (
	EnvAPIKey = "GOOGLE_API_KEY"
	EnvModel  = "GEMINI_MODEL"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":3000"
	DefaultMaxMessageBytes   = 4 << 20
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultBaseURL           = "wss://generativelanguage.googleapis.com/ws"
	DefaultAPIVersion        = "v1alpha"
	DefaultModel             = "gemini-2.5-flash-native-audio-latest"
	DefaultVoice             = "Aoede"
	DefaultResponseModality  = "AUDIO"
	DefaultKeepaliveInterval = 20 * time.Second
	DefaultDialTimeout       = 10 * time.Second
)

// ConfigurationError reports an invalid or missing configuration value. All
// errors returned by [Validate] are of this type, joined with errors.Join.
type ConfigurationError struct {
	// Field is the dotted YAML path of the offending value.
	Field string

	// Reason describes what is wrong with it.
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Config is the root configuration structure for the relay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Remote RemoteConfig `yaml:"remote"`
}

// ServerConfig holds network and logging settings for the relay's HTTP side.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// StaticDir is served for plain GET requests that are not WebSocket
	// upgrades. Empty disables static file serving.
	StaticDir string `yaml:"static_dir"`

	// MaxMessageBytes is the largest WebSocket message accepted on either leg.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// AllowedOrigins lists host patterns permitted to open client WebSockets
	// from another origin. Empty allows same-origin clients only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RemoteConfig describes the remote BidiGenerateContent endpoint and the
// session setup sent to it.
type RemoteConfig struct {
	// APIKey authenticates against the remote endpoint. The GOOGLE_API_KEY
	// environment variable takes precedence when set.
	APIKey string `yaml:"api_key"`

	// BaseURL is the WebSocket base URL of the endpoint.
	BaseURL string `yaml:"base_url"`

	// APIVersion selects the API surface, e.g. "v1alpha".
	APIVersion string `yaml:"api_version"`

	// Model is the model name, with or without the "models/" prefix. The
	// GEMINI_MODEL environment variable takes precedence when set.
	Model string `yaml:"model"`

	// Voice is the prebuilt voice name. Empty uses the remote's default.
	Voice string `yaml:"voice"`

	// ResponseModality is "AUDIO" or "TEXT".
	ResponseModality string `yaml:"response_modality"`

	// SystemInstruction is the persona given to the model.
	SystemInstruction string `yaml:"system_instruction"`

	// InteractionMode is "ptt" (explicit activity boundaries) or "vad".
	InteractionMode InteractionMode `yaml:"interaction_mode"`

	// KeepaliveInterval is the period of WebSocket pings on the remote leg.
	// A negative value disables pings.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	// DialTimeout bounds opening the remote connection.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// SetupOptions converts the remote settings into the one-time setup message
// parameters.
func (r RemoteConfig) SetupOptions() protocol.SetupOptions {
	return protocol.SetupOptions{
		Model:             r.Model,
		ResponseModality:  r.ResponseModality,
		Voice:             r.Voice,
		SystemInstruction: r.SystemInstruction,
		PushToTalk:        r.InteractionMode == ModePushToTalk,
	}
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.MaxMessageBytes == 0 {
		s.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	r := &cfg.Remote
	if r.BaseURL == "" {
		r.BaseURL = DefaultBaseURL
	}
	if r.APIVersion == "" {
		r.APIVersion = DefaultAPIVersion
	}
	if r.Model == "" {
		r.Model = DefaultModel
	}
	if r.Voice == "" {
		r.Voice = DefaultVoice
	}
	if r.ResponseModality == "" {
		r.ResponseModality = DefaultResponseModality
	}
	if r.InteractionMode == "" {
		r.InteractionMode = ModePushToTalk
	}
	if r.KeepaliveInterval == 0 {
		r.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if r.DialTimeout == 0 {
		r.DialTimeout = DefaultDialTimeout
	}
}

// ApplyEnv overrides the credential and model from the environment. lookup
// has the signature of [os.LookupEnv]; empty values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		cfg.Remote.APIKey = v
	}
	if v, ok := lookup(EnvModel); ok && v != "" {
		cfg.Remote.Model = v
	}
}
