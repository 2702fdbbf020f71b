package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SetupChanged is true when any value sent in the remote setup message,
	// or any parameter used to dial the remote, changed. Sessions that are
	// already open keep their original setup.
	SetupChanged bool

	// KeepaliveChanged is true when the remote ping interval changed. It
	// applies to sessions opened afterwards.
	KeepaliveChanged bool
	NewKeepalive     time.Duration

	// RestartRequired names the changed fields that only take effect after a
	// restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Setup and dial parameters apply to the next session.
	if old.Remote.SetupOptions() != new.Remote.SetupOptions() ||
		old.Remote.BaseURL != new.Remote.BaseURL ||
		old.Remote.APIVersion != new.Remote.APIVersion ||
		old.Remote.APIKey != new.Remote.APIKey ||
		old.Remote.DialTimeout != new.Remote.DialTimeout {
		d.SetupChanged = true
	}
	if old.Remote.KeepaliveInterval != new.Remote.KeepaliveInterval {
		d.KeepaliveChanged = true
		d.NewKeepalive = new.Remote.KeepaliveInterval
	}

	// Listener settings are bound at startup.
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Server.StaticDir != new.Server.StaticDir {
		d.RestartRequired = append(d.RestartRequired, "server.static_dir")
	}
	if old.Server.MaxMessageBytes != new.Server.MaxMessageBytes {
		d.RestartRequired = append(d.RestartRequired, "server.max_message_bytes")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
