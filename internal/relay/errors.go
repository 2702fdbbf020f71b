package relay

import (
	"fmt"
	"net/url"
	"strings"
)

// Connection legs named in errors, logs and metrics.
const (
	LegClient = "client"
	LegRemote = "remote"
)

// TransportError reports an abnormal failure on one leg of a relay session.
// Either leg failing closes the other; the client learns about it through the
// WebSocket close status.
type TransportError struct {
	// Leg is [LegClient] or [LegRemote].
	Leg string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay: %s connection: %v", e.Leg, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// redactedError hides a secret in the message of a wrapped error.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// redactErr masks every occurrence of secret in err's message.
func redactErr(err error, secret string) error {
	if err == nil || secret == "" {
		return err
	}
	msg := err.Error()
	redacted := strings.ReplaceAll(msg, secret, "REDACTED")
	redacted = strings.ReplaceAll(redacted, url.QueryEscape(secret), "REDACTED")
	if redacted == msg {
		return err
	}
	return &redactedError{msg: redacted, err: err}
}
