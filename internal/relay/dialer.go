package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livebridge/internal/resilience"
)

const (
	defaultBaseURL     = "wss://generativelanguage.googleapis.com/ws"
	defaultAPIVersion  = "v1alpha"
	defaultDialTimeout = 10 * time.Second
)

// RemoteDialer opens the remote leg of a relay session.
type RemoteDialer interface {
	Dial(ctx context.Context) (*websocket.Conn, error)
}

// DialerOption is a functional option for configuring a [Dialer].
type DialerOption func(*Dialer)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) DialerOption {
	return func(d *Dialer) { d.baseURL = u }
}

// WithAPIVersion selects the API surface, e.g. "v1alpha" or "v1beta".
func WithAPIVersion(v string) DialerOption {
	return func(d *Dialer) { d.apiVersion = v }
}

// WithDialTimeout bounds the WebSocket handshake with the remote.
func WithDialTimeout(t time.Duration) DialerOption {
	return func(d *Dialer) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// Dialer connects to the BidiGenerateContent endpoint with an API key.
type Dialer struct {
	apiKey     string
	baseURL    string
	apiVersion string
	timeout    time.Duration
}

// NewDialer creates a Dialer for apiKey with the given options.
func NewDialer(apiKey string, opts ...DialerOption) *Dialer {
	d := &Dialer{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		apiVersion: defaultAPIVersion,
		timeout:    defaultDialTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// endpoint returns the full endpoint URL. With redact set the key is masked
// so the result is safe to log.
func (d *Dialer) endpoint(redact bool) string {
	key := d.apiKey
	if redact {
		key = "REDACTED"
	}
	return fmt.Sprintf(
		"%s/google.ai.generativelanguage.%s.GenerativeService.BidiGenerateContent?key=%s",
		d.baseURL, d.apiVersion, url.QueryEscape(key),
	)
}

// String returns the endpoint with the API key redacted.
func (d *Dialer) String() string { return d.endpoint(true) }

// Dial opens a new WebSocket to the remote endpoint.
func (d *Dialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, d.endpoint(false), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		// The underlying error may embed the URL; report the redacted form.
		return nil, fmt.Errorf("relay: dial %s: %w", d, redactErr(err, d.apiKey))
	}
	return conn, nil
}

// GuardedDialer dials through a circuit breaker so that, while the remote is
// failing, new sessions are refused at once instead of each waiting out a
// dial timeout.
type GuardedDialer struct {
	Dialer  RemoteDialer
	Breaker *resilience.Breaker
}

// Dial implements [RemoteDialer].
func (g *GuardedDialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := g.Breaker.Do(func() error {
		c, err := g.Dialer.Dial(ctx)
		conn = c
		return err
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
