// Package relay bridges browser or CLI clients to the remote
// BidiGenerateContent endpoint. Each accepted client WebSocket gets its own
// remote WebSocket; messages are forwarded verbatim in both directions and the
// relay only ever originates the initial setup message.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/livebridge/internal/observe"
	"github.com/MrWong99/livebridge/pkg/protocol"
)

const defaultReadLimit = 4 << 20

// sessionParams is the per-session configuration snapshot. New sessions use
// the latest snapshot; open sessions keep the one they started with.
type sessionParams struct {
	dialer    RemoteDialer
	setup     protocol.SetupOptions
	keepalive time.Duration
	readLimit int64
	metrics   *observe.Metrics
	tracer    trace.Tracer
}

// Option is a functional option for configuring a [Handler].
type Option func(*Handler)

// WithFallback serves requests that are not WebSocket upgrades, typically the
// static client files.
func WithFallback(h http.Handler) Option {
	return func(r *Handler) { r.fallback = h }
}

// WithAllowedOrigins permits cross-origin client WebSockets from hosts
// matching the given patterns. Without it only same-origin upgrades succeed.
func WithAllowedOrigins(patterns []string) Option {
	return func(r *Handler) { r.origins = patterns }
}

// WithReadLimit sets the largest message accepted on either leg.
func WithReadLimit(n int64) Option {
	return func(r *Handler) {
		if n > 0 {
			r.readLimit = n
		}
	}
}

// WithKeepalive sets the interval of pings on the remote leg. Zero or a
// negative value disables them.
func WithKeepalive(d time.Duration) Option {
	return func(r *Handler) { r.keepalive = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Handler) { r.metrics = m }
}

// WithTracerProvider sets where session spans are recorded. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Handler) { r.tracerProvider = tp }
}

// Handler accepts client WebSockets and runs one [SessionConnection] per
// client. It is safe for concurrent use.
type Handler struct {
	fallback  http.Handler
	origins   []string
	readLimit int64
	keepalive time.Duration
	metrics   *observe.Metrics

	tracerProvider trace.TracerProvider
	tracer         trace.Tracer

	params   atomic.Pointer[sessionParams]
	paramsMu sync.Mutex // serializes writers of params

	mu       sync.Mutex
	sessions map[string]*SessionConnection
	draining bool
	wg       sync.WaitGroup
}

// NewHandler returns a Handler that dials remotes with dialer and sets them up
// with setup.
func NewHandler(dialer RemoteDialer, setup protocol.SetupOptions, opts ...Option) *Handler {
	h := &Handler{
		readLimit: defaultReadLimit,
		sessions:  make(map[string]*SessionConnection),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	h.tracer = observe.Tracer(h.tracerProvider)
	h.Configure(dialer, setup)
	return h
}

// Configure replaces the dialer and setup used for sessions opened from now
// on. Sessions already running are unaffected.
func (h *Handler) Configure(dialer RemoteDialer, setup protocol.SetupOptions) {
	h.paramsMu.Lock()
	defer h.paramsMu.Unlock()
	keepalive := h.keepalive
	if cur := h.params.Load(); cur != nil {
		keepalive = cur.keepalive
	}
	h.params.Store(&sessionParams{
		dialer:    dialer,
		setup:     setup,
		keepalive: keepalive,
		readLimit: h.readLimit,
		metrics:   h.metrics,
		tracer:    h.tracer,
	})
}

// SetKeepalive changes the remote ping interval for sessions opened from now
// on. Zero or a negative value disables pings.
func (h *Handler) SetKeepalive(d time.Duration) {
	h.paramsMu.Lock()
	defer h.paramsMu.Unlock()
	p := *h.params.Load()
	p.keepalive = d
	h.params.Store(&p)
}

// ServeHTTP upgrades WebSocket requests into relay sessions and hands every
// other request to the fallback handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		if h.fallback != nil {
			h.fallback.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		// Accept has already written the HTTP error response.
		slog.Warn("relay: websocket accept failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(h.readLimit)

	s := newSessionConnection(conn, *h.params.Load())
	if !h.track(s) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.untrack(s)

	_ = s.Run(r.Context())
}

// Sessions returns the number of live sessions.
func (h *Handler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown stops accepting sessions, closes every live session with a
// going-away status and waits for them to finish or for ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	live := make([]*SessionConnection, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	for _, s := range live {
		go s.Close(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) track(s *SessionConnection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.sessions[s.ID()] = s
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(s *SessionConnection) {
	h.mu.Lock()
	delete(h.sessions, s.ID())
	h.mu.Unlock()
	h.wg.Done()
}

func isWebSocketUpgrade(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
