// Package app wires the relay subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the HTTP surface from
// the config, Run serves it until the context is cancelled, and Shutdown
// drains relay sessions before stopping the listener.
//
// For testing, inject dependencies via functional options (WithDialer,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/livebridge/internal/config"
	"github.com/MrWong99/livebridge/internal/health"
	"github.com/MrWong99/livebridge/internal/observe"
	"github.com/MrWong99/livebridge/internal/relay"
	"github.com/MrWong99/livebridge/internal/resilience"
)

// App owns the relay server and its supporting handlers.
type App struct {
	cfg *config.Config

	level    *slog.LevelVar
	dialer   relay.RemoteDialer
	metrics  *observe.Metrics
	registry *prometheus.Registry
	breaker  *resilience.Breaker

	relay  *relay.Handler
	health *health.Handler
	server *http.Server

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDialer injects the remote dialer instead of building one from config.
// A dialer injected this way is kept across config reloads.
func WithDialer(d relay.RemoteDialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics injects the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithBreaker injects the circuit breaker that guards remote dials.
func WithBreaker(b *resilience.Breaker) Option {
	return func(a *App) { a.breaker = b }
}

// WithRegistry serves /metrics from reg instead of the Prometheus default
// gatherer.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) { a.registry = reg }
}

// WithLevelVar lets config reloads change the verbosity of a logger built on
// lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// New builds the HTTP surface for cfg. cfg must already be validated.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	a.level.Set(cfg.Server.LogLevel.SlogLevel())
	if a.breaker == nil {
		a.breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "remote"})
	}

	relayOpts := []relay.Option{
		relay.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		relay.WithReadLimit(cfg.Server.MaxMessageBytes),
		relay.WithKeepalive(cfg.Remote.KeepaliveInterval),
		relay.WithMetrics(a.metrics),
	}
	if cfg.Server.StaticDir != "" {
		relayOpts = append(relayOpts, relay.WithFallback(http.FileServer(http.Dir(cfg.Server.StaticDir))))
	}
	a.relay = relay.NewHandler(a.dialerFor(cfg), cfg.Remote.SetupOptions(), relayOpts...)

	a.health = health.New(
		health.Checker{Name: "remote", Check: a.breaker.Check},
	)

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler(a.registry))
	mux.Handle("/", a.relay)

	a.server = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.metrics)(mux),
	}
	return a, nil
}

// dialerFor returns the breaker-guarded dialer for cfg.
func (a *App) dialerFor(cfg *config.Config) relay.RemoteDialer {
	d := a.dialer
	if d == nil {
		r := cfg.Remote
		d = relay.NewDialer(r.APIKey,
			relay.WithBaseURL(r.BaseURL),
			relay.WithAPIVersion(r.APIVersion),
			relay.WithDialTimeout(r.DialTimeout),
		)
	}
	return &relay.GuardedDialer{Dialer: d, Breaker: a.breaker}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Sessions returns the number of live relay sessions.
func (a *App) Sessions() int { return a.relay.Sessions() }

// ApplyConfig applies a reloaded config. Log level and session setup take
// effect immediately; listener settings are reported and left alone. It is
// meant to be passed to [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SetupChanged {
		// The endpoint or credential may have been fixed.
		a.breaker.Reset()
		a.relay.Configure(a.dialerFor(new), new.Remote.SetupOptions())
		slog.Info("remote setup updated; applies to new sessions", "model", new.Remote.Model, "voice", new.Remote.Voice)
	}
	if d.KeepaliveChanged {
		a.relay.SetKeepalive(d.NewKeepalive)
		slog.Info("remote keepalive updated; applies to new sessions", "interval", d.NewKeepalive)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "fields", d.RestartRequired)
	}
}

// Run listens on the configured address and serves until ctx is cancelled or
// the server fails. It returns ctx.Err() after cancellation; call Shutdown to
// drain open sessions.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		errCh <- err
	}()

	slog.Info("relay listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown marks the server not ready, closes every relay session with a
// going-away status and stops the HTTP server. It is safe to call more than
// once; only the first call has effect.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.health.SetDraining(true)
		if err := a.relay.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: drain sessions: %w", err))
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: stop server: %w", err))
		}
		slog.Info("relay stopped")
	})
	return errors.Join(errs...)
}
