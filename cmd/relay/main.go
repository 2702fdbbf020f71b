// Command relay is the server side of livebridge: it accepts client
// WebSockets and relays each one to its own Gemini Live session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/MrWong99/livebridge/internal/app"
	"github.com/MrWong99/livebridge/internal/config"
	"github.com/MrWong99/livebridge/internal/observe"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watchable, err := loadConfig(*configPath, flagSet("config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("relay starting",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"model", cfg.Remote.Model,
		"interaction_mode", cfg.Remote.InteractionMode,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registry:       reg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, app.WithLevelVar(level), app.WithRegistry(reg))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if watchable {
		w, err := config.NewWatcher(*configPath, cfg, application.ApplyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			go func() { _ = w.Run(ctx) }()
		}
	}

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…", "sessions", application.Sessions())
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path. When the file does not exist and the flag was left
// at its default, configuration comes from defaults and the environment only.
// watchable reports whether the file exists and can be hot reloaded.
func loadConfig(path string, explicit bool) (cfg *config.Config, watchable bool, err error) {
	cfg, err = config.Load(path)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, os.ErrNotExist) && !explicit:
		cfg, err = config.LoadFromReader(strings.NewReader(""))
		if err != nil {
			return nil, false, err
		}
		return cfg, false, nil
	case errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
	default:
		return nil, false, err
	}
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
