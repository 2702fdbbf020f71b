package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] rereads its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher rereads a config file on an interval and hands every changed, valid
// revision to a callback. A revision that fails to parse or validate is logged
// and skipped, so the relay keeps serving with the last good config.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher returns a Watcher for path. current is the config the process
// is already running with; the file's content is fingerprinted now so that
// only later edits trigger onChange.
func NewWatcher(path string, current *Config, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		current:  current,
		sum:      sha256.Sum256(data),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Current returns the config most recently handed to onChange, or the one the
// Watcher was created with.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run checks the file every interval until ctx is cancelled. It always
// returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.Check()
		}
	}
}

// Check rereads the file once. It reports whether a new config was accepted
// and passed to onChange.
func (w *Watcher) Check() bool {
	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("config reload: cannot read file", "path", w.path, "err", err)
		return false
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	if sum == w.sum {
		w.mu.Unlock()
		return false
	}
	// Remember the bad revision too so it is reported once, not every tick.
	w.sum = sum
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.mu.Unlock()
		slog.Warn("config reload: keeping previous config", "path", w.path, "err", err)
		return false
	}
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true
}
