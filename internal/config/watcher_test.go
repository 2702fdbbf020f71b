package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/livebridge/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
remote:
  api_key: test-key
  voice: Aoede
`

const watcherUpdatedYAML = `
server:
  log_level: debug
remote:
  api_key: test-key
  voice: Kore
`

const watcherInvalidYAML = `
server:
  log_level: bananas
remote:
  api_key: test-key
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// reload records every onChange call.
type reload struct{ old, new *config.Config }

// newWatcher writes content, loads it like the relay does at startup and
// returns a watcher seeded with that config.
func newWatcher(t *testing.T, content string, opts ...config.WatcherOption) (*config.Watcher, string, chan reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)
	initial, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	reloads := make(chan reload, 4)
	w, err := config.NewWatcher(path, initial, func(old, new *config.Config) {
		reloads <- reload{old, new}
	}, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path, reloads
}

func TestWatcher_UnchangedFileIsNotReloaded(t *testing.T) {
	t.Parallel()
	w, _, reloads := newWatcher(t, watcherValidYAML)

	if w.Check() {
		t.Error("Check() = true for an unchanged file")
	}
	if len(reloads) != 0 {
		t.Errorf("onChange called %d times", len(reloads))
	}
	if got := w.Current().Remote.Voice; got != "Aoede" {
		t.Errorf("Current() voice = %q, want Aoede", got)
	}
}

func TestWatcher_EditIsApplied(t *testing.T) {
	t.Parallel()
	w, path, reloads := newWatcher(t, watcherValidYAML)

	writeFile(t, path, watcherUpdatedYAML)
	if !w.Check() {
		t.Fatal("Check() = false after an edit")
	}

	r := <-reloads
	if r.old.Server.LogLevel != config.LogInfo || r.new.Server.LogLevel != config.LogDebug {
		t.Errorf("log level %q -> %q, want info -> debug", r.old.Server.LogLevel, r.new.Server.LogLevel)
	}
	d := config.Diff(r.old, r.new)
	if !d.LogLevelChanged || !d.SetupChanged || len(d.RestartRequired) != 0 {
		t.Errorf("Diff = %+v, want live log level and setup changes", d)
	}
	if w.Current() != r.new {
		t.Error("Current() does not return the reloaded config")
	}
	if w.Check() {
		t.Error("second Check() reloaded the same content again")
	}
}

func TestWatcher_InvalidRevisionKeepsLastGood(t *testing.T) {
	t.Parallel()
	w, path, reloads := newWatcher(t, watcherValidYAML)
	before := w.Current()

	writeFile(t, path, watcherInvalidYAML)
	if w.Check() {
		t.Error("Check() accepted an invalid config")
	}
	if w.Current() != before {
		t.Error("invalid revision replaced the current config")
	}

	// Fixing the file is picked up on the next check.
	writeFile(t, path, watcherUpdatedYAML)
	if !w.Check() {
		t.Fatal("Check() = false after the file was fixed")
	}
	r := <-reloads
	if r.old != before || r.new.Remote.Voice != "Kore" {
		t.Errorf("reload %+v, want from the original config to voice Kore", r)
	}
	if len(reloads) != 0 {
		t.Errorf("onChange called %d extra times", len(reloads))
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	w, path, _ := newWatcher(t, watcherValidYAML)

	later := time.Now().Add(time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if w.Check() {
		t.Error("Check() reloaded a file whose content did not change")
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", &config.Config{}, nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_RunPollsUntilCancelled(t *testing.T) {
	t.Parallel()
	w, path, reloads := newWatcher(t, watcherValidYAML, config.WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, path, watcherUpdatedYAML)
	select {
	case r := <-reloads:
		if r.new.Remote.Voice != "Kore" {
			t.Errorf("reloaded voice = %q, want Kore", r.new.Remote.Voice)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not pick up the edit")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
