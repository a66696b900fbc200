package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	// Bump mtime explicitly; coarse filesystem timestamps can otherwise hide
	// back-to-back writes from the mtime probe.
	future := time.Now().Add(time.Duration(len(content)) * time.Millisecond)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeConfig(t, path, "server:\n  log_level: info\n")

	var (
		mu      sync.Mutex
		changes []LogLevel
	)
	w, err := NewWatcher(path, func(_, cfg *Config) {
		mu.Lock()
		changes = append(changes, cfg.Server.LogLevel)
		mu.Unlock()
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.LogLevel; got != LogInfo {
		t.Fatalf("initial log level = %q, want info", got)
	}

	writeConfig(t, path, "server:\n  log_level: debug\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().Server.LogLevel == LogDebug {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := w.Current().Server.LogLevel; got != LogDebug {
		t.Fatalf("log level after edit = %q, want debug", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) == 0 || changes[len(changes)-1] != LogDebug {
		t.Errorf("onChange calls = %v, want final debug", changes)
	}
}

func TestWatcherKeepsPreviousOnInvalidEdit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeConfig(t, path, "server:\n  log_level: warn\n")

	called := false
	w, err := NewWatcher(path, func(_, _ *Config) { called = true },
		WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, "server:\n  log_level: shouting\n")

	time.Sleep(100 * time.Millisecond)
	if got := w.Current().Server.LogLevel; got != LogWarn {
		t.Errorf("log level = %q, want warn preserved", got)
	}
	if called {
		t.Error("onChange fired for an invalid config")
	}
}

func TestWatcherInitialLoadFailure(t *testing.T) {
	t.Parallel()

	if _, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}
