package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callvault.yaml")
	writeConfig(t, path, "server:\n  listen_addr: \":9001\"\n")

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.ListenAddr; got != ":9001" {
		t.Errorf("initial listen addr = %q", got)
	}
}

func TestWatcher_InvalidInitialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callvault.yaml")
	writeConfig(t, path, "server:\n  log_level: shouty\n")

	if _, err := NewWatcher(path, nil); err == nil {
		t.Error("NewWatcher accepted an invalid initial config")
	}
}

func TestWatcher_ReloadInvokesCallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callvault.yaml")
	writeConfig(t, path, "server:\n  log_level: info\n")

	changed := make(chan ConfigDiff, 1)
	w, err := NewWatcher(path, func(old, new *Config) {
		changed <- Diff(old, new)
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Backdate the mtime so the rewrite is guaranteed to move it.
	past := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	writeConfig(t, path, "server:\n  log_level: debug\n")

	select {
	case d := <-changed:
		if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
			t.Errorf("diff = %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
	if got := w.Current().Server.LogLevel; got != LogDebug {
		t.Errorf("current log level = %q after reload", got)
	}
}

func TestWatcher_InvalidRewriteKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callvault.yaml")
	writeConfig(t, path, "server:\n  log_level: info\n")

	w, err := NewWatcher(path, func(old, new *Config) {
		t.Error("callback invoked for an invalid rewrite")
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	past := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	writeConfig(t, path, "server:\n  log_level: shouty\n")

	// Give the poller a few cycles to observe the bad rewrite.
	time.Sleep(100 * time.Millisecond)

	if got := w.Current().Server.LogLevel; got != LogInfo {
		t.Errorf("current log level = %q, want previous value kept", got)
	}
}
