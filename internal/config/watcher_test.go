package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func TestWatcherReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voxtail.yaml")
	writeConfigFile(t, path, "server:\n  listen_addr: ':8090'\n")

	changed := make(chan *Config, 1)
	w, err := NewWatcher(path, func(_, updated *Config) {
		changed <- updated
	}, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.ListenAddr; got != ":8090" {
		t.Fatalf("initial listen_addr = %q, want :8090", got)
	}

	// Ensure the mtime differs even on coarse-grained filesystems.
	time.Sleep(50 * time.Millisecond)
	writeConfigFile(t, path, "server:\n  listen_addr: ':9090'\n")
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case updated := <-changed:
		if updated.Server.ListenAddr != ":9090" {
			t.Errorf("reloaded listen_addr = %q, want :9090", updated.Server.ListenAddr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	if got := w.Current().Server.ListenAddr; got != ":9090" {
		t.Errorf("Current() listen_addr = %q, want :9090", got)
	}
}

func TestWatcherKeepsOldConfigOnInvalidEdit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voxtail.yaml")
	writeConfigFile(t, path, "server:\n  listen_addr: ':8090'\n")

	w, err := NewWatcher(path, nil, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)
	writeConfigFile(t, path, "server:\n  log_level: nonsense\n")
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	if got := w.Current().Server.ListenAddr; got != ":8090" {
		t.Errorf("Current() listen_addr = %q, want old config to survive invalid edit", got)
	}
}
