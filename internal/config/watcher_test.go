package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reel.toml")
	if err := os.WriteFile(path, []byte("[replay]\nmode = \"strict\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	w, err := Watch(path)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	changed := make(chan string, 1)
	w.OnChange(func(old, new *Config) {
		changed <- new.Replay.Mode
	})

	if err := os.WriteFile(path, []byte("[replay]\nmode = \"hybrid\"\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case mode := <-changed:
		if mode != "hybrid" {
			t.Errorf("reloaded mode = %q", mode)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	if Get().Replay.Mode != "hybrid" {
		t.Errorf("global config mode = %q", Get().Replay.Mode)
	}
}

func TestWatcherKeepsConfigOnInvalidRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reel.toml")
	if err := os.WriteFile(path, []byte("[replay]\nmode = \"warn\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	w, err := Watch(path)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("[replay]\nmode = \"bogus\"\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	time.Sleep(500 * time.Millisecond)

	if Get().Replay.Mode != "warn" {
		t.Errorf("invalid rewrite replaced config: mode = %q", Get().Replay.Mode)
	}
}

func TestWatchRejectsEmptyPath(t *testing.T) {
	if _, err := Watch(""); err == nil {
		t.Error("expected error for empty path")
	}
}
