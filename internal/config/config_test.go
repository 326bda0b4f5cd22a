package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dir != "treekv-data" {
		t.Errorf("default dir: got %s", cfg.Dir)
	}
	if cfg.Engine.MaxLogFileSize != 64*MB {
		t.Errorf("default max log file size: got %d", cfg.Engine.MaxLogFileSize)
	}
	if !cfg.Engine.SyncWrite {
		t.Error("sync-write should default to true")
	}
}

func TestLoadFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "config-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "treekv.toml")
	body := `
dir = "/var/lib/treekv"
log-level = "debug"
pretty = true

[engine]
max-log-file-size = 1048576
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dir != "/var/lib/treekv" {
		t.Errorf("dir: got %s", cfg.Dir)
	}
	if cfg.LogLevel != "debug" || !cfg.Pretty {
		t.Errorf("log settings not applied: %+v", cfg)
	}
	if cfg.Engine.MaxLogFileSize != 1048576 {
		t.Errorf("max log file size: got %d", cfg.Engine.MaxLogFileSize)
	}
	// Unset fields keep their defaults
	if !cfg.Engine.SyncWrite {
		t.Error("sync-write default lost")
	}
}
