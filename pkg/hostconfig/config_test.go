package hostconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcphost.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
maxRunning: 4
requestTimeout: 45s
stopGrace: 2s
retryAttempts: 5
retryDelay: 500ms
servers:
  files:
    command: /usr/local/bin/file-server
    args: ["--root", "/data"]
    env:
      LOG_LEVEL: debug
    autoStart: true
    allowedTools: ["fs_*"]
  search:
    command: search-server
`)

	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if f.MaxRunning != 4 {
		t.Errorf("maxRunning: %d", f.MaxRunning)
	}
	if time.Duration(f.RequestTimeout) != 45*time.Second {
		t.Errorf("requestTimeout: %s", time.Duration(f.RequestTimeout))
	}
	if time.Duration(f.RetryDelay) != 500*time.Millisecond {
		t.Errorf("retryDelay: %s", time.Duration(f.RetryDelay))
	}

	files, ok := f.Servers["files"]
	if !ok {
		t.Fatal("files server missing")
	}
	if files.ID != "files" {
		t.Errorf("map key should set the ID, got %q", files.ID)
	}
	if !files.AutoStart || files.Env["LOG_LEVEL"] != "debug" {
		t.Errorf("files config: %+v", files)
	}
	if len(files.Args) != 2 || files.Args[1] != "/data" {
		t.Errorf("args: %v", files.Args)
	}

	if got := f.ServerIDs(); len(got) != 2 || got[0] != "files" || got[1] != "search" {
		t.Errorf("server ids: %v", got)
	}

	if opts := f.HostOptions(); len(opts) != 4 {
		t.Errorf("expected 4 host options, got %d", len(opts))
	}
}

func TestLoadRejectsInvalidServer(t *testing.T) {
	path := writeConfig(t, `
servers:
  broken:
    args: ["--flag"]
`)
	if _, err := Load(path); err == nil {
		t.Error("server without command should fail to load")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `requestTimeout: soon`)
	if _, err := Load(path); err == nil {
		t.Error("unparseable duration should fail to load")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file should fail to load")
	}
}
