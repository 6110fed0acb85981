package config

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worldsync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LookaheadTicks != 15 || cfg.TickRateHz != 60 {
		t.Fatalf("defaults: %+v", cfg)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, strings.Join([]string{
		"listen_tcp: \":9000\"",
		"username: fromfile",
		"tick_rate_hz: 30",
		"download_stall_warn: 5s",
		"apply_due_while_running: true",
	}, "\n"))
	t.Setenv("WORLDSYNC_USERNAME", "fromenv")
	t.Setenv("WORLDSYNC_LOOKAHEAD_TICKS", "40")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenTCP != ":9000" || cfg.TickRateHz != 30 || !cfg.ApplyDueWhileRunning {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.DownloadStallWarn != 5*time.Second {
		t.Fatalf("stall warn=%s", cfg.DownloadStallWarn)
	}
	if cfg.Username != "fromenv" || cfg.LookaheadTicks != 40 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.DataDir != "./data" {
		t.Fatalf("default lost: %q", cfg.DataDir)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := writeFile(t, "tick_rate_hz: 0\nlookahead_ticks: 0\n")
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "tick_rate_hz") || !strings.Contains(err.Error(), "lookahead_ticks") {
		t.Fatalf("err=%v", err)
	}
	if _, err := Load(writeFile(t, "tick_rate_hz: [")); err == nil {
		t.Fatalf("expected yaml error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestResolveUsername(t *testing.T) {
	cfg := Defaults()
	if got := ResolveUsername(" flag ", cfg, nil); got != "flag" {
		t.Fatalf("flag: %q", got)
	}
	cfg.Username = "configured"
	if got := ResolveUsername("", cfg, nil); got != "configured" {
		t.Fatalf("config: %q", got)
	}
	cfg.Username = ""
	got := ResolveUsername("", cfg, rand.New(rand.NewSource(1)))
	if !strings.HasPrefix(got, "Player") || len(got) < len("Player0") {
		t.Fatalf("generated: %q", got)
	}
}
