package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/agentctl/internal/config"
	"github.com/danmuck/agentctl/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func TestNodeConfigFromExampleFile(t *testing.T) {
	testlog.Start(t)
	d, err := config.LoadDaemon("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg := nodeConfig(d)
	if cfg.BindAddr != "127.0.0.1:9700" {
		t.Fatalf("unexpected bind addr: %q", cfg.BindAddr)
	}
	if cfg.RequestQueueSize != 8 {
		t.Fatalf("unexpected queue size: %d", cfg.RequestQueueSize)
	}
	if cfg.Pool.IdleTimeout != 30*time.Second || cfg.Pool.MaxIdle != 5*time.Minute {
		t.Fatalf("unexpected pool timings: %+v", cfg.Pool)
	}
	if cfg.Pool.SweepInterval != time.Minute {
		t.Fatalf("expected default sweep interval, got %v", cfg.Pool.SweepInterval)
	}
	if cfg.Controller.SpawnTimeout != 3*time.Second || cfg.Controller.IOTimeout != 5*time.Second {
		t.Fatalf("unexpected controller timings: %+v", cfg.Controller)
	}
	if cfg.Controller.Resources.CPUSeconds != 4 || cfg.Controller.Resources.HeapBytes != 256<<20 {
		t.Fatalf("unexpected resources: %+v", cfg.Controller.Resources)
	}
	if cfg.Link.WriteTimeout != 5*time.Second || cfg.Pool.Link.WriteTimeout != 5*time.Second {
		t.Fatalf("io timeout not applied to links")
	}
	if d.AdminAddr != "127.0.0.1:9701" || d.AdminToken != "change-me" {
		t.Fatalf("unexpected admin settings: %q %q", d.AdminAddr, d.AdminToken)
	}
	if lc := logConfig(d); lc.Level != zerolog.DebugLevel {
		t.Fatalf("unexpected log level: %v", lc.Level)
	}
}

func TestOverrideBind(t *testing.T) {
	testlog.Start(t)
	d := config.DefaultDaemon()
	if err := overrideBind(&d, ":7000"); err != nil {
		t.Fatalf("override: %v", err)
	}
	if d.BindHost != "0.0.0.0" || d.BindPort != 7000 {
		t.Fatalf("unexpected bind: %s", d.BindAddr())
	}
	if err := overrideBind(&d, "10.1.1.1:7001"); err != nil || d.BindAddr() != "10.1.1.1:7001" {
		t.Fatalf("unexpected bind: %s err=%v", d.BindAddr(), err)
	}
	for _, bad := range []string{"nope", "host:port", "h:70000"} {
		if err := overrideBind(&d, bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestLoadPolicy(t *testing.T) {
	testlog.Start(t)
	p, err := loadPolicy("")
	if err != nil || len(p.Networks) != 0 {
		t.Fatalf("empty path should allow all: %+v err=%v", p, err)
	}

	path := filepath.Join(t.TempDir(), "policy.toml")
	if err := os.WriteFile(path, []byte("allowed_networks = [\"10.0.0.0/8\"]\nmax_code_bytes = 16\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	p, err = loadPolicy(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if len(p.Networks) != 1 || p.MaxCodeBytes != 16 {
		t.Fatalf("unexpected policy: %+v", p)
	}
	if p.AllowsCode(make([]byte, 17)) {
		t.Fatalf("oversized code allowed")
	}
}

func TestSandboxBinaryKeepsExplicitPath(t *testing.T) {
	testlog.Start(t)
	got, err := sandboxBinary("/opt/agentctl/agent-sandbox")
	if err != nil || got != "/opt/agentctl/agent-sandbox" {
		t.Fatalf("unexpected resolution: %q err=%v", got, err)
	}
	if _, err := sandboxBinary("agentctl-no-such-sandbox-binary"); err == nil {
		t.Fatalf("expected lookup failure")
	}
}
