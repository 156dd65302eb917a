package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danmuck/agentctl/internal/capability"
	"github.com/danmuck/agentctl/internal/config"
	"github.com/danmuck/agentctl/internal/logging"
	"github.com/danmuck/agentctl/internal/peer"
	"github.com/danmuck/agentctl/internal/sandbox"
	"github.com/rs/zerolog"
)

// nodeConfig maps the daemon file onto the node's component configs.
func nodeConfig(d config.Daemon) peer.Config {
	cfg := peer.DefaultConfig()
	cfg.BindAddr = d.BindAddr()
	cfg.RequestQueueSize = d.RequestQueueSize

	cfg.Link.HandshakeTimeout = d.HandshakeTimeout
	cfg.Link.WriteTimeout = d.IOTimeout

	cfg.Pool.IdleTimeout = d.PoolIdleTimeout
	cfg.Pool.SweepInterval = d.PoolSweepInterval
	cfg.Pool.MaxIdle = d.PoolMaxIdle
	cfg.Pool.ConnectTimeout = d.ConnectTimeout
	cfg.Pool.Link = cfg.Link

	cfg.Controller.SpawnTimeout = d.SpawnTimeout
	cfg.Controller.IOTimeout = d.IOTimeout
	cfg.Controller.Resources = sandbox.ResourceProfile{
		CPUSeconds: d.AgentCPUSeconds,
		HeapBytes:  d.AgentHeapBytes,
	}
	return cfg
}

func logConfig(d config.Daemon) logging.Config {
	cfg := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(d.LogLevel); ok {
		cfg.Level = lvl
	}
	cfg.File = d.LogFile
	return cfg
}

// loadPolicy reads the capability policy; no file means allow all.
func loadPolicy(path string) (capability.Policy, error) {
	if strings.TrimSpace(path) == "" {
		return capability.Policy{}, nil
	}
	pc, err := config.LoadPolicy(path)
	if err != nil {
		return capability.Policy{}, err
	}
	return pc.CapabilityPolicy()
}

// overrideBind applies a --bind host:port over the file values.
func overrideBind(d *config.Daemon, bind string) error {
	if bind == "" {
		return nil
	}
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return fmt.Errorf("--bind: %w", err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("--bind: invalid port %q", port)
	}
	if host != "" {
		d.BindHost = host
	}
	d.BindPort = p
	return nil
}

// sandboxBinary resolves a bare name next to the running executable
// first, then on PATH.
func sandboxBinary(name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		return name, nil
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return exec.LookPath(name)
}

func levelName(lvl zerolog.Level) string {
	if lvl == zerolog.NoLevel {
		return ""
	}
	return lvl.String()
}
