package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Daemon is the resolved agentd configuration.
type Daemon struct {
	BindHost         string
	BindPort         int
	RequestQueueSize int
	LogLevel         string
	LogFile          string

	AgentCPUSeconds uint64
	AgentHeapBytes  uint64

	PoolIdleTimeout   time.Duration
	PoolSweepInterval time.Duration
	PoolMaxIdle       time.Duration
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	IOTimeout         time.Duration

	SandboxBinary string
	SpawnTimeout  time.Duration

	AdminAddr  string
	AdminToken string
	PolicyFile string
}

func DefaultDaemon() Daemon {
	return Daemon{
		BindHost:          "0.0.0.0",
		BindPort:          9600,
		RequestQueueSize:  5,
		LogLevel:          "info",
		AgentCPUSeconds:   10,
		AgentHeapBytes:    512 << 20,
		PoolIdleTimeout:   60 * time.Second,
		PoolSweepInterval: 60 * time.Second,
		ConnectTimeout:    15 * time.Second,
		HandshakeTimeout:  15 * time.Second,
		IOTimeout:         15 * time.Second,
		SandboxBinary:     "agent-sandbox",
		SpawnTimeout:      10 * time.Second,
		AdminAddr:         "127.0.0.1:9601",
	}
}

type daemonFile struct {
	BindHost          string `toml:"bind_host"`
	BindPort          int    `toml:"bind_port"`
	RequestQueueSize  int    `toml:"request_queue_size"`
	LogLevel          string `toml:"log_level"`
	LogFile           string `toml:"log_file"`
	AgentCPUSeconds   int64  `toml:"agent_cpu_seconds"`
	AgentHeapBytes    int64  `toml:"agent_heap_bytes"`
	PoolIdleTimeout   string `toml:"pool_idle_timeout"`
	PoolSweepInterval string `toml:"pool_sweep_interval"`
	PoolMaxIdle       string `toml:"pool_max_idle"`
	ConnectTimeout    string `toml:"connect_timeout"`
	HandshakeTimeout  string `toml:"handshake_timeout"`
	IOTimeout         string `toml:"io_timeout"`
	SandboxBinary     string `toml:"sandbox_binary"`
	SpawnTimeout      string `toml:"spawn_timeout"`
	AdminAddr         string `toml:"admin_addr"`
	AdminToken        string `toml:"admin_token"`
	PolicyFile        string `toml:"policy_file"`
}

// LoadDaemon overlays the keys present in path onto DefaultDaemon.
func LoadDaemon(path string) (Daemon, error) {
	cfg := DefaultDaemon()

	var raw daemonFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Daemon{}, fmt.Errorf("load daemon config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Daemon{}, fmt.Errorf("daemon config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("bind_host") {
		cfg.BindHost = strings.TrimSpace(raw.BindHost)
	}
	if meta.IsDefined("bind_port") {
		cfg.BindPort = raw.BindPort
	}
	if meta.IsDefined("request_queue_size") {
		cfg.RequestQueueSize = raw.RequestQueueSize
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}
	if meta.IsDefined("log_file") {
		cfg.LogFile = strings.TrimSpace(raw.LogFile)
	}
	if meta.IsDefined("agent_cpu_seconds") {
		if raw.AgentCPUSeconds < 0 {
			return Daemon{}, fmt.Errorf("agent_cpu_seconds must be >= 0")
		}
		cfg.AgentCPUSeconds = uint64(raw.AgentCPUSeconds)
	}
	if meta.IsDefined("agent_heap_bytes") {
		if raw.AgentHeapBytes < 0 {
			return Daemon{}, fmt.Errorf("agent_heap_bytes must be >= 0")
		}
		cfg.AgentHeapBytes = uint64(raw.AgentHeapBytes)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"pool_idle_timeout", raw.PoolIdleTimeout, &cfg.PoolIdleTimeout},
		{"pool_sweep_interval", raw.PoolSweepInterval, &cfg.PoolSweepInterval},
		{"pool_max_idle", raw.PoolMaxIdle, &cfg.PoolMaxIdle},
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"io_timeout", raw.IOTimeout, &cfg.IOTimeout},
		{"spawn_timeout", raw.SpawnTimeout, &cfg.SpawnTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Daemon{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("sandbox_binary") {
		cfg.SandboxBinary = strings.TrimSpace(raw.SandboxBinary)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("policy_file") {
		cfg.PolicyFile = strings.TrimSpace(raw.PolicyFile)
	}

	if err := ValidateDaemon(cfg); err != nil {
		return Daemon{}, err
	}
	return cfg, nil
}

func ValidateDaemon(cfg Daemon) error {
	if strings.TrimSpace(cfg.BindHost) == "" {
		return fmt.Errorf("daemon config missing bind_host")
	}
	if cfg.BindPort < 0 || cfg.BindPort > 65535 {
		return fmt.Errorf("daemon config bind_port out of range: %d", cfg.BindPort)
	}
	if cfg.RequestQueueSize < 1 {
		return fmt.Errorf("daemon config request_queue_size must be >= 1")
	}
	if cfg.PoolIdleTimeout <= 0 || cfg.PoolSweepInterval <= 0 {
		return fmt.Errorf("daemon config pool timings must be positive")
	}
	if cfg.PoolMaxIdle < 0 {
		return fmt.Errorf("daemon config pool_max_idle must be >= 0")
	}
	if cfg.PoolMaxIdle > 0 && cfg.PoolMaxIdle < cfg.PoolIdleTimeout {
		return fmt.Errorf("daemon config pool_max_idle must be >= pool_idle_timeout")
	}
	if strings.TrimSpace(cfg.SandboxBinary) == "" {
		return fmt.Errorf("daemon config missing sandbox_binary")
	}
	if cfg.SpawnTimeout <= 0 {
		return fmt.Errorf("daemon config spawn_timeout must be positive")
	}
	return nil
}

func (d Daemon) BindAddr() string {
	return net.JoinHostPort(d.BindHost, strconv.Itoa(d.BindPort))
}
