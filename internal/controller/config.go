package controller

import (
	"time"

	"github.com/danmuck/agentctl/internal/protocol/frame"
	"github.com/danmuck/agentctl/internal/sandbox"
)

type Config struct {
	// ListenHost is the loopback address the RPC and event listeners bind.
	ListenHost string
	// PollInterval bounds each reactor wait.
	PollInterval time.Duration
	// SpawnTimeout bounds how long a new sandbox has to connect both sockets.
	SpawnTimeout time.Duration
	// IOTimeout bounds a single frame read or write on an agent connection.
	IOTimeout time.Duration
	Resources sandbox.ResourceProfile
	Limits    frame.Limits
}

func DefaultConfig() Config {
	return Config{
		ListenHost:   "127.0.0.1",
		PollInterval: time.Second,
		SpawnTimeout: 10 * time.Second,
		IOTimeout:    15 * time.Second,
		Resources: sandbox.ResourceProfile{
			CPUSeconds: 10,
			HeapBytes:  512 << 20,
		},
		Limits: frame.DefaultLimits(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ListenHost == "" {
		c.ListenHost = d.ListenHost
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = d.SpawnTimeout
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = d.IOTimeout
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = d.Limits
	}
	return c
}
