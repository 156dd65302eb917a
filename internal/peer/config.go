package peer

import (
	"github.com/danmuck/agentctl/internal/controller"
	"github.com/danmuck/agentctl/internal/pool"
	"github.com/danmuck/agentctl/internal/securelink"
)

type Config struct {
	// BindAddr is the host:port of the inbound listener.
	BindAddr string
	// RequestQueueSize bounds connections being served at once; further
	// peers wait in the kernel accept queue.
	RequestQueueSize int
	Link             securelink.Config
	Pool             pool.Config
	Controller       controller.Config
}

func DefaultConfig() Config {
	return Config{
		BindAddr:         "0.0.0.0:9600",
		RequestQueueSize: 5,
		Link:             securelink.DefaultConfig(),
		Pool:             pool.DefaultConfig(),
		Controller:       controller.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BindAddr == "" {
		c.BindAddr = d.BindAddr
	}
	if c.RequestQueueSize <= 0 {
		c.RequestQueueSize = d.RequestQueueSize
	}
	return c
}
