package pool

import (
	"context"
	"net"
	"time"

	"github.com/danmuck/agentctl/internal/securelink"
)

// DialFunc opens the raw stream a link is established over.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

type Config struct {
	// IdleTimeout is how long an entry may go unused before the sweep
	// sends it a keepalive.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// MaxIdle, when positive, evicts entries idle longer than it without
	// a keepalive.
	MaxIdle        time.Duration
	ConnectTimeout time.Duration
	// Linger is applied as SO_LINGER to dialed TCP connections.
	Linger time.Duration
	Link   securelink.Config
	Dial   DialFunc
	Now    func() time.Time
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:    60 * time.Second,
		SweepInterval:  60 * time.Second,
		ConnectTimeout: 15 * time.Second,
		Linger:         10 * time.Second,
		Link:           securelink.DefaultConfig(),
		Now:            time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	if c.Dial == nil {
		c.Dial = tcpDialer(c.ConnectTimeout, c.Linger)
	}
	return c
}

func tcpDialer(timeout, linger time.Duration) DialFunc {
	d := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if tcp, ok := conn.(*net.TCPConn); ok && linger > 0 {
			_ = tcp.SetLinger(int(linger / time.Second))
		}
		return conn, nil
	}
}
