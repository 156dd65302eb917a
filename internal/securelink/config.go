package securelink

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/danmuck/agentctl/internal/protocol/frame"
)

// Config defines handshake and framing parameters of one link.
type Config struct {
	// RSABits sizes the ephemeral handshake keypair.
	RSABits          int
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each Send. Zero disables the deadline.
	WriteTimeout time.Duration
	Limits       frame.Limits
	Rand         io.Reader
}

func DefaultConfig() Config {
	return Config{
		RSABits:          2048,
		HandshakeTimeout: 15 * time.Second,
		WriteTimeout:     15 * time.Second,
		Limits:           frame.DefaultLimits(),
		Rand:             rand.Reader,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RSABits <= 0 {
		c.RSABits = d.RSABits
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = d.Limits
	}
	if c.Rand == nil {
		c.Rand = d.Rand
	}
	return c
}
