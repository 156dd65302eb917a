package securelink

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/agentctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// handshakeLimits bounds the plaintext handshake frames.
var handshakeLimits = frame.Limits{MaxPayloadBytes: 64 * 1024}

// Handshake runs the key exchange on conn. Both sides run the same
// sequence: send own public key, read peer public key, send own key+IV
// wrapped under the peer key, read and unwrap the peer's.
//
// The RSA keypair only protects the exchange and is dropped on return.
func Handshake(ctx context.Context, conn net.Conn, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()

	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %v", ErrHandshake, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	tx, rx, err := exchange(conn, cfg)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		log.Debug().Err(err).Str("remote", remoteString(conn)).Msg("securelink.Handshake failed")
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: clear deadline: %v", ErrHandshake, err)
	}
	s, err := newSession(conn, tx, rx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	log.Trace().Str("remote", remoteString(conn)).Msg("securelink.Handshake complete")
	return s, nil
}

func exchange(conn net.Conn, cfg Config) (Params, Params, error) {
	priv, err := rsa.GenerateKey(cfg.Rand, cfg.RSABits)
	if err != nil {
		return Params{}, Params{}, fmt.Errorf("generate keypair: %w", err)
	}
	tx, err := GenerateParams(cfg.Rand)
	if err != nil {
		return Params{}, Params{}, fmt.Errorf("generate params: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return Params{}, Params{}, err
	}
	if err := frame.WriteFrame(conn, pubDER, handshakeLimits); err != nil {
		return Params{}, Params{}, fmt.Errorf("send public key: %w", err)
	}
	peerDER, err := frame.ReadFrame(conn, handshakeLimits)
	if err != nil {
		return Params{}, Params{}, fmt.Errorf("read public key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(peerDER)
	if err != nil {
		return Params{}, Params{}, fmt.Errorf("parse public key: %w", err)
	}
	peerPub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return Params{}, Params{}, fmt.Errorf("peer public key is %T", parsed)
	}

	plain := append(bytes.Clone(tx.Key), tx.IV...)
	wrapped, err := rsa.EncryptOAEP(sha256.New(), cfg.Rand, peerPub, plain, nil)
	if err != nil {
		return Params{}, Params{}, fmt.Errorf("wrap params: %w", err)
	}
	if err := frame.WriteFrame(conn, wrapped, handshakeLimits); err != nil {
		return Params{}, Params{}, fmt.Errorf("send wrapped params: %w", err)
	}
	peerWrapped, err := frame.ReadFrame(conn, handshakeLimits)
	if err != nil {
		return Params{}, Params{}, fmt.Errorf("read wrapped params: %w", err)
	}
	unwrapped, err := rsa.DecryptOAEP(sha256.New(), nil, priv, peerWrapped, nil)
	if err != nil {
		return Params{}, Params{}, fmt.Errorf("unwrap params: %w", err)
	}
	if len(unwrapped) != KeySize+BlockSize {
		return Params{}, Params{}, fmt.Errorf("unwrapped params length %d", len(unwrapped))
	}
	rx := Params{
		Key: bytes.Clone(unwrapped[:KeySize]),
		IV:  bytes.Clone(unwrapped[KeySize:]),
	}
	return tx, rx, nil
}

func remoteString(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
