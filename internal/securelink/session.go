package securelink

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/agentctl/internal/protocol/frame"
)

// Session is one established link. Send and Recv each have a single
// owner; the two directions may run on different goroutines.
type Session struct {
	conn net.Conn
	cfg  Config
	tx   Params
	rx   Params
	enc  cipher.BlockMode
	dec  cipher.BlockMode
}

func newSession(conn net.Conn, tx, rx Params, cfg Config) (*Session, error) {
	if tx.Equal(rx) {
		return nil, fmt.Errorf("%w: transmit and receive parameters are identical", ErrInvalidParams)
	}
	enc, err := NewEncrypter(tx)
	if err != nil {
		return nil, err
	}
	dec, err := NewDecrypter(rx)
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn, cfg: cfg, tx: tx, rx: rx, enc: enc, dec: dec}, nil
}

// TransmitParams returns a copy of the locally chosen key and IV.
func (s *Session) TransmitParams() Params { return s.tx.clone() }

// ReceiveParams returns a copy of the key and IV learned from the peer.
func (s *Session) ReceiveParams() Params { return s.rx.clone() }

func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *Session) Conn() net.Conn { return s.conn }

// Send seals payload and writes it as one frame.
func (s *Session) Send(payload []byte) error {
	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	f := Seal(s.enc, payload)
	if err := frame.WriteSealedFrame(s.conn, f, s.cfg.Limits); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailure, err)
	}
	return nil
}

// Recv blocks for the next frame. Every failure is reported as
// ErrDisconnect; the session must be discarded afterwards.
func (s *Session) Recv() ([]byte, error) {
	f, err := frame.ReadSealedFrame(s.conn, BlockSize, s.cfg.Limits)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, fmt.Errorf("%w: %w", ErrDisconnect, ErrClosed)
		}
		return nil, fmt.Errorf("%w: %v", ErrDisconnect, err)
	}
	payload, err := Open(s.dec, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisconnect, err)
	}
	return payload, nil
}

func (s *Session) Close() error {
	return s.conn.Close()
}
