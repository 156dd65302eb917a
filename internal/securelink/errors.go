package securelink

import "errors"

var (
	// ErrDisconnect means the peer closed the stream or sent a partial
	// or malformed frame. The session is unusable afterwards.
	ErrDisconnect = errors.New("securelink: disconnect")
	ErrHandshake  = errors.New("securelink: handshake failed")
	// ErrSendFailure means a write failed. Callers must not reuse the session.
	ErrSendFailure = errors.New("securelink: send failed")
	ErrClosed      = errors.New("securelink: session closed")
)
