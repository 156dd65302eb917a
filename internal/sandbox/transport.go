package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/danmuck/agentctl/internal/protocol/frame"
	"github.com/danmuck/agentctl/internal/protocol/ipc"
	"github.com/rs/zerolog/log"
)

var ErrUnexpectedFrame = errors.New("sandbox: unexpected frame")

// Transport is the agent's view of its host: synchronous capability calls
// and a stream of pushed events.
type Transport interface {
	Call(req ipc.Request) (ipc.Response, error)
	// NextEvent waits up to timeout for one pushed event; a negative
	// timeout blocks. ok is false when the wait timed out.
	NextEvent(timeout time.Duration) (ev ipc.Event, ok bool, err error)
	Close() error
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// awaitReadable blocks until br has buffered data or timeout elapses.
func awaitReadable(br *bufio.Reader, src readDeadliner, timeout time.Duration) (bool, error) {
	if br.Buffered() > 0 {
		return true, nil
	}
	if timeout >= 0 {
		if err := src.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return false, err
		}
		defer src.SetReadDeadline(time.Time{})
	}
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SocketTransport talks to the controller over two loopback TCP
// connections.
type SocketTransport struct {
	rpc     net.Conn
	rpcIPC  *ipc.Conn
	event   net.Conn
	eventBR *bufio.Reader
	evIPC   *ipc.Conn
}

// DialSockets connects the RPC socket and then the event socket. The
// controller correlates the pair by that order.
func DialSockets(ctx context.Context, host string, rpcPort, eventPort int, limits frame.Limits) (*SocketTransport, error) {
	var d net.Dialer
	rpc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(rpcPort)))
	if err != nil {
		return nil, fmt.Errorf("sandbox: dial rpc: %w", err)
	}
	event, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(eventPort)))
	if err != nil {
		_ = rpc.Close()
		return nil, fmt.Errorf("sandbox: dial event: %w", err)
	}
	log.Debug().Str("rpc", rpc.LocalAddr().String()).Str("event", event.LocalAddr().String()).
		Msg("sandbox.DialSockets connected")
	return NewSocketTransport(rpc, event, limits), nil
}

func NewSocketTransport(rpc, event net.Conn, limits frame.Limits) *SocketTransport {
	br := bufio.NewReader(event)
	return &SocketTransport{
		rpc:     rpc,
		rpcIPC:  ipc.NewConn(rpc, limits),
		event:   event,
		eventBR: br,
		evIPC:   ipc.NewSplitConn(br, event, limits),
	}
}

func (t *SocketTransport) Call(req ipc.Request) (ipc.Response, error) {
	if err := t.rpcIPC.WriteRequest(req); err != nil {
		return ipc.Response{}, fmt.Errorf("sandbox: rpc %s: %w", req.Method, err)
	}
	resp, err := t.rpcIPC.ReadResponse()
	if err != nil {
		return ipc.Response{}, fmt.Errorf("sandbox: rpc %s: %w", req.Method, err)
	}
	return resp, nil
}

func (t *SocketTransport) NextEvent(timeout time.Duration) (ipc.Event, bool, error) {
	ok, err := awaitReadable(t.eventBR, t.event, timeout)
	if err != nil || !ok {
		return ipc.Event{}, false, err
	}
	ev, err := t.evIPC.ReadEvent()
	if err != nil {
		return ipc.Event{}, false, err
	}
	return ev, true, nil
}

func (t *SocketTransport) Close() error {
	return errors.Join(t.rpc.Close(), t.event.Close())
}
