package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/danmuck/agentctl/internal/capability"
	"github.com/danmuck/agentctl/internal/protocol/frame"
	"github.com/danmuck/agentctl/internal/protocol/ipc"
	"github.com/rs/zerolog/log"
)

// Descriptor numbers of the pipe ends inside a child started with
// PipeHost.ChildFiles as its ExtraFiles.
const (
	ChildDownlinkFD = 3
	ChildUplinkFD   = 4
)

// PipeHost is the host end of the same-host pipe transport. Requests
// arrive on the uplink; events and responses share the tagged downlink.
type PipeHost struct {
	uplink   *os.File
	downlink *os.File
	conn     *ipc.Conn
	limits   frame.Limits

	childDown *os.File
	childUp   *os.File

	mu       sync.Mutex
	badCalls int
}

// NewPipePair creates both unidirectional pipes.
func NewPipePair(limits frame.Limits) (*PipeHost, error) {
	if limits.MaxPayloadBytes == 0 {
		limits = frame.DefaultLimits()
	}
	downR, downW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: downlink pipe: %w", err)
	}
	upR, upW, err := os.Pipe()
	if err != nil {
		_ = downR.Close()
		_ = downW.Close()
		return nil, fmt.Errorf("sandbox: uplink pipe: %w", err)
	}
	return &PipeHost{
		uplink:    upR,
		downlink:  downW,
		conn:      ipc.NewSplitConn(upR, downW, limits),
		limits:    limits,
		childDown: downR,
		childUp:   upW,
	}, nil
}

// ChildFiles returns the child's ends in descriptor order, for use as
// exec.Cmd.ExtraFiles.
func (h *PipeHost) ChildFiles() []*os.File {
	return []*os.File{h.childDown, h.childUp}
}

// ReleaseChildFiles closes the host's copies of the child ends once the
// child has been started.
func (h *PipeHost) ReleaseChildFiles() error {
	return errors.Join(h.childDown.Close(), h.childUp.Close())
}

// ChildTransport builds the agent end in this process.
func (h *PipeHost) ChildTransport() *PipeTransport {
	return NewPipeTransport(h.childDown, h.childUp, h.limits)
}

// Fd returns the uplink descriptor for use in a readiness loop. It does
// not switch the file to blocking mode.
func (h *PipeHost) Fd() (uintptr, error) {
	rc, err := h.uplink.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd uintptr
	if err := rc.Control(func(v uintptr) { fd = v }); err != nil {
		return 0, err
	}
	return fd, nil
}

// Push writes one event to the agent.
func (h *PipeHost) Push(ev ipc.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn.WriteTaggedEvent(ev)
}

// ServeOne reads a single request, answers it from t and writes the
// response. Handler failures are answered, not returned.
func (h *PipeHost) ServeOne(ctx context.Context, t *capability.Table) error {
	req, err := h.conn.ReadRequest()
	if err != nil {
		return err
	}
	resp := capability.Invoke(ctx, t, req)
	if _, err := ipc.EncodeResponse(resp); err != nil {
		resp = ipc.Response{Err: &ipc.ErrorEnvelope{
			Kind:    ipc.KindInvocation,
			Message: "result cannot be encoded: " + err.Error(),
		}}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if resp.Err != nil {
		h.badCalls++
		log.Debug().Str("method", req.Method).Str("kind", resp.Err.Kind).Msg("sandbox.PipeHost.ServeOne bad call")
	}
	return h.conn.WriteTaggedResponse(resp)
}

func (h *PipeHost) BadCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.badCalls
}

func (h *PipeHost) Close() error {
	return errors.Join(h.uplink.Close(), h.downlink.Close())
}

// PipeTransport is the agent end of the pipe transport. Events that
// arrive while a call waits for its response are held for NextEvent.
type PipeTransport struct {
	down    *os.File
	up      *os.File
	br      *bufio.Reader
	conn    *ipc.Conn
	pending []ipc.Event
}

func NewPipeTransport(down, up *os.File, limits frame.Limits) *PipeTransport {
	br := bufio.NewReader(down)
	return &PipeTransport{
		down: down,
		up:   up,
		br:   br,
		conn: ipc.NewSplitConn(br, up, limits),
	}
}

func (t *PipeTransport) Call(req ipc.Request) (ipc.Response, error) {
	if err := t.conn.WriteRequest(req); err != nil {
		return ipc.Response{}, fmt.Errorf("sandbox: rpc %s: %w", req.Method, err)
	}
	for {
		dl, err := t.conn.ReadDownlink()
		if err != nil {
			return ipc.Response{}, fmt.Errorf("sandbox: rpc %s: %w", req.Method, err)
		}
		if dl.Tag == ipc.TagEvent {
			t.pending = append(t.pending, dl.Event)
			continue
		}
		return dl.Response, nil
	}
}

func (t *PipeTransport) NextEvent(timeout time.Duration) (ipc.Event, bool, error) {
	if len(t.pending) > 0 {
		ev := t.pending[0]
		t.pending = t.pending[1:]
		return ev, true, nil
	}
	ok, err := awaitReadable(t.br, t.down, timeout)
	if err != nil || !ok {
		return ipc.Event{}, false, err
	}
	dl, err := t.conn.ReadDownlink()
	if err != nil {
		return ipc.Event{}, false, err
	}
	if dl.Tag != ipc.TagEvent {
		return ipc.Event{}, false, fmt.Errorf("%w: response with no call in flight", ErrUnexpectedFrame)
	}
	return dl.Event, true, nil
}

func (t *PipeTransport) Close() error {
	return errors.Join(t.down.Close(), t.up.Close())
}
