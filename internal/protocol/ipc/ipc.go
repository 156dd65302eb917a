// Package ipc is the plaintext protocol between the agent controller and
// its sandbox processes.
//
// Every message is one `u32 be length | payload` frame whose payload is a
// codec-encoded value:
//
//	request   [method, args]
//	response  value | {"error": [kind, message]}
//	event     [name, args]
package ipc

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/agentctl/internal/protocol/codec"
	"github.com/danmuck/agentctl/internal/protocol/frame"
)

// InitEvent is the first event pushed to a hosted agent. Its args are
// (code, briefcase).
const InitEvent = "init"

// Error kinds carried by error envelopes.
const (
	KindUnknownMethod = "unknown method"
	KindInvocation    = "invocation error"
	KindBadRequest    = "bad request"
	KindPanic         = "panic"
)

var ErrMalformed = errors.New("ipc: malformed message")

type Request struct {
	Method string
	Args   []any
}

type Event struct {
	Name string
	Args []any
}

// ErrorEnvelope is the structured failure returned in place of a value.
type ErrorEnvelope struct {
	Kind    string
	Message string
}

func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func UnknownMethod(method string) *ErrorEnvelope {
	return &ErrorEnvelope{Kind: KindUnknownMethod, Message: fmt.Sprintf("Unknown method '%s'", method)}
}

// Response carries exactly one of Value or Err.
type Response struct {
	Value any
	Err   *ErrorEnvelope
}

func EncodeRequest(req Request) ([]byte, error) {
	return codec.Marshal([]any{req.Method, nonNilArgs(req.Args)})
}

func DecodeRequest(b []byte) (Request, error) {
	name, args, err := decodePair(b)
	if err != nil {
		return Request{}, err
	}
	return Request{Method: name, Args: args}, nil
}

func EncodeEvent(ev Event) ([]byte, error) {
	return codec.Marshal([]any{ev.Name, nonNilArgs(ev.Args)})
}

func DecodeEvent(b []byte) (Event, error) {
	name, args, err := decodePair(b)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Args: args}, nil
}

func EncodeResponse(resp Response) ([]byte, error) {
	if resp.Err != nil {
		return codec.Marshal(map[string]any{
			"error": []any{resp.Err.Kind, resp.Err.Message},
		})
	}
	return codec.Marshal(resp.Value)
}

// DecodeResponse treats a single-key map {"error": [kind, message]} as an
// error envelope and anything else as a plain value.
func DecodeResponse(b []byte) (Response, error) {
	var v any
	if err := codec.Unmarshal(b, &v); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env, ok := asEnvelope(v); ok {
		return Response{Err: env}, nil
	}
	return Response{Value: v}, nil
}

func asEnvelope(v any) (*ErrorEnvelope, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return nil, false
	}
	pair, ok := m["error"].([]any)
	if !ok || len(pair) != 2 {
		return nil, false
	}
	kind, ok1 := pair[0].(string)
	msg, ok2 := pair[1].(string)
	if !ok1 || !ok2 {
		return nil, false
	}
	return &ErrorEnvelope{Kind: kind, Message: msg}, true
}

func decodePair(b []byte) (string, []any, error) {
	var v any
	if err := codec.Unmarshal(b, &v); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return "", nil, fmt.Errorf("%w: expected [name, args], got %T", ErrMalformed, v)
	}
	name, ok := pair[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("%w: name is %T", ErrMalformed, pair[0])
	}
	args, ok := codec.AsList(pair[1])
	if !ok {
		return "", nil, fmt.Errorf("%w: args is %T", ErrMalformed, pair[1])
	}
	return name, nonNilArgs(args), nil
}

func nonNilArgs(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

// Conn frames ipc messages over one stream. It is not safe for
// concurrent use; each end has a single owner.
type Conn struct {
	r      io.Reader
	w      io.Writer
	limits frame.Limits
}

func NewConn(rw io.ReadWriter, limits frame.Limits) *Conn {
	return &Conn{r: rw, w: rw, limits: limits}
}

// NewSplitConn joins two unidirectional streams, as used by the pipe
// transport.
func NewSplitConn(r io.Reader, w io.Writer, limits frame.Limits) *Conn {
	return &Conn{r: r, w: w, limits: limits}
}

func (c *Conn) ReadPayload() ([]byte, error) {
	return frame.ReadFrame(c.r, c.limits)
}

func (c *Conn) WritePayload(b []byte) error {
	return frame.WriteFrame(c.w, b, c.limits)
}

func (c *Conn) WriteRequest(req Request) error {
	b, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	return c.WritePayload(b)
}

func (c *Conn) ReadRequest() (Request, error) {
	b, err := c.ReadPayload()
	if err != nil {
		return Request{}, err
	}
	return DecodeRequest(b)
}

func (c *Conn) WriteResponse(resp Response) error {
	b, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return c.WritePayload(b)
}

func (c *Conn) ReadResponse() (Response, error) {
	b, err := c.ReadPayload()
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(b)
}

func (c *Conn) WriteEvent(ev Event) error {
	b, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return c.WritePayload(b)
}

func (c *Conn) ReadEvent() (Event, error) {
	b, err := c.ReadPayload()
	if err != nil {
		return Event{}, err
	}
	return DecodeEvent(b)
}
