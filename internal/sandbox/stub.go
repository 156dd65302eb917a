package sandbox

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/agentctl/internal/protocol/ipc"
	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
)

// api is the Api value seen by guest code. Its local attributes drive the
// event dispatcher; any other public attribute is a capability call.
type api struct {
	r *Runtime
}

var (
	_ starlark.HasAttrs = (*api)(nil)

	localAttrs = []string{"agent_id", "at_limit", "attempt", "listen", "register", "unregister"}
)

func (a *api) String() string        { return "<Api>" }
func (a *api) Type() string          { return "api" }
func (a *api) Freeze()               {}
func (a *api) Truth() starlark.Bool  { return starlark.True }
func (a *api) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: api") }

func (a *api) AttrNames() []string {
	out := append([]string(nil), localAttrs...)
	sort.Strings(out)
	return out
}

func (a *api) Attr(name string) (starlark.Value, error) {
	switch name {
	case "agent_id":
		return starlark.String(a.r.cfg.AgentID), nil
	case "register":
		return starlark.NewBuiltin("register", a.r.register), nil
	case "unregister":
		return starlark.NewBuiltin("unregister", a.r.unregister), nil
	case "listen":
		return starlark.NewBuiltin("listen", a.r.listen), nil
	case "at_limit":
		return starlark.NewBuiltin("at_limit", a.r.atLimit), nil
	case "attempt":
		return starlark.NewBuiltin("attempt", a.r.attempt), nil
	}
	if name == "" || strings.HasPrefix(name, "_") {
		return nil, nil
	}
	return starlark.NewBuiltin(name, a.r.remote), nil
}

// remote forwards Api.<method>(args...) to the host and raises on an
// error envelope.
func (r *Runtime) remote(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: capability calls take positional arguments only", b.Name())
	}
	v, env, err := r.call(b.Name(), args)
	if err != nil {
		return nil, err
	}
	if env != nil {
		return nil, env
	}
	return v, nil
}

// attempt(method, *args) returns (value, None) or (None, "kind: message")
// instead of raising on an error envelope.
func (r *Runtime) attempt(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 || len(args) == 0 {
		return nil, fmt.Errorf("%s: want (method, *args)", b.Name())
	}
	method, ok := starlark.AsString(args[0])
	if !ok {
		return nil, fmt.Errorf("%s: method must be a string, not %s", b.Name(), args[0].Type())
	}
	v, env, err := r.call(method, args[1:])
	if err != nil {
		return nil, err
	}
	if env != nil {
		return starlark.Tuple{starlark.None, starlark.String(env.Error())}, nil
	}
	return starlark.Tuple{v, starlark.None}, nil
}

func (r *Runtime) call(method string, args starlark.Tuple) (starlark.Value, *ipc.ErrorEnvelope, error) {
	wire, err := fromStarlarkTuple(args)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", method, err)
	}
	r.ioMu.Lock()
	resp, err := r.tr.Call(ipc.Request{Method: method, Args: wire})
	r.ioMu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	if resp.Err != nil {
		log.Debug().Str("agent_id", r.cfg.AgentID).Str("method", method).Str("kind", resp.Err.Kind).
			Msg("sandbox.Runtime.call error envelope")
		return nil, resp.Err, nil
	}
	v, err := toStarlark(resp.Value)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", method, err)
	}
	return v, nil, nil
}

func (r *Runtime) register(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		event    string
		callback starlark.Callable
		priority int
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "event", &event, "callback", &callback, "priority?", &priority); err != nil {
		return nil, err
	}
	r.disp.Register(event, callback, r.guestListener(callback), priority)
	return starlark.None, nil
}

func (r *Runtime) unregister(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		event    string
		callback starlark.Callable
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "event", &event, "callback", &callback); err != nil {
		return nil, err
	}
	return starlark.MakeInt(r.disp.Unregister(event, callback)), nil
}

// listen(timeout=None) delivers at most one event and reports whether one
// arrived. None or a negative timeout blocks.
func (r *Runtime) listen(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var timeoutArg starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "timeout?", &timeoutArg); err != nil {
		return nil, err
	}
	timeout, err := listenTimeout(timeoutArg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	ev, ok, err := r.nextEvent(timeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return starlark.False, nil
	}

	prev := r.active.Swap(thread)
	defer r.active.Store(prev)
	if _, err := r.disp.Dispatch(ev); err != nil {
		return nil, err
	}
	return starlark.True, nil
}

// listenSlice bounds how long one wait holds ioMu, so a cleanup callback
// can still reach the host while the agent blocks in listen.
const listenSlice = 500 * time.Millisecond

func (r *Runtime) nextEvent(timeout time.Duration) (ipc.Event, bool, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	left := timeout
	for {
		if r.stopped.Load() {
			return ipc.Event{}, false, ErrInterrupted
		}
		wait, last := listenSlice, false
		if timeout >= 0 && left <= listenSlice {
			wait, last = left, true
		}
		r.ioMu.Lock()
		ev, ok, err := r.tr.NextEvent(wait)
		r.ioMu.Unlock()
		if err != nil || ok || last {
			return ev, ok, err
		}
		if timeout >= 0 {
			left = max(time.Until(deadline), 0)
		}
	}
}

func listenTimeout(v starlark.Value) (time.Duration, error) {
	if v == starlark.None {
		return -1, nil
	}
	secs, ok := starlark.AsFloat(v)
	if !ok {
		return 0, fmt.Errorf("timeout must be a number or None, not %s", v.Type())
	}
	if secs < 0 {
		return -1, nil
	}
	if secs > math.MaxInt64/float64(time.Second) {
		return -1, nil
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// at_limit(fn) arms fn as the one cleanup run when the CPU budget is
// spent. fn may make capability calls; Api.listen raises inside it.
func (r *Runtime) atLimit(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "fn", &fn); err != nil {
		return nil, err
	}
	if r.watchdog == nil {
		log.Debug().Str("agent_id", r.cfg.AgentID).Msg("sandbox.Runtime.atLimit no watchdog armed")
		return starlark.None, nil
	}
	r.watchdog.SetCleanup(func() {
		th := r.newThread("cleanup")
		if _, err := starlark.Call(th, fn, nil, nil); err != nil {
			log.Warn().Err(err).Str("agent_id", r.cfg.AgentID).Msg("sandbox.Runtime cleanup failed")
		}
	})
	return starlark.None, nil
}

func (r *Runtime) guestListener(fn starlark.Callable) Listener {
	return func(args []any) error {
		sargs, err := toStarlarkTuple(args)
		if err != nil {
			return err
		}
		_, err = starlark.Call(r.active.Load(), fn, sargs, nil)
		return err
	}
}
