package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/agentctl/internal/protocol/codec"
	"github.com/danmuck/agentctl/internal/protocol/frame"
	"github.com/danmuck/agentctl/internal/protocol/ipc"
	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

var (
	ErrBadInit     = errors.New("sandbox: malformed init event")
	ErrInterrupted = errors.New("sandbox: agent interrupted")
)

// Config controls one agent run.
type Config struct {
	AgentID   string
	Resources ResourceProfile
	// Enforce applies Resources to this process before guest code runs and
	// arms a CPU watchdog. Off for in-process hosts and tests.
	Enforce bool
	// MaxSteps bounds interpreter steps; zero means unbounded.
	MaxSteps uint64
	// Watchdog overrides the one built from Resources.
	Watchdog *Watchdog
}

// Options adds the dial-back endpoints used by the sandbox binary.
type Options struct {
	Config
	Host      string
	RPCPort   int
	EventPort int
	Limits    frame.Limits
}

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

type bootstrapKey struct{}

// Runtime runs one agent against a transport. It is driven by a single
// goroutine; only the watchdog cleanup runs elsewhere. ioMu is held for
// one transport operation at a time, never across a whole listen.
type Runtime struct {
	cfg      Config
	tr       Transport
	disp     *Dispatcher
	api      *api
	watchdog *Watchdog

	ioMu    sync.Mutex
	active  atomic.Pointer[starlark.Thread]
	stopped atomic.Bool
}

func NewRuntime(tr Transport, cfg Config) *Runtime {
	r := &Runtime{
		cfg:      cfg,
		tr:       tr,
		disp:     NewDispatcher(),
		watchdog: cfg.Watchdog,
	}
	if r.watchdog == nil && cfg.Enforce && cfg.Resources.CPUSeconds > 0 {
		r.watchdog = &Watchdog{Budget: time.Duration(cfg.Resources.CPUSeconds) * time.Second}
	}
	r.api = &api{r: r}
	return r
}

// Run dials the controller and runs the agent until its code returns.
func Run(ctx context.Context, opts Options) error {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Limits.MaxPayloadBytes == 0 {
		opts.Limits = frame.DefaultLimits()
	}
	tr, err := DialSockets(ctx, opts.Host, opts.RPCPort, opts.EventPort, opts.Limits)
	if err != nil {
		return err
	}
	defer tr.Close()
	return NewRuntime(tr, opts.Config).Run(ctx)
}

// AwaitInit blocks until the init event arrives through the dispatcher.
// Other events before it are dropped.
func (r *Runtime) AwaitInit() ([]byte, map[string]any, error) {
	var (
		code      []byte
		briefcase map[string]any
		got       bool
	)
	r.disp.Register(ipc.InitEvent, bootstrapKey{}, func(args []any) error {
		if len(args) != 2 {
			return fmt.Errorf("%w: %d args", ErrBadInit, len(args))
		}
		c, ok := codec.AsBytes(args[0])
		if !ok {
			return fmt.Errorf("%w: code is %T", ErrBadInit, args[0])
		}
		m, ok := codec.AsMap(args[1])
		if !ok {
			return fmt.Errorf("%w: briefcase is %T", ErrBadInit, args[1])
		}
		code, briefcase, got = c, m, true
		return nil
	}, math.MaxInt)
	defer r.disp.Unregister(ipc.InitEvent, bootstrapKey{})

	for !got {
		ev, ok, err := r.tr.NextEvent(-1)
		if err != nil {
			return nil, nil, fmt.Errorf("sandbox: waiting for init: %w", err)
		}
		if !ok {
			continue
		}
		if ev.Name != ipc.InitEvent {
			log.Warn().Str("agent_id", r.cfg.AgentID).Str("event", ev.Name).
				Msg("sandbox.Runtime.AwaitInit dropped event before init")
			continue
		}
		if _, err := r.disp.Dispatch(ev); err != nil {
			return nil, nil, err
		}
	}
	return code, briefcase, nil
}

// Run waits for init, applies limits and executes the agent code. The
// returned error is the guest's failure, if any.
func (r *Runtime) Run(ctx context.Context) error {
	code, briefcase, err := r.AwaitInit()
	if err != nil {
		return err
	}
	bc, err := toStarlark(briefcase)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadInit, err)
	}
	log.Info().Str("agent_id", r.cfg.AgentID).Int("code_bytes", len(code)).Msg("sandbox.Runtime.Run init received")

	if r.cfg.Enforce {
		if err := ApplyLimits(r.cfg.Resources); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	thread := r.newThread("agent")
	r.active.Store(thread)
	stop := context.AfterFunc(ctx, func() { r.interrupt(thread, "agent stopped") })
	defer stop()
	if r.watchdog != nil {
		go r.watchdog.Run(ctx, func() { r.interrupt(thread, ErrLimitExceeded.Error()) })
	}

	predeclared := starlark.StringDict{
		"Api":       r.api,
		"Briefcase": bc,
	}
	_, err = starlark.ExecFileOptions(fileOptions, thread, r.filename(), code, predeclared)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			log.Error().Str("agent_id", r.cfg.AgentID).Str("backtrace", evalErr.Backtrace()).
				Msg("sandbox.Runtime.Run agent failed")
		}
		return fmt.Errorf("sandbox: agent %s: %w", r.cfg.AgentID, err)
	}
	log.Info().Str("agent_id", r.cfg.AgentID).Uint64("steps", thread.ExecutionSteps()).Msg("sandbox.Runtime.Run agent finished")
	return nil
}

// interrupt stops thread at its next step and ends any listen in progress.
func (r *Runtime) interrupt(thread *starlark.Thread, reason string) {
	r.stopped.Store(true)
	thread.Cancel(reason)
}

func (r *Runtime) filename() string {
	if r.cfg.AgentID == "" {
		return "agent.star"
	}
	return r.cfg.AgentID + ".star"
}

func (r *Runtime) newThread(name string) *starlark.Thread {
	th := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			log.Info().Str("agent_id", r.cfg.AgentID).Str("output", msg).Msg("sandbox.agent print")
		},
	}
	if r.cfg.MaxSteps > 0 {
		th.SetMaxExecutionSteps(r.cfg.MaxSteps)
	}
	return th
}
