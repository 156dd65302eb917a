package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/danmuck/agentctl/internal/capability"
	"github.com/danmuck/agentctl/internal/logging"
	"github.com/danmuck/agentctl/internal/protocol/frame"
	"github.com/danmuck/agentctl/internal/protocol/ipc"
	"github.com/rs/zerolog/log"
)

// PipeSpawner launches `agent-sandbox pipe` with the child ends of a
// fresh pipe pair as descriptors 3 and 4 and nothing else inherited.
type PipeSpawner struct {
	Binary   string
	LogLevel string
	Limits   frame.Limits
}

// PipeAgent is a sandbox reached over the pipe transport.
type PipeAgent struct {
	*PipeHost
	ID   string
	proc *execProcess
}

func (s PipeSpawner) Spawn(_ context.Context, agentID string, res ResourceProfile) (*PipeAgent, error) {
	if s.Binary == "" {
		return nil, errors.New("sandbox: spawn: binary not configured")
	}
	host, err := NewPipePair(s.Limits)
	if err != nil {
		return nil, err
	}
	args := PipeArgs(agentID, res)
	cmd := exec.Command(s.Binary, args...)
	cmd.Env = []string{}
	if s.LogLevel != "" {
		cmd.Env = append(cmd.Env, logging.EnvLogLevel+"="+s.LogLevel)
	}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = host.ChildFiles()
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		_ = host.ReleaseChildFiles()
		_ = host.Close()
		return nil, fmt.Errorf("sandbox: spawn %s: %w", s.Binary, err)
	}
	if err := host.ReleaseChildFiles(); err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("sandbox.PipeSpawner.Spawn release child files")
	}
	log.Info().Str("agent_id", agentID).Int("pid", cmd.Process.Pid).
		Msg("sandbox.PipeSpawner.Spawn started")
	return &PipeAgent{PipeHost: host, ID: agentID, proc: &execProcess{cmd: cmd}}, nil
}

// PipeArgs renders the command line of `agent-sandbox pipe`.
func PipeArgs(agentID string, res ResourceProfile) []string {
	return []string{
		"pipe",
		"--agent-id", agentID,
		"--cpu-seconds", strconv.FormatUint(res.CPUSeconds, 10),
		"--heap-bytes", strconv.FormatUint(res.HeapBytes, 10),
	}
}

func (a *PipeAgent) Process() Process { return a.proc }

// Init pushes the bootstrap event.
func (a *PipeAgent) Init(code []byte, briefcase map[string]any) error {
	if briefcase == nil {
		briefcase = map[string]any{}
	}
	return a.Push(ipc.Event{Name: ipc.InitEvent, Args: []any{code, briefcase}})
}

// Serve answers capability calls from t until the agent closes its end
// or ctx is done. A clean close returns nil.
func (a *PipeAgent) Serve(ctx context.Context, t *capability.Table) error {
	stop := context.AfterFunc(ctx, func() { _ = a.uplink.Close() })
	defer stop()
	ctx = capability.WithAgent(ctx, a.ID)
	for {
		err := a.ServeOne(ctx, t)
		switch {
		case err == nil:
			continue
		case frame.IsShortRead(err), errors.Is(err, io.EOF):
			log.Debug().Str("agent_id", a.ID).Msg("sandbox.PipeAgent.Serve agent closed")
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return err
		}
	}
}

// Close kills the process, reaps it and closes the host ends.
func (a *PipeAgent) Close() error {
	killErr := a.proc.Kill()
	_ = a.proc.Wait()
	hostErr := a.PipeHost.Close()
	if errors.Is(hostErr, os.ErrClosed) {
		hostErr = nil
	}
	return errors.Join(killErr, hostErr)
}

// RunPipe runs an agent on the pipe ends inherited at descriptors 3 and 4.
func RunPipe(ctx context.Context, cfg Config, limits frame.Limits) error {
	if limits.MaxPayloadBytes == 0 {
		limits = frame.DefaultLimits()
	}
	tr, err := OpenChildPipes(limits)
	if err != nil {
		return err
	}
	defer tr.Close()
	return NewRuntime(tr, cfg).Run(ctx)
}
