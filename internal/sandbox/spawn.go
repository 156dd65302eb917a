package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/danmuck/agentctl/internal/logging"
	"github.com/rs/zerolog/log"
)

// ResourceProfile is applied by the sandbox process to itself before
// guest code runs. HeapBytes bounds growth of the process's writable
// memory past what it had mapped when the limits were applied. The
// open-file ceiling is always zero.
type ResourceProfile struct {
	CPUSeconds uint64
	HeapBytes  uint64
}

// SpawnRequest names the loopback ports a new sandbox dials back to.
type SpawnRequest struct {
	AgentID   string
	RPCPort   int
	EventPort int
	Resources ResourceProfile
}

// Process is a running sandbox.
type Process interface {
	Pid() int
	// Wait blocks until the process exits.
	Wait() error
	Kill() error
}

type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// ProcessSpawner launches the sandbox binary as a child process with an
// empty environment and only the standard descriptors.
type ProcessSpawner struct {
	Binary string
	// LogLevel is forwarded to the child's logger.
	LogLevel string
}

func (s ProcessSpawner) Spawn(_ context.Context, req SpawnRequest) (Process, error) {
	if s.Binary == "" {
		return nil, errors.New("sandbox: spawn: binary not configured")
	}
	args := AgentArgs(req)
	// The child outlives any request context; the controller kills it.
	cmd := exec.Command(s.Binary, args...)
	cmd.Env = []string{}
	if s.LogLevel != "" {
		cmd.Env = append(cmd.Env, logging.EnvLogLevel+"="+s.LogLevel)
	}
	cmd.Stdin = nil
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: spawn %s: %w", s.Binary, err)
	}
	log.Info().Str("agent_id", req.AgentID).Int("pid", cmd.Process.Pid).
		Strs("args", args).Msg("sandbox.ProcessSpawner.Spawn started")
	return &execProcess{cmd: cmd}, nil
}

// AgentArgs renders the command line of `agent-sandbox agent`.
func AgentArgs(req SpawnRequest) []string {
	return []string{
		"agent",
		"--agent-id", req.AgentID,
		"--rpc-port", strconv.Itoa(req.RPCPort),
		"--event-port", strconv.Itoa(req.EventPort),
		"--cpu-seconds", strconv.FormatUint(req.Resources.CPUSeconds, 10),
		"--heap-bytes", strconv.FormatUint(req.Resources.HeapBytes, 10),
	}
}

type execProcess struct {
	cmd      *exec.Cmd
	waitOnce sync.Once
	waitErr  error
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
