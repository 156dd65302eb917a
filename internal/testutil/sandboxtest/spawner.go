// Package sandboxtest runs hosted agents inside the test process.
package sandboxtest

import (
	"context"
	"sync/atomic"

	"github.com/danmuck/agentctl/internal/sandbox"
)

// Spawner starts the sandbox runtime on a goroutine instead of a child
// process. Nothing is isolated and no limits are enforced.
type Spawner struct {
	// MaxSteps bounds each agent's interpreter; zero means 1<<20.
	MaxSteps uint64
	spawned  atomic.Int64
}

func (s *Spawner) Spawned() int { return int(s.spawned.Load()) }

func (s *Spawner) Spawn(_ context.Context, req sandbox.SpawnRequest) (sandbox.Process, error) {
	steps := s.MaxSteps
	if steps == 0 {
		steps = 1 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Process{cancel: cancel, done: make(chan struct{})}
	s.spawned.Add(1)
	go func() {
		defer close(p.done)
		p.err = sandbox.Run(ctx, sandbox.Options{
			Config:    sandbox.Config{AgentID: req.AgentID, MaxSteps: steps},
			RPCPort:   req.RPCPort,
			EventPort: req.EventPort,
		})
	}()
	return p, nil
}

// Process is an agent running on a goroutine.
type Process struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (p *Process) Pid() int { return 0 }

func (p *Process) Wait() error {
	<-p.done
	return p.err
}

func (p *Process) Kill() error {
	p.cancel()
	return nil
}
