// agent-sandbox runs one hosted agent. agentd starts it as
//
//	agent-sandbox agent --agent-id ID --rpc-port N --event-port N ...
//
// and a host using the pipe transport starts it as
//
//	agent-sandbox pipe --agent-id ID ...
//
// with the downlink and uplink pipes inherited as descriptors 3 and 4.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/agentctl/internal/logging"
	"github.com/danmuck/agentctl/internal/protocol/frame"
	"github.com/danmuck/agentctl/internal/sandbox"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const usage = "usage: agent-sandbox agent|pipe [flags]"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "agent-sandbox: %v\n", err)
		if errors.Is(err, sandbox.ErrLimitExceeded) {
			os.Exit(sandbox.ExitLimitExceeded)
		}
		os.Exit(1)
	}
}

type agentFlags struct {
	agentID    string
	rpcPort    int
	eventPort  int
	cpuSeconds uint64
	heapBytes  uint64
	maxSteps   uint64
	noLimits   bool
}

func (f *agentFlags) register(fs *pflag.FlagSet, withPorts bool) {
	fs.StringVar(&f.agentID, "agent-id", "", "agent identifier used in logs")
	if withPorts {
		fs.IntVar(&f.rpcPort, "rpc-port", 0, "controller RPC port on loopback")
		fs.IntVar(&f.eventPort, "event-port", 0, "controller event port on loopback")
	}
	fs.Uint64Var(&f.cpuSeconds, "cpu-seconds", 10, "CPU time budget in seconds")
	fs.Uint64Var(&f.heapBytes, "heap-bytes", 512<<20, "ceiling on heap growth in bytes")
	fs.Uint64Var(&f.maxSteps, "max-steps", 0, "interpreter step ceiling; 0 disables")
	fs.BoolVar(&f.noLimits, "no-limits", false, "skip OS resource limits and the CPU watchdog")
}

func (f *agentFlags) config() sandbox.Config {
	return sandbox.Config{
		AgentID: f.agentID,
		Resources: sandbox.ResourceProfile{
			CPUSeconds: f.cpuSeconds,
			HeapBytes:  f.heapBytes,
		},
		Enforce:  !f.noLimits,
		MaxSteps: f.maxSteps,
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var f agentFlags
	switch args[0] {
	case "agent":
		fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
		f.register(fs, true)
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if f.rpcPort <= 0 || f.eventPort <= 0 {
			return errors.New("agent: --rpc-port and --event-port are required")
		}
		log.Debug().Str("agent_id", f.agentID).Int("rpc_port", f.rpcPort).Int("event_port", f.eventPort).
			Msg("agent-sandbox.run dialing controller")
		return sandbox.Run(ctx, sandbox.Options{
			Config:    f.config(),
			Host:      "127.0.0.1",
			RPCPort:   f.rpcPort,
			EventPort: f.eventPort,
			Limits:    frame.DefaultLimits(),
		})
	case "pipe":
		fs := pflag.NewFlagSet("pipe", pflag.ContinueOnError)
		f.register(fs, false)
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return sandbox.RunPipe(ctx, f.config(), frame.DefaultLimits())
	default:
		return fmt.Errorf("unknown mode %q; %s", args[0], usage)
	}
}
