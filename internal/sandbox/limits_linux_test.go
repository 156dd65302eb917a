//go:build linux

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/danmuck/agentctl/internal/protocol/ipc"
	"github.com/danmuck/agentctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

const limitsChildEnv = "AGENTCTL_SANDBOX_LIMITS_CHILD"

// runLimitsChild re-runs this test binary as an enforced sandbox so the
// rlimits never touch the test process itself.
func runLimitsChild(t *testing.T, test, mode string) (string, error) {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^"+test+"$", "-test.count=1")
	cmd.Env = append(os.Environ(), limitsChildEnv+"="+mode)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	done := make(chan error, 1)
	require.NoError(t, cmd.Start())
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return out.String(), err
	case <-time.After(60 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatalf("limits child %q did not exit", mode)
		return "", nil
	}
}

// limitsChild runs code under the default heap ceiling with Enforce set
// and reports the value the agent sends to Api.done.
func limitsChild(code string, heap uint64) {
	var got any
	tr := &scriptedTransport{
		events: []ipc.Event{initEvent(code, map[string]any{})},
		handler: func(req ipc.Request) ipc.Response {
			if req.Method == "done" && len(req.Args) == 1 {
				got = req.Args[0]
			}
			return ipc.Response{}
		},
	}
	rt := NewRuntime(tr, Config{
		AgentID:   "limits",
		Enforce:   true,
		Resources: ResourceProfile{CPUSeconds: 20, HeapBytes: heap},
	})
	if err := rt.Run(context.Background()); err != nil {
		fmt.Println("agent error:", err)
		os.Exit(3)
	}
	fmt.Printf("agent done %v\n", got)
	os.Exit(0)
}

func TestEnforcedAgentCanGrowHeap(t *testing.T) {
	if os.Getenv(limitsChildEnv) == "grow" {
		limitsChild("x = [str(i) for i in range(300000)]\nApi.done(len(x))\n", 512<<20)
	}
	testlog.Start(t)
	out, err := runLimitsChild(t, "TestEnforcedAgentCanGrowHeap", "grow")
	require.NoError(t, err, out)
	require.Contains(t, out, "agent done 300000")
}

func TestEnforcedAgentHeapCeilingKillsOnlyTheChild(t *testing.T) {
	if os.Getenv(limitsChildEnv) == "exceed" {
		limitsChild("x = []\nfor i in range(50000000):\n    x.append(\"item-%d\" % i)\nApi.done(len(x))\n", 32<<20)
	}
	testlog.Start(t)
	out, err := runLimitsChild(t, "TestEnforcedAgentHeapCeilingKillsOnlyTheChild", "exceed")
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "expected a failed exit, got %v\n%s", err, out)
	require.NotContains(t, out, "agent done")
}

func TestParseVmData(t *testing.T) {
	testlog.Start(t)
	status := []byte("Name:\tagent\nVmSize:\t 5658424 kB\nVmData:\t   40052 kB\nVmRSS:\t 2364 kB\n")
	require.Equal(t, uint64(40052)<<10, parseVmData(status))
	require.Zero(t, parseVmData([]byte("Name:\tagent\n")))
	require.Zero(t, parseVmData([]byte("VmData:\tlots kB\n")))
	require.NotZero(t, dataBaseline())
}
