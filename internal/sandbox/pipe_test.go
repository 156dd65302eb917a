package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/agentctl/internal/capability"
	"github.com/danmuck/agentctl/internal/protocol/frame"
	"github.com/danmuck/agentctl/internal/protocol/ipc"
	"github.com/danmuck/agentctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func echoTable(t *testing.T) *capability.Table {
	t.Helper()
	tbl := capability.NewTable()
	require.NoError(t, tbl.Register("echo", func(_ context.Context, args []any) (any, error) {
		return args, nil
	}))
	tbl.Seal()
	return tbl
}

func newPipes(t *testing.T) (*PipeHost, *PipeTransport) {
	t.Helper()
	host, err := NewPipePair(frame.DefaultLimits())
	require.NoError(t, err)
	child := host.ChildTransport()
	t.Cleanup(func() {
		_ = host.Close()
		_ = child.Close()
	})
	return host, child
}

func TestPipeEventsDuringCallAreQueued(t *testing.T) {
	testlog.Start(t)
	host, child := newPipes(t)
	tbl := echoTable(t)

	served := make(chan error, 1)
	go func() {
		if err := host.Push(ipc.Event{Name: "tick", Args: []any{"early"}}); err != nil {
			served <- err
			return
		}
		served <- host.ServeOne(context.Background(), tbl)
	}()

	resp, err := child.Call(ipc.Request{Method: "echo", Args: []any{"hi"}})
	require.NoError(t, err)
	require.NoError(t, <-served)
	require.Nil(t, resp.Err)
	require.Equal(t, []any{"hi"}, resp.Value)

	ev, ok, err := child.NextEvent(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tick", ev.Name)
	require.Equal(t, []any{"early"}, ev.Args)
}

func TestPipeNextEventHonoursTimeout(t *testing.T) {
	testlog.Start(t)
	host, child := newPipes(t)

	start := time.Now()
	_, ok, err := child.NextEvent(50 * time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	require.NoError(t, host.Push(ipc.Event{Name: "late"}))
	ev, ok, err := child.NextEvent(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "late", ev.Name)
}

func TestPipeHostCountsBadCalls(t *testing.T) {
	testlog.Start(t)
	host, child := newPipes(t)
	tbl := echoTable(t)

	go func() { _ = host.ServeOne(context.Background(), tbl) }()
	resp, err := child.Call(ipc.Request{Method: "nope"})
	require.NoError(t, err)
	require.NotNil(t, resp.Err)
	require.Equal(t, ipc.KindUnknownMethod, resp.Err.Kind)
	require.Equal(t, 1, host.BadCalls())

	fd, err := host.Fd()
	require.NoError(t, err)
	require.Greater(t, fd, uintptr(2))
}

func TestRuntimeOverPipes(t *testing.T) {
	testlog.Start(t)
	host, child := newPipes(t)
	tbl := echoTable(t)

	code := `
got = []
def on_note(text):
    got.append(Api.echo(text)[0])
Api.register("note", on_note, 3)
Api.listen(5)
Api.echo(got)
`
	require.NoError(t, host.Push(ipc.Event{Name: ipc.InitEvent, Args: []any{[]byte(code), map[string]any{}}}))
	require.NoError(t, host.Push(ipc.Event{Name: "note", Args: []any{"memo"}}))

	done := make(chan error, 1)
	go func() { done <- NewRuntime(child, Config{AgentID: "piped"}).Run(context.Background()) }()

	for i := 0; i < 2; i++ {
		require.NoError(t, host.ServeOne(context.Background(), tbl))
	}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("agent did not finish")
	}
	require.Zero(t, host.BadCalls())
}
