package capability

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/danmuck/agentctl/internal/protocol/ipc"
	"github.com/danmuck/agentctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type recordingOutbound struct {
	mu         sync.Mutex
	agents     []string
	broadcasts []string
}

func (r *recordingOutbound) SendAgent(addr string, code []byte, briefcase map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = append(r.agents, addr+":"+string(code))
}

func (r *recordingOutbound) SendBroadcast(addr, event string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, addr+":"+event)
}

type recordingLocal struct {
	events []string
	args   [][]any
}

func (r *recordingLocal) Multicast(event string, args []any) {
	r.events = append(r.events, event)
	r.args = append(r.args, args)
}

func TestTableRegisterValidation(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable()
	noop := func(context.Context, []any) (any, error) { return nil, nil }

	require.NoError(t, tbl.Register("ping", noop))
	require.ErrorIs(t, tbl.Register("ping", noop), ErrCommandExists)
	require.ErrorIs(t, tbl.Register("", noop), ErrInvalidCommand)
	require.ErrorIs(t, tbl.Register("9lives", noop), ErrInvalidCommand)
	require.ErrorIs(t, tbl.Register("has-dash", noop), ErrInvalidCommand)
	require.ErrorIs(t, tbl.Register("nilHandler", nil), ErrCommandNil)

	tbl.Seal()
	require.ErrorIs(t, tbl.Register("late", noop), ErrTableSealed)
	_, ok := tbl.Lookup("ping")
	require.True(t, ok)
	require.Equal(t, []string{"ping"}, tbl.Names())
}

func TestPolicyAddressAndCode(t *testing.T) {
	testlog.Start(t)
	code := []byte("Api.log('info', 'hi')")
	p, err := NewPolicy([]string{"10.0.0.0/8", "127.0.0.1/32"}, 64, []string{CodeDigest(code)})
	require.NoError(t, err)

	require.True(t, p.AllowsAddr(&net.TCPAddr{IP: net.ParseIP("10.2.3.4"), Port: 1}))
	require.True(t, p.AllowsAddr(&net.TCPAddr{IP: net.ParseIP("::ffff:127.0.0.1"), Port: 1}))
	require.False(t, p.AllowsAddr(&net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1}))
	require.False(t, p.AllowsAddr(nil))

	require.True(t, p.AllowsCode(code))
	require.False(t, p.AllowsCode([]byte("other")))
	require.False(t, p.AllowsCode(make([]byte, 65)))

	var open Policy
	require.True(t, open.AllowsAddr(&net.TCPAddr{IP: net.ParseIP("8.8.8.8")}))
	require.True(t, open.AllowsCode([]byte("anything")))

	_, err = NewPolicy([]string{"not-a-cidr"}, 0, nil)
	require.Error(t, err)
	_, err = NewPolicy(nil, 0, []string{"abcd"})
	require.Error(t, err)
}

func TestBaseCommands(t *testing.T) {
	testlog.Start(t)
	out := &recordingOutbound{}
	local := &recordingLocal{}
	b := NewBase(Policy{}, out)
	b.BindLocal(local)
	ctx := WithAgent(context.Background(), "agent-1")
	require.Equal(t, "agent-1", AgentFrom(ctx))

	call := func(name string, args ...any) error {
		h, ok := b.Commands().Lookup(name)
		require.True(t, ok, name)
		_, err := h(ctx, args)
		return err
	}

	require.NoError(t, call("log", "info", "hello"))
	require.NoError(t, call("log", "nonsense", "still logged"))
	require.ErrorIs(t, call("log", "info"), ErrBadArgs)

	require.NoError(t, call("localBroadcast", "help", "x"))
	require.Equal(t, []string{"help"}, local.events)
	require.Equal(t, []any{"x"}, local.args[0])

	require.NoError(t, call("multicast", []any{"10.0.0.1:9000", "10.0.0.2:9000"}, "news", uint64(1)))
	require.Equal(t, []string{"help", "news"}, local.events)
	require.Equal(t, []string{"10.0.0.1:9000:news", "10.0.0.2:9000:news"}, out.broadcasts)

	require.NoError(t, call("sendAgent", "10.0.0.3:9000", []byte("code"), map[string]any{}))
	require.Equal(t, []string{"10.0.0.3:9000:code"}, out.agents)
	require.ErrorIs(t, call("sendAgent", "10.0.0.3:9000", []byte("code"), "not a map"), ErrBadArgs)

	require.NoError(t, call("sendBroadcast", "10.0.0.4:9000", "ping"))
	require.Len(t, out.broadcasts, 3)
}

func TestBaseImplementsCapability(t *testing.T) {
	testlog.Start(t)
	var c Capability = NewBase(Policy{}, nil)
	require.True(t, c.CodeIsValid([]byte("x")))
	require.Contains(t, c.Commands().Names(), "multicast")
}

func TestInvokeConvertsFailures(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable()
	tbl.MustRegister("ok", func(_ context.Context, args []any) (any, error) { return len(args), nil })
	tbl.MustRegister("fails", func(context.Context, []any) (any, error) { return nil, ErrBadArgs })
	tbl.MustRegister("panics", func(context.Context, []any) (any, error) { panic("bad") })

	resp := Invoke(context.Background(), tbl, ipc.Request{Method: "ok", Args: []any{1, 2}})
	require.Nil(t, resp.Err)
	require.Equal(t, 2, resp.Value)

	resp = Invoke(context.Background(), tbl, ipc.Request{Method: "missing"})
	require.Equal(t, ipc.KindUnknownMethod, resp.Err.Kind)

	resp = Invoke(context.Background(), tbl, ipc.Request{Method: "fails"})
	require.Equal(t, ipc.KindInvocation, resp.Err.Kind)
	require.Contains(t, resp.Err.Message, "bad arguments")

	resp = Invoke(context.Background(), tbl, ipc.Request{Method: "panics"})
	require.Equal(t, ipc.KindPanic, resp.Err.Kind)
	require.Equal(t, "bad", resp.Err.Message)
}
