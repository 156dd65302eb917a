package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/agentctl/internal/protocol/ipc"
	"github.com/danmuck/agentctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

// idleTransport delivers its queued events and then waits out every
// timeout without an event, like a host that never pushes anything.
type idleTransport struct {
	mu     sync.Mutex
	events []ipc.Event
	calls  []ipc.Request
	waits  []time.Duration
}

func (s *idleTransport) Call(req ipc.Request) (ipc.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	return ipc.Response{}, nil
}

func (s *idleTransport) NextEvent(timeout time.Duration) (ipc.Event, bool, error) {
	s.mu.Lock()
	s.waits = append(s.waits, timeout)
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		s.mu.Unlock()
		return ev, true, nil
	}
	s.mu.Unlock()
	if timeout < 0 {
		timeout = time.Hour
	}
	time.Sleep(timeout)
	return ipc.Event{}, false, nil
}

func (s *idleTransport) Close() error { return nil }

func (s *idleTransport) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.Method)
	}
	return out
}

func TestCleanupReachesHostWhileAgentListens(t *testing.T) {
	testlog.Start(t)
	code := `
def cleanup():
    Api.report("bye")
Api.at_limit(cleanup)
Api.listen()
Api.report("unreachable")
`
	tr := &idleTransport{events: []ipc.Event{initEvent(code, nil)}}
	start := time.Now()
	exits := make(chan int, 1)
	wd := &Watchdog{
		Budget:   100 * time.Millisecond,
		Grace:    5 * time.Second,
		Interval: 10 * time.Millisecond,
		Usage:    func() (time.Duration, error) { return time.Since(start), nil },
		Exit:     func(code int) { exits <- code },
	}

	err := NewRuntime(tr, Config{AgentID: "idle", Watchdog: wd}).Run(context.Background())
	require.Error(t, err)
	require.Less(t, time.Since(start), 3*time.Second)

	select {
	case code := <-exits:
		require.Equal(t, ExitLimitExceeded, code)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not exit")
	}
	require.Equal(t, []string{"report"}, tr.methods())
}

func TestListenSlicesLongWaits(t *testing.T) {
	testlog.Start(t)
	tr := &idleTransport{}
	r := NewRuntime(tr, Config{})
	_, ok, err := r.nextEvent(1200 * time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, tr.waits, 3)
	require.Equal(t, listenSlice, tr.waits[0])
	require.Equal(t, listenSlice, tr.waits[1])
	require.LessOrEqual(t, tr.waits[2], 200*time.Millisecond)
}

func TestListenEndsOnceInterrupted(t *testing.T) {
	testlog.Start(t)
	r := NewRuntime(&scriptedTransport{}, Config{})
	r.stopped.Store(true)
	_, _, err := r.nextEvent(-1)
	require.ErrorIs(t, err, ErrInterrupted)
}
