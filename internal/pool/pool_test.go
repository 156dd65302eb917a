package pool

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/agentctl/internal/protocol/peerwire"
	"github.com/danmuck/agentctl/internal/securelink"
	"github.com/danmuck/agentctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testPeer struct {
	ln       net.Listener
	accepted atomic.Int64
	// drop is how many of the next connections are closed right after
	// the handshake.
	drop atomic.Int64
	msgs chan peerwire.Message
}

func linkConfig() securelink.Config {
	cfg := securelink.DefaultConfig()
	cfg.RSABits = 1024
	return cfg
}

func startTestPeer(t *testing.T) *testPeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &testPeer{ln: ln, msgs: make(chan peerwire.Message, 32)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			p.accepted.Add(1)
			go func() {
				defer c.Close()
				link, err := securelink.Handshake(context.Background(), c, linkConfig())
				if err != nil {
					return
				}
				if p.drop.Add(-1) >= 0 {
					return
				}
				for {
					payload, err := link.Recv()
					if err != nil {
						return
					}
					m, err := peerwire.Decode(payload)
					if err != nil {
						return
					}
					p.msgs <- m
				}
			}()
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return p
}

func (p *testPeer) addr() string { return p.ln.Addr().String() }

func (p *testPeer) next(t *testing.T) peerwire.Message {
	t.Helper()
	select {
	case m := <-p.msgs:
		return m
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for message")
		return peerwire.Message{}
	}
}

func newTestPool(t *testing.T, clock *fakeClock) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Link = linkConfig()
	cfg.IdleTimeout = time.Minute
	cfg.MaxIdle = 2 * time.Minute
	cfg.SweepInterval = time.Hour
	cfg.ConnectTimeout = 2 * time.Second
	cfg.Now = clock.Now
	p := New(cfg)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	return p
}

func TestPoolReusesConnectionWithinIdleWindow(t *testing.T) {
	testlog.Start(t)
	peer := startTestPeer(t)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newTestPool(t, clock)

	p.SendBroadcast(peer.addr(), "help", "a")
	p.SendBroadcast(peer.addr(), "help", "b")
	require.NoError(t, p.Sync(context.Background()))

	require.Equal(t, "a", peer.next(t).Args[0])
	require.Equal(t, "b", peer.next(t).Args[0])
	require.EqualValues(t, 1, peer.accepted.Load())
	require.Equal(t, 1, p.Len())

	clock.Advance(3 * time.Minute)
	p.Sweep()
	require.NoError(t, p.Sync(context.Background()))
	require.Equal(t, 0, p.Len())

	p.SendBroadcast(peer.addr(), "help", "c")
	require.NoError(t, p.Sync(context.Background()))
	require.Equal(t, "c", peer.next(t).Args[0])
	require.EqualValues(t, 2, peer.accepted.Load())
}

func TestSweepKeepsIdleConnectionAlive(t *testing.T) {
	testlog.Start(t)
	peer := startTestPeer(t)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newTestPool(t, clock)

	p.SendAgent(peer.addr(), []byte("code"), map[string]any{"k": "v"})
	require.Equal(t, peerwire.HostAgent, peer.next(t).Kind)

	clock.Advance(90 * time.Second)
	p.Sweep()
	require.NoError(t, p.Sync(context.Background()))

	require.True(t, peer.next(t).IsKeepalive())
	require.Equal(t, 1, p.Len())
	require.EqualValues(t, 1, peer.accepted.Load())
}

func TestSendsToSameAddressKeepOrder(t *testing.T) {
	testlog.Start(t)
	peer := startTestPeer(t)
	p := newTestPool(t, &fakeClock{now: time.Unix(1000, 0)})

	for i := 0; i < 10; i++ {
		p.SendBroadcast(peer.addr(), "seq", i)
	}
	for i := 0; i < 10; i++ {
		m := peer.next(t)
		require.EqualValues(t, uint64(i), m.Args[0])
	}
}

func TestConnectFailurePublishesNotification(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := newTestPool(t, &fakeClock{now: time.Unix(1000, 0)})
	ch, _ := p.Notifications().Subscribe(context.Background())

	p.SendBroadcast(dead, "help")
	select {
	case n := <-ch:
		require.Equal(t, NotifyConnectFailed, n.Kind)
		require.Equal(t, dead, n.Addr)
		require.Error(t, n.Err)
	case <-time.After(5 * time.Second):
		t.Fatalf("no connect failure notification")
	}
	require.NoError(t, p.Sync(context.Background()))
	require.Equal(t, 0, p.Len())

	// the pool keeps serving other addresses
	peer := startTestPeer(t)
	p.SendBroadcast(peer.addr(), "help")
	require.Equal(t, "help", peer.next(t).Event)
}

func TestStopClosesLinksAndRejectsSends(t *testing.T) {
	testlog.Start(t)
	peer := startTestPeer(t)
	cfg := DefaultConfig()
	cfg.Link = linkConfig()
	p := New(cfg)
	require.NoError(t, p.Start(context.Background()))

	p.SendBroadcast(peer.addr(), "help")
	peer.next(t)
	p.Stop()
	require.Equal(t, 0, p.Len())
	require.ErrorIs(t, p.Sync(context.Background()), ErrStopped)
	p.SendBroadcast(peer.addr(), "dropped")
	p.Stop()
}

func TestSendFailureEvictsAndNextSendReconnects(t *testing.T) {
	testlog.Start(t)
	peer := startTestPeer(t)
	peer.drop.Store(1)
	p := newTestPool(t, &fakeClock{now: time.Unix(1000, 0)})
	ch, _ := p.Notifications().Subscribe(context.Background())

	// the first writes after the remote close can still be buffered
	var failed Notification
	require.Eventually(t, func() bool {
		p.SendBroadcast(peer.addr(), "lost")
		if err := p.Sync(context.Background()); err != nil {
			return false
		}
		select {
		case failed = <-ch:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, NotifySendFailed, failed.Kind)
	require.Equal(t, peer.addr(), failed.Addr)
	require.Error(t, failed.Err)
	require.Equal(t, 0, p.Len())
	require.EqualValues(t, 1, peer.accepted.Load())

	p.SendBroadcast(peer.addr(), "fresh")
	require.Equal(t, "fresh", peer.next(t).Event)
	require.EqualValues(t, 2, peer.accepted.Load())
	require.Equal(t, 1, p.Len())
}

func TestFailedKeepaliveEvictsEntry(t *testing.T) {
	testlog.Start(t)
	peer := startTestPeer(t)
	peer.drop.Store(1)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newTestPool(t, clock)
	ch, _ := p.Notifications().Subscribe(context.Background())

	p.SendBroadcast(peer.addr(), "lost")
	require.NoError(t, p.Sync(context.Background()))
	require.Equal(t, 1, p.Len())
	// let the reset for the unread payload come back
	time.Sleep(200 * time.Millisecond)

	clock.Advance(90 * time.Second)
	p.Sweep()
	require.NoError(t, p.Sync(context.Background()))

	select {
	case n := <-ch:
		require.Equal(t, NotifySendFailed, n.Kind)
		require.Equal(t, peer.addr(), n.Addr)
	case <-time.After(5 * time.Second):
		t.Fatalf("no send failure notification for the keepalive")
	}
	require.Equal(t, 0, p.Len())

	p.SendBroadcast(peer.addr(), "fresh")
	require.Equal(t, "fresh", peer.next(t).Event)
	require.EqualValues(t, 2, peer.accepted.Load())
}

func TestSyncBeforeStartIsNotRunning(t *testing.T) {
	testlog.Start(t)
	p := New(DefaultConfig())
	require.ErrorIs(t, p.Sync(context.Background()), ErrNotRunning)
	p.Stop()
	require.ErrorIs(t, p.Sync(context.Background()), ErrStopped)
}
