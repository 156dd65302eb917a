package bus

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/agentctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	testlog.Start(t)
	b := New[int]("test", 4)
	a, _ := b.Subscribe(context.Background())
	c, _ := b.Subscribe(context.Background())
	b.Publish(7)
	require.Equal(t, 7, <-a)
	require.Equal(t, 7, <-c)
}

func TestPublishDropsForFullSubscriber(t *testing.T) {
	testlog.Start(t)
	b := New[int]("test", 1)
	ch, _ := b.Subscribe(context.Background())
	b.Publish(1)
	b.Publish(2)
	require.Equal(t, 1, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %d", v)
	default:
	}
}

func TestUnsubscribeOnContextCancel(t *testing.T) {
	testlog.Start(t)
	b := New[string]("test", 1)
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx)
	cancel()
	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not removed")
	}
	require.Equal(t, 0, b.Len())
}

func TestCloseClosesSubscribers(t *testing.T) {
	testlog.Start(t)
	b := New[int]("test", 1)
	ch, _ := b.Subscribe(context.Background())
	b.Close()
	_, ok := <-ch
	require.False(t, ok)
	late, _ := b.Subscribe(context.Background())
	_, ok = <-late
	require.False(t, ok)
	b.Publish(1)
}
