package sandbox

import (
	"errors"
	"testing"

	"github.com/danmuck/agentctl/internal/protocol/ipc"
	"github.com/danmuck/agentctl/internal/testutil/testlog"
)

func TestDispatchHigherPriorityFirst(t *testing.T) {
	testlog.Start(t)
	d := NewDispatcher()
	var order []string
	d.Register("help", "B", func([]any) error { order = append(order, "B"); return nil }, 1)
	d.Register("help", "A", func([]any) error { order = append(order, "A"); return nil }, 5)

	n, err := d.Dispatch(ipc.Event{Name: "help"})
	if err != nil || n != 2 {
		t.Fatalf("dispatch: n=%d err=%v", n, err)
	}
	if len(order) != 2 || order[0] != "A" || order[1] != "B" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestDispatchEqualPriorityKeepsRegistrationOrder(t *testing.T) {
	testlog.Start(t)
	d := NewDispatcher()
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		d.Register("tick", name, func([]any) error { order = append(order, name); return nil }, 0)
	}
	d.Register("tick", "urgent", func([]any) error { order = append(order, "urgent"); return nil }, 9)
	d.Unregister("tick", "second")
	d.Register("tick", "second", func([]any) error { order = append(order, "second"); return nil }, 0)

	if _, err := d.Dispatch(ipc.Event{Name: "tick"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	want := []string{"urgent", "first", "third", "second"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected order: %v want %v", order, want)
		}
	}
}

func TestDispatchPassesArgsAndStopsOnError(t *testing.T) {
	testlog.Start(t)
	d := NewDispatcher()
	boom := errors.New("boom")
	var got []any
	d.Register("ev", 1, func(args []any) error { got = args; return boom }, 2)
	d.Register("ev", 2, func([]any) error { t.Fatalf("must not run after error"); return nil }, 1)

	n, err := d.Dispatch(ipc.Event{Name: "ev", Args: []any{"x", uint64(3)}})
	if !errors.Is(err, boom) || n != 0 {
		t.Fatalf("expected boom at 0, got n=%d err=%v", n, err)
	}
	if len(got) != 2 || got[0] != "x" {
		t.Fatalf("unexpected args: %v", got)
	}
}

func TestUnregisterUnknownAndUncomparable(t *testing.T) {
	testlog.Start(t)
	d := NewDispatcher()
	if d.Unregister("none", "x") != 0 {
		t.Fatalf("expected nothing removed")
	}
	d.Register("ev", []int{1}, func([]any) error { return nil }, 0)
	if d.Unregister("ev", []int{1}) != 0 {
		t.Fatalf("uncomparable keys never match")
	}
	if d.Listeners("ev") != 1 {
		t.Fatalf("expected listener kept")
	}
	if n, _ := d.Dispatch(ipc.Event{Name: "unregistered"}); n != 0 {
		t.Fatalf("expected no listeners")
	}
}
