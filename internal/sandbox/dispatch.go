package sandbox

import (
	"sort"
	"sync"

	"github.com/danmuck/agentctl/internal/protocol/ipc"
)

// Listener handles one delivered event.
type Listener func(args []any) error

type registration struct {
	key      any
	fn       Listener
	priority int
}

// Dispatcher routes events to registered listeners. Listeners run on the
// goroutine that calls Dispatch.
type Dispatcher struct {
	mu      sync.Mutex
	byEvent map[string][]registration
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{byEvent: make(map[string][]registration)}
}

// Register adds fn under key for event. Higher priorities run first;
// equal priorities keep registration order.
func (d *Dispatcher) Register(event string, key any, fn Listener, priority int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := append(d.byEvent[event], registration{key: key, fn: fn, priority: priority})
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].priority > list[j].priority
	})
	d.byEvent[event] = list
}

// Unregister removes every registration of key for event and reports how
// many were removed.
func (d *Dispatcher) Unregister(event string, key any) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	list, ok := d.byEvent[event]
	if !ok {
		return 0
	}
	kept := list[:0]
	removed := 0
	for _, r := range list {
		if sameKey(r.key, key) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		delete(d.byEvent, event)
	} else {
		d.byEvent[event] = kept
	}
	return removed
}

func (d *Dispatcher) Listeners(event string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byEvent[event])
}

// Dispatch invokes the listeners of ev in order. The list is fixed before
// the first call, so listeners may register or unregister freely. The
// first listener error stops delivery.
func (d *Dispatcher) Dispatch(ev ipc.Event) (int, error) {
	d.mu.Lock()
	list := append([]registration(nil), d.byEvent[ev.Name]...)
	d.mu.Unlock()
	for i, r := range list {
		if err := r.fn(ev.Args); err != nil {
			return i, err
		}
	}
	return len(list), nil
}

func sameKey(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}
