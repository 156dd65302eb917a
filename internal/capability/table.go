package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrCommandExists  = errors.New("capability: command already exists")
	ErrCommandNil     = errors.New("capability: command handler is nil")
	ErrInvalidCommand = errors.New("capability: invalid command name")
	ErrTableSealed    = errors.New("capability: command table is sealed")
	ErrUnknownMethod  = errors.New("capability: unknown method")
	ErrBadArgs        = errors.New("capability: bad arguments")
)

// Handler serves one named agent call. args are decoded codec values.
type Handler func(ctx context.Context, args []any) (any, error)

// Table maps method names to handlers. It is built during setup and
// sealed before the controller serves calls.
type Table struct {
	mu       sync.Mutex
	handlers map[string]Handler
	sealed   bool
}

func NewTable() *Table {
	return &Table{handlers: make(map[string]Handler)}
}

// Register adds a handler. Names must be identifiers so guest code can
// reach them as stub attributes.
func (t *Table) Register(name string, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: %q", ErrCommandNil, name)
	}
	if !isValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCommand, name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return ErrTableSealed
	}
	if _, ok := t.handlers[name]; ok {
		return fmt.Errorf("%w: %q", ErrCommandExists, name)
	}
	t.handlers[name] = h
	return nil
}

func (t *Table) MustRegister(name string, h Handler) {
	if err := t.Register(name, h); err != nil {
		panic(err)
	}
}

func (t *Table) Seal() {
	t.mu.Lock()
	t.sealed = true
	t.mu.Unlock()
}

func (t *Table) Lookup(name string) (Handler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handlers[name]
	return h, ok
}

// Names returns the registered method names in sorted order.
func (t *Table) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func isValidName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

type agentKey struct{}

// WithAgent tags ctx with the id of the calling agent.
func WithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentKey{}, agentID)
}

func AgentFrom(ctx context.Context) string {
	id, _ := ctx.Value(agentKey{}).(string)
	return id
}
