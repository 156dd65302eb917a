package capability

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/danmuck/agentctl/internal/protocol/codec"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Base is the default capability object. It serves log, localBroadcast,
// multicast, sendAgent and sendBroadcast; deployments add their own
// methods through Commands().Register before the controller starts.
type Base struct {
	policy Policy
	out    Outbound
	table  *Table

	mu    sync.RWMutex
	local LocalBroadcaster
}

func NewBase(policy Policy, out Outbound) *Base {
	b := &Base{policy: policy, out: out, table: NewTable()}
	b.table.MustRegister("log", b.log)
	b.table.MustRegister("localBroadcast", b.localBroadcast)
	b.table.MustRegister("multicast", b.multicast)
	b.table.MustRegister("sendAgent", b.sendAgent)
	b.table.MustRegister("sendBroadcast", b.sendBroadcast)
	return b
}

// BindLocal attaches the controller that local broadcasts go to.
func (b *Base) BindLocal(local LocalBroadcaster) {
	b.mu.Lock()
	b.local = local
	b.mu.Unlock()
}

func (b *Base) AddressIsAllowed(addr net.Addr) bool { return b.policy.AllowsAddr(addr) }

func (b *Base) CodeIsValid(code []byte) bool { return b.policy.AllowsCode(code) }

func (b *Base) Commands() *Table { return b.table }

func (b *Base) log(ctx context.Context, args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: log(severity, message)", ErrBadArgs)
	}
	severity, ok1 := codec.AsString(args[0])
	msg, ok2 := codec.AsString(args[1])
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: log(severity, message) takes strings", ErrBadArgs)
	}
	level, ok := severityLevel(severity)
	if !ok {
		log.Error().Str("agent_id", AgentFrom(ctx)).Msg("unknown severity: " + msg)
		return nil, nil
	}
	log.WithLevel(level).Str("agent_id", AgentFrom(ctx)).Msg(msg)
	return nil, nil
}

func severityLevel(s string) (zerolog.Level, bool) {
	switch s {
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error", "exception":
		return zerolog.ErrorLevel, true
	case "critical", "fatal":
		// never terminate the host on behalf of an agent
		return zerolog.ErrorLevel, true
	default:
		return zerolog.NoLevel, false
	}
}

func (b *Base) localBroadcast(_ context.Context, args []any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("%w: localBroadcast(event, *args)", ErrBadArgs)
	}
	event, ok := codec.AsString(args[0])
	if !ok {
		return nil, fmt.Errorf("%w: event name must be a string", ErrBadArgs)
	}
	b.broadcastLocal(event, args[1:])
	return nil, nil
}

func (b *Base) broadcastLocal(event string, args []any) {
	b.mu.RLock()
	local := b.local
	b.mu.RUnlock()
	if local == nil {
		log.Warn().Str("event", event).Msg("capability.Base.localBroadcast no local controller bound")
		return
	}
	local.Multicast(event, append([]any{}, args...))
}

func (b *Base) multicast(_ context.Context, args []any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: multicast(addresses, event, *args)", ErrBadArgs)
	}
	addrs, ok := codec.AsList(args[0])
	if !ok {
		return nil, fmt.Errorf("%w: addresses must be a list", ErrBadArgs)
	}
	event, ok := codec.AsString(args[1])
	if !ok {
		return nil, fmt.Errorf("%w: event name must be a string", ErrBadArgs)
	}
	targets := make([]string, 0, len(addrs))
	for _, a := range addrs {
		s, ok := codec.AsString(a)
		if !ok {
			return nil, fmt.Errorf("%w: address %v is not a string", ErrBadArgs, a)
		}
		targets = append(targets, s)
	}
	rest := args[2:]
	b.broadcastLocal(event, rest)
	if b.out != nil {
		for _, addr := range targets {
			b.out.SendBroadcast(addr, event, rest...)
		}
	}
	return nil, nil
}

func (b *Base) sendAgent(_ context.Context, args []any) (any, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("%w: sendAgent(address, code, briefcase)", ErrBadArgs)
	}
	addr, ok := codec.AsString(args[0])
	if !ok {
		return nil, fmt.Errorf("%w: address must be a string", ErrBadArgs)
	}
	code, ok := codec.AsBytes(args[1])
	if !ok {
		return nil, fmt.Errorf("%w: code must be bytes or string", ErrBadArgs)
	}
	briefcase, ok := codec.AsMap(args[2])
	if !ok {
		return nil, fmt.Errorf("%w: briefcase must be a map", ErrBadArgs)
	}
	if b.out == nil {
		return nil, fmt.Errorf("capability: no outbound pool configured")
	}
	b.out.SendAgent(addr, code, briefcase)
	return nil, nil
}

func (b *Base) sendBroadcast(_ context.Context, args []any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: sendBroadcast(address, event, *args)", ErrBadArgs)
	}
	addr, ok1 := codec.AsString(args[0])
	event, ok2 := codec.AsString(args[1])
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: address and event must be strings", ErrBadArgs)
	}
	if b.out == nil {
		return nil, fmt.Errorf("capability: no outbound pool configured")
	}
	b.out.SendBroadcast(addr, event, args[2:]...)
	return nil, nil
}
