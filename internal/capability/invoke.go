package capability

import (
	"context"
	"fmt"

	"github.com/danmuck/agentctl/internal/protocol/ipc"
	"github.com/rs/zerolog/log"
)

// Invoke serves one agent request from t. Unknown methods, handler
// errors and handler panics all come back as error envelopes.
func Invoke(ctx context.Context, t *Table, req ipc.Request) (resp ipc.Response) {
	h, ok := t.Lookup(req.Method)
	if !ok {
		return ipc.Response{Err: ipc.UnknownMethod(req.Method)}
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("agent_id", AgentFrom(ctx)).Str("method", req.Method).Interface("panic", p).
				Msg("capability.Invoke handler panicked")
			resp = ipc.Response{Err: &ipc.ErrorEnvelope{Kind: ipc.KindPanic, Message: fmt.Sprint(p)}}
		}
	}()
	v, err := h(ctx, req.Args)
	if err != nil {
		return ipc.Response{Err: &ipc.ErrorEnvelope{Kind: ipc.KindInvocation, Message: err.Error()}}
	}
	return ipc.Response{Value: v}
}
