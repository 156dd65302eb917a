package controller

import (
	"bufio"
	"net"
	"time"

	"github.com/danmuck/agentctl/internal/capability"
	"github.com/danmuck/agentctl/internal/protocol/ipc"
	"github.com/danmuck/agentctl/internal/sandbox"
)

type connKind int

const (
	connRPC connKind = iota
	connEvent
)

func (k connKind) String() string {
	if k == connRPC {
		return "rpc"
	}
	return "event"
}

// agentRecord is reactor-owned.
type agentRecord struct {
	id        string
	code      []byte
	briefcase map[string]any
	proc      sandbox.Process
	started   time.Time

	rpc   *watcher
	event *watcher

	badCalls    int
	lastBadCall string
}

// AgentInfo is a point-in-time view of a hosted agent.
type AgentInfo struct {
	ID             string    `json:"id"`
	PID            int       `json:"pid"`
	CodeBytes      int       `json:"code_bytes"`
	CodeDigest     string    `json:"code_digest"`
	Started        time.Time `json:"started"`
	RPCConnected   bool      `json:"rpc_connected"`
	EventConnected bool      `json:"event_connected"`
	BadCalls       int       `json:"bad_calls"`
	LastBadCall    string    `json:"last_bad_call,omitempty"`
}

func (a *agentRecord) info() AgentInfo {
	pid := 0
	if a.proc != nil {
		pid = a.proc.Pid()
	}
	return AgentInfo{
		ID:             a.id,
		PID:            pid,
		CodeBytes:      len(a.code),
		CodeDigest:     capability.CodeDigest(a.code),
		Started:        a.started,
		RPCConnected:   a.rpc != nil,
		EventConnected: a.event != nil,
		BadCalls:       a.badCalls,
		LastBadCall:    a.lastBadCall,
	}
}

// watcher reports readiness of one agent connection to the reactor.
type watcher struct {
	kind   connKind
	agent  *agentRecord
	conn   net.Conn
	br     *bufio.Reader
	ipc    *ipc.Conn
	resume chan struct{}
	done   chan struct{}
}

type readiness struct {
	w   *watcher
	err error
}

func (w *watcher) run(ready chan<- readiness, halt <-chan struct{}) {
	for {
		_, err := w.br.Peek(1)
		select {
		case ready <- readiness{w: w, err: err}:
		case <-halt:
			return
		case <-w.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-w.resume:
		case <-halt:
			return
		case <-w.done:
			return
		}
	}
}

func (w *watcher) close() {
	select {
	case <-w.done:
		return
	default:
		close(w.done)
	}
	_ = w.conn.Close()
}
