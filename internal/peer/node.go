package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/danmuck/agentctl/internal/capability"
	"github.com/danmuck/agentctl/internal/controller"
	"github.com/danmuck/agentctl/internal/pool"
	"github.com/danmuck/agentctl/internal/sandbox"
	"github.com/rs/zerolog/log"
)

var ErrNodeStarted = errors.New("peer: node already started")

// Node owns the outbound pool, the agent controller and the inbound
// server of one host.
type Node struct {
	cfg    Config
	pool   *pool.Pool
	base   *capability.Base
	ctrl   *controller.Controller
	server *Server

	mu      sync.Mutex
	started bool
	ln      net.Listener
	cancel  context.CancelFunc
	served  chan error
}

// NewNode wires the default capability object to a fresh pool and
// controller. Deployments add commands through Commands before Start.
func NewNode(cfg Config, policy capability.Policy, spawner sandbox.Spawner) *Node {
	cfg = cfg.withDefaults()
	p := pool.New(cfg.Pool)
	base := capability.NewBase(policy, p)
	ctrl := controller.New(cfg.Controller, base, spawner)
	base.BindLocal(ctrl)
	return &Node{
		cfg:    cfg,
		pool:   p,
		base:   base,
		ctrl:   ctrl,
		server: NewServer(cfg, base, ctrl),
	}
}

func (n *Node) Commands() *capability.Table        { return n.base.Commands() }
func (n *Node) Pool() *pool.Pool                   { return n.pool }
func (n *Node) Controller() *controller.Controller { return n.ctrl }
func (n *Node) Capability() capability.Capability  { return n.base }

// Addr is the bound inbound address, nil before Start.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ln == nil {
		return nil
	}
	return n.ln.Addr()
}

// Start brings up the pool worker, the controller reactor and the
// inbound listener, in that order.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrNodeStarted
	}
	if err := n.pool.Start(ctx); err != nil {
		return err
	}
	if err := n.ctrl.Start(ctx); err != nil {
		n.pool.Stop()
		return err
	}
	ln, err := net.Listen("tcp", n.cfg.BindAddr)
	if err != nil {
		n.ctrl.Stop()
		n.pool.Stop()
		return fmt.Errorf("peer: listen %s: %w", n.cfg.BindAddr, err)
	}
	serveCtx, cancel := context.WithCancel(ctx)
	n.ln, n.cancel, n.served = ln, cancel, make(chan error, 1)
	n.started = true
	go func() { n.served <- n.server.Serve(serveCtx, ln) }()
	log.Info().Str("addr", ln.Addr().String()).Int("queue", n.cfg.RequestQueueSize).Msg("peer.Node.Start listening")
	return nil
}

// Stop closes the listener and live peer connections, then stops the
// controller and finally the pool. It returns the accept loop's error.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	cancel, served := n.cancel, n.served
	n.mu.Unlock()

	cancel()
	err := <-served
	n.ctrl.Stop()
	n.pool.Stop()
	log.Info().Msg("peer.Node.Stop stopped")
	return err
}
