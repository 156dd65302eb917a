package controller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/agentctl/internal/capability"
	"github.com/danmuck/agentctl/internal/observability"
	"github.com/danmuck/agentctl/internal/protocol/ipc"
	"github.com/danmuck/agentctl/internal/sandbox"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotRunning     = errors.New("controller: not running")
	ErrAlreadyStarted = errors.New("controller: already started")
	ErrSpawnTimeout   = errors.New("controller: sandbox did not connect in time")
	ErrSandboxExited  = errors.New("controller: sandbox exited before connecting")
)

type commandKind int

const (
	cmdHostAgent commandKind = iota
	cmdMulticast
	cmdAgentExited
	cmdSnapshot
	cmdShutdown
)

type command struct {
	kind commandKind

	code      []byte
	briefcase map[string]any

	event ipc.Event

	agentID string
	exitErr error

	reply chan []AgentInfo
}

type Controller struct {
	cfg     Config
	capab   capability.Capability
	spawner sandbox.Spawner

	mu       sync.Mutex
	queue    []command
	doorbell chan struct{}
	started  bool
	stopped  bool

	rpcLn   *net.TCPListener
	eventLn *net.TCPListener

	ready chan readiness
	halt  chan struct{}
	done  chan struct{}

	// reactor-owned
	running  bool
	agents   map[string]*agentRecord
	rpcConns map[*watcher]struct{}
	evtConns map[*watcher]struct{}
	ctx      context.Context
}

func New(cfg Config, capab capability.Capability, spawner sandbox.Spawner) *Controller {
	return &Controller{
		cfg:      cfg.withDefaults(),
		capab:    capab,
		spawner:  spawner,
		doorbell: make(chan struct{}, 1),
		ready:    make(chan readiness),
		halt:     make(chan struct{}),
		done:     make(chan struct{}),
		agents:   make(map[string]*agentRecord),
		rpcConns: make(map[*watcher]struct{}),
		evtConns: make(map[*watcher]struct{}),
	}
}

// Start binds the loopback listeners, seals the capability command table
// and starts the reactor.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	rpcLn, err := listenLoopback(c.cfg.ListenHost)
	if err != nil {
		return fmt.Errorf("controller: bind rpc listener: %w", err)
	}
	eventLn, err := listenLoopback(c.cfg.ListenHost)
	if err != nil {
		_ = rpcLn.Close()
		return fmt.Errorf("controller: bind event listener: %w", err)
	}
	c.rpcLn, c.eventLn = rpcLn, eventLn
	c.capab.Commands().Seal()
	c.started = true
	c.running = true
	c.ctx = ctx
	go c.run()
	log.Info().Str("rpc", rpcLn.Addr().String()).Str("event", eventLn.Addr().String()).
		Strs("methods", c.capab.Commands().Names()).Msg("controller.Controller.Start reactor started")
	return nil
}

func listenLoopback(host string) (*net.TCPListener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, err
	}
	return ln.(*net.TCPListener), nil
}

// Stop enqueues shutdown behind pending commands and waits for the
// reactor to close every connection and kill every sandbox.
func (c *Controller) Stop() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		return
	}
	c.enqueue(command{kind: cmdShutdown})
	<-c.done
}

// HostAgent enqueues hosting of code with its briefcase.
func (c *Controller) HostAgent(code []byte, briefcase map[string]any) {
	if briefcase == nil {
		briefcase = map[string]any{}
	}
	if !c.enqueue(command{kind: cmdHostAgent, code: code, briefcase: briefcase}) {
		log.Warn().Msg("controller.Controller.HostAgent dropped: controller stopped")
	}
}

// Multicast enqueues an event push to every hosted agent.
func (c *Controller) Multicast(event string, args []any) {
	if args == nil {
		args = []any{}
	}
	if !c.enqueue(command{kind: cmdMulticast, event: ipc.Event{Name: event, Args: args}}) {
		log.Warn().Str("event", event).Msg("controller.Controller.Multicast dropped: controller stopped")
	}
}

// Agents returns a snapshot of hosted agents taken on the reactor.
func (c *Controller) Agents(ctx context.Context) ([]AgentInfo, error) {
	reply := make(chan []AgentInfo, 1)
	if !c.enqueue(command{kind: cmdSnapshot, reply: reply}) {
		return nil, ErrNotRunning
	}
	select {
	case out := <-reply:
		return out, nil
	case <-c.done:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) RPCAddr() net.Addr   { return c.rpcLn.Addr() }
func (c *Controller) EventAddr() net.Addr { return c.eventLn.Addr() }

func (c *Controller) enqueue(cmd command) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	if cmd.kind == cmdShutdown {
		c.stopped = true
	}
	c.queue = append(c.queue, cmd)
	c.mu.Unlock()
	c.ring()
	return true
}

func (c *Controller) ring() {
	select {
	case c.doorbell <- struct{}{}:
	default:
	}
}

func (c *Controller) dequeue() (command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return command{}, false
	}
	cmd := c.queue[0]
	c.queue[0] = command{}
	c.queue = c.queue[1:]
	return cmd, true
}

func (c *Controller) run() {
	defer close(c.done)
	defer c.teardown()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for c.running {
		select {
		case <-c.doorbell:
			// one command per ring, re-ring while more are queued
			if cmd, ok := c.dequeue(); ok {
				c.execute(cmd)
				c.mu.Lock()
				more := len(c.queue) > 0
				c.mu.Unlock()
				if more {
					c.ring()
				}
			}
		case r := <-c.ready:
			c.onReady(r)
		case <-ticker.C:
		case <-c.ctx.Done():
			log.Info().Err(c.ctx.Err()).Msg("controller.Controller.run context done")
			c.running = false
		}
	}
}

func (c *Controller) execute(cmd command) {
	switch cmd.kind {
	case cmdHostAgent:
		c.hostAgent(cmd.code, cmd.briefcase)
	case cmdMulticast:
		c.multicast(cmd.event)
	case cmdAgentExited:
		c.agentExited(cmd.agentID, cmd.exitErr)
	case cmdSnapshot:
		out := make([]AgentInfo, 0, len(c.agents))
		for _, a := range c.agents {
			out = append(out, a.info())
		}
		cmd.reply <- out
	case cmdShutdown:
		log.Info().Msg("controller.Controller.run shutdown requested")
		c.running = false
	}
}

func (c *Controller) hostAgent(code []byte, briefcase map[string]any) {
	id := uuid.NewString()
	req := sandbox.SpawnRequest{
		AgentID:   id,
		RPCPort:   c.rpcLn.Addr().(*net.TCPAddr).Port,
		EventPort: c.eventLn.Addr().(*net.TCPAddr).Port,
		Resources: c.cfg.Resources,
	}
	log.Info().Str("agent_id", id).Int("code_bytes", len(code)).Msg("controller.Controller.hostAgent host incoming agent")
	proc, err := c.spawner.Spawn(c.ctx, req)
	if err != nil {
		log.Error().Err(err).Str("agent_id", id).Msg("controller.Controller.hostAgent spawn failed")
		return
	}
	agent := &agentRecord{
		id:        id,
		code:      code,
		briefcase: briefcase,
		proc:      proc,
		started:   time.Now(),
	}
	exited := make(chan struct{})
	go func() {
		err := proc.Wait()
		close(exited)
		c.enqueue(command{kind: cmdAgentExited, agentID: id, exitErr: err})
	}()

	deadline := time.Now().Add(c.cfg.SpawnTimeout)
	rpcConn, err := acceptBy(c.rpcLn, deadline, exited)
	if err != nil {
		c.abortSpawn(agent, "rpc", err)
		return
	}
	eventConn, err := acceptBy(c.eventLn, deadline, exited)
	if err != nil {
		_ = rpcConn.Close()
		c.abortSpawn(agent, "event", err)
		return
	}

	agent.rpc = c.newWatcher(connRPC, agent, rpcConn)
	agent.event = c.newWatcher(connEvent, agent, eventConn)

	init := ipc.Event{Name: ipc.InitEvent, Args: []any{code, briefcase}}
	if err := c.writeEvent(agent.event, init); err != nil {
		log.Error().Err(err).Str("agent_id", id).Msg("controller.Controller.hostAgent init push failed")
		agent.rpc.close()
		agent.event.close()
		_ = proc.Kill()
		return
	}
	log.Debug().Str("agent_id", id).Msg("controller.Controller.hostAgent sent init")

	c.agents[id] = agent
	c.rpcConns[agent.rpc] = struct{}{}
	c.evtConns[agent.event] = struct{}{}
	go agent.rpc.run(c.ready, c.halt)
	go agent.event.run(c.ready, c.halt)
	observability.SetHostedAgents(len(c.agents))
}

func (c *Controller) abortSpawn(agent *agentRecord, which string, err error) {
	if errors.Is(err, errAcceptTimeout) {
		err = ErrSpawnTimeout
	}
	log.Error().Err(err).Str("agent_id", agent.id).Str("socket", which).
		Msg("controller.Controller.hostAgent sandbox failed to connect, killing")
	_ = agent.proc.Kill()
}

var errAcceptTimeout = errors.New("accept timeout")

// acceptBy accepts one connection before deadline, giving up early once
// exited is closed.
func acceptBy(ln *net.TCPListener, deadline time.Time, exited <-chan struct{}) (net.Conn, error) {
	if err := ln.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-exited:
			_ = ln.SetDeadline(time.Now())
		case <-stop:
		}
	}()
	conn, err := ln.AcceptTCP()
	close(stop)
	wg.Wait()
	_ = ln.SetDeadline(time.Time{})
	if err != nil {
		select {
		case <-exited:
			return nil, ErrSandboxExited
		default:
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, errAcceptTimeout
		}
		return nil, err
	}
	return conn, nil
}

func (c *Controller) newWatcher(kind connKind, agent *agentRecord, conn net.Conn) *watcher {
	br := bufio.NewReader(conn)
	return &watcher{
		kind:   kind,
		agent:  agent,
		conn:   conn,
		br:     br,
		ipc:    ipc.NewSplitConn(br, conn, c.cfg.Limits),
		resume: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// multicast pushes ev to every registered event connection. A failed
// push removes only that connection.
func (c *Controller) multicast(ev ipc.Event) {
	delivered := 0
	for w := range c.evtConns {
		if err := c.writeEvent(w, ev); err != nil {
			log.Warn().Err(err).Str("agent_id", w.agent.id).Str("event", ev.Name).
				Msg("controller.Controller.multicast push failed, dropping event connection")
			c.removeConn(w)
			continue
		}
		delivered++
	}
	log.Debug().Str("event", ev.Name).Int("delivered", delivered).Msg("controller.Controller.multicast")
}

func (c *Controller) writeEvent(w *watcher, ev ipc.Event) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(c.cfg.IOTimeout))
	return w.ipc.WriteEvent(ev)
}

func (c *Controller) onReady(r readiness) {
	w := r.w
	if !c.registered(w) {
		return
	}
	if r.err != nil {
		log.Info().Err(r.err).Str("agent_id", w.agent.id).Str("conn", w.kind.String()).
			Msg("controller.Controller.onReady connection closed")
		c.removeConn(w)
		return
	}
	if w.kind == connEvent {
		log.Warn().Str("agent_id", w.agent.id).Msg("controller.Controller.onReady unexpected data on event connection")
		c.removeConn(w)
		return
	}
	if !c.serveRPC(w) {
		c.removeConn(w)
		return
	}
	w.resume <- struct{}{}
}

func (c *Controller) registered(w *watcher) bool {
	if w.kind == connRPC {
		_, ok := c.rpcConns[w]
		return ok
	}
	_, ok := c.evtConns[w]
	return ok
}

// serveRPC decodes one request and writes one response. It reports false
// when the connection is broken.
func (c *Controller) serveRPC(w *watcher) bool {
	_ = w.conn.SetReadDeadline(time.Now().Add(c.cfg.IOTimeout))
	payload, err := w.ipc.ReadPayload()
	_ = w.conn.SetReadDeadline(time.Time{})
	if err != nil {
		log.Info().Err(err).Str("agent_id", w.agent.id).Msg("controller.Controller.serveRPC read failed")
		return false
	}

	var resp ipc.Response
	req, err := ipc.DecodeRequest(payload)
	if err != nil {
		w.agent.badCalls++
		w.agent.lastBadCall = "<malformed>"
		resp = ipc.Response{Err: &ipc.ErrorEnvelope{Kind: ipc.KindBadRequest, Message: err.Error()}}
	} else {
		resp = c.invoke(w.agent, req)
	}

	body, err := ipc.EncodeResponse(resp)
	if err != nil {
		body, _ = ipc.EncodeResponse(ipc.Response{Err: &ipc.ErrorEnvelope{
			Kind:    ipc.KindInvocation,
			Message: "result cannot be encoded: " + err.Error(),
		}})
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(c.cfg.IOTimeout))
	if err := w.ipc.WritePayload(body); err != nil {
		log.Info().Err(err).Str("agent_id", w.agent.id).Msg("controller.Controller.serveRPC write failed")
		return false
	}
	return true
}

// invoke runs one capability call and counts failed calls against the
// agent.
func (c *Controller) invoke(agent *agentRecord, req ipc.Request) ipc.Response {
	start := time.Now()
	resp := capability.Invoke(capability.WithAgent(c.ctx, agent.id), c.capab.Commands(), req)
	if resp.Err == nil {
		observability.RecordRPCCall(req.Method, "ok", time.Since(start))
		return resp
	}
	agent.badCalls++
	agent.lastBadCall = req.Method
	observability.RecordRPCCall(req.Method, resp.Err.Kind, time.Since(start))
	log.Warn().Str("agent_id", agent.id).Str("method", req.Method).Str("kind", resp.Err.Kind).
		Str("message", resp.Err.Message).Msg("controller.Controller.invoke bad call")
	return resp
}

func (c *Controller) removeConn(w *watcher) {
	w.close()
	if w.kind == connRPC {
		delete(c.rpcConns, w)
		if w.agent.rpc == w {
			w.agent.rpc = nil
		}
	} else {
		delete(c.evtConns, w)
		if w.agent.event == w {
			w.agent.event = nil
		}
	}
}

func (c *Controller) agentExited(id string, exitErr error) {
	agent, ok := c.agents[id]
	if !ok {
		return
	}
	if agent.rpc != nil {
		c.removeConn(agent.rpc)
	}
	if agent.event != nil {
		c.removeConn(agent.event)
	}
	delete(c.agents, id)
	observability.SetHostedAgents(len(c.agents))
	log.Info().Str("agent_id", id).Str("exit", exitString(exitErr)).Int("bad_calls", agent.badCalls).
		Msg("controller.Controller.agentExited")
}

func exitString(err error) string {
	if err == nil {
		return "0"
	}
	return err.Error()
}

func (c *Controller) teardown() {
	close(c.halt)
	_ = c.rpcLn.Close()
	_ = c.eventLn.Close()
	for w := range c.rpcConns {
		c.removeConn(w)
	}
	for w := range c.evtConns {
		c.removeConn(w)
	}
	for id, a := range c.agents {
		if err := a.proc.Kill(); err != nil {
			log.Warn().Err(err).Str("agent_id", id).Msg("controller.Controller.teardown kill failed")
		}
	}
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	log.Info().Int("agents", len(c.agents)).Msg("controller.Controller.teardown exiting")
	c.agents = map[string]*agentRecord{}
	observability.SetHostedAgents(0)
}
