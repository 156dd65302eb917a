// Package pool owns outbound secure links keyed by peer address. A single
// worker performs every dial, handshake and send so a link's chained
// cipher state never sees concurrent writers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/agentctl/internal/bus"
	"github.com/danmuck/agentctl/internal/observability"
	"github.com/danmuck/agentctl/internal/protocol/peerwire"
	"github.com/danmuck/agentctl/internal/securelink"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotRunning = errors.New("pool: not running")
	ErrStopped    = errors.New("pool: stopped")
)

type NotificationKind string

const (
	NotifyConnectFailed NotificationKind = "peer-connect-failed"
	NotifySendFailed    NotificationKind = "peer-send-failed"
	NotifyEvicted       NotificationKind = "peer-evicted"
)

// Notification reports the outcome of a fire-and-forget send.
type Notification struct {
	Kind NotificationKind
	Addr string
	Err  error
	At   time.Time
}

type commandKind int

const (
	cmdSend commandKind = iota
	cmdSweep
	cmdSync
	cmdStop
)

type command struct {
	kind commandKind
	addr string
	msg  peerwire.Message
	done chan struct{}
}

type entry struct {
	link     *securelink.Session
	lastUsed time.Time
}

type Pool struct {
	cfg    Config
	notify *bus.Bus[Notification]

	mu      sync.Mutex
	queue   []command
	signal  chan struct{}
	running bool
	stopped bool

	// worker-owned
	entries map[string]*entry

	size atomic.Int64
	done chan struct{}
}

func New(cfg Config) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		notify:  bus.New[Notification]("pool", 0),
		signal:  make(chan struct{}, 1),
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
}

// Notifications returns the bus failure notifications are published on.
func (p *Pool) Notifications() *bus.Bus[Notification] { return p.notify }

// Len reports the number of cached links.
func (p *Pool) Len() int { return int(p.size.Load()) }

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.stopped {
		return fmt.Errorf("pool: start: already started")
	}
	p.running = true
	go p.run(ctx)
	log.Info().Msg("pool.Pool.Start worker started")
	return nil
}

// Stop enqueues the stop sentinel behind every pending send, then waits
// for the worker to close all links.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.enqueue(command{kind: cmdStop})
	<-p.done
}

// Send enqueues msg for addr. It never blocks on the network.
func (p *Pool) Send(addr string, msg peerwire.Message) {
	if !p.enqueue(command{kind: cmdSend, addr: addr, msg: msg}) {
		log.Warn().Str("addr", addr).Str("type", msg.Kind.String()).Msg("pool.Pool.Send dropped: pool stopped")
	}
}

func (p *Pool) SendAgent(addr string, code []byte, briefcase map[string]any) {
	p.Send(addr, peerwire.NewHostAgent(code, briefcase))
}

func (p *Pool) SendBroadcast(addr, event string, args ...any) {
	p.Send(addr, peerwire.NewBroadcastEvent(event, args...))
}

// Sweep enqueues an idle sweep ahead of the next timer tick.
func (p *Pool) Sweep() {
	p.enqueue(command{kind: cmdSweep})
}

// Sync waits until every command enqueued before it has been processed.
func (p *Pool) Sync(ctx context.Context) error {
	p.mu.Lock()
	idle := !p.running && !p.stopped
	p.mu.Unlock()
	if idle {
		return ErrNotRunning
	}
	done := make(chan struct{})
	if !p.enqueue(command{kind: cmdSync, done: done}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) enqueue(c command) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	if c.kind == cmdStop {
		p.stopped = true
	}
	p.queue = append(p.queue, c)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
	return true
}

func (p *Pool) dequeue() (command, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return command{}, false
	}
	c := p.queue[0]
	p.queue[0] = command{}
	p.queue = p.queue[1:]
	return c, true
}

func (p *Pool) run(ctx context.Context) {
	defer close(p.done)
	defer p.closeAll()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		for {
			c, ok := p.dequeue()
			if !ok {
				break
			}
			switch c.kind {
			case cmdSend:
				p.send(ctx, c.addr, c.msg)
			case cmdSweep:
				p.sweep(p.cfg.Now())
			case cmdSync:
				close(c.done)
			case cmdStop:
				log.Info().Msg("pool.Pool.run stop sentinel received")
				return
			}
		}
		select {
		case <-p.signal:
		case <-ticker.C:
			p.sweep(p.cfg.Now())
		case <-ctx.Done():
			p.mu.Lock()
			p.stopped = true
			p.mu.Unlock()
			log.Info().Err(ctx.Err()).Msg("pool.Pool.run context done")
			return
		}
	}
}

func (p *Pool) send(ctx context.Context, addr string, msg peerwire.Message) {
	payload, err := peerwire.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("pool.Pool.send encode failed")
		return
	}

	e, ok := p.entries[addr]
	if !ok {
		link, err := p.connect(ctx, addr)
		if err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("pool.Pool.send connect failed")
			observability.RecordPoolEvent("connect_failed")
			p.publish(NotifyConnectFailed, addr, err)
			return
		}
		e = &entry{link: link}
		p.entries[addr] = e
		p.updateSize()
		observability.RecordPoolEvent("connect")
	}

	if err := e.link.Send(payload); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("pool.Pool.send send failed")
		observability.RecordPoolEvent("send_failed")
		p.evict(addr, e)
		p.publish(NotifySendFailed, addr, err)
		return
	}
	e.lastUsed = p.cfg.Now()
	observability.RecordPoolEvent("send")
	log.Debug().Str("addr", addr).Str("type", msg.Kind.String()).Msg("pool.Pool.send ok")
}

func (p *Pool) connect(ctx context.Context, addr string) (*securelink.Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	conn, err := p.cfg.Dial(dialCtx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", securelink.ErrHandshake, addr, err)
	}
	link, err := securelink.Handshake(dialCtx, conn, p.cfg.Link)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return link, nil
}

// sweep evicts entries idle past MaxIdle and sends a keepalive to the
// rest that are idle past IdleTimeout. Keepalives do not refresh lastUsed.
func (p *Pool) sweep(now time.Time) {
	log.Debug().Int("entries", len(p.entries)).Msg("pool.Pool.sweep checking open connections")
	keepalive, err := peerwire.Encode(peerwire.Keepalive())
	if err != nil {
		log.Error().Err(err).Msg("pool.Pool.sweep encode keepalive failed")
		return
	}
	for addr, e := range p.entries {
		idle := now.Sub(e.lastUsed)
		if p.cfg.MaxIdle > 0 && idle > p.cfg.MaxIdle {
			log.Info().Str("addr", addr).Dur("idle", idle).Msg("pool.Pool.sweep evicting idle link")
			p.evict(addr, e)
			observability.RecordPoolEvent("evict")
			p.publish(NotifyEvicted, addr, nil)
			continue
		}
		if idle <= p.cfg.IdleTimeout {
			continue
		}
		if err := e.link.Send(keepalive); err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("pool.Pool.sweep keepalive failed")
			p.evict(addr, e)
			observability.RecordPoolEvent("send_failed")
			p.publish(NotifySendFailed, addr, err)
		}
	}
}

func (p *Pool) evict(addr string, e *entry) {
	_ = e.link.Close()
	delete(p.entries, addr)
	p.updateSize()
}

func (p *Pool) closeAll() {
	for addr, e := range p.entries {
		p.evict(addr, e)
	}
	p.notify.Close()
	log.Info().Msg("pool.Pool.run closed")
}

func (p *Pool) updateSize() {
	p.size.Store(int64(len(p.entries)))
	observability.SetPoolConnections(len(p.entries))
}

func (p *Pool) publish(kind NotificationKind, addr string, err error) {
	p.notify.Publish(Notification{Kind: kind, Addr: addr, Err: err, At: p.cfg.Now()})
}
