// Package peer terminates inbound SecureLink connections and routes the
// messages they carry to the local agent controller.
package peer

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/danmuck/agentctl/internal/capability"
	"github.com/danmuck/agentctl/internal/observability"
	"github.com/danmuck/agentctl/internal/protocol/codec"
	"github.com/danmuck/agentctl/internal/protocol/peerwire"
	"github.com/danmuck/agentctl/internal/securelink"
	"github.com/rs/zerolog/log"
)

// Host receives the messages accepted from peers.
type Host interface {
	HostAgent(code []byte, briefcase map[string]any)
	Multicast(event string, args []any)
}

// Server runs one handler per accepted connection. Each connection's
// link state belongs to its handler alone.
type Server struct {
	cfg   Config
	capab capability.Capability
	host  Host

	slots  chan struct{}
	active atomic.Int64

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
}

func NewServer(cfg Config, capab capability.Capability, host Host) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:   cfg,
		capab: capab,
		host:  host,
		slots: make(chan struct{}, cfg.RequestQueueSize),
		conns: make(map[net.Conn]struct{}),
	}
}

// Serve accepts on ln until ctx is done. On return the listener and every
// live connection are closed and all handlers have exited.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.wg.Wait()
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.closeAllConns()
	})
	defer stop()

	for {
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			<-s.slots
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.capab.AddressIsAllowed(conn.RemoteAddr()) {
			<-s.slots
			observability.RecordPeerConnection("rejected")
			log.Warn().Str("addr", conn.RemoteAddr().String()).Msg("peer.Server.Serve address not allowed")
			_ = conn.Close()
			continue
		}
		s.trackConn(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.handleConn(ctx, conn)
		}()
	}
}

// Active reports the number of connections being served.
func (s *Server) Active() int { return int(s.active.Load()) }

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.active.Add(1)
	defer s.active.Add(-1)

	sess, err := securelink.Handshake(ctx, conn, s.cfg.Link)
	if err != nil {
		observability.RecordPeerConnection("handshake_failed")
		log.Warn().Err(err).Str("addr", remote).Msg("peer.Server.handleConn handshake failed")
		return
	}
	observability.RecordPeerConnection("accepted")
	log.Debug().Str("addr", remote).Int64("active", active).Msg("peer.Server.handleConn link established")

	for {
		payload, err := sess.Recv()
		if err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Str("addr", remote).Msg("peer.Server.handleConn link closed")
			}
			return
		}
		msg, err := peerwire.Decode(payload)
		if err != nil {
			observability.RecordPeerMessage("unknown", "malformed")
			log.Warn().Err(err).Str("addr", remote).Msg("peer.Server.handleConn malformed message")
			log.Debug().Str("addr", remote).Str("payload", codec.Diagnose(payload)).
				Msg("peer.Server.handleConn malformed payload")
			return
		}
		s.route(remote, msg)
	}
}

func (s *Server) route(remote string, msg peerwire.Message) {
	kind := msg.Kind.String()
	switch msg.Kind {
	case peerwire.HostAgent:
		if !s.capab.CodeIsValid(msg.Code) {
			observability.RecordPeerMessage(kind, "rejected")
			log.Warn().Str("addr", remote).Str("digest", capability.CodeDigest(msg.Code)).
				Msg("peer.Server.route agent code rejected")
			return
		}
		observability.RecordPeerMessage(kind, "forwarded")
		s.host.HostAgent(msg.Code, msg.Briefcase)
	case peerwire.BroadcastEvent:
		if msg.IsKeepalive() {
			observability.RecordPeerMessage(kind, "keepalive")
			return
		}
		observability.RecordPeerMessage(kind, "forwarded")
		s.host.Multicast(msg.Event, msg.Args)
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
