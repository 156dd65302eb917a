// Package admin serves the local operator HTTP surface of agentd.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/agentctl/internal/auth"
	"github.com/danmuck/agentctl/internal/capability"
	"github.com/danmuck/agentctl/internal/controller"
	"github.com/danmuck/agentctl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Agents is the controller surface the admin routes need.
type Agents interface {
	Agents(ctx context.Context) ([]controller.AgentInfo, error)
	Multicast(event string, args []any)
}

type Server struct {
	ID   string
	Addr string

	agents  Agents
	out     capability.Outbound
	ready   func() bool
	tokens  auth.Validator
	started time.Time
	router  *gin.Engine
}

// New builds the router. ready reports whether the node accepts peers;
// nil means always ready.
func New(id, addr string, agents Agents, out capability.Outbound, ready func() bool, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger(id, "admin")))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	if ready == nil {
		ready = func() bool { return true }
	}
	s := &Server{
		ID:      id,
		Addr:    addr,
		agents:  agents,
		out:     out,
		ready:   ready,
		started: time.Now(),
		router:  r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// RequireToken guards the POST routes with v. A nil v leaves them open.
func (s *Server) RequireToken(v auth.Validator) { s.tokens = v }

func (s *Server) authorize(c *gin.Context) {
	if s.tokens == nil {
		c.Next()
		return
	}
	if err := auth.Check(s.tokens, c.GetHeader("Authorization")); err != nil {
		log.Warn().Str("route", c.FullPath()).Str("client", c.ClientIP()).Err(err).Msg("admin.Server.authorize rejected")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}

// Serve listens on Addr until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()
	log.Info().Str("addr", s.Addr).Msg("admin.Server.Serve listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type sendAgentRequest struct {
	Addr      string         `json:"addr"`
	Code      string         `json:"code"`
	Briefcase map[string]any `json:"briefcase"`
}

type broadcastRequest struct {
	Addrs []string `json:"addrs"`
	Event string   `json:"event"`
	Args  []any    `json:"args"`
}

type localEventRequest struct {
	Event string `json:"event"`
	Args  []any  `json:"args"`
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"id":     s.ID,
			"uptime": time.Since(s.started).Round(time.Second).String(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		if !s.ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "id": s.ID})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "id": s.ID})
	})

	s.router.GET("/agents", func(c *gin.Context) {
		agents, err := s.agents.Agents(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"agents": agents})
	})

	ops := s.router.Group("/", s.authorize)

	ops.POST("/agents/send", func(c *gin.Context) {
		var req sendAgentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := validAddr(req.Addr); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if strings.TrimSpace(req.Code) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
			return
		}
		s.out.SendAgent(req.Addr, []byte(req.Code), req.Briefcase)
		c.JSON(http.StatusAccepted, gin.H{
			"status": "queued",
			"digest": capability.CodeDigest([]byte(req.Code)),
		})
	})

	ops.POST("/events/broadcast", func(c *gin.Context) {
		var req broadcastRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Event == "" || len(req.Addrs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "event and addrs are required"})
			return
		}
		for _, addr := range req.Addrs {
			if err := validAddr(addr); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		for _, addr := range req.Addrs {
			s.out.SendBroadcast(addr, req.Event, req.Args...)
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "count": len(req.Addrs)})
	})

	ops.POST("/events/local", func(c *gin.Context) {
		var req localEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Event == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "event is required"})
			return
		}
		s.agents.Multicast(req.Event, req.Args)
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	})
}

func validAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" || port == "" {
		return errors.New("addr must be host:port")
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
