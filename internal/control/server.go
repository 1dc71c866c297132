// Package control serves the HTTP control API: start/stop, queue and
// settings editing, history, status and a Server-Sent Events feed.
package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"tabrunner/internal/automation"
	"tabrunner/internal/eventbus"
	"tabrunner/internal/history"
	"tabrunner/internal/queue"
	"tabrunner/internal/timeline"
	logx "tabrunner/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8787"

type Config struct {
	Enabled bool
	Addr    string
	Token   string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	return c
}

// Deps are the components the API operates on.
type Deps struct {
	Engine   *automation.Engine
	Queue    *queue.Queue
	History  *history.Log
	Timeline *timeline.Reporter
	Bus      eventbus.Bus
	// NextAutoStart reports the next scheduled start; optional.
	NextAutoStart func() time.Time
}

// Server owns the listener and can be reconfigured at runtime.
type Server struct {
	deps Deps
	log  logx.Logger

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{deps: deps, log: log.With(logx.String("comp", "control"))}
}

// Apply starts, restarts or stops the listener to match cfg.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.cfg = cfg
		s.stopLocked(ctx)
		return nil
	}
	if s.srv != nil && s.cfg == cfg {
		return nil
	}
	s.stopLocked(ctx)
	s.cfg = cfg
	return s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg.Token),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srv, s.ln, s.addr = srv, ln, ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("control server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("control API listening", logx.String("addr", addr), logx.Bool("token_set", cfg.Token != ""))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, addr := s.srv, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	// SSE streams never finish on their own.
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = srv.Close()
	}
	s.log.Info("control API stopped", logx.String("addr", addr))
}

// Addr returns the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler builds the gin engine. An empty token disables authentication.
func (s *Server) Handler(token string) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	api := r.Group("/api")
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := api.Group("")
	protected.Use(bearerAuth(token))
	{
		protected.GET("/status", s.getStatus)
		protected.POST("/start", s.postStart)
		protected.POST("/stop", s.postStop)

		protected.GET("/queue", s.getQueue)
		protected.POST("/queue", s.postQueue)
		protected.DELETE("/queue", s.deleteQueue)
		protected.DELETE("/queue/*item", s.deleteQueueItem)

		protected.GET("/settings", s.getSettings)
		protected.PUT("/settings", s.putSettings)

		protected.GET("/history", s.getHistory)
		protected.DELETE("/history", s.deleteHistory)

		protected.GET("/events", s.getEvents)
	}
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}
