// Package server exposes the engine over HTTP: packet evaluation, list
// administration, stats, Prometheus metrics and a websocket event stream.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nshruti113/ddos-mitigator/internal/engine"
	"github.com/nshruti113/ddos-mitigator/internal/metrics"
	"github.com/nshruti113/ddos-mitigator/internal/models"
)

// EventStore serves event history, typically the Redis sink.
type EventStore interface {
	RecentEvents(ctx context.Context, since time.Time) ([]models.Event, error)
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEventStore enables GET /api/events.
func WithEventStore(es EventStore) Option {
	return func(s *Server) {
		s.events = es
	}
}

// WithRegistry serves /metrics from reg instead of a registry built for the
// engine.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

type Server struct {
	engine   *engine.Engine
	hub      *Hub
	events   EventStore
	registry *prometheus.Registry
	logger   *zap.Logger

	router     *gin.Engine
	httpServer *http.Server
}

func New(addr string, e *engine.Engine, hub *Hub, opts ...Option) *Server {
	s := &Server{
		engine: e,
		hub:    hub,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub(s.logger)
	}
	if s.registry == nil {
		s.registry = metrics.NewRegistry(e)
	}

	s.router = gin.New()
	// Lets DELETE /api/whitelist/:ip take an escaped CIDR such as 10.0.0.0%2F8.
	s.router.UseRawPath = true
	s.router.Use(gin.Recovery(), requestLogger(s.logger))
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	// Enable CORS
	s.router.Use(corsMiddleware())

	api := s.router.Group("/api")
	{
		// Packet evaluation
		api.POST("/packets/evaluate", s.evaluatePacket)
		api.POST("/packets/batch", s.evaluateBatch)

		// Dashboard stats
		api.GET("/stats/summary", s.getSummaryStats)
		api.GET("/events", s.getEvents)

		// Lists
		api.GET("/blacklist", s.getBlacklist)
		api.POST("/blacklist", s.addBlacklist)
		api.DELETE("/blacklist/:ip", s.removeBlacklist)

		api.GET("/graylist", s.getGraylist)
		api.POST("/graylist", s.addGraylist)
		api.DELETE("/graylist/:ip", s.removeGraylist)

		api.GET("/whitelist", s.getWhitelist)
		api.POST("/whitelist", s.addWhitelist)
		api.DELETE("/whitelist/:ip", s.removeWhitelist)

		api.POST("/cookies/rotate", s.rotateCookies)
	}

	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	// WebSocket endpoint
	s.router.GET("/ws", gin.WrapF(s.hub.HandleWebSocket))
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub; register it as an engine sink to stream
// events.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartOnListener serves on an existing listener.
func (s *Server) StartOnListener(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and closes
// websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.Close()
	return err
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// requestLogger logs each request at debug level.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// corsMiddleware handles CORS
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
