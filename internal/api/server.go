// Package api is the control surface: a small REST API for signal
// ingestion, fleet health, the error journal, and startup monitoring
// control. It never talks to Chrome directly; everything goes through
// the dispatch and supervisor layers.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"tradefleet/internal/config"
	"tradefleet/internal/dispatch"
	"tradefleet/internal/events"
	"tradefleet/internal/session"
	"tradefleet/internal/supervisor"
)

// Server represents the control REST API server
type Server struct {
	router   *gin.Engine
	cfg      *config.Config
	coord    *dispatch.Coordinator
	registry *session.Registry
	sup      *supervisor.Supervisor
	monitor  *supervisor.Monitor
	journal  *events.Journal
	limiter  *rate.Limiter
	started  time.Time
	server   *http.Server
}

// Deps carries the server's collaborators.
type Deps struct {
	Config      *config.Config
	Coordinator *dispatch.Coordinator
	Registry    *session.Registry
	Supervisor  *supervisor.Supervisor
	Monitor     *supervisor.Monitor
	Journal     *events.Journal
}

// NewServer creates a new control API server
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	limit := deps.Config.API.SignalRateLimit
	if limit <= 0 {
		limit = 5
	}
	burst := deps.Config.API.SignalRateBurst
	if burst < 1 {
		burst = 10
	}

	s := &Server{
		router:   router,
		cfg:      deps.Config,
		coord:    deps.Coordinator,
		registry: deps.Registry,
		sup:      deps.Supervisor,
		monitor:  deps.Monitor,
		journal:  deps.Journal,
		limiter:  rate.NewLimiter(rate.Limit(limit), burst),
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.API.GetAPIAddr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.server.Addr).Msg("Starting control API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping control API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler { return s.router }

// LoggerMiddleware is a custom logging middleware for Gin
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		logEvent := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP())

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}
		logEvent.Msg("API request")
	}
}

// rateLimitMiddleware sheds signal traffic beyond the configured rate.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "signal rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
