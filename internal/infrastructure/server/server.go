// Package server wires the HTTP surface together: routes, middleware,
// and graceful shutdown.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/fosslife/termillion/internal/api/http"
	"github.com/fosslife/termillion/internal/api/middleware"
	"github.com/fosslife/termillion/internal/api/ws"
	"github.com/fosslife/termillion/internal/infrastructure/config"
	"github.com/fosslife/termillion/internal/infrastructure/logging"
	"github.com/fosslife/termillion/internal/infrastructure/monitoring"
	"github.com/fosslife/termillion/internal/profiles"
	"github.com/fosslife/termillion/internal/pty"
)

// Server hosts the session API and stream endpoint.
type Server struct {
	httpServer *http.Server
	registry   *pty.Registry
	metrics    *monitoring.Metrics
	logger     *logging.Logger
}

// New builds the router and binds every dependency explicitly. profs
// may be nil.
func New(cfg *config.Config, registry *pty.Registry, profs *profiles.Profiles, metrics *monitoring.Metrics, logger *logging.Logger) *Server {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if metrics != nil {
		router.Use(monitoring.Middleware(metrics))
	}
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(registry, profs, cfg.Terminal, logger)
	stream := ws.NewHandler(registry, metrics, logger)

	router.GET("/health", handlers.Health)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics.HTTPHandler()))
	}

	router.POST("/sessions", handlers.OpenSession)
	router.GET("/sessions", handlers.ListSessions)
	router.GET("/sessions/:id", handlers.GetSession)
	router.GET("/sessions/:id/metrics", handlers.GetSessionMetrics)
	router.POST("/sessions/:id/write", handlers.WriteSession)
	router.POST("/sessions/:id/resize", handlers.ResizeSession)
	router.DELETE("/sessions/:id", handlers.CloseSession)

	router.GET("/profiles", handlers.ListProfiles)

	router.GET("/stream/:id", stream.Stream)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, drains in-flight ones, then tears
// down every live session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.registry.Shutdown()
	return err
}
