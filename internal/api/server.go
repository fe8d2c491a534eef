package api

import (
	"context"
	"net/http"
	"time"

	"example.com/backstage/services/tickets/config"
	"example.com/backstage/services/tickets/internal/api/handlers"
	"example.com/backstage/services/tickets/internal/api/middleware"
	"example.com/backstage/services/tickets/internal/metrics"
	"example.com/backstage/services/tickets/internal/services"
	"example.com/backstage/services/tickets/internal/tracing"
	"example.com/backstage/services/tickets/internal/treasury"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server
	ledger     *services.LedgerService
	treasury   treasury.Treasury
	metrics    *metrics.Metrics
	tracer     tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, ledger *services.LedgerService, treas treasury.Treasury, m *metrics.Metrics, tracer tracing.Tracer) *Server {
	server := &Server{
		config:   cfg,
		ledger:   ledger,
		treasury: treas,
		metrics:  m,
		tracer:   tracer,
	}

	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger())

	api := router.Group("/api/v1")
	authed := api.Group("")
	authed.Use(middleware.CallerIdentity())

	ledgerHandler := handlers.NewLedgerHandler(s.ledger, s.tracer)
	ledgerHandler.RegisterRoutes(api, authed)

	accountHandler := handlers.NewAccountHandler(s.treasury)
	accountHandler.RegisterRoutes(api, authed)

	if s.metrics != nil {
		metricsHandler := handlers.NewMetricsHandler(s.metrics)
		router.GET("/metrics", metricsHandler.GetMetrics)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Server.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
