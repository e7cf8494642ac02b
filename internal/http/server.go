// Package http provides the health and metrics HTTP servers.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/allisson/scheduler/internal/appointment/usecase"
	"github.com/allisson/scheduler/internal/metrics"
)

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports the health of the processing pipeline.
type HealthChecker interface {
	GetHealthStatus(ctx context.Context) usecase.HealthStatus
}

// Server represents the HTTP server
type Server struct {
	db     Pinger
	health HealthChecker
	server *http.Server
	router *gin.Engine
	logger *slog.Logger
}

// NewServer creates a new HTTP server
func NewServer(
	db Pinger,
	host string,
	port int,
	logger *slog.Logger,
) *Server {
	return &Server{
		db:     db,
		logger: logger,
		server: newHTTPServer(host, port, nil),
	}
}

func newHTTPServer(host string, port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// serve runs server until it is shut down. A graceful shutdown is not an error.
func serve(server *http.Server, name string, logger *slog.Logger) error {
	logger.Info("starting "+name, slog.String("addr", server.Addr))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	return nil
}

// SetupRouter configures the Gin router with the health endpoints. health may be nil, in which
// case readiness only checks the database.
func (s *Server) SetupRouter(
	health HealthChecker,
	metricsProvider *metrics.Provider,
	metricsNamespace string,
) {
	s.health = health

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestid.New(requestid.WithGenerator(func() string {
		return uuid.Must(uuid.NewV7()).String()
	})))
	router.Use(CustomLoggerMiddleware(s.logger))

	if metricsProvider != nil {
		router.Use(metrics.HTTPMetricsMiddleware(metricsProvider.MeterProvider(), metricsNamespace))
	}

	router.GET("/health", s.healthHandler)
	router.GET("/ready", s.readinessHandler)

	s.router = router
}

// GetHandler returns the http.Handler for testing purposes.
func (s *Server) GetHandler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	if s.router == nil {
		s.SetupRouter(nil, nil, "")
	}
	s.server.Handler = s.router

	return serve(s.server, "http server", s.logger)
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.server.Shutdown(ctx)
}

// healthHandler reports liveness.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// readinessHandler reports whether the database is reachable and the processing pipeline is
// healthy. Any failing component yields 503.
func (s *Server) readinessHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	ready := true
	components := gin.H{}

	if s.db == nil {
		components["database"] = "error"
		ready = false
	} else if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn("database ping failed", slog.Any("error", err))
		components["database"] = "error"
		ready = false
	} else {
		components["database"] = "ok"
	}

	response := gin.H{"components": components}

	if s.health != nil {
		status := s.health.GetHealthStatus(ctx)
		components["pipeline"] = "ok"
		if !status.IsHealthy {
			components["pipeline"] = "degraded"
			ready = false
		}
		response["pipeline"] = status
	}

	code := http.StatusOK
	response["status"] = "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		response["status"] = "not_ready"
	}
	c.JSON(code, response)
}
