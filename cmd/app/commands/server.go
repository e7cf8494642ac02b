package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/allisson/scheduler/internal/app"
	"github.com/allisson/scheduler/internal/config"
)

// RunServer starts the health server, the metrics server and the background processes selected
// by opts in one process. Blocks until receiving SIGINT/SIGTERM or until one of them fails.
func RunServer(ctx context.Context, version string, opts WorkerOptions) error {
	cfg := config.Load()

	gin.SetMode(cfg.GetGinMode())

	container := app.NewContainer(cfg)

	logger := container.Logger()
	logger.Info("starting server", slog.String("version", version))

	defer closeContainer(container, logger)

	// Get HTTP server from container (this initializes all dependencies)
	server, err := container.HTTPServer()
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	metricsServer, err := container.MetricsServer()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runners, err := workerRunners(ctx, container, opts)
	if err != nil {
		return err
	}
	runners = append(runners, serverRunner("health-server", server))
	if metricsServer != nil {
		runners = append(runners, serverRunner("metrics-server", metricsServer))
	}

	return RunAll(ctx, logger, runners...)
}

// RunWorkerProcess starts the background processes selected by opts without HTTP servers.
// Blocks until receiving SIGINT/SIGTERM or until one of them fails.
func RunWorkerProcess(ctx context.Context, version string, opts WorkerOptions) error {
	cfg := config.Load()
	container := app.NewContainer(cfg)

	logger := container.Logger()
	logger.Info("starting worker", slog.String("version", version))

	defer closeContainer(container, logger)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return RunWorker(ctx, container, opts)
}
