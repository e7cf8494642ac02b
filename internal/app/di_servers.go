package app

import (
	"context"
	"fmt"

	"github.com/allisson/scheduler/internal/http"
	"github.com/allisson/scheduler/internal/jobs"
)

// HTTPServer returns the health server instance.
func (c *Container) HTTPServer() (*http.Server, error) {
	var err error
	c.httpServerInit.Do(func() {
		c.httpServer, err = c.initHTTPServer()
		if err != nil {
			c.initErrors["httpServer"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["httpServer"]; exists {
		return nil, storedErr
	}
	return c.httpServer, nil
}

// MetricsServer returns the Prometheus metrics server, or nil when metrics are disabled.
func (c *Container) MetricsServer() (*http.MetricsServer, error) {
	var err error
	c.metricsServerInit.Do(func() {
		c.metricsServer, err = c.initMetricsServer()
		if err != nil {
			c.initErrors["metricsServer"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["metricsServer"]; exists {
		return nil, storedErr
	}
	return c.metricsServer, nil
}

// Scheduler returns the cron scheduler with the maintenance jobs registered.
func (c *Container) Scheduler(ctx context.Context) (*jobs.Scheduler, error) {
	var err error
	c.schedulerInit.Do(func() {
		c.scheduler, err = c.initScheduler(ctx)
		if err != nil {
			c.initErrors["scheduler"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["scheduler"]; exists {
		return nil, storedErr
	}
	return c.scheduler, nil
}

// initHTTPServer creates the health server with all its dependencies.
func (c *Container) initHTTPServer() (*http.Server, error) {
	guardedDB, err := c.GuardedDB()
	if err != nil {
		return nil, fmt.Errorf("failed to get guarded db for http server: %w", err)
	}

	processing, err := c.ProcessingUseCase()
	if err != nil {
		return nil, fmt.Errorf("failed to get processing use case for http server: %w", err)
	}

	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for http server: %w", err)
	}

	server := http.NewServer(guardedDB, c.config.ServerHost, c.config.ServerPort, c.Logger())
	server.SetupRouter(processing, provider, c.config.MetricsNamespace)
	return server, nil
}

// initMetricsServer creates the metrics server when metrics are enabled.
func (c *Container) initMetricsServer() (*http.MetricsServer, error) {
	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for metrics server: %w", err)
	}
	if provider == nil {
		return nil, nil
	}
	return http.NewMetricsServer(c.config.ServerHost, c.config.MetricsPort, c.Logger(), provider), nil
}

// initScheduler creates the scheduler and registers the outbox, saga and dead-letter jobs.
func (c *Container) initScheduler(ctx context.Context) (*jobs.Scheduler, error) {
	outbox, err := c.OutboxUseCase()
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox use case for scheduler: %w", err)
	}

	saga, err := c.SagaOrchestrator()
	if err != nil {
		return nil, fmt.Errorf("failed to get saga orchestrator for scheduler: %w", err)
	}

	dlq, err := c.DLQHandler()
	if err != nil {
		return nil, fmt.Errorf("failed to get dlq handler for scheduler: %w", err)
	}

	businessMetrics, err := c.BusinessMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get business metrics for scheduler: %w", err)
	}

	logger := c.Logger()
	scheduler := jobs.NewScheduler(businessMetrics, logger)
	for _, job := range []jobs.Job{
		jobs.OutboxCleanupJob(outbox, c.config.OutboxRetentionDays, c.config.OutboxCleanupCron, logger),
		jobs.SagaCleanupJob(saga, c.config.SagaRetention, c.config.SagaCleanupCron, logger),
		jobs.DLQReprocessJob(dlq, c.config.DLQReprocessCron, logger),
	} {
		if err := scheduler.Add(ctx, job); err != nil {
			return nil, err
		}
	}
	return scheduler, nil
}
