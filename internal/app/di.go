// Package app provides dependency injection container for assembling application components.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/allisson/scheduler/internal/appointment/usecase"
	"github.com/allisson/scheduler/internal/breaker"
	"github.com/allisson/scheduler/internal/config"
	"github.com/allisson/scheduler/internal/database"
	dlqUsecase "github.com/allisson/scheduler/internal/dlq/usecase"
	"github.com/allisson/scheduler/internal/http"
	"github.com/allisson/scheduler/internal/jobs"
	"github.com/allisson/scheduler/internal/metrics"
	"github.com/allisson/scheduler/internal/notification"
	outboxUsecase "github.com/allisson/scheduler/internal/outbox/usecase"
	"github.com/allisson/scheduler/internal/queue"
	sagaUsecase "github.com/allisson/scheduler/internal/saga/usecase"
)

// breakerMetricsDomain labels breaker transitions in the business metrics.
const breakerMetricsDomain = "circuit_breaker"

// Container holds all application dependencies and provides methods to access them.
// It follows the lazy initialization pattern - components are created on first access.
type Container struct {
	// Configuration
	config *config.Config

	// Infrastructure
	logger          *slog.Logger
	db              *sql.DB
	guardedDB       *database.GuardedDB
	redisClient     redis.UniversalClient
	metricsProvider *metrics.Provider
	businessMetrics metrics.BusinessMetrics
	breakers        *breaker.Registry

	// Queue
	queueBreaker         *breaker.CircuitBreaker
	appointmentPublisher *queue.RedisPublisher
	notifier             *notification.QueueSender
	consumer             *queue.Consumer

	// Repositories
	outboxRepo        outboxUsecase.OutboxEventRepository
	dlqRepo           dlqUsecase.DLQRepository
	patientRepo       usecase.PatientRepository
	psychologistRepo  usecase.PsychologistRepository
	appointmentRepo   usecase.AppointmentRepository

	// Use Cases
	outboxService        *outboxUsecase.Service
	outboxUseCase        outboxUsecase.UseCase
	sagaOrchestrator     *sagaUsecase.Orchestrator
	appointmentProcessor *usecase.AppointmentProcessor
	dlqHandler           *dlqUsecase.Handler
	processingUseCase    *usecase.ResilientProcessingUseCase

	// Servers and Workers
	httpServer    *http.Server
	metricsServer *http.MetricsServer
	scheduler     *jobs.Scheduler

	// Initialization flags and mutex for thread-safety
	mu                       sync.Mutex
	loggerInit               sync.Once
	dbInit                   sync.Once
	guardedDBInit            sync.Once
	redisClientInit          sync.Once
	metricsProviderInit      sync.Once
	businessMetricsInit      sync.Once
	breakersInit             sync.Once
	queueBreakerInit         sync.Once
	appointmentPublisherInit sync.Once
	notifierInit             sync.Once
	consumerInit             sync.Once
	outboxRepoInit           sync.Once
	dlqRepoInit              sync.Once
	patientRepoInit          sync.Once
	psychologistRepoInit     sync.Once
	appointmentRepoInit      sync.Once
	outboxServiceInit        sync.Once
	outboxUseCaseInit        sync.Once
	sagaOrchestratorInit     sync.Once
	appointmentProcessorInit sync.Once
	dlqHandlerInit           sync.Once
	processingUseCaseInit    sync.Once
	httpServerInit           sync.Once
	metricsServerInit        sync.Once
	schedulerInit            sync.Once
	initErrors               map[string]error
}

// NewContainer creates a new dependency injection container with the provided configuration.
func NewContainer(cfg *config.Config) *Container {
	return &Container{
		config:     cfg,
		initErrors: make(map[string]error),
	}
}

// Config returns the application configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the configured logger instance.
// It creates a new logger on first access based on the log level in configuration.
func (c *Container) Logger() *slog.Logger {
	c.loggerInit.Do(func() {
		c.logger = c.initLogger()
	})
	return c.logger
}

// DB returns the database connection.
// It creates and configures the database connection on first access.
func (c *Container) DB() (*sql.DB, error) {
	var err error
	c.dbInit.Do(func() {
		c.db, err = c.initDB()
		if err != nil {
			c.initErrors["db"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["db"]; exists {
		return nil, storedErr
	}
	return c.db, nil
}

// GuardedDB returns the transaction manager guarded by the database circuit breakers.
func (c *Container) GuardedDB() (*database.GuardedDB, error) {
	var err error
	c.guardedDBInit.Do(func() {
		c.guardedDB, err = c.initGuardedDB()
		if err != nil {
			c.initErrors["guardedDB"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["guardedDB"]; exists {
		return nil, storedErr
	}
	return c.guardedDB, nil
}

// TxManager returns the transaction manager used by every use case.
func (c *Container) TxManager() (database.TxManager, error) {
	return c.GuardedDB()
}

// RedisClient returns the Redis client backing the queues.
func (c *Container) RedisClient() redis.UniversalClient {
	c.redisClientInit.Do(func() {
		c.redisClient = redis.NewClient(&redis.Options{
			Addr:     c.config.RedisAddr,
			Password: c.config.RedisPassword,
			DB:       c.config.RedisDB,
		})
	})
	return c.redisClient
}

// MetricsProvider returns the Prometheus backed meter provider, or nil when metrics are disabled.
func (c *Container) MetricsProvider() (*metrics.Provider, error) {
	var err error
	c.metricsProviderInit.Do(func() {
		if !c.config.MetricsEnabled {
			return
		}
		c.metricsProvider, err = metrics.NewProvider(
			c.config.MetricsNamespace,
			metrics.WithServiceName(c.config.MetricsNamespace),
		)
		if err != nil {
			c.initErrors["metricsProvider"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["metricsProvider"]; exists {
		return nil, storedErr
	}
	return c.metricsProvider, nil
}

// BusinessMetrics returns the business metrics recorder. It is a no-op when metrics are disabled.
func (c *Container) BusinessMetrics() (metrics.BusinessMetrics, error) {
	var err error
	c.businessMetricsInit.Do(func() {
		c.businessMetrics, err = c.initBusinessMetrics()
		if err != nil {
			c.initErrors["businessMetrics"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["businessMetrics"]; exists {
		return nil, storedErr
	}
	return c.businessMetrics, nil
}

// BreakerRegistry returns the registry every circuit breaker is reported through.
func (c *Container) BreakerRegistry() *breaker.Registry {
	c.breakersInit.Do(func() {
		c.breakers = breaker.NewRegistry()
	})
	return c.breakers
}

// Shutdown performs cleanup of all initialized resources.
// It should be called when the application is shutting down.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var shutdownErrors []error

	if c.httpServer != nil {
		if err := c.httpServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("http server shutdown: %w", err))
		}
	}

	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	// Pending retries are moved to the dead-letter store, so the handler closes before the database.
	if c.dlqHandler != nil {
		c.dlqHandler.Close()
	}

	if c.metricsProvider != nil {
		if err := c.metricsProvider.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics provider shutdown: %w", err))
		}
	}

	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("redis close: %w", err))
		}
	}

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("database close: %w", err))
		}
	}

	if len(shutdownErrors) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(shutdownErrors...))
	}

	return nil
}

// initLogger creates and configures a structured logger based on the log level.
func (c *Container) initLogger() *slog.Logger {
	var logLevel slog.Level
	switch c.config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler)
}

// initDB creates and configures the database connection.
func (c *Container) initDB() (*sql.DB, error) {
	db, err := database.Connect(context.Background(), database.Config{
		Driver:             c.config.DBDriver,
		ConnectionString:   c.config.DBConnectionString,
		MaxOpenConnections: c.config.DBMaxOpenConnections,
		MaxIdleConnections: c.config.DBMaxIdleConnections,
		ConnMaxLifetime:    c.config.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// initGuardedDB wraps the connection pool with the database breakers and registers them.
func (c *Container) initGuardedDB() (*database.GuardedDB, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for guarded db: %w", err)
	}

	cfg, err := c.breakerConfig(c.config.DBBreakerFailureThreshold, c.config.DBBreakerRecoveryTimeout)
	if err != nil {
		return nil, err
	}

	guarded := database.NewGuardedDB(db, cfg, breaker.WithLogger(c.Logger()))
	for _, cb := range guarded.Breakers() {
		c.BreakerRegistry().Register(cb)
	}
	return guarded, nil
}

// initBusinessMetrics creates the business metrics recorder on the metrics provider.
func (c *Container) initBusinessMetrics() (metrics.BusinessMetrics, error) {
	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for business metrics: %w", err)
	}
	if provider == nil {
		return metrics.NewNoOpBusinessMetrics(), nil
	}

	businessMetrics, err := metrics.NewBusinessMetrics(provider.MeterProvider(), c.config.MetricsNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create business metrics: %w", err)
	}
	return businessMetrics, nil
}

// breakerConfig builds a breaker configuration whose transitions are counted in the business metrics.
// Zero values fall back to the breaker defaults.
func (c *Container) breakerConfig(failureThreshold int, recoveryTimeout time.Duration) (breaker.Config, error) {
	cfg := breaker.Config{
		FailureThreshold: failureThreshold,
		RecoveryTimeout:  recoveryTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return breaker.Config{}, fmt.Errorf("invalid circuit breaker configuration: %w", err)
	}

	businessMetrics, err := c.BusinessMetrics()
	if err != nil {
		return breaker.Config{}, fmt.Errorf("failed to get business metrics for circuit breaker: %w", err)
	}

	cfg.OnStateChange = func(name string, from, to breaker.State) {
		businessMetrics.RecordOperation(context.Background(), breakerMetricsDomain, name, to.String())
	}
	return cfg.WithDefaults(), nil
}
