package app

import (
	"fmt"

	"github.com/allisson/scheduler/internal/database"
	outboxRepository "github.com/allisson/scheduler/internal/outbox/repository"
	outboxUsecase "github.com/allisson/scheduler/internal/outbox/usecase"
)

// OutboxRepository returns the outbox event repository instance.
func (c *Container) OutboxRepository() (outboxUsecase.OutboxEventRepository, error) {
	var err error
	c.outboxRepoInit.Do(func() {
		c.outboxRepo, err = c.initOutboxRepository()
		if err != nil {
			c.initErrors["outboxRepo"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["outboxRepo"]; exists {
		return nil, storedErr
	}
	return c.outboxRepo, nil
}

// OutboxService returns the service recording events atomically with business writes.
func (c *Container) OutboxService() (*outboxUsecase.Service, error) {
	var err error
	c.outboxServiceInit.Do(func() {
		c.outboxService, err = c.initOutboxService()
		if err != nil {
			c.initErrors["outboxService"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["outboxService"]; exists {
		return nil, storedErr
	}
	return c.outboxService, nil
}

// OutboxUseCase returns the outbox poller.
func (c *Container) OutboxUseCase() (outboxUsecase.UseCase, error) {
	var err error
	c.outboxUseCaseInit.Do(func() {
		c.outboxUseCase, err = c.initOutboxUseCase()
		if err != nil {
			c.initErrors["outboxUseCase"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["outboxUseCase"]; exists {
		return nil, storedErr
	}
	return c.outboxUseCase, nil
}

// initOutboxRepository creates the outbox event repository instance.
func (c *Container) initOutboxRepository() (outboxUsecase.OutboxEventRepository, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for outbox repository: %w", err)
	}

	switch c.config.DBDriver {
	case database.DriverMySQL:
		return outboxRepository.NewMySQLOutboxEventRepository(db), nil
	case database.DriverPostgres:
		return outboxRepository.NewPostgreSQLOutboxEventRepository(db), nil
	default:
		return nil, database.UnsupportedDriver(c.config.DBDriver)
	}
}

// initOutboxService creates the outbox service with all its dependencies.
func (c *Container) initOutboxService() (*outboxUsecase.Service, error) {
	txManager, err := c.TxManager()
	if err != nil {
		return nil, fmt.Errorf("failed to get tx manager for outbox service: %w", err)
	}

	outboxRepo, err := c.OutboxRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox repository for outbox service: %w", err)
	}

	return outboxUsecase.NewService(txManager, outboxRepo, c.config.OutboxMaxRetries, c.Logger()), nil
}

// initOutboxUseCase creates the outbox poller with all its dependencies.
func (c *Container) initOutboxUseCase() (outboxUsecase.UseCase, error) {
	useCaseConfig := outboxUsecase.Config{
		Interval:     c.config.OutboxPollInterval,
		BatchSize:    c.config.OutboxBatchSize,
		MaxRetries:   c.config.OutboxMaxRetries,
		Concurrency:  c.config.OutboxConcurrency,
		ClaimTimeout: c.config.OutboxClaimTimeout,
	}
	if err := useCaseConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid outbox configuration: %w", err)
	}

	txManager, err := c.TxManager()
	if err != nil {
		return nil, fmt.Errorf("failed to get tx manager for outbox use case: %w", err)
	}

	outboxRepo, err := c.OutboxRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox repository for outbox use case: %w", err)
	}

	publisher, err := c.guardedPublisher(c.config.QueueEventsStream)
	if err != nil {
		return nil, fmt.Errorf("failed to get events publisher for outbox use case: %w", err)
	}

	businessMetrics, err := c.BusinessMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get business metrics for outbox use case: %w", err)
	}

	return outboxUsecase.NewOutboxUseCase(
		useCaseConfig,
		txManager,
		outboxRepo,
		outboxUsecase.NewQueueEventPublisher(publisher),
		businessMetrics,
		c.Logger(),
	), nil
}
