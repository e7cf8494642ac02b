package app

import (
	"context"
	"fmt"

	appointmentRepository "github.com/allisson/scheduler/internal/appointment/repository"
	"github.com/allisson/scheduler/internal/appointment/usecase"
	"github.com/allisson/scheduler/internal/breaker"
	"github.com/allisson/scheduler/internal/database"
	dlqRepository "github.com/allisson/scheduler/internal/dlq/repository"
	dlqUsecase "github.com/allisson/scheduler/internal/dlq/usecase"
	"github.com/allisson/scheduler/internal/metrics"
	sagaUsecase "github.com/allisson/scheduler/internal/saga/usecase"
)

// PatientRepository returns the patient repository based on database driver.
func (c *Container) PatientRepository() (usecase.PatientRepository, error) {
	var err error
	c.patientRepoInit.Do(func() {
		c.patientRepo, err = c.initPatientRepository()
		if err != nil {
			c.initErrors["patientRepo"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["patientRepo"]; exists {
		return nil, storedErr
	}
	return c.patientRepo, nil
}

// PsychologistRepository returns the psychologist repository based on database driver.
func (c *Container) PsychologistRepository() (usecase.PsychologistRepository, error) {
	var err error
	c.psychologistRepoInit.Do(func() {
		c.psychologistRepo, err = c.initPsychologistRepository()
		if err != nil {
			c.initErrors["psychologistRepo"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["psychologistRepo"]; exists {
		return nil, storedErr
	}
	return c.psychologistRepo, nil
}

// AppointmentRepository returns the appointment repository based on database driver.
func (c *Container) AppointmentRepository() (usecase.AppointmentRepository, error) {
	var err error
	c.appointmentRepoInit.Do(func() {
		c.appointmentRepo, err = c.initAppointmentRepository()
		if err != nil {
			c.initErrors["appointmentRepo"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["appointmentRepo"]; exists {
		return nil, storedErr
	}
	return c.appointmentRepo, nil
}

// DLQRepository returns the dead-letter store based on database driver.
func (c *Container) DLQRepository() (dlqUsecase.DLQRepository, error) {
	var err error
	c.dlqRepoInit.Do(func() {
		c.dlqRepo, err = c.initDLQRepository()
		if err != nil {
			c.initErrors["dlqRepo"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["dlqRepo"]; exists {
		return nil, storedErr
	}
	return c.dlqRepo, nil
}

// SagaOrchestrator returns the saga orchestrator.
func (c *Container) SagaOrchestrator() (*sagaUsecase.Orchestrator, error) {
	var err error
	c.sagaOrchestratorInit.Do(func() {
		c.sagaOrchestrator, err = c.initSagaOrchestrator()
		if err != nil {
			c.initErrors["sagaOrchestrator"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["sagaOrchestrator"]; exists {
		return nil, storedErr
	}
	return c.sagaOrchestrator, nil
}

// AppointmentProcessor returns the saga backed confirmation processor.
func (c *Container) AppointmentProcessor() (*usecase.AppointmentProcessor, error) {
	var err error
	c.appointmentProcessorInit.Do(func() {
		c.appointmentProcessor, err = c.initAppointmentProcessor()
		if err != nil {
			c.initErrors["appointmentProcessor"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["appointmentProcessor"]; exists {
		return nil, storedErr
	}
	return c.appointmentProcessor, nil
}

// DLQHandler returns the dead-letter handler.
func (c *Container) DLQHandler() (*dlqUsecase.Handler, error) {
	var err error
	c.dlqHandlerInit.Do(func() {
		c.dlqHandler, err = c.initDLQHandler()
		if err != nil {
			c.initErrors["dlqHandler"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["dlqHandler"]; exists {
		return nil, storedErr
	}
	return c.dlqHandler, nil
}

// ProcessingUseCase returns the entry point for inbound confirmation messages.
func (c *Container) ProcessingUseCase() (*usecase.ResilientProcessingUseCase, error) {
	var err error
	c.processingUseCaseInit.Do(func() {
		c.processingUseCase, err = c.initProcessingUseCase()
		if err != nil {
			c.initErrors["processingUseCase"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["processingUseCase"]; exists {
		return nil, storedErr
	}
	return c.processingUseCase, nil
}

// initPatientRepository creates the patient repository based on the database driver.
func (c *Container) initPatientRepository() (usecase.PatientRepository, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for patient repository: %w", err)
	}

	switch c.config.DBDriver {
	case database.DriverPostgres:
		return appointmentRepository.NewPostgreSQLPatientRepository(db), nil
	case database.DriverMySQL:
		return appointmentRepository.NewMySQLPatientRepository(db), nil
	default:
		return nil, database.UnsupportedDriver(c.config.DBDriver)
	}
}

// initPsychologistRepository creates the psychologist repository based on the database driver.
func (c *Container) initPsychologistRepository() (usecase.PsychologistRepository, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for psychologist repository: %w", err)
	}

	switch c.config.DBDriver {
	case database.DriverPostgres:
		return appointmentRepository.NewPostgreSQLPsychologistRepository(db), nil
	case database.DriverMySQL:
		return appointmentRepository.NewMySQLPsychologistRepository(db), nil
	default:
		return nil, database.UnsupportedDriver(c.config.DBDriver)
	}
}

// initAppointmentRepository creates the appointment repository based on the database driver.
func (c *Container) initAppointmentRepository() (usecase.AppointmentRepository, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for appointment repository: %w", err)
	}

	switch c.config.DBDriver {
	case database.DriverPostgres:
		return appointmentRepository.NewPostgreSQLAppointmentRepository(db), nil
	case database.DriverMySQL:
		return appointmentRepository.NewMySQLAppointmentRepository(db), nil
	default:
		return nil, database.UnsupportedDriver(c.config.DBDriver)
	}
}

// initDLQRepository creates the dead-letter store based on the database driver.
func (c *Container) initDLQRepository() (dlqUsecase.DLQRepository, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for dlq repository: %w", err)
	}

	switch c.config.DBDriver {
	case database.DriverPostgres:
		return dlqRepository.NewPostgreSQLDLQRepository(db), nil
	case database.DriverMySQL:
		return dlqRepository.NewMySQLDLQRepository(db), nil
	default:
		return nil, database.UnsupportedDriver(c.config.DBDriver)
	}
}

// initSagaOrchestrator creates the saga orchestrator.
func (c *Container) initSagaOrchestrator() (*sagaUsecase.Orchestrator, error) {
	sagaConfig := sagaUsecase.Config{
		RetryBaseDelay: c.config.SagaRetryBaseDelay,
		Retention:      c.config.SagaRetention,
	}
	if err := sagaConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid saga configuration: %w", err)
	}

	businessMetrics, err := c.BusinessMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get business metrics for saga orchestrator: %w", err)
	}

	return sagaUsecase.NewOrchestrator(sagaConfig, businessMetrics, c.Logger()), nil
}

// initAppointmentProcessor creates the confirmation processor with all its dependencies.
func (c *Container) initAppointmentProcessor() (*usecase.AppointmentProcessor, error) {
	txManager, err := c.TxManager()
	if err != nil {
		return nil, fmt.Errorf("failed to get tx manager for appointment processor: %w", err)
	}

	patients, err := c.PatientRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get patient repository for appointment processor: %w", err)
	}

	psychologists, err := c.PsychologistRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get psychologist repository for appointment processor: %w", err)
	}

	appointments, err := c.AppointmentRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get appointment repository for appointment processor: %w", err)
	}

	events, err := c.OutboxService()
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox service for appointment processor: %w", err)
	}

	notifier, err := c.Notifier()
	if err != nil {
		return nil, fmt.Errorf("failed to get notifier for appointment processor: %w", err)
	}

	saga, err := c.SagaOrchestrator()
	if err != nil {
		return nil, fmt.Errorf("failed to get saga orchestrator for appointment processor: %w", err)
	}

	return usecase.NewAppointmentProcessor(
		txManager,
		patients,
		psychologists,
		appointments,
		events,
		notifier,
		saga,
		c.Logger(),
	), nil
}

// initDLQHandler creates the dead-letter handler and registers its retry breaker.
func (c *Container) initDLQHandler() (*dlqUsecase.Handler, error) {
	repo, err := c.DLQRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get dlq repository for dlq handler: %w", err)
	}

	processor, err := c.AppointmentProcessor()
	if err != nil {
		return nil, fmt.Errorf("failed to get appointment processor for dlq handler: %w", err)
	}

	notifier, err := c.Notifier()
	if err != nil {
		return nil, fmt.Errorf("failed to get notifier for dlq handler: %w", err)
	}

	businessMetrics, err := c.BusinessMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get business metrics for dlq handler: %w", err)
	}

	breakerConfig, err := c.breakerConfig(0, 0)
	if err != nil {
		return nil, err
	}

	handlerConfig := dlqUsecase.Config{
		MaxRetries:         c.config.DLQMaxRetries,
		BaseDelay:          c.config.DLQBaseDelay,
		MaxRetryDelay:      c.config.DLQMaxRetryDelay,
		ExponentialBackoff: c.config.DLQExponentialBackoff,
		ReprocessRate:      c.config.DLQReprocessRate,
		ReprocessBatchSize: dlqUsecase.DefaultConfig().ReprocessBatchSize,
		Breaker:            breakerConfig,
	}
	if err := handlerConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dlq configuration: %w", err)
	}

	handler := dlqUsecase.NewHandler(handlerConfig, repo, processor, notifier, businessMetrics, c.Logger())
	c.BreakerRegistry().Register(handler.Breaker())
	return handler, nil
}

// initProcessingUseCase creates the resilient processing use case.
func (c *Container) initProcessingUseCase() (*usecase.ResilientProcessingUseCase, error) {
	processor, err := c.AppointmentProcessor()
	if err != nil {
		return nil, fmt.Errorf("failed to get appointment processor for processing use case: %w", err)
	}

	dlq, err := c.DLQHandler()
	if err != nil {
		return nil, fmt.Errorf("failed to get dlq handler for processing use case: %w", err)
	}

	saga, err := c.SagaOrchestrator()
	if err != nil {
		return nil, fmt.Errorf("failed to get saga orchestrator for processing use case: %w", err)
	}

	businessMetrics, err := c.BusinessMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get business metrics for processing use case: %w", err)
	}

	// The database breakers are registered as a side effect of building the tx manager.
	if _, err := c.GuardedDB(); err != nil {
		return nil, fmt.Errorf("failed to get guarded db for processing use case: %w", err)
	}
	if _, err := c.QueueBreaker(); err != nil {
		return nil, fmt.Errorf("failed to get queue breaker for processing use case: %w", err)
	}

	processing := usecase.NewResilientProcessingUseCase(
		processor,
		dlq,
		saga,
		c.BreakerRegistry(),
		businessMetrics,
		c.Logger(),
	)

	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for processing use case: %w", err)
	}
	if provider != nil {
		_, err := metrics.RegisterPipelineGauges(provider.MeterProvider(), c.config.MetricsNamespace,
			func(ctx context.Context) metrics.PipelineSnapshot {
				return pipelineSnapshot(processing.GetHealthStatus(ctx))
			})
		if err != nil {
			return nil, fmt.Errorf("failed to register pipeline gauges: %w", err)
		}
	}

	return processing, nil
}

// pipelineSnapshot converts the composite health into gauge observations.
func pipelineSnapshot(status usecase.HealthStatus) metrics.PipelineSnapshot {
	snapshot := metrics.PipelineSnapshot{
		BreakerStates:     make(map[string]int64, len(status.CircuitBreakers)),
		SagasByStatus:     make(map[string]int64, len(status.Saga.ByStatus)),
		DLQStoredMessages: status.DLQ.StoredMessages,
		DLQPendingRetries: status.DLQ.PendingRetries,
	}
	for _, cb := range status.CircuitBreakers {
		snapshot.BreakerStates[cb.Name] = breakerStateValue(cb.State)
	}
	for sagaStatus, count := range status.Saga.ByStatus {
		snapshot.SagasByStatus[string(sagaStatus)] = int64(count)
	}
	return snapshot
}

func breakerStateValue(state breaker.State) int64 {
	switch state {
	case breaker.StateOpen:
		return metrics.BreakerStateOpen
	case breaker.StateHalfOpen:
		return metrics.BreakerStateHalfOpen
	default:
		return metrics.BreakerStateClosed
	}
}
