// Package jobs schedules the periodic maintenance work of the scheduler: outbox retention,
// saga registry cleanup and dead-letter reprocessing.
package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/allisson/scheduler/internal/dlq/usecase"
	"github.com/allisson/scheduler/internal/metrics"
)

const metricsDomain = "jobs"

// Job is a named unit of periodic work.
type Job struct {
	Name string
	// Spec is a five-field cron expression or a descriptor such as "@daily" or "@every 1h".
	// An empty spec disables the job.
	Spec string
	Run  func(ctx context.Context) error
}

// OutboxCleaner removes processed outbox events past their retention.
type OutboxCleaner interface {
	CleanupProcessed(ctx context.Context, retentionDays int, dryRun bool) (int64, error)
}

// SagaCleaner removes terminal saga executions from the registry.
type SagaCleaner interface {
	CleanupExecutions(olderThan time.Duration) int
}

// DLQReprocessor reprocesses the dead-letter store.
type DLQReprocessor interface {
	ProcessDLQMessages(ctx context.Context) (usecase.ReprocessResult, error)
}

// Scheduler runs jobs on their cron schedules. A job still running when its next activation
// is due is skipped for that activation.
type Scheduler struct {
	parser  cron.Parser
	cron    *cron.Cron
	logger  *slog.Logger
	metrics metrics.BusinessMetrics
	jobs    []Job
}

// NewScheduler creates a Scheduler.
func NewScheduler(businessMetrics metrics.BusinessMetrics, logger *slog.Logger) *Scheduler {
	if businessMetrics == nil {
		businessMetrics = metrics.NewNoOpBusinessMetrics()
	}
	logger = orDiscard(logger)

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cronLog := cronLogger{logger: logger}
	return &Scheduler{
		parser: parser,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		logger:  logger,
		metrics: businessMetrics,
	}
}

// Add registers job. Jobs with an empty spec are skipped. The job runs with ctx, so cancelling
// ctx aborts in-flight work.
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	if job.Spec == "" {
		s.logger.Info("job disabled", slog.String("job", job.Name))
		return nil
	}

	schedule, err := s.parser.Parse(job.Spec)
	if err != nil {
		return fmt.Errorf("invalid schedule for job %s: %w", job.Name, err)
	}

	s.cron.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		s.run(ctx, job)
	}))
	s.jobs = append(s.jobs, job)
	s.logger.Info("job scheduled", slog.String("job", job.Name), slog.String("spec", job.Spec))
	return nil
}

// Jobs returns the registered jobs.
func (s *Scheduler) Jobs() []Job {
	return append([]Job(nil), s.jobs...)
}

// Start runs the scheduler until ctx is cancelled, then waits for running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("job scheduler started", slog.Int("jobs", len(s.jobs)))

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.logger.Info("job scheduler stopped")
	return nil
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	start := time.Now()
	err := job.Run(ctx)

	status := metrics.StatusOf(err)
	if err != nil {
		s.logger.Error("job failed", slog.String("job", job.Name), slog.Any("error", err))
	} else {
		s.logger.Debug("job finished", slog.String("job", job.Name), slog.Duration("duration", time.Since(start)))
	}
	s.metrics.RecordOperation(ctx, metricsDomain, job.Name, status)
	s.metrics.RecordDuration(ctx, metricsDomain, job.Name, time.Since(start), status)
}

// OutboxCleanupJob deletes processed outbox events older than retentionDays.
func OutboxCleanupJob(cleaner OutboxCleaner, retentionDays int, spec string, logger *slog.Logger) Job {
	logger = orDiscard(logger)
	return Job{
		Name: "outbox-cleanup",
		Spec: spec,
		Run: func(ctx context.Context) error {
			count, err := cleaner.CleanupProcessed(ctx, retentionDays, false)
			if err != nil {
				return err
			}
			logger.Info("outbox events cleaned up",
				slog.Int64("count", count),
				slog.Int("retention_days", retentionDays),
			)
			return nil
		},
	}
}

// SagaCleanupJob removes terminal saga executions older than retention.
func SagaCleanupJob(cleaner SagaCleaner, retention time.Duration, spec string, logger *slog.Logger) Job {
	logger = orDiscard(logger)
	return Job{
		Name: "saga-cleanup",
		Spec: spec,
		Run: func(ctx context.Context) error {
			removed := cleaner.CleanupExecutions(retention)
			logger.Info("saga executions cleaned up",
				slog.Int("count", removed),
				slog.Duration("retention", retention),
			)
			return nil
		},
	}
}

// DLQReprocessJob reprocesses the dead-letter store.
func DLQReprocessJob(reprocessor DLQReprocessor, spec string, logger *slog.Logger) Job {
	logger = orDiscard(logger)
	return Job{
		Name: "dlq-reprocess",
		Spec: spec,
		Run: func(ctx context.Context) error {
			result, err := reprocessor.ProcessDLQMessages(ctx)
			if err != nil {
				return err
			}
			logger.Info("dead-letter messages reprocessed",
				slog.Int("processed", result.Processed),
				slog.Int("errors", result.Errors),
			)
			return nil
		},
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger
}
