package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/allisson/scheduler/internal/app"
)

// shutdownTimeout bounds the graceful shutdown of HTTP servers.
const shutdownTimeout = 15 * time.Second

// WorkerOptions selects the background processes a worker runs.
type WorkerOptions struct {
	Consumer bool
	Outbox   bool
	Jobs     bool
}

// Runner is a long running process stopped by cancelling its context.
type Runner struct {
	Name string
	Run  func(ctx context.Context) error
}

// RunWorker runs the selected background processes until ctx is cancelled or one of them fails.
func RunWorker(ctx context.Context, container *app.Container, opts WorkerOptions) error {
	runners, err := workerRunners(ctx, container, opts)
	if err != nil {
		return err
	}
	if len(runners) == 0 {
		return errors.New("no worker process enabled")
	}
	return RunAll(ctx, container.Logger(), runners...)
}

// RunAll starts every runner and waits for all of them. The first failure cancels the others.
// Runners returning context.Canceled after cancellation are not failures.
func RunAll(ctx context.Context, logger *slog.Logger, runners ...Runner) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error {
			logger.Info("starting process", slog.String("process", r.Name))
			err := r.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("process failed", slog.String("process", r.Name), slog.Any("error", err))
				return fmt.Errorf("%s: %w", r.Name, err)
			}
			logger.Info("process stopped", slog.String("process", r.Name))
			return nil
		})
	}
	return g.Wait()
}

// workerRunners builds the runners selected by opts from the container.
func workerRunners(ctx context.Context, container *app.Container, opts WorkerOptions) ([]Runner, error) {
	var runners []Runner

	if opts.Consumer {
		consumer, err := container.Consumer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize queue consumer: %w", err)
		}
		runners = append(runners, Runner{Name: "queue-consumer", Run: consumer.Start})
	}

	if opts.Outbox {
		outbox, err := container.OutboxUseCase()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize outbox poller: %w", err)
		}
		runners = append(runners, Runner{Name: "outbox-poller", Run: outbox.Start})
	}

	if opts.Jobs {
		scheduler, err := container.Scheduler(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize job scheduler: %w", err)
		}
		runners = append(runners, Runner{Name: "job-scheduler", Run: scheduler.Start})
	}

	return runners, nil
}

// httpServer is the lifecycle shared by the health and metrics servers.
type httpServer interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// serverRunner runs server until ctx is cancelled, then shuts it down gracefully.
func serverRunner(name string, server httpServer) Runner {
	return Runner{
		Name: name,
		Run: func(ctx context.Context) error {
			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start(ctx)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown: %w", err)
				}
				return <-errCh
			}
		},
	}
}
