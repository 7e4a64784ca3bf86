package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/leadflow/pkg/eventbus"
	"github.com/dukex/leadflow/pkg/events"
	"github.com/dukex/leadflow/pkg/lease"
	"github.com/dukex/leadflow/pkg/workflow"
	"github.com/robfig/cron/v3"
)

// Worker is the periodic invoker: it runs execute passes and inactivity
// sweeps on cron schedules and evaluates status change events.
type Worker struct {
	logger    *slog.Logger
	poller    *workflow.Poller
	evaluator *workflow.TriggerEvaluator

	pollSchedule  string
	sweepSchedule string
}

func NewWorker(config workflow.Config, locker lease.Locker, deps workflow.Dependencies, pollSchedule, sweepSchedule string) *Worker {
	deps = deps.WithDefaults()

	evaluator := workflow.NewTriggerEvaluator(deps)
	executor := workflow.NewExecutor(config, deps)

	return &Worker{
		logger:        deps.Logger.With("module", "leadflow-worker"),
		poller:        workflow.NewPoller(config, executor, evaluator, locker, deps),
		evaluator:     evaluator,
		pollSchedule:  pollSchedule,
		sweepSchedule: sweepSchedule,
	}
}

// RunPass executes one poll pass followed by one inactivity sweep.
func (w *Worker) RunPass(ctx context.Context) (workflow.PassResult, int, error) {
	result, passErr := w.poller.RunOnce(ctx)
	if passErr != nil {
		w.logger.ErrorContext(ctx, "Execute pass finished with errors", "error", passErr)
	}

	swept, sweepErr := w.poller.SweepOnce(ctx)
	if sweepErr != nil {
		w.logger.ErrorContext(ctx, "Inactivity sweep failed", "error", sweepErr)
	}

	return result, swept, errors.Join(passErr, sweepErr)
}

// Start subscribes to status changes, schedules the passes and blocks until
// ctx is done or the process is signalled.
func (w *Worker) Start(ctx context.Context, bus eventbus.EventSubscriber) error {
	err := bus.Handle(events.LeadStatusChangedEvent, w.evaluator.HandleStatusChanged)
	if err != nil {
		return err
	}

	err = bus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	scheduler, err := w.schedule(ctx)
	if err != nil {
		return err
	}

	scheduler.Start()
	w.logger.InfoContext(ctx, "Worker started", "poll_schedule", w.pollSchedule, "sweep_schedule", w.sweepSchedule)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	<-ctx.Done()
	w.logger.Info("Shutting down worker")

	<-scheduler.Stop().Done()

	return nil
}

func (w *Worker) schedule(ctx context.Context) (*cron.Cron, error) {
	scheduler := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := scheduler.AddFunc(w.pollSchedule, func() {
		_, err := w.poller.RunOnce(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "Execute pass finished with errors", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", w.pollSchedule, err)
	}

	_, err = scheduler.AddFunc(w.sweepSchedule, func() {
		_, err := w.poller.SweepOnce(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "Inactivity sweep failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", w.sweepSchedule, err)
	}

	return scheduler, nil
}

func engineConfig(pauseMode string, maxAttempts, batchSize, concurrency int, leaseTTL time.Duration) (workflow.Config, error) {
	config := workflow.DefaultConfig()

	mode, err := workflow.ParsePauseMode(pauseMode)
	if err != nil {
		return config, err
	}

	config.PauseMode = mode

	if maxAttempts > 0 {
		config.Retry.MaxAttempts = maxAttempts
	}

	if batchSize > 0 {
		config.BatchSize = batchSize
	}

	if concurrency > 0 {
		config.Concurrency = concurrency
	}

	if leaseTTL > 0 {
		config.LeaseTTL = leaseTTL
	}

	return config, nil
}
