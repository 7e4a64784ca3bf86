package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/leadflow/pkg/lease"
	"github.com/dukex/leadflow/pkg/metrics"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Lock keys used to keep replica passes from overlapping.
const (
	executeLockKey = "execute"
	sweepLockKey   = "sweep"
)

// PassResult summarizes one poll pass.
type PassResult struct {
	// Locked is true when another replica held the pass lock and nothing ran.
	Locked   bool
	Due      int
	Outcomes map[Outcome]int
	Failed   int
}

// Poller is what the periodic invoker calls. Each pass is stateless and may
// run concurrently with other passes; the ledger claims keep them apart and
// the locker only saves wasted work.
type Poller struct {
	config    Config
	executor  *Executor
	evaluator *TriggerEvaluator
	ledger    persistence.EnrollmentRepository
	locker    lease.Locker
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewPoller(config Config, executor *Executor, evaluator *TriggerEvaluator, locker lease.Locker, deps Dependencies) *Poller {
	deps = deps.WithDefaults()

	if locker == nil {
		locker = lease.LocalLocker{}
	}

	return &Poller{
		config:    config,
		executor:  executor,
		evaluator: evaluator,
		ledger:    deps.Persistence.EnrollmentRepository(),
		locker:    locker,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("module", "poller"),
	}
}

// RunOnce executes every enrollment due now, up to the batch size.
func (p *Poller) RunOnce(ctx context.Context) (PassResult, error) {
	result := PassResult{Outcomes: make(map[Outcome]int)}
	started := time.Now()

	lock, err := p.locker.TryLock(ctx, executeLockKey, p.config.LeaseTTL)
	if err != nil {
		return result, err
	}

	if lock == nil {
		p.logger.DebugContext(ctx, "Execute pass running elsewhere, skipping")

		result.Locked = true

		return result, nil
	}

	defer p.unlock(ctx, lock)

	due, err := p.ledger.Due(ctx, persistence.DueQuery{
		Now:                 p.clock.Now(),
		Limit:               p.config.BatchSize,
		ActiveWorkflowsOnly: p.config.freezesProgress(),
	})
	if err != nil {
		return result, err
	}

	result.Due = len(due)

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)

	g.SetLimit(max(p.config.Concurrency, 1))

	for _, enrollment := range due {
		g.Go(func() error {
			outcome, err := p.executor.Execute(ctx, enrollment)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				result.Failed++
				errs = append(errs, err)

				return nil
			}

			result.Outcomes[outcome]++

			return nil
		})
	}

	_ = g.Wait()

	p.metrics.ObservePass("execute", started, result.Due)

	if result.Due > 0 {
		p.logger.InfoContext(ctx, "Execute pass finished",
			"due", result.Due,
			"advanced", result.Outcomes[OutcomeAdvanced],
			"completed", result.Outcomes[OutcomeCompleted],
			"cancelled", result.Outcomes[OutcomeCancelled],
			"retrying", result.Outcomes[OutcomeRetrying],
			"skipped", result.Outcomes[OutcomeSkipped],
			"failed", result.Failed)
	}

	return result, errors.Join(errs...)
}

// SweepOnce runs the inactivity trigger sweep and returns the number of new
// enrollments.
func (p *Poller) SweepOnce(ctx context.Context) (int, error) {
	started := time.Now()

	lock, err := p.locker.TryLock(ctx, sweepLockKey, p.config.LeaseTTL)
	if err != nil {
		return 0, err
	}

	if lock == nil {
		return 0, nil
	}

	defer p.unlock(ctx, lock)

	enrolled, err := p.evaluator.SweepInactivity(ctx)

	p.metrics.ObservePass("sweep", started, enrolled)

	return enrolled, err
}

func (p *Poller) unlock(ctx context.Context, lock lease.Lock) {
	err := lock.Unlock(context.WithoutCancel(ctx))
	if err != nil {
		p.logger.WarnContext(ctx, "Failed to release pass lock", "error", err)
	}
}
