package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dukex/leadflow/pkg/lease"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type heldLocker struct{}

func (heldLocker) TryLock(context.Context, string, time.Duration) (lease.Lock, error) {
	return nil, nil
}

func TestPoller_RunOnce(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.Concurrency = 3 })

	workflow := e.saveWorkflow(t, testutil.CreateTestWorkflow(testutil.WithSteps(testutil.EmailStep(1, 0), testutil.WaitStep(2, 2))))

	for range 5 {
		e.saveLead(t, testutil.CreateTestLead())
	}

	e.activate(t, workflow.ID)

	result := e.runOnce(t)
	assert.False(t, result.Locked)
	assert.Equal(t, 5, result.Due)
	assert.Equal(t, 5, result.Outcomes[OutcomeAdvanced])
	assert.Zero(t, result.Failed)
	assert.Len(t, e.mailer.Sent(), 5)

	assert.Zero(t, e.runOnce(t).Due)

	e.advance(models.Days(2))

	result = e.runOnce(t)
	assert.Equal(t, 5, result.Outcomes[OutcomeCompleted])
	assert.Len(t, e.enrollments(t, workflow.ID, models.EnrollmentStatusCompleted), 5)
}

func TestPoller_RunOnceRespectsBatchSize(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.BatchSize = 2 })

	workflow := e.saveWorkflow(t, testutil.CreateTestWorkflow(testutil.WithSteps(testutil.WaitStep(1, 0), testutil.WaitStep(2, 1))))

	for range 3 {
		e.saveLead(t, testutil.CreateTestLead())
	}

	e.activate(t, workflow.ID)

	assert.Equal(t, 2, e.runOnce(t).Due)
	assert.Equal(t, 1, e.runOnce(t).Due)
	assert.Zero(t, e.runOnce(t).Due)
}

func TestPoller_OverlappingPassesExecuteOnce(t *testing.T) {
	e := newEngine(t)

	workflow := e.saveWorkflow(t, testutil.CreateTestWorkflow(testutil.WithSteps(testutil.EmailStep(1, 0), testutil.WaitStep(2, 1))))

	for range 4 {
		e.saveLead(t, testutil.CreateTestLead())
	}

	e.activate(t, workflow.ID)

	var wg sync.WaitGroup

	for range 3 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := e.poller.RunOnce(t.Context())
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Len(t, e.mailer.Sent(), 4)

	for _, enrollment := range e.enrollments(t, workflow.ID, models.EnrollmentStatusActive) {
		assert.Equal(t, 2, enrollment.CurrentStepOrder)
	}
}

func TestPoller_LockedElsewhere(t *testing.T) {
	e := newEngine(t)

	workflow := e.saveWorkflow(t, testutil.CreateTestWorkflow())
	e.saveLead(t, testutil.CreateTestLead())
	e.activate(t, workflow.ID)

	poller := NewPoller(e.config, e.executor, e.evaluator, heldLocker{}, e.deps)

	result, err := poller.RunOnce(t.Context())
	require.NoError(t, err)
	assert.True(t, result.Locked)
	assert.Empty(t, e.mailer.Sent())

	enrolled, err := poller.SweepOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, enrolled)
}

func TestPoller_SweepOnce(t *testing.T) {
	e := newEngine(t)
	e.advance(models.Days(30))

	e.saveLead(t, testutil.CreateTestLead())

	workflow := e.saveWorkflow(t, testutil.CreateTestWorkflow(testutil.Active(), testutil.WithTrigger(models.Trigger{
		Type: models.TriggerInactivity, Days: 7,
	})))

	enrolled, err := e.poller.SweepOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, enrolled)
	assert.Len(t, e.enrollments(t, workflow.ID, models.EnrollmentStatusActive), 1)
}
