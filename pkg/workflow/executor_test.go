package workflow

import (
	"sync"
	"testing"
	"time"

	"github.com/dukex/leadflow/pkg/events"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// enrollOne activates workflow for a single new lead and returns its enrollment.
func enrollOne(t *testing.T, e *engine, workflow *models.Workflow, lead *models.Lead) *models.Enrollment {
	t.Helper()

	e.saveWorkflow(t, workflow)
	e.saveLead(t, lead)

	result := e.activate(t, workflow.ID)
	require.Len(t, result.Enrolled, 1)

	return result.Enrolled[0]
}

func TestExecutor_RunsSequenceWithDelays(t *testing.T) {
	e := newEngine(t)

	workflow := testutil.CreateTestWorkflow(testutil.WithSteps(
		testutil.EmailStep(1, 0),
		testutil.WaitStep(2, 3),
		testutil.EmailStep(3, 2),
	))
	lead := testutil.CreateTestLead()
	enrollment := enrollOne(t, e, workflow, lead)

	result := e.runOnce(t)
	assert.Equal(t, 1, result.Outcomes[OutcomeAdvanced])

	current := e.enrollment(t, enrollment.ID)
	assert.Equal(t, 2, current.CurrentStepOrder)
	assert.Equal(t, testutil.Day(3), current.NextActionAt)
	assert.Nil(t, current.LeaseToken)

	sent := e.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ada@example.com", sent[0].To)
	assert.Equal(t, "sdr@example.com", sent[0].FromAddress)
	assert.Equal(t, 1, sent[0].StepOrder)
	assert.NotEmpty(t, sent[0].Subject)

	stored := e.lead(t, lead.ID)
	assert.Equal(t, models.ContactStatusContacted, stored.ContactStatus)
	assert.Equal(t, 1, stored.EmailsSent)
	require.NotNil(t, stored.LastContactedAt)
	assert.Equal(t, testutil.Day0, *stored.LastContactedAt)

	// The wait step is not due before its delay elapsed.
	e.advance(models.Days(3) - time.Second)
	assert.Zero(t, e.runOnce(t).Due)

	e.advance(time.Second)
	assert.Equal(t, 1, e.runOnce(t).Outcomes[OutcomeAdvanced])

	current = e.enrollment(t, enrollment.ID)
	assert.Equal(t, 3, current.CurrentStepOrder)
	assert.Equal(t, testutil.Day(5), current.NextActionAt)

	e.advance(models.Days(2))
	assert.Equal(t, 1, e.runOnce(t).Outcomes[OutcomeCompleted])

	current = e.enrollment(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, current.Status)
	require.NotNil(t, current.CompletedAt)
	assert.Len(t, e.mailer.Sent(), 2)

	// Completed enrollments are never due again.
	e.advance(models.Days(30))
	assert.Zero(t, e.runOnce(t).Due)

	var orders []int
	for _, event := range e.bus.OfType(events.EnrollmentStepExecutedEvent) {
		orders = append(orders, event.(events.EnrollmentStepExecuted).StepOrder)
	}

	assert.Equal(t, []int{1, 2, 3}, orders, "cursor moves one step at a time")
	assert.Len(t, e.bus.OfType(events.EnrollmentCompletedEvent), 1)
}

func TestExecutor_ConditionBranches(t *testing.T) {
	tests := []struct {
		name      string
		engage    func(*models.Lead)
		wantOrder int
	}{
		{
			name:      "opened after enrollment takes the true branch",
			engage:    func(l *models.Lead) { at := testutil.Day(1); l.LastOpenedAt = &at },
			wantOrder: 4,
		},
		{
			name:      "opened before enrollment does not count",
			engage:    func(l *models.Lead) { at := testutil.Day0.Add(-time.Hour); l.LastOpenedAt = &at },
			wantOrder: 3,
		},
		{
			name:      "not opened takes the false branch",
			engage:    func(*models.Lead) {},
			wantOrder: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)

			workflow := testutil.CreateTestWorkflow(testutil.WithSteps(
				testutil.WaitStep(1, 0),
				testutil.ConditionStep(2, models.ConditionEmailOpened, 4, 0),
				testutil.EmailStep(3, 1),
				testutil.SetStatusStep(4, 0, models.ContactStatusInterested),
			))
			lead := testutil.CreateTestLead()
			enrollment := enrollOne(t, e, workflow, lead)

			e.runOnce(t)

			stored := e.lead(t, lead.ID)
			tt.engage(stored)
			require.NoError(t, e.store.LeadRepository().Save(t.Context(), stored))

			e.advance(models.Days(2))
			assert.Equal(t, 1, e.runOnce(t).Outcomes[OutcomeAdvanced])

			assert.Equal(t, tt.wantOrder, e.enrollment(t, enrollment.ID).CurrentStepOrder)
		})
	}
}

func TestExecutor_ConditionFinishBranchCompletes(t *testing.T) {
	e := newEngine(t)

	workflow := testutil.CreateTestWorkflow(testutil.WithSteps(
		testutil.ConditionStep(1, models.ConditionNoResponse, 0, 3),
		testutil.EmailStep(2, 0),
	))
	lead := testutil.CreateTestLead(func(l *models.Lead) { at := testutil.Day0; l.LastRepliedAt = &at })
	enrollment := enrollOne(t, e, workflow, lead)

	assert.Equal(t, 1, e.runOnce(t).Outcomes[OutcomeCompleted])
	assert.Equal(t, models.EnrollmentStatusCompleted, e.enrollment(t, enrollment.ID).Status)
	assert.Empty(t, e.mailer.Sent())
}

func TestExecutor_ExpressionCondition(t *testing.T) {
	e := newEngine(t)

	condition := testutil.ConditionStep(2, models.ConditionExpression, 3, 4)
	condition.Condition.Expression = `company == "Analytical Engines" && emails_sent >= 1`

	workflow := testutil.CreateTestWorkflow(testutil.WithSteps(
		testutil.EmailStep(1, 0),
		condition,
		testutil.SetStatusStep(3, 0, models.ContactStatusInterested),
		testutil.SetStatusStep(4, 0, models.ContactStatusNotInterested),
	))
	lead := testutil.CreateTestLead()
	enrollment := enrollOne(t, e, workflow, lead)

	e.runOnce(t)
	e.runOnce(t)
	assert.Equal(t, 3, e.enrollment(t, enrollment.ID).CurrentStepOrder)

	e.runOnce(t)
	assert.Equal(t, models.ContactStatusInterested, e.lead(t, lead.ID).ContactStatus)
	assert.Equal(t, 4, e.enrollment(t, enrollment.ID).CurrentStepOrder, "linear successor of a branch target")
}

func TestExecutor_SetStatusFansOutToOtherWorkflows(t *testing.T) {
	e := newEngine(t)

	// A moves leads to interested, B enrolls on interested and moves them back
	// to replied, which would enroll them into A again. The chain stops because
	// each workflow keeps at most one active enrollment per lead.
	a := testutil.CreateTestWorkflow(
		testutil.WithTrigger(models.Trigger{Type: models.TriggerStatusChangedTo, To: models.ContactStatusReplied}),
		testutil.WithSteps(testutil.WaitStep(1, 0), testutil.SetStatusStep(2, 0, models.ContactStatusInterested), testutil.WaitStep(3, 10)),
	)
	b := testutil.CreateTestWorkflow(
		testutil.WithTrigger(models.Trigger{Type: models.TriggerStatusChangedTo, To: models.ContactStatusInterested}),
		testutil.WithSteps(testutil.SetStatusStep(1, 0, models.ContactStatusReplied), testutil.WaitStep(2, 10)),
	)
	e.saveWorkflow(t, a)
	e.saveWorkflow(t, b)
	e.activate(t, a.ID)
	e.activate(t, b.ID)

	lead := e.saveLead(t, testutil.CreateTestLead(testutil.WithStatus(models.ContactStatusContacted)))

	_, err := NewStatusChanger(e.deps).Change(t.Context(), lead, models.ContactStatusReplied)
	require.NoError(t, err)
	require.Len(t, e.enrollments(t, a.ID, models.EnrollmentStatusActive), 1)

	for range 5 {
		e.runOnce(t)
	}

	assert.Len(t, e.enrollments(t, a.ID, ""), 1)
	assert.Len(t, e.enrollments(t, b.ID, ""), 1)
	assert.Equal(t, models.ContactStatusReplied, e.lead(t, lead.ID).ContactStatus)
}

func TestExecutor_TransientFailureRetriesWithoutMovingSchedule(t *testing.T) {
	e := newEngine(t)

	workflow := testutil.CreateTestWorkflow(testutil.WithSteps(testutil.EmailStep(1, 0), testutil.WaitStep(2, 1)))
	enrollment := enrollOne(t, e, workflow, testutil.CreateTestLead())

	e.mailer.failNext(1, errSMTPDown)

	assert.Equal(t, 1, e.runOnce(t).Outcomes[OutcomeRetrying])

	current := e.enrollment(t, enrollment.ID)
	assert.Equal(t, 1, current.CurrentStepOrder)
	assert.Equal(t, testutil.Day0, current.NextActionAt)
	assert.Equal(t, 1, current.Attempts)
	require.NotNil(t, current.RetryAfter)
	assert.Equal(t, testutil.Day0.Add(15*time.Minute), *current.RetryAfter)
	assert.Contains(t, current.LastError, errSMTPDown.Error())
	assert.Nil(t, current.LeaseToken)

	failed := e.bus.OfType(events.EnrollmentFailedEvent)
	require.Len(t, failed, 1)
	assert.False(t, failed[0].(events.EnrollmentFailed).Terminal)

	e.advance(10 * time.Minute)
	assert.Zero(t, e.runOnce(t).Due, "retry gate holds")

	e.advance(5 * time.Minute)
	assert.Equal(t, 1, e.runOnce(t).Outcomes[OutcomeAdvanced])

	current = e.enrollment(t, enrollment.ID)
	assert.Equal(t, 2, current.CurrentStepOrder)
	assert.Zero(t, current.Attempts)
	assert.Nil(t, current.RetryAfter)
	assert.Equal(t, testutil.Day0.Add(15*time.Minute).Add(models.Days(1)), current.NextActionAt)
	assert.Len(t, e.mailer.Sent(), 1)
}

func TestExecutor_RetryExhaustionCancels(t *testing.T) {
	e := newEngine(t)

	workflow := testutil.CreateTestWorkflow()
	enrollment := enrollOne(t, e, workflow, testutil.CreateTestLead())

	e.mailer.failNext(-1, errSMTPDown)

	assert.Equal(t, 1, e.runOnce(t).Outcomes[OutcomeRetrying])
	e.advance(15 * time.Minute)
	assert.Equal(t, 1, e.runOnce(t).Outcomes[OutcomeRetrying])
	e.advance(30 * time.Minute)
	assert.Equal(t, 1, e.runOnce(t).Outcomes[OutcomeCancelled])

	current := e.enrollment(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCancelled, current.Status)
	assert.Equal(t, models.CancelReasonRetryExhausted, current.CancelReason)
	assert.Contains(t, current.LastError, errSMTPDown.Error())

	failed := e.bus.OfType(events.EnrollmentFailedEvent)
	require.Len(t, failed, 3)
	assert.True(t, failed[2].(events.EnrollmentFailed).Terminal)
	assert.Equal(t, 3, failed[2].(events.EnrollmentFailed).Attempts)
}

func TestExecutor_TerminalFailures(t *testing.T) {
	tests := []struct {
		name    string
		lead    *models.Lead
		sender  bool
		wantErr string
	}{
		{
			name:    "no sender configured",
			lead:    testutil.CreateTestLead(),
			wantErr: ErrNoSender.Error(),
		},
		{
			name:    "lead without email address",
			lead:    testutil.CreateTestLead(func(l *models.Lead) { l.Email = "" }),
			sender:  true,
			wantErr: ErrNoEmailAddress.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)

			workflow := testutil.CreateTestWorkflow()
			if !tt.sender {
				workflow.Owner = "owner-without-sender"
				tt.lead.Owner = "owner-without-sender"
			}

			enrollment := enrollOne(t, e, workflow, tt.lead)

			assert.Equal(t, 1, e.runOnce(t).Outcomes[OutcomeCancelled])

			current := e.enrollment(t, enrollment.ID)
			assert.Equal(t, models.CancelReasonTerminalFailure, current.CancelReason)
			assert.Equal(t, tt.wantErr, current.LastError)
			assert.Empty(t, e.mailer.Sent())

			failed := e.bus.OfType(events.EnrollmentFailedEvent)
			require.Len(t, failed, 1)
			assert.True(t, failed[0].(events.EnrollmentFailed).Terminal)
		})
	}
}

func TestExecutor_CancelsForDeletedOrClosedEntities(t *testing.T) {
	t.Run("workflow deleted", func(t *testing.T) {
		e := newEngine(t)
		workflow := testutil.CreateTestWorkflow()
		enrollment := enrollOne(t, e, workflow, testutil.CreateTestLead())

		require.NoError(t, e.store.WorkflowRepository().Delete(t.Context(), workflow.ID, testutil.Day0))

		outcome, err := e.executor.Execute(t.Context(), enrollment)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCancelled, outcome)
		assert.Equal(t, models.CancelReasonWorkflowDeleted, e.enrollment(t, enrollment.ID).CancelReason)
	})

	t.Run("lead deleted", func(t *testing.T) {
		e := newEngine(t)
		lead := testutil.CreateTestLead()
		enrollment := enrollOne(t, e, testutil.CreateTestWorkflow(), lead)

		require.NoError(t, e.store.LeadRepository().Delete(t.Context(), lead.ID))

		assert.Equal(t, 1, e.runOnce(t).Outcomes[OutcomeCancelled])
		assert.Equal(t, models.CancelReasonLeadDeleted, e.enrollment(t, enrollment.ID).CancelReason)
	})

	t.Run("lead closed before an email step", func(t *testing.T) {
		e := newEngine(t)
		lead := testutil.CreateTestLead()
		enrollment := enrollOne(t, e, testutil.CreateTestWorkflow(), lead)

		_, err := e.store.LeadRepository().SetStatus(t.Context(), lead.ID, models.ContactStatusClosedLost, testutil.Day0)
		require.NoError(t, err)

		assert.Equal(t, 1, e.runOnce(t).Outcomes[OutcomeCancelled])
		assert.Equal(t, models.CancelReasonLeadTerminal, e.enrollment(t, enrollment.ID).CancelReason)
		assert.Empty(t, e.mailer.Sent())
	})
}

func TestExecutor_ConcurrentExecutionSendsOnce(t *testing.T) {
	e := newEngine(t)

	workflow := testutil.CreateTestWorkflow(testutil.WithSteps(testutil.EmailStep(1, 0), testutil.WaitStep(2, 1)))
	enrollment := enrollOne(t, e, workflow, testutil.CreateTestLead())

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make(map[Outcome]int)
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			snapshot := *enrollment

			outcome, err := e.executor.Execute(t.Context(), &snapshot)
			assert.NoError(t, err)

			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeAdvanced])
	assert.Equal(t, 7, outcomes[OutcomeSkipped])
	assert.Len(t, e.mailer.Sent(), 1)
	assert.Equal(t, 2, e.enrollment(t, enrollment.ID).CurrentStepOrder)
}

func TestExecutor_StaleSnapshotIsSkipped(t *testing.T) {
	e := newEngine(t)

	workflow := testutil.CreateTestWorkflow(testutil.WithSteps(testutil.WaitStep(1, 0), testutil.WaitStep(2, 0)))
	enrollment := enrollOne(t, e, workflow, testutil.CreateTestLead())

	stale := *enrollment

	outcome, err := e.executor.Execute(t.Context(), enrollment)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdvanced, outcome)

	outcome, err = e.executor.Execute(t.Context(), &stale)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, 2, e.enrollment(t, enrollment.ID).CurrentStepOrder)
}

func TestExecutor_RecordedSendIsNotRepeated(t *testing.T) {
	e := newEngine(t)

	workflow := testutil.CreateTestWorkflow(testutil.WithSteps(testutil.EmailStep(1, 0), testutil.WaitStep(2, 1)))
	enrollment := enrollOne(t, e, workflow, testutil.CreateTestLead())

	// A previous pass delivered and recorded the email, then lost its lease.
	require.NoError(t, e.store.EmailSendRepository().Record(t.Context(), &models.EmailSend{
		ID:           uuid.NewString(),
		EnrollmentID: enrollment.ID,
		StepOrder:    1,
		LeadID:       enrollment.LeadID,
		Subject:      "Hello",
		Body:         "Hi",
		SentAt:       testutil.Day0,
	}))

	assert.Equal(t, 1, e.runOnce(t).Outcomes[OutcomeAdvanced])
	assert.Empty(t, e.mailer.Sent())
	assert.Equal(t, 2, e.enrollment(t, enrollment.ID).CurrentStepOrder)
}

func TestExecutor_PauseModes(t *testing.T) {
	t.Run("stop new enrollment keeps in-flight enrollments running", func(t *testing.T) {
		e := newEngine(t)

		workflow := testutil.CreateTestWorkflow(testutil.WithSteps(testutil.WaitStep(1, 0), testutil.WaitStep(2, 1)))
		enrollment := enrollOne(t, e, workflow, testutil.CreateTestLead())
		e.pause(t, workflow.ID)

		assert.Equal(t, 1, e.runOnce(t).Outcomes[OutcomeAdvanced])
		assert.Equal(t, 2, e.enrollment(t, enrollment.ID).CurrentStepOrder)

		late := e.saveLead(t, testutil.CreateTestLead())
		_, err := e.evaluator.Enroll(t.Context(), workflow.ID, late.ID)
		assert.ErrorIs(t, err, ErrWorkflowInactive)
	})

	t.Run("freeze progress holds enrollments until reactivation", func(t *testing.T) {
		e := newEngine(t, func(c *Config) { c.PauseMode = PauseFreezeProgress })

		workflow := testutil.CreateTestWorkflow(testutil.WithSteps(testutil.WaitStep(1, 0), testutil.WaitStep(2, 1)))
		enrollment := enrollOne(t, e, workflow, testutil.CreateTestLead())
		e.pause(t, workflow.ID)

		assert.Zero(t, e.runOnce(t).Due)

		outcome, err := e.executor.Execute(t.Context(), enrollment)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, outcome)

		held := e.enrollment(t, enrollment.ID)
		assert.Equal(t, 1, held.CurrentStepOrder)
		assert.Nil(t, held.LeaseToken, "lease released")

		e.activate(t, workflow.ID)
		assert.Equal(t, 1, e.runOnce(t).Outcomes[OutcomeAdvanced])
		assert.Equal(t, 2, e.enrollment(t, enrollment.ID).CurrentStepOrder)
	})
}
