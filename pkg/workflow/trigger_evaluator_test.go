package workflow

import (
	"sync"
	"testing"

	"github.com/dukex/leadflow/pkg/events"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/tasks"
	"github.com/dukex/leadflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leadWithID(id string, overrides ...func(*models.Lead)) *models.Lead {
	return testutil.CreateTestLead(append([]func(*models.Lead){func(l *models.Lead) { l.ID = id }}, overrides...)...)
}

func TestSelectInitialEnrollees_StatusEquals(t *testing.T) {
	leads := []*models.Lead{
		leadWithID("A", testutil.WithStatus(models.ContactStatusNew)),
		leadWithID("B", testutil.WithStatus(models.ContactStatusContacted)),
		leadWithID("C", testutil.WithStatus(models.ContactStatusNew)),
	}

	trigger := models.Trigger{Type: models.TriggerStatusEquals, Status: models.ContactStatusNew}

	assert.Equal(t, []string{"A", "C"}, SelectInitialEnrollees(trigger, leads, testutil.Day0))
}

func TestSelectInitialEnrollees_InactivityBoundary(t *testing.T) {
	now := testutil.Day(100)

	leads := []*models.Lead{
		leadWithID("day-85", testutil.LastContacted(testutil.Day(85))),
		leadWithID("day-84", testutil.LastContacted(testutil.Day(84))),
		leadWithID("never"),
		leadWithID("won", testutil.WithStatus(models.ContactStatusClosedWon)),
		leadWithID("unqualified", testutil.WithStatus(models.ContactStatusUnqualified), testutil.LastContacted(testutil.Day(1))),
	}

	trigger := models.Trigger{Type: models.TriggerInactivity, Days: 14}

	assert.Equal(t, []string{"day-84", "never"}, SelectInitialEnrollees(trigger, leads, now))
}

func TestSelectInitialEnrollees_EventDrivenTriggersSelectNobody(t *testing.T) {
	leads := []*models.Lead{leadWithID("A"), leadWithID("B")}

	assert.Empty(t, SelectInitialEnrollees(models.ManualTrigger(), leads, testutil.Day0))
	assert.Empty(t, SelectInitialEnrollees(models.Trigger{Type: models.TriggerStatusChangedTo, To: models.ContactStatusNew}, leads, testutil.Day0))
}

func TestTriggerEvaluator_Activate(t *testing.T) {
	e := newEngine(t)

	a := e.saveLead(t, testutil.CreateTestLead())
	e.saveLead(t, testutil.CreateTestLead(testutil.WithStatus(models.ContactStatusContacted)))
	c := e.saveLead(t, testutil.CreateTestLead())
	e.saveLead(t, testutil.CreateTestLead(func(l *models.Lead) { l.Owner = "someone-else" }))

	workflow := e.saveWorkflow(t, testutil.CreateTestWorkflow(testutil.WithSteps(
		testutil.EmailStep(1, 2),
		testutil.WaitStep(2, 3),
	)))

	result := e.activate(t, workflow.ID)

	assert.True(t, result.Workflow.IsActive)
	require.NotNil(t, result.Workflow.ActivatedAt)
	assert.Equal(t, 2, result.Selected)
	require.Len(t, result.Enrolled, 2)

	enrolled := []string{result.Enrolled[0].LeadID, result.Enrolled[1].LeadID}
	assert.ElementsMatch(t, []string{a.ID, c.ID}, enrolled)

	for _, enrollment := range result.Enrolled {
		assert.Equal(t, 1, enrollment.CurrentStepOrder)
		assert.Equal(t, testutil.Day(2), enrollment.NextActionAt)
		assert.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
		assert.Equal(t, "owner-1", enrollment.Owner)
	}

	stored, err := e.store.WorkflowRepository().ByID(t.Context(), workflow.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)

	assert.Len(t, e.bus.OfType(events.EnrollmentCreatedEvent), 2)

	activated := e.bus.OfType(events.WorkflowActivatedEvent)
	require.Len(t, activated, 1)
	assert.Equal(t, 2, activated[0].(events.WorkflowActivated).Enrolled)

	assert.Equal(t, tasks.StateSucceeded, e.tasks.Status(ActivationKey(workflow.ID)).State)
}

func TestTriggerEvaluator_ActivateWithoutSteps(t *testing.T) {
	e := newEngine(t)
	e.saveLead(t, testutil.CreateTestLead())

	workflow := e.saveWorkflow(t, testutil.CreateTestWorkflow(testutil.WithSteps()))

	_, err := e.evaluator.Activate(t.Context(), workflow.ID)
	require.ErrorIs(t, err, ErrNoSteps)

	stored, err := e.store.WorkflowRepository().ByID(t.Context(), workflow.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Empty(t, e.enrollments(t, workflow.ID, ""))

	status := e.tasks.Status(ActivationKey(workflow.ID))
	assert.Equal(t, tasks.StateFailed, status.State)
	assert.Equal(t, ErrNoSteps.Error(), status.Error)
}

func TestTriggerEvaluator_ActivatePopulationFailureInsertsNothing(t *testing.T) {
	e := newEngine(t)
	e.saveLead(t, testutil.CreateTestLead())
	workflow := e.saveWorkflow(t, testutil.CreateTestWorkflow())

	deps := e.deps
	deps.Persistence = failingPopulation{e.store}

	_, err := NewTriggerEvaluator(deps).Activate(t.Context(), workflow.ID)
	require.ErrorContains(t, err, "failed to load lead population")

	stored, err := e.store.WorkflowRepository().ByID(t.Context(), workflow.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Empty(t, e.enrollments(t, workflow.ID, ""))
}

func TestTriggerEvaluator_ActivateInProgress(t *testing.T) {
	e := newEngine(t)
	workflow := e.saveWorkflow(t, testutil.CreateTestWorkflow())

	require.True(t, e.tasks.Start(ActivationKey(workflow.ID)))

	_, err := e.evaluator.Activate(t.Context(), workflow.ID)
	assert.ErrorIs(t, err, ErrActivationInProgress)
}

func TestTriggerEvaluator_ReactivationDoesNotDuplicate(t *testing.T) {
	e := newEngine(t)
	e.saveLead(t, testutil.CreateTestLead())
	e.saveLead(t, testutil.CreateTestLead())

	workflow := e.saveWorkflow(t, testutil.CreateTestWorkflow(testutil.WithSteps(testutil.WaitStep(1, 5))))

	first := e.activate(t, workflow.ID)
	require.Len(t, first.Enrolled, 2)

	e.pause(t, workflow.ID)
	e.advance(models.Days(1))

	second := e.activate(t, workflow.ID)
	assert.Equal(t, 2, second.Selected)
	assert.Empty(t, second.Enrolled)
	assert.Len(t, e.enrollments(t, workflow.ID, models.EnrollmentStatusActive), 2)
}

func TestTriggerEvaluator_ConcurrentActivationAndStatusChange(t *testing.T) {
	e := newEngine(t)
	lead := e.saveLead(t, testutil.CreateTestLead(testutil.WithStatus(models.ContactStatusReplied)))

	workflow := e.saveWorkflow(t, testutil.CreateTestWorkflow(
		testutil.WithTrigger(models.Trigger{Type: models.TriggerStatusEquals, Status: models.ContactStatusReplied}),
		testutil.Active(),
	))

	changed := events.LeadStatusChanged{
		BaseEvent: events.NewBaseEvent(events.LeadStatusChangedEvent, "owner-1", ""),
		LeadID:    lead.ID,
		From:      models.ContactStatusContacted,
		To:        models.ContactStatusReplied,
	}

	var wg sync.WaitGroup

	for range 4 {
		wg.Add(2)

		go func() {
			defer wg.Done()

			_, _ = NewTriggerEvaluator(e.deps).Activate(t.Context(), workflow.ID)
		}()

		go func() {
			defer wg.Done()

			assert.NoError(t, e.evaluator.HandleStatusChanged(t.Context(), &changed))
		}()
	}

	wg.Wait()

	assert.Len(t, e.enrollments(t, workflow.ID, models.EnrollmentStatusActive), 1)
}

func TestTriggerEvaluator_HandleStatusChanged(t *testing.T) {
	e := newEngine(t)
	lead := e.saveLead(t, testutil.CreateTestLead(testutil.WithStatus(models.ContactStatusInterested)))

	contacted := models.ContactStatusContacted

	fromContacted := e.saveWorkflow(t, testutil.CreateTestWorkflow(testutil.Active(), testutil.WithTrigger(models.Trigger{
		Type: models.TriggerStatusChangedTo, From: &contacted, To: models.ContactStatusInterested,
	})))
	anySource := e.saveWorkflow(t, testutil.CreateTestWorkflow(testutil.Active(), testutil.WithTrigger(models.Trigger{
		Type: models.TriggerStatusChangedTo, To: models.ContactStatusInterested,
	})))
	equals := e.saveWorkflow(t, testutil.CreateTestWorkflow(testutil.Active(), testutil.WithTrigger(models.Trigger{
		Type: models.TriggerStatusEquals, Status: models.ContactStatusInterested,
	})))
	otherTarget := e.saveWorkflow(t, testutil.CreateTestWorkflow(testutil.Active(), testutil.WithTrigger(models.Trigger{
		Type: models.TriggerStatusChangedTo, To: models.ContactStatusReplied,
	})))
	paused := e.saveWorkflow(t, testutil.CreateTestWorkflow(testutil.WithTrigger(models.Trigger{
		Type: models.TriggerStatusChangedTo, To: models.ContactStatusInterested,
	})))
	otherOwner := e.saveWorkflow(t, testutil.CreateTestWorkflow(testutil.Active(), testutil.WithOwner("owner-2"), testutil.WithTrigger(models.Trigger{
		Type: models.TriggerStatusChangedTo, To: models.ContactStatusInterested,
	})))

	changed := events.LeadStatusChanged{
		BaseEvent: events.NewBaseEvent(events.LeadStatusChangedEvent, "owner-1", ""),
		LeadID:    lead.ID,
		From:      models.ContactStatusReplied,
		To:        models.ContactStatusInterested,
	}

	require.NoError(t, e.evaluator.HandleStatusChanged(t.Context(), changed))

	assert.Empty(t, e.enrollments(t, fromContacted.ID, ""), "from does not match")
	assert.Len(t, e.enrollments(t, anySource.ID, ""), 1)
	assert.Len(t, e.enrollments(t, equals.ID, ""), 1)
	assert.Empty(t, e.enrollments(t, otherTarget.ID, ""))
	assert.Empty(t, e.enrollments(t, paused.ID, ""))
	assert.Empty(t, e.enrollments(t, otherOwner.ID, ""))

	require.NoError(t, e.evaluator.HandleStatusChanged(t.Context(), &changed))
	assert.Len(t, e.enrollments(t, anySource.ID, ""), 1, "replayed event does not duplicate")

	assert.Error(t, e.evaluator.HandleStatusChanged(t.Context(), "not an event"))
}

func TestTriggerEvaluator_SweepInactivity(t *testing.T) {
	e := newEngine(t)
	e.clock.Advance(models.Days(100))

	quiet := e.saveLead(t, testutil.CreateTestLead(testutil.LastContacted(testutil.Day(84))))
	e.saveLead(t, testutil.CreateTestLead(testutil.LastContacted(testutil.Day(85))))

	inactivity := e.saveWorkflow(t, testutil.CreateTestWorkflow(testutil.Active(), testutil.WithTrigger(models.Trigger{
		Type: models.TriggerInactivity, Days: 14,
	})))
	e.saveWorkflow(t, testutil.CreateTestWorkflow(testutil.Active()))

	enrolled, err := e.evaluator.SweepInactivity(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, enrolled)

	active := e.enrollments(t, inactivity.ID, models.EnrollmentStatusActive)
	require.Len(t, active, 1)
	assert.Equal(t, quiet.ID, active[0].LeadID)

	enrolled, err = e.evaluator.SweepInactivity(t.Context())
	require.NoError(t, err)
	assert.Zero(t, enrolled)
	assert.Equal(t, tasks.StateSucceeded, e.tasks.Status(InactivitySweepKey).State)
}

func TestTriggerEvaluator_Enroll(t *testing.T) {
	e := newEngine(t)
	lead := e.saveLead(t, testutil.CreateTestLead())
	foreign := e.saveLead(t, testutil.CreateTestLead(func(l *models.Lead) { l.Owner = "owner-2" }))

	workflow := e.saveWorkflow(t, testutil.CreateTestWorkflow(testutil.WithTrigger(models.ManualTrigger())))

	_, err := e.evaluator.Enroll(t.Context(), workflow.ID, lead.ID)
	require.ErrorIs(t, err, ErrWorkflowInactive)

	e.activate(t, workflow.ID)

	enrollment, err := e.evaluator.Enroll(t.Context(), workflow.ID, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, lead.ID, enrollment.LeadID)

	_, err = e.evaluator.Enroll(t.Context(), workflow.ID, lead.ID)
	require.ErrorIs(t, err, ErrDuplicateEnrollment)

	_, err = e.evaluator.Enroll(t.Context(), workflow.ID, foreign.ID)
	require.Error(t, err)

	created := e.bus.OfType(events.EnrollmentCreatedEvent)
	require.Len(t, created, 1)
	assert.Equal(t, SourceManual, created[0].(events.EnrollmentCreated).Source)
}
