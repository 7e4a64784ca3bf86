package services

import (
	"testing"

	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// branchingWorkflow is intro, opened? (true skips to the wait), follow-up, wait.
func branchingWorkflow(t *testing.T, f *fixture) *models.Workflow {
	t.Helper()

	followUp := testutil.EmailStep(3, 2)
	followUp.Email.EmailType = "follow_up"

	return f.createWorkflow(t, testutil.WithSteps(
		testutil.EmailStep(1, 0),
		testutil.ConditionStep(2, models.ConditionEmailOpened, 4, 0),
		followUp,
		testutil.WaitStep(4, 1),
	))
}

func TestWorkflow_AddStep(t *testing.T) {
	f := newFixture(t)
	created := branchingWorkflow(t, f)

	updated, err := f.workflows.AddStep(t.Context(), created.ID, testutil.SetStatusStep(0, 0, models.ContactStatusContacted), 3)
	require.NoError(t, err)
	require.Len(t, updated.Steps, 5)

	assert.Equal(t, models.ActionSetStatus, updated.Steps[2].ActionType)
	assert.Equal(t, "follow_up", updated.Steps[3].Email.EmailType)
	assert.Equal(t, 5, *updated.Steps[1].Condition.OnTrue, "branch follows the wait step")

	for i, step := range updated.Steps {
		assert.Equal(t, i+1, step.Order)
	}

	appended, err := f.workflows.AddStep(t.Context(), created.ID, testutil.ConditionStep(0, models.ConditionNoResponse, 0, 7), 0)
	require.NoError(t, err)
	require.Len(t, appended.Steps, 6)
	assert.Equal(t, 7, *appended.Steps[5].Condition.OnFalse, "new step destinations use the new numbering")

	_, err = f.workflows.AddStep(t.Context(), created.ID, testutil.WaitStep(0, 1), 9)
	assert.ErrorIs(t, err, ErrInvalidPosition)
	assert.True(t, IsValidationError(err))
}

func TestWorkflow_RemoveStep(t *testing.T) {
	f := newFixture(t)
	created := branchingWorkflow(t, f)

	updated, err := f.workflows.RemoveStep(t.Context(), created.ID, 4)
	require.NoError(t, err)
	require.Len(t, updated.Steps, 3)
	assert.Nil(t, updated.Steps[1].Condition.OnTrue, "branch to a removed step continues in sequence")

	updated, err = f.workflows.RemoveStep(t.Context(), created.ID, 1)
	require.NoError(t, err)
	require.Len(t, updated.Steps, 2)
	assert.Equal(t, models.ActionCondition, updated.Steps[0].ActionType)
	assert.Equal(t, 1, updated.Steps[0].Order)

	_, err = f.workflows.RemoveStep(t.Context(), created.ID, 3)
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestWorkflow_MoveStep(t *testing.T) {
	f := newFixture(t)
	created := branchingWorkflow(t, f)

	updated, err := f.workflows.MoveStep(t.Context(), created.ID, 3, 1)
	require.NoError(t, err)
	require.Len(t, updated.Steps, 4)
	assert.Equal(t, "follow_up", updated.Steps[0].Email.EmailType)
	assert.Equal(t, models.ActionCondition, updated.Steps[2].ActionType)
	assert.Equal(t, 4, *updated.Steps[2].Condition.OnTrue)

	updated, err = f.workflows.MoveStep(t.Context(), created.ID, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ActionWait, updated.Steps[0].ActionType)
	assert.Equal(t, models.ActionCondition, updated.Steps[3].ActionType)
	assert.Nil(t, updated.Steps[3].Condition.OnTrue, "a branch that would point backwards is dropped")

	_, err = f.workflows.MoveStep(t.Context(), created.ID, 0, 2)
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestWorkflow_StepEditsRejectedWhileActive(t *testing.T) {
	f := newFixture(t)
	created := branchingWorkflow(t, f)

	_, err := f.workflows.Activate(t.Context(), created.ID)
	require.NoError(t, err)

	_, err = f.workflows.AddStep(t.Context(), created.ID, testutil.WaitStep(0, 1), 0)
	assert.ErrorIs(t, err, ErrCannotModifyActive)

	_, err = f.workflows.RemoveStep(t.Context(), created.ID, 1)
	assert.ErrorIs(t, err, ErrCannotModifyActive)

	_, err = f.workflows.MoveStep(t.Context(), created.ID, 1, 2)
	assert.ErrorIs(t, err, ErrCannotModifyActive)
}

func TestWorkflow_StepEditsRejectedWithEnrollmentsInFlight(t *testing.T) {
	f := newFixture(t)
	f.saveLead(t)

	created := branchingWorkflow(t, f)

	result, err := f.workflows.Activate(t.Context(), created.ID)
	require.NoError(t, err)
	require.Len(t, result.Enrolled, 1)

	_, err = f.workflows.Pause(t.Context(), created.ID)
	require.NoError(t, err)

	_, err = f.workflows.RemoveStep(t.Context(), created.ID, 1)
	require.ErrorIs(t, err, ErrEnrollmentsInFlight)
	assert.True(t, IsConflictError(err))

	_, err = f.workflows.MoveStep(t.Context(), created.ID, 4, 1)
	assert.ErrorIs(t, err, ErrEnrollmentsInFlight)

	fetched, err := f.workflows.FetchByID(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionSendEmail, fetched.Steps[0].ActionType, "the enrolled cursor still names the same step")

	_, err = f.enrollments.Cancel(t.Context(), result.Enrolled[0].ID)
	require.NoError(t, err)

	updated, err := f.workflows.RemoveStep(t.Context(), created.ID, 4)
	require.NoError(t, err)
	assert.Len(t, updated.Steps, 3)
}
