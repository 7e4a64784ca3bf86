package services

import (
	"testing"

	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/dukex/leadflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflow_PreviewSchedule(t *testing.T) {
	f := newFixture(t)
	created := f.createWorkflow(t, testutil.WithSteps(
		testutil.EmailStep(1, 0),
		testutil.WaitStep(2, 2),
		testutil.EmailStep(3, 3),
	))

	preview, err := f.workflows.Preview(t.Context(), created.ID, PreviewRequest{})
	require.NoError(t, err)
	require.Len(t, preview.Steps, 3)
	assert.Empty(t, preview.Warnings)

	offsets := []int{0, 2, 5}
	for i, step := range preview.Steps {
		assert.Equal(t, offsets[i], step.OffsetDays)
		assert.Equal(t, testutil.Day(offsets[i]), step.ScheduledAt)
		assert.Nil(t, step.Draft)
	}
}

func TestWorkflow_PreviewWithLead(t *testing.T) {
	f := newFixture(t)
	f.saveSender(t)

	created := f.createWorkflow(t, testutil.WithSteps(testutil.EmailStep(1, 0), testutil.WaitStep(2, 1)))
	lead := f.saveLead(t)

	preview, err := f.workflows.Preview(t.Context(), created.ID, PreviewRequest{LeadID: lead.ID, Draft: true})
	require.NoError(t, err)
	assert.Empty(t, preview.Warnings)

	require.NotNil(t, preview.Steps[0].Draft)
	assert.Equal(t, "Following up", preview.Steps[0].Draft.Subject)
	assert.Contains(t, preview.Steps[0].Draft.Body, "Hi Ada")
	assert.Nil(t, preview.Steps[1].Draft)
}

func TestWorkflow_PreviewWarnings(t *testing.T) {
	f := newFixture(t)

	created := f.createWorkflow(t)
	lead := f.saveLead(t, testutil.WithStatus(models.ContactStatusClosedWon), func(l *models.Lead) { l.Email = "" })

	preview, err := f.workflows.Preview(t.Context(), created.ID, PreviewRequest{LeadID: lead.ID})
	require.NoError(t, err)
	assert.Len(t, preview.Warnings, 3)

	stranger := f.saveLead(t, func(l *models.Lead) { l.Owner = "owner-2" })
	_, err = f.workflows.Preview(t.Context(), created.ID, PreviewRequest{LeadID: stranger.ID})
	assert.ErrorIs(t, err, persistence.ErrLeadNotFound)

	empty := f.createWorkflow(t, testutil.WithSteps())
	preview, err = f.workflows.Preview(t.Context(), empty.ID, PreviewRequest{})
	require.NoError(t, err)
	assert.Empty(t, preview.Steps)
	assert.Len(t, preview.Warnings, 1)
}
