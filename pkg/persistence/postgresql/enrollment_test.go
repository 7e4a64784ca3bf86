package postgresql_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/dukex/leadflow/pkg/persistence/postgresql"
	"github.com/dukex/leadflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedWorkflow(ctx context.Context, t *testing.T, p *postgresql.Persistence, overrides ...func(*models.Workflow)) *models.Workflow {
	t.Helper()

	workflow := testutil.CreateTestWorkflow(overrides...)
	require.NoError(t, p.WorkflowRepository().Save(ctx, workflow))

	return workflow
}

func TestEnrollmentRepository_EnrollIfAbsentIsIdempotent(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.EnrollmentRepository()
	workflow := seedWorkflow(ctx, t, p)

	inserted, err := repo.EnrollIfAbsent(ctx, []*models.Enrollment{
		testutil.CreateTestEnrollment(workflow.ID, "lead-a"),
		testutil.CreateTestEnrollment(workflow.ID, "lead-b"),
	})
	require.NoError(t, err)
	assert.Len(t, inserted, 2)

	inserted, err = repo.EnrollIfAbsent(ctx, []*models.Enrollment{
		testutil.CreateTestEnrollment(workflow.ID, "lead-a"),
		testutil.CreateTestEnrollment(workflow.ID, "lead-c"),
	})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "lead-c", inserted[0].LeadID)

	active, err := repo.ListByWorkflow(ctx, workflow.ID, models.EnrollmentStatusActive)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestEnrollmentRepository_ConcurrentEnrollYieldsOneRow(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.EnrollmentRepository()
	workflow := seedWorkflow(ctx, t, p)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			rows, err := repo.EnrollIfAbsent(ctx, []*models.Enrollment{testutil.CreateTestEnrollment(workflow.ID, "lead-a")})
			assert.NoError(t, err)

			mu.Lock()
			inserted += len(rows)
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, inserted)

	all, err := repo.ListByWorkflow(ctx, workflow.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEnrollmentRepository_ReenrollAfterCompletion(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.EnrollmentRepository()
	workflow := seedWorkflow(ctx, t, p)

	inserted, err := repo.EnrollIfAbsent(ctx, []*models.Enrollment{testutil.CreateTestEnrollment(workflow.ID, "lead-a")})
	require.NoError(t, err)
	require.Len(t, inserted, 1)

	first := inserted[0]

	claimed, err := repo.Claim(ctx, first.ID, 1, "token", testutil.Day(1), testutil.Day(1).Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, repo.Complete(ctx, first.ID, "token", 1, testutil.Day(1)))

	inserted, err = repo.EnrollIfAbsent(ctx, []*models.Enrollment{testutil.CreateTestEnrollment(workflow.ID, "lead-a")})
	require.NoError(t, err)
	assert.Len(t, inserted, 1)
}

func TestEnrollmentRepository_DueAndClaim(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.EnrollmentRepository()
	workflow := seedWorkflow(ctx, t, p, testutil.Active())

	now := testutil.Day(10)

	inserted, err := repo.EnrollIfAbsent(ctx, []*models.Enrollment{
		testutil.CreateTestEnrollment(workflow.ID, "due", func(e *models.Enrollment) { e.NextActionAt = testutil.Day(9) }),
		testutil.CreateTestEnrollment(workflow.ID, "exact", func(e *models.Enrollment) { e.NextActionAt = now }),
		testutil.CreateTestEnrollment(workflow.ID, "future", func(e *models.Enrollment) { e.NextActionAt = testutil.Day(11) }),
	})
	require.NoError(t, err)
	require.Len(t, inserted, 3)

	due, err := repo.Due(ctx, persistence.DueQuery{Now: now, Limit: 10})
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "due", due[0].LeadID)
	assert.Equal(t, "exact", due[1].LeadID)

	leaseUntil := now.Add(5 * time.Minute)

	claimed, err := repo.Claim(ctx, due[0].ID, 1, "pass-1", now, leaseUntil)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.Claim(ctx, due[0].ID, 1, "pass-2", now, leaseUntil)
	require.NoError(t, err)
	assert.False(t, claimed, "a live lease blocks a second claim")

	claimed, err = repo.Claim(ctx, due[1].ID, 2, "pass-2", now, leaseUntil)
	require.NoError(t, err)
	assert.False(t, claimed, "cursor mismatch blocks the claim")

	due, err = repo.Due(ctx, persistence.DueQuery{Now: now, Limit: 10})
	require.NoError(t, err)
	require.Len(t, due, 1)

	due, err = repo.Due(ctx, persistence.DueQuery{Now: leaseUntil, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, due, 2, "an expired lease is claimable again")
}

func TestEnrollmentRepository_CASGuards(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.EnrollmentRepository()
	workflow := seedWorkflow(ctx, t, p)

	inserted, err := repo.EnrollIfAbsent(ctx, []*models.Enrollment{testutil.CreateTestEnrollment(workflow.ID, "lead-a")})
	require.NoError(t, err)

	id := inserted[0].ID
	now := testutil.Day(1)

	claimed, err := repo.Claim(ctx, id, 1, "token", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	err = repo.Advance(ctx, id, "other", 1, 2, testutil.Day(3), now)
	assert.True(t, persistence.IsClaimLost(err))

	require.NoError(t, repo.Advance(ctx, id, "token", 1, 2, testutil.Day(3), now))

	err = repo.Advance(ctx, id, "token", 1, 2, testutil.Day(3), now)
	assert.True(t, persistence.IsClaimLost(err), "the lease is released after advancing")

	got, err := repo.ByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStepOrder)
	assert.True(t, got.NextActionAt.Equal(testutil.Day(3)))
	assert.Nil(t, got.LeaseToken)
}

func TestEnrollmentRepository_RecordFailureKeepsNextAction(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.EnrollmentRepository()
	workflow := seedWorkflow(ctx, t, p)

	inserted, err := repo.EnrollIfAbsent(ctx, []*models.Enrollment{testutil.CreateTestEnrollment(workflow.ID, "lead-a")})
	require.NoError(t, err)

	id := inserted[0].ID
	now := testutil.Day(1)

	claimed, err := repo.Claim(ctx, id, 1, "token", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	retryAfter := now.Add(30 * time.Minute)
	require.NoError(t, repo.RecordFailure(ctx, id, "token", 1, 1, retryAfter, "smtp timeout", now))

	got, err := repo.ByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.NextActionAt.Equal(testutil.Day0))
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "smtp timeout", got.LastError)
	require.NotNil(t, got.RetryAfter)

	due, err := repo.Due(ctx, persistence.DueQuery{Now: now, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, due, "the retry gate holds the enrollment back")

	due, err = repo.Due(ctx, persistence.DueQuery{Now: retryAfter, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestEnrollmentRepository_DueSkipsPausedWorkflows(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.EnrollmentRepository()
	paused := seedWorkflow(ctx, t, p)
	active := seedWorkflow(ctx, t, p, testutil.Active())

	_, err := repo.EnrollIfAbsent(ctx, []*models.Enrollment{
		testutil.CreateTestEnrollment(paused.ID, "lead-a"),
		testutil.CreateTestEnrollment(active.ID, "lead-b"),
	})
	require.NoError(t, err)

	due, err := repo.Due(ctx, persistence.DueQuery{Now: testutil.Day(1)})
	require.NoError(t, err)
	assert.Len(t, due, 2)

	due, err = repo.Due(ctx, persistence.DueQuery{Now: testutil.Day(1), ActiveWorkflowsOnly: true})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "lead-b", due[0].LeadID)
}

func TestEnrollmentRepository_CancelAndCounts(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.EnrollmentRepository()
	workflow := seedWorkflow(ctx, t, p)
	other := seedWorkflow(ctx, t, p)

	_, err := repo.EnrollIfAbsent(ctx, []*models.Enrollment{
		testutil.CreateTestEnrollment(workflow.ID, "lead-a"),
		testutil.CreateTestEnrollment(workflow.ID, "lead-b"),
		testutil.CreateTestEnrollment(workflow.ID, "lead-c"),
		testutil.CreateTestEnrollment(other.ID, "lead-a"),
	})
	require.NoError(t, err)

	cancelled, err := repo.CancelByLead(ctx, "lead-a", models.CancelReasonLeadDeleted, testutil.Day(1))
	require.NoError(t, err)
	assert.Equal(t, 2, cancelled)

	active, err := repo.ActiveFor(ctx, workflow.ID, "lead-b")
	require.NoError(t, err)
	require.NoError(t, repo.CancelActive(ctx, active.ID, models.CancelReasonOperator, testutil.Day(1)))

	err = repo.CancelActive(ctx, active.ID, models.CancelReasonOperator, testutil.Day(1))
	assert.True(t, persistence.IsEnrollmentNotFound(err))

	counts, err := repo.CountByStatus(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentCounts{Active: 1, Cancelled: 2}, counts)

	cancelled, err = repo.CancelByWorkflow(ctx, workflow.ID, models.CancelReasonWorkflowDeleted, testutil.Day(2))
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	_, err = repo.ActiveFor(ctx, workflow.ID, "lead-c")
	assert.True(t, persistence.IsEnrollmentNotFound(err))

	list, err := repo.ListByWorkflow(ctx, workflow.ID, models.EnrollmentStatusCancelled)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}
