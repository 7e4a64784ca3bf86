// Package persistence provides the data access layer for workflows, enrollments and leads.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/leadflow/pkg/models"
)

type Persistence interface {
	WorkflowRepository() WorkflowRepository
	EnrollmentRepository() EnrollmentRepository
	LeadRepository() LeadRepository
	SenderRepository() SenderRepository
	EmailSendRepository() EmailSendRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflow definitions and their step sets.
type WorkflowRepository interface {
	// List returns the non deleted workflows of owner, every owner when owner is empty.
	List(ctx context.Context, owner string) ([]*models.Workflow, error)

	// ListActive returns active, non deleted workflows of owner, every owner when empty.
	ListActive(ctx context.Context, owner string) ([]*models.Workflow, error)

	// ByID returns ErrWorkflowNotFound for unknown or deleted workflows.
	ByID(ctx context.Context, id string) (*models.Workflow, error)

	// Save upserts the workflow and replaces its steps in one unit. It is the
	// creation path; later changes go through the guarded writes below.
	Save(ctx context.Context, workflow *models.Workflow) error

	// UpdateDetails writes only the non nil fields of details. Changing the
	// trigger of an active workflow returns ErrWorkflowActive.
	UpdateDetails(ctx context.Context, id string, details WorkflowDetails, now time.Time) error

	// SetActive moves is_active to active and reports whether it changed.
	// Activating a workflow without steps returns ErrNoSteps.
	SetActive(ctx context.Context, id string, active bool, now time.Time) (bool, error)

	// ReplaceSteps swaps the whole step set of a paused workflow. Readers
	// observe either the previous set or the new one, never a mixture. It
	// returns ErrWorkflowActive for active workflows and ErrWorkflowChanged
	// when expectedUpdatedAt is set and no longer matches the stored row.
	ReplaceSteps(ctx context.Context, workflowID string, steps []*models.Step, expectedUpdatedAt, now time.Time) error

	// Delete soft deletes the workflow.
	Delete(ctx context.Context, id string, now time.Time) error
}

// WorkflowDetails holds the workflow columns an update may write.
type WorkflowDetails struct {
	Name        *string
	Description *string
	Trigger     *models.Trigger
}

// DueQuery selects enrollments ready for execution.
type DueQuery struct {
	Now   time.Time
	Limit int

	// ActiveWorkflowsOnly skips enrollments whose workflow is paused.
	ActiveWorkflowsOnly bool
}

// EnrollmentRepository is the enrollment ledger. Mutations that move the
// cursor or the status are compare-and-swap: they name the lease token and the
// step order the caller expects and return ErrClaimLost when either moved.
type EnrollmentRepository interface {
	// EnrollIfAbsent inserts every enrollment whose (workflow, lead) pair holds
	// no active enrollment, in one transaction. It returns the rows inserted.
	EnrollIfAbsent(ctx context.Context, enrollments []*models.Enrollment) ([]*models.Enrollment, error)

	// Due lists active enrollments whose next action time and retry gate have
	// passed and that hold no live lease, oldest next action first.
	Due(ctx context.Context, query DueQuery) ([]*models.Enrollment, error)

	// Claim takes a lease on the enrollment if it is still due at expectedOrder.
	Claim(ctx context.Context, id string, expectedOrder int, token string, now, leaseUntil time.Time) (bool, error)

	// Release drops a lease without touching the cursor.
	Release(ctx context.Context, id, token string, now time.Time) error

	Advance(ctx context.Context, id, token string, expectedOrder, nextOrder int, nextActionAt, now time.Time) error
	Complete(ctx context.Context, id, token string, expectedOrder int, now time.Time) error
	Cancel(ctx context.Context, id, token string, expectedOrder int, reason, lastErr string, now time.Time) error

	// RecordFailure stores a failed attempt and releases the lease. The next
	// action time is left untouched; retryAfter gates the next attempt.
	RecordFailure(ctx context.Context, id, token string, expectedOrder, attempts int, retryAfter time.Time, lastErr string, now time.Time) error

	// CancelActive cancels one active enrollment regardless of leases.
	CancelActive(ctx context.Context, id, reason string, now time.Time) error
	CancelByWorkflow(ctx context.Context, workflowID, reason string, now time.Time) (int, error)
	CancelByLead(ctx context.Context, leadID, reason string, now time.Time) (int, error)

	// ListByWorkflow filters by status unless status is empty.
	ListByWorkflow(ctx context.Context, workflowID string, status models.EnrollmentStatus) ([]*models.Enrollment, error)
	ByID(ctx context.Context, id string) (*models.Enrollment, error)

	// ActiveFor returns ErrEnrollmentNotFound when the lead is not enrolled.
	ActiveFor(ctx context.Context, workflowID, leadID string) (*models.Enrollment, error)
	CountByStatus(ctx context.Context, workflowID string) (models.EnrollmentCounts, error)
}

// LeadRepository is the part of the lead store the engine reads and mutates.
type LeadRepository interface {
	ByOwner(ctx context.Context, owner string) ([]*models.Lead, error)
	ByID(ctx context.Context, id string) (*models.Lead, error)
	Save(ctx context.Context, lead *models.Lead) error

	// SetStatus atomically writes the contact status and returns the previous one.
	SetStatus(ctx context.Context, id string, status models.ContactStatus, now time.Time) (models.ContactStatus, error)

	// RecordContact applies a recorded send to its lead: it moves the last
	// contact time forward to the send time and bumps the sent counter. A send
	// is applied once; repeating it is a no-op.
	RecordContact(ctx context.Context, send *models.EmailSend) error

	// RecordEngagement stamps one engagement timestamp, leaving every other
	// column alone, and returns the updated lead.
	RecordEngagement(ctx context.Context, id string, kind models.EngagementKind, at time.Time) (*models.Lead, error)
	Delete(ctx context.Context, id string) error
}

// SenderRepository holds the outbound identity of each owner.
type SenderRepository interface {
	ByOwner(ctx context.Context, owner string) (*models.Sender, error)
	Save(ctx context.Context, sender *models.Sender) error
}

// EmailSendRepository records delivered emails. A send is unique per
// enrollment step; recording a second one returns ErrEmailAlreadySent.
type EmailSendRepository interface {
	Record(ctx context.Context, send *models.EmailSend) error
	ForStep(ctx context.Context, enrollmentID string, stepOrder int) (*models.EmailSend, error)
	ListByEnrollment(ctx context.Context, enrollmentID string) ([]*models.EmailSend, error)
}
