package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dukex/leadflow/pkg/eventbus"
	"github.com/dukex/leadflow/pkg/events"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/dukex/leadflow/pkg/workflow"
	"github.com/jonboulle/clockwork"
)

type Enrollment struct {
	persistence persistence.Persistence
	evaluator   *workflow.TriggerEvaluator
	events      eventbus.EventPublisher
	clock       clockwork.Clock
	logger      *slog.Logger
}

// NewEnrollment creates the operator enrollment service. When evaluator is
// nil one is built from deps.
func NewEnrollment(deps workflow.Dependencies, evaluator *workflow.TriggerEvaluator) *Enrollment {
	deps = deps.WithDefaults()

	if evaluator == nil {
		evaluator = workflow.NewTriggerEvaluator(deps)
	}

	return &Enrollment{
		persistence: deps.Persistence,
		evaluator:   evaluator,
		events:      deps.Events,
		clock:       deps.Clock,
		logger:      deps.Logger.With("module", "enrollment_service"),
	}
}

// Enroll puts one lead into an active workflow.
func (e *Enrollment) Enroll(ctx context.Context, workflowID, leadID string) (*models.Enrollment, error) {
	if workflowID == "" || leadID == "" {
		return nil, fmt.Errorf("%w: workflow and lead are required", ErrInvalidRequest)
	}

	return e.evaluator.Enroll(ctx, workflowID, leadID)
}

// Cancel stops an active enrollment on operator request.
func (e *Enrollment) Cancel(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	repo := e.persistence.EnrollmentRepository()

	err := repo.CancelActive(ctx, enrollmentID, models.CancelReasonOperator, e.clock.Now())
	if err != nil {
		return nil, err
	}

	enrollment, err := repo.ByID(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Enrollment cancelled by operator",
		"enrollment_id", enrollmentID,
		"workflow_id", enrollment.WorkflowID,
		"lead_id", enrollment.LeadID)

	err = e.events.Publish(ctx, enrollment.LeadID, events.EnrollmentCancelled{
		BaseEvent:    events.NewBaseEvent(events.EnrollmentCancelledEvent, enrollment.Owner, enrollment.WorkflowID),
		EnrollmentID: enrollment.ID,
		LeadID:       enrollment.LeadID,
		Reason:       models.CancelReasonOperator,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", events.EnrollmentCancelledEvent,
			"error", err)
	}

	return enrollment, nil
}

// List returns the enrollments of a workflow, filtered by status unless it
// is empty.
func (e *Enrollment) List(ctx context.Context, workflowID string, status models.EnrollmentStatus) ([]*models.Enrollment, error) {
	known := []models.EnrollmentStatus{
		models.EnrollmentStatusActive,
		models.EnrollmentStatusCompleted,
		models.EnrollmentStatusCancelled,
	}

	if status != "" && !slices.Contains(known, status) {
		return nil, NewValidationError("List", "INVALID_STATUS",
			fmt.Sprintf("invalid enrollment status '%s'", status), ErrInvalidRequest)
	}

	_, err := e.persistence.WorkflowRepository().ByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	return e.persistence.EnrollmentRepository().ListByWorkflow(ctx, workflowID, status)
}

func (e *Enrollment) FetchByID(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	return e.persistence.EnrollmentRepository().ByID(ctx, enrollmentID)
}

// Sends lists the emails delivered for an enrollment.
func (e *Enrollment) Sends(ctx context.Context, enrollmentID string) ([]*models.EmailSend, error) {
	_, err := e.persistence.EnrollmentRepository().ByID(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}

	return e.persistence.EmailSendRepository().ListByEnrollment(ctx, enrollmentID)
}
