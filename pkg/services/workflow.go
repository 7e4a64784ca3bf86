package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/dukex/leadflow/pkg/authoring"
	"github.com/dukex/leadflow/pkg/drafting"
	"github.com/dukex/leadflow/pkg/eventbus"
	"github.com/dukex/leadflow/pkg/events"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/dukex/leadflow/pkg/tasks"
	"github.com/dukex/leadflow/pkg/workflow"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrWorkflowNotFound is returned when a workflow is not found.
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound
)

type Workflow struct {
	persistence persistence.Persistence
	evaluator   *workflow.TriggerEvaluator
	drafter     drafting.Drafter
	events      eventbus.EventPublisher
	clock       clockwork.Clock
	tasks       *tasks.Registry
	logger      *slog.Logger
}

// NewWorkflow creates a new workflow service. When evaluator is nil one is
// built from deps.
func NewWorkflow(deps workflow.Dependencies, evaluator *workflow.TriggerEvaluator) *Workflow {
	deps = deps.WithDefaults()

	if evaluator == nil {
		evaluator = workflow.NewTriggerEvaluator(deps)
	}

	return &Workflow{
		persistence: deps.Persistence,
		evaluator:   evaluator,
		drafter:     deps.Drafter,
		events:      deps.Events,
		clock:       deps.Clock,
		tasks:       deps.Tasks,
		logger:      deps.Logger.With("module", "workflow_service"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// List returns the workflows of owner, newest first.
func (w *Workflow) List(ctx context.Context, owner string) ([]*models.Workflow, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, ErrEmptyOwnerID
	}

	workflows, err := w.persistence.WorkflowRepository().List(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return workflows, nil
}

// FetchByID retrieves a workflow by its ID.
func (w *Workflow) FetchByID(ctx context.Context, id string) (*models.Workflow, error) {
	return w.persistence.WorkflowRepository().ByID(ctx, id)
}

// Create stores a new workflow. Workflows are always created paused; a
// missing trigger defaults to manual enrollment.
func (w *Workflow) Create(ctx context.Context, definition *models.Workflow) (*models.Workflow, error) {
	if definition == nil {
		return nil, ErrWorkflowNil
	}

	definition.Name = strings.TrimSpace(definition.Name)
	if definition.Name == "" {
		return nil, ErrWorkflowNameRequired
	}

	definition.Owner = strings.TrimSpace(definition.Owner)
	if definition.Owner == "" {
		return nil, ErrEmptyOwnerID
	}

	if definition.Trigger.Type == "" {
		definition.Trigger = models.ManualTrigger()
	}

	err := definition.Trigger.Validate()
	if err != nil {
		return nil, err
	}

	steps, err := normalizeSteps(definition.Steps)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate workflow ID: %w", err)
	}

	now := w.clock.Now()
	definition.ID = id.String()
	definition.Steps = steps
	definition.IsActive = false
	definition.ActivatedAt = nil
	definition.DeletedAt = nil
	definition.CreatedAt = now
	definition.UpdatedAt = now

	err = w.persistence.WorkflowRepository().Save(ctx, definition)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "Workflow created",
		"workflow_id", definition.ID,
		"owner", definition.Owner,
		"steps", len(steps))

	return definition, nil
}

// UpdateWorkflowRequest holds the workflow attributes an update may change.
// Nil fields are left untouched.
type UpdateWorkflowRequest struct {
	Name        *string
	Description *string
	Trigger     *models.Trigger
}

// Update changes name, description or trigger. The trigger of an active
// workflow cannot change.
func (w *Workflow) Update(ctx context.Context, workflowID string, req UpdateWorkflowRequest) (*models.Workflow, error) {
	existing, err := w.persistence.WorkflowRepository().ByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	var details persistence.WorkflowDetails

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, ErrWorkflowNameRequired
		}

		details.Name = &name
	}

	details.Description = req.Description

	if req.Trigger != nil && !req.Trigger.Equal(existing.Trigger) {
		if existing.IsActive {
			return nil, ErrCannotModifyActive
		}

		err = req.Trigger.Validate()
		if err != nil {
			return nil, err
		}

		details.Trigger = req.Trigger
	}

	err = w.persistence.WorkflowRepository().UpdateDetails(ctx, workflowID, details, w.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	return w.persistence.WorkflowRepository().ByID(ctx, workflowID)
}

// Delete soft deletes a workflow and cancels all of its enrollments.
func (w *Workflow) Delete(ctx context.Context, workflowID string) error {
	existing, err := w.persistence.WorkflowRepository().ByID(ctx, workflowID)
	if err != nil {
		return err
	}

	now := w.clock.Now()

	err = w.persistence.WorkflowRepository().Delete(ctx, workflowID, now)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	cancelled, err := w.persistence.EnrollmentRepository().CancelByWorkflow(ctx, workflowID, models.CancelReasonWorkflowDeleted, now)
	if err != nil {
		return fmt.Errorf("failed to cancel enrollments of deleted workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "Workflow deleted",
		"workflow_id", workflowID,
		"cancelled_enrollments", cancelled)

	w.publish(ctx, workflowID, events.WorkflowDeleted{
		BaseEvent:            events.NewBaseEvent(events.WorkflowDeletedEvent, existing.Owner, workflowID),
		CancelledEnrollments: cancelled,
	})

	return nil
}

// Activate enables the workflow and enrolls the leads its trigger selects.
func (w *Workflow) Activate(ctx context.Context, workflowID string) (*workflow.ActivationResult, error) {
	return w.evaluator.Activate(ctx, workflowID)
}

// Pause stops new enrollment into the workflow. What happens to enrollments
// already in flight depends on the engine pause mode.
func (w *Workflow) Pause(ctx context.Context, workflowID string) (*models.Workflow, error) {
	changed, err := w.persistence.WorkflowRepository().SetActive(ctx, workflowID, false, w.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to pause workflow: %w", err)
	}

	paused, err := w.persistence.WorkflowRepository().ByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if !changed {
		return paused, nil
	}

	w.logger.InfoContext(ctx, "Workflow paused", "workflow_id", workflowID)

	w.publish(ctx, workflowID, events.WorkflowPaused{
		BaseEvent: events.NewBaseEvent(events.WorkflowPausedEvent, paused.Owner, workflowID),
	})

	return paused, nil
}

// WorkflowStats is the operator view of a workflow's enrollments.
type WorkflowStats struct {
	WorkflowID  string                  `json:"workflow_id"`
	IsActive    bool                    `json:"is_active"`
	Steps       int                     `json:"steps"`
	Enrollments models.EnrollmentCounts `json:"enrollments"`
	Activation  tasks.Task              `json:"activation"`
}

func (w *Workflow) Stats(ctx context.Context, workflowID string) (*WorkflowStats, error) {
	existing, err := w.persistence.WorkflowRepository().ByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	counts, err := w.persistence.EnrollmentRepository().CountByStatus(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to count enrollments: %w", err)
	}

	return &WorkflowStats{
		WorkflowID:  workflowID,
		IsActive:    existing.IsActive,
		Steps:       len(existing.Steps),
		Enrollments: counts,
		Activation:  w.tasks.Status(workflow.ActivationKey(workflowID)),
	}, nil
}

// ReplaceSteps swaps the whole step set of a paused workflow.
func (w *Workflow) ReplaceSteps(ctx context.Context, workflowID string, steps []*models.Step) (*models.Workflow, error) {
	existing, err := w.editable(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	steps, err = normalizeSteps(steps)
	if err != nil {
		return nil, err
	}

	return w.replace(ctx, existing, steps)
}

// ReplaceStepsFromCanvas projects an editor canvas into steps and replaces
// the step set with them.
func (w *Workflow) ReplaceStepsFromCanvas(ctx context.Context, workflowID string, canvas *authoring.Canvas) (*models.Workflow, error) {
	existing, err := w.editable(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	steps, err := authoring.Project(canvas)
	if err != nil {
		return nil, err
	}

	err = validateExpressions(steps)
	if err != nil {
		return nil, err
	}

	return w.replace(ctx, existing, steps)
}

// Canvas renders the step set of a workflow as an editor canvas.
func (w *Workflow) Canvas(ctx context.Context, workflowID string) (*authoring.Canvas, error) {
	existing, err := w.persistence.WorkflowRepository().ByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	return authoring.FromSteps(existing.Steps), nil
}

func (w *Workflow) editable(ctx context.Context, workflowID string) (*models.Workflow, error) {
	existing, err := w.persistence.WorkflowRepository().ByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if existing.IsActive {
		return nil, ErrCannotModifyActive
	}

	// Cursors of in-flight enrollments are step orders; renumbering would move them.
	counts, err := w.persistence.EnrollmentRepository().CountByStatus(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to count enrollments: %w", err)
	}

	if counts.Active > 0 {
		return nil, ErrEnrollmentsInFlight
	}

	return existing, nil
}

func (w *Workflow) replace(ctx context.Context, existing *models.Workflow, steps []*models.Step) (*models.Workflow, error) {
	now := w.clock.Now()

	err := w.persistence.WorkflowRepository().ReplaceSteps(ctx, existing.ID, steps, existing.UpdatedAt, now)
	if err != nil {
		return nil, fmt.Errorf("failed to replace steps: %w", err)
	}

	w.logger.InfoContext(ctx, "Workflow steps replaced",
		"workflow_id", existing.ID,
		"steps", len(steps))

	existing.Steps = steps
	existing.UpdatedAt = now

	return existing, nil
}

func (w *Workflow) publish(ctx context.Context, key string, event eventbus.Event) {
	err := w.events.Publish(ctx, key, event)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(),
			"key", key,
			"error", err)
	}
}

// normalizeSteps sorts steps by order and validates them as a whole. Steps
// submitted without any order are numbered by position.
func normalizeSteps(steps []*models.Step) ([]*models.Step, error) {
	steps = slices.Clone(steps)
	if steps == nil {
		steps = []*models.Step{}
	}

	unordered := !slices.ContainsFunc(steps, func(s *models.Step) bool { return s.Order != 0 })

	if unordered {
		for i, step := range steps {
			step.Order = i + 1
		}
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	err := models.ValidateSteps(steps)
	if err != nil {
		return nil, err
	}

	err = validateExpressions(steps)
	if err != nil {
		return nil, err
	}

	return steps, nil
}

func validateExpressions(steps []*models.Step) error {
	var errs []error

	for _, step := range steps {
		if step.ActionType != models.ActionCondition || step.Condition.ConditionType != models.ConditionExpression {
			continue
		}

		err := workflow.ValidateExpression(step.Condition.Expression)
		if err != nil {
			errs = append(errs, fmt.Errorf("step %d: %w", step.Order, err))
		}
	}

	return errors.Join(errs...)
}
