package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/leadflow/pkg/eventbus"
	"github.com/dukex/leadflow/pkg/events"
	"github.com/dukex/leadflow/pkg/metrics"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/dukex/leadflow/pkg/tasks"
	"github.com/jonboulle/clockwork"
)

// Enrollment sources, recorded on EnrollmentCreated events and metrics.
const (
	SourceActivation   = "activation"
	SourceStatusChange = "status_change"
	SourceInactivity   = "inactivity"
	SourceManual       = "manual"
)

// InactivitySweepKey is the task registry key of the inactivity sweep.
const InactivitySweepKey = "sweep:inactivity"

// ActivationKey is the task registry key of a workflow activation pass.
func ActivationKey(workflowID string) string {
	return "activate:" + workflowID
}

// SelectInitialEnrollees returns the IDs of the leads the trigger selects at
// activation time. Event driven and manual triggers select nobody.
func SelectInitialEnrollees(trigger models.Trigger, leads []*models.Lead, now time.Time) []string {
	selected := make([]string, 0)

	for _, lead := range leads {
		if selects(trigger, lead, now) {
			selected = append(selected, lead.ID)
		}
	}

	return selected
}

func selects(trigger models.Trigger, lead *models.Lead, now time.Time) bool {
	switch trigger.Type {
	case models.TriggerStatusEquals:
		return lead.ContactStatus == trigger.Status
	case models.TriggerInactivity:
		if lead.ContactStatus.IsTerminal() {
			return false
		}

		return lead.LastContactedAt == nil || lead.LastContactedAt.Before(trigger.InactivityCutoff(now))
	default:
		return false
	}
}

// ActivationResult summarizes one activation pass.
type ActivationResult struct {
	Workflow *models.Workflow
	Selected int
	Enrolled []*models.Enrollment
}

// TriggerEvaluator turns trigger descriptors into enrollments. Every path
// goes through the ledger's enroll-if-absent, so overlapping passes and
// status change chains never duplicate an active enrollment.
type TriggerEvaluator struct {
	persistence persistence.Persistence
	events      eventbus.EventPublisher
	clock       clockwork.Clock
	metrics     *metrics.Metrics
	tasks       *tasks.Registry
	logger      *slog.Logger
}

func NewTriggerEvaluator(deps Dependencies) *TriggerEvaluator {
	deps = deps.WithDefaults()

	return &TriggerEvaluator{
		persistence: deps.Persistence,
		events:      deps.Events,
		clock:       deps.Clock,
		metrics:     deps.Metrics,
		tasks:       deps.Tasks,
		logger:      deps.Logger.With("module", "trigger_evaluator"),
	}
}

// Activate marks the workflow active and enrolls the leads its trigger
// selects. The lead population is loaded before anything is written, so a
// failing query leaves the workflow and the ledger untouched. The active flag
// is flipped with a guarded write and never overwrites concurrent edits.
func (t *TriggerEvaluator) Activate(ctx context.Context, workflowID string) (result *ActivationResult, err error) {
	key := ActivationKey(workflowID)
	if !t.tasks.Start(key) {
		return nil, ErrActivationInProgress
	}

	defer func() { t.tasks.Finish(key, err) }()

	workflow, err := t.persistence.WorkflowRepository().ByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if len(workflow.Steps) == 0 {
		return nil, ErrNoSteps
	}

	err = workflow.Trigger.Validate()
	if err != nil {
		return nil, err
	}

	leads, err := t.persistence.LeadRepository().ByOwner(ctx, workflow.Owner)
	if err != nil {
		return nil, fmt.Errorf("failed to load lead population: %w", err)
	}

	now := t.clock.Now()

	_, err = t.persistence.WorkflowRepository().SetActive(ctx, workflowID, true, now)
	if err != nil {
		return nil, fmt.Errorf("failed to activate workflow: %w", err)
	}

	// Steps and trigger are frozen from here on; select against what was activated.
	workflow, err = t.persistence.WorkflowRepository().ByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	selected := SelectInitialEnrollees(workflow.Trigger, leads, now)

	enrolled, err := t.enroll(ctx, workflow, selected, SourceActivation, now)
	if err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "Workflow activated",
		"workflow_id", workflow.ID,
		"trigger_type", workflow.Trigger.Type,
		"selected", len(selected),
		"enrolled", len(enrolled))

	publish(ctx, t.events, t.logger, workflow.ID, events.WorkflowActivated{
		BaseEvent: events.NewBaseEvent(events.WorkflowActivatedEvent, workflow.Owner, workflow.ID),
		Enrolled:  len(enrolled),
	})

	return &ActivationResult{Workflow: workflow, Selected: len(selected), Enrolled: enrolled}, nil
}

// HandleStatusChanged enrolls the lead of a LeadStatusChanged event into every
// active workflow of its owner whose trigger matches the transition. It is
// registered as an event bus handler.
func (t *TriggerEvaluator) HandleStatusChanged(ctx context.Context, event any) error {
	var changed events.LeadStatusChanged

	switch e := event.(type) {
	case *events.LeadStatusChanged:
		changed = *e
	case events.LeadStatusChanged:
		changed = e
	default:
		return fmt.Errorf("unexpected event %T", event)
	}

	workflows, err := t.persistence.WorkflowRepository().ListActive(ctx, changed.Owner)
	if err != nil {
		return fmt.Errorf("failed to list active workflows: %w", err)
	}

	now := t.clock.Now()

	var errs []error

	for _, workflow := range workflows {
		if len(workflow.Steps) == 0 || !workflow.Trigger.MatchesTransition(changed.From, changed.To) {
			continue
		}

		_, err := t.enroll(ctx, workflow, []string{changed.LeadID}, SourceStatusChange, now)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// SweepInactivity re-runs every active inactivity trigger and enrolls the
// leads that went quiet since the last sweep. It returns the number of new
// enrollments.
func (t *TriggerEvaluator) SweepInactivity(ctx context.Context) (total int, err error) {
	if !t.tasks.Start(InactivitySweepKey) {
		return 0, nil
	}

	defer func() { t.tasks.Finish(InactivitySweepKey, err) }()

	workflows, err := t.persistence.WorkflowRepository().ListActive(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list active workflows: %w", err)
	}

	now := t.clock.Now()
	populations := make(map[string][]*models.Lead)

	var errs []error

	for _, workflow := range workflows {
		if workflow.Trigger.Type != models.TriggerInactivity || len(workflow.Steps) == 0 {
			continue
		}

		leads, loaded := populations[workflow.Owner]
		if !loaded {
			leads, err = t.persistence.LeadRepository().ByOwner(ctx, workflow.Owner)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to load leads of %s: %w", workflow.Owner, err))

				continue
			}

			populations[workflow.Owner] = leads
		}

		enrolled, err := t.enroll(ctx, workflow, SelectInitialEnrollees(workflow.Trigger, leads, now), SourceInactivity, now)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		total += len(enrolled)
	}

	t.logger.InfoContext(ctx, "Inactivity sweep finished", "enrolled", total)

	return total, errors.Join(errs...)
}

// Enroll is the operator path: it enrolls one lead into an active workflow
// and reports ErrDuplicateEnrollment when the lead is already active in it.
func (t *TriggerEvaluator) Enroll(ctx context.Context, workflowID, leadID string) (*models.Enrollment, error) {
	workflow, err := t.persistence.WorkflowRepository().ByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if !workflow.IsActive {
		return nil, ErrWorkflowInactive
	}

	if len(workflow.Steps) == 0 {
		return nil, ErrNoSteps
	}

	lead, err := t.persistence.LeadRepository().ByID(ctx, leadID)
	if err != nil {
		return nil, err
	}

	if lead.Owner != workflow.Owner {
		return nil, persistence.NewLeadError("Enroll", leadID, persistence.ErrLeadNotFound)
	}

	enrolled, err := t.enroll(ctx, workflow, []string{leadID}, SourceManual, t.clock.Now())
	if err != nil {
		return nil, err
	}

	if len(enrolled) == 0 {
		return nil, ErrDuplicateEnrollment
	}

	return enrolled[0], nil
}

func (t *TriggerEvaluator) enroll(ctx context.Context, workflow *models.Workflow, leadIDs []string, source string, now time.Time) ([]*models.Enrollment, error) {
	if len(leadIDs) == 0 {
		return nil, nil
	}

	candidates := make([]*models.Enrollment, 0, len(leadIDs))

	for _, leadID := range leadIDs {
		enrollment, err := newEnrollment(workflow, leadID, now)
		if err != nil {
			return nil, fmt.Errorf("failed to create enrollment: %w", err)
		}

		candidates = append(candidates, enrollment)
	}

	enrolled, err := t.persistence.EnrollmentRepository().EnrollIfAbsent(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to enroll leads into workflow %s: %w", workflow.ID, err)
	}

	t.metrics.EnrollmentsCreated(source, len(enrolled))

	if skipped := len(candidates) - len(enrolled); skipped > 0 {
		t.logger.DebugContext(ctx, "Skipped leads already enrolled",
			"workflow_id", workflow.ID,
			"source", source,
			"skipped", skipped)
	}

	for _, enrollment := range enrolled {
		publish(ctx, t.events, t.logger, enrollment.LeadID, events.EnrollmentCreated{
			BaseEvent:    enrollmentEvent(events.EnrollmentCreatedEvent, enrollment),
			EnrollmentID: enrollment.ID,
			LeadID:       enrollment.LeadID,
			Source:       source,
			NextActionAt: enrollment.NextActionAt,
		})
	}

	return enrolled, nil
}
