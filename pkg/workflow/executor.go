package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/leadflow/pkg/delivery"
	"github.com/dukex/leadflow/pkg/drafting"
	"github.com/dukex/leadflow/pkg/eventbus"
	"github.com/dukex/leadflow/pkg/events"
	"github.com/dukex/leadflow/pkg/metrics"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/otelhelper"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is what a single execution did to an enrollment.
type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRetrying  Outcome = "retrying"

	// OutcomeSkipped means the enrollment was not ours to run: the claim was
	// lost or its workflow is frozen.
	OutcomeSkipped Outcome = "skipped"
)

// Executor runs the current step of due enrollments.
//
// Every execution first claims the enrollment with a lease token; all later
// writes are compare-and-swap on that token and the step order, so two passes
// never both advance the same cursor. Email steps are additionally guarded by
// the per step send record.
type Executor struct {
	config      Config
	persistence persistence.Persistence
	events      eventbus.EventPublisher
	drafter     drafting.Drafter
	mailer      delivery.Mailer
	status      *StatusChanger
	conditions  *ConditionEvaluator
	clock       clockwork.Clock
	tracer      trace.Tracer
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func NewExecutor(config Config, deps Dependencies) *Executor {
	deps = deps.WithDefaults()

	return &Executor{
		config:      config,
		persistence: deps.Persistence,
		events:      deps.Events,
		drafter:     deps.Drafter,
		mailer:      deps.Mailer,
		status:      NewStatusChanger(deps),
		conditions:  NewConditionEvaluator(),
		clock:       deps.Clock,
		tracer:      deps.Tracer,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With("module", "step_executor"),
	}
}

// execution is one claimed run of an enrollment.
type execution struct {
	enrollment *models.Enrollment
	token      string
	order      int
	logger     *slog.Logger
}

// Execute claims the enrollment and runs its current step. Errors returned
// are infrastructure errors; step failures are recorded on the enrollment
// and reported through the outcome.
func (e *Executor) Execute(ctx context.Context, enrollment *models.Enrollment) (Outcome, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.execute_step",
		attribute.String(otelhelper.OwnerKey, enrollment.Owner),
		attribute.String(otelhelper.WorkflowIDKey, enrollment.WorkflowID),
		attribute.String(otelhelper.EnrollmentIDKey, enrollment.ID),
		attribute.String(otelhelper.LeadIDKey, enrollment.LeadID),
		attribute.Int(otelhelper.StepOrderKey, enrollment.CurrentStepOrder),
	)
	defer span.End()

	run := &execution{
		enrollment: enrollment,
		token:      uuid.NewString(),
		order:      enrollment.CurrentStepOrder,
		logger: e.logger.With(
			"enrollment_id", enrollment.ID,
			"workflow_id", enrollment.WorkflowID,
			"lead_id", enrollment.LeadID,
			"step_order", enrollment.CurrentStepOrder,
		),
	}

	now := e.clock.Now()

	claimed, err := e.persistence.EnrollmentRepository().Claim(ctx, enrollment.ID, run.order, run.token, now, now.Add(e.config.LeaseTTL))
	if err != nil {
		otelhelper.SetError(span, err)

		return "", fmt.Errorf("failed to claim enrollment %s: %w", enrollment.ID, err)
	}

	if !claimed {
		e.metrics.ClaimLost()
		span.SetAttributes(attribute.String(otelhelper.OutcomeKey, string(OutcomeSkipped)))

		return OutcomeSkipped, nil
	}

	outcome, err := e.execute(ctx, run)
	if persistence.IsClaimLost(err) {
		run.logger.WarnContext(ctx, "Lost enrollment claim during execution")
		e.metrics.ClaimLost()

		outcome, err = OutcomeSkipped, nil
	}

	if err != nil {
		otelhelper.SetError(span, err)
		e.release(ctx, run)

		return "", err
	}

	span.SetAttributes(attribute.String(otelhelper.OutcomeKey, string(outcome)))

	return outcome, nil
}

func (e *Executor) execute(ctx context.Context, run *execution) (Outcome, error) {
	enrollment := run.enrollment

	workflow, err := e.persistence.WorkflowRepository().ByID(ctx, enrollment.WorkflowID)
	if persistence.IsWorkflowNotFound(err) {
		return e.cancel(ctx, run, models.CancelReasonWorkflowDeleted, "")
	}

	if err != nil {
		return "", fmt.Errorf("failed to load workflow: %w", err)
	}

	if e.config.freezesProgress() && !workflow.IsActive {
		run.logger.DebugContext(ctx, "Workflow paused, holding enrollment")
		e.release(ctx, run)

		return OutcomeSkipped, nil
	}

	step := workflow.StepAt(run.order)
	if step == nil {
		return e.complete(ctx, run)
	}

	lead, err := e.persistence.LeadRepository().ByID(ctx, enrollment.LeadID)
	if persistence.IsLeadNotFound(err) {
		return e.cancel(ctx, run, models.CancelReasonLeadDeleted, "")
	}

	if err != nil {
		return "", fmt.Errorf("failed to load lead: %w", err)
	}

	if step.ActionType == models.ActionSendEmail && lead.ContactStatus.IsTerminal() {
		return e.cancel(ctx, run, models.CancelReasonLeadTerminal, "")
	}

	next, err := e.perform(ctx, run, step, lead)
	if err != nil {
		return e.fail(ctx, run, step, err)
	}

	e.metrics.StepExecuted(string(step.ActionType))

	return e.advance(ctx, run, workflow, step, next)
}

func (e *Executor) perform(ctx context.Context, run *execution, step *models.Step, lead *models.Lead) (int, error) {
	switch step.ActionType {
	case models.ActionSendEmail:
		return step.Successor(true), e.sendEmail(ctx, run, step, lead)
	case models.ActionWait:
		return step.Successor(true), nil
	case models.ActionSetStatus:
		_, err := e.status.Change(ctx, lead, step.NextStatus)

		return step.Successor(true), err
	case models.ActionCondition:
		met, err := e.conditions.Evaluate(step, lead, run.enrollment, e.clock.Now())
		if err != nil {
			return 0, err
		}

		run.logger.DebugContext(ctx, "Condition evaluated",
			"condition_type", step.Condition.ConditionType,
			"met", met)

		return step.Successor(met), nil
	default:
		return 0, Terminal(fmt.Errorf("%w: unknown action type %q", models.ErrInvalidStep, step.ActionType))
	}
}

// sendEmail drafts and delivers the email of step. A send already recorded
// for this enrollment step is not repeated, but its lead bookkeeping is
// finished in case the earlier attempt stopped short of it.
func (e *Executor) sendEmail(ctx context.Context, run *execution, step *models.Step, lead *models.Lead) error {
	sends := e.persistence.EmailSendRepository()

	previous, err := sends.ForStep(ctx, run.enrollment.ID, step.Order)
	if err == nil {
		run.logger.InfoContext(ctx, "Email already sent for step, not sending again")

		return e.recordContact(ctx, previous, lead)
	}

	if !errors.Is(err, persistence.ErrEmailSendNotFound) {
		return fmt.Errorf("failed to check previous send: %w", err)
	}

	if lead.Email == "" {
		return ErrNoEmailAddress
	}

	sender, err := e.persistence.SenderRepository().ByOwner(ctx, run.enrollment.Owner)
	if errors.Is(err, persistence.ErrSenderNotFound) {
		return ErrNoSender
	}

	if err != nil {
		return fmt.Errorf("failed to load sender: %w", err)
	}

	if e.drafter == nil {
		return Terminal(errors.New("no drafting service configured"))
	}

	draft, err := e.drafter.Draft(ctx, drafting.Request{
		Owner:        run.enrollment.Owner,
		LeadID:       lead.ID,
		LeadName:     lead.Name,
		LeadCompany:  lead.Company,
		SenderName:   sender.FromName,
		EmailType:    step.Email.EmailType,
		Tone:         step.Email.Tone,
		Hint:         step.Email.AIHint,
		StepOrder:    step.Order,
		PreviousSent: lead.EmailsSent,
	})
	if err != nil {
		return fmt.Errorf("failed to draft email: %w", err)
	}

	if draft.Empty() {
		return drafting.ErrEmptyDraft
	}

	err = e.mailer.Send(ctx, delivery.Message{
		Owner:        run.enrollment.Owner,
		FromAddress:  sender.FromAddress,
		FromName:     sender.FromName,
		To:           lead.Email,
		Subject:      draft.Subject,
		Body:         draft.Body,
		EnrollmentID: run.enrollment.ID,
		StepOrder:    step.Order,
	})
	if err != nil {
		return fmt.Errorf("failed to deliver email: %w", err)
	}

	sentAt := e.clock.Now()

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate send ID: %w", err)
	}

	// A crash between delivery and this record re-sends on the next claim;
	// the delivery API deduplicates on the enrollment step idempotency key.
	send := &models.EmailSend{
		ID:           id.String(),
		EnrollmentID: run.enrollment.ID,
		StepOrder:    step.Order,
		LeadID:       lead.ID,
		Subject:      draft.Subject,
		Body:         draft.Body,
		SentAt:       sentAt,
	}

	err = sends.Record(ctx, send)
	if err != nil && !errors.Is(err, persistence.ErrEmailAlreadySent) {
		return fmt.Errorf("failed to record send: %w", err)
	}

	err = e.recordContact(ctx, send, lead)
	if err != nil {
		return err
	}

	run.logger.InfoContext(ctx, "Email sent", "email_type", step.Email.EmailType)

	return nil
}

// recordContact applies send to the lead and moves a new lead to contacted.
// Both writes are idempotent, so a retried step repeats them safely.
func (e *Executor) recordContact(ctx context.Context, send *models.EmailSend, lead *models.Lead) error {
	err := e.persistence.LeadRepository().RecordContact(ctx, send)
	if err != nil {
		return fmt.Errorf("failed to record contact: %w", err)
	}

	fresh, err := e.persistence.LeadRepository().ByID(ctx, lead.ID)
	if err != nil {
		return fmt.Errorf("failed to reload lead: %w", err)
	}

	*lead = *fresh

	if lead.ContactStatus == models.ContactStatusNew {
		_, err = e.status.Change(ctx, lead, models.ContactStatusContacted)
		if err != nil {
			return err
		}
	}

	return nil
}

// advance moves the cursor to next, or completes the enrollment when next is
// past the last step. The delay of the next step counts from now.
func (e *Executor) advance(ctx context.Context, run *execution, workflow *models.Workflow, step *models.Step, next int) (Outcome, error) {
	completedAt := e.clock.Now()
	nextStep := workflow.StepAt(next)

	executed := events.EnrollmentStepExecuted{
		BaseEvent:    enrollmentEvent(events.EnrollmentStepExecutedEvent, run.enrollment),
		EnrollmentID: run.enrollment.ID,
		LeadID:       run.enrollment.LeadID,
		StepOrder:    step.Order,
		ActionType:   step.ActionType,
		NextOrder:    next,
	}

	if nextStep == nil {
		outcome, err := e.complete(ctx, run)
		if err != nil {
			return "", err
		}

		publish(ctx, e.events, run.logger, run.enrollment.LeadID, executed)

		return outcome, nil
	}

	nextActionAt := completedAt.Add(models.Days(nextStep.DelayDays))

	err := e.persistence.EnrollmentRepository().Advance(ctx, run.enrollment.ID, run.token, run.order, next, nextActionAt, completedAt)
	if err != nil {
		return "", err
	}

	run.logger.InfoContext(ctx, "Enrollment advanced",
		"action_type", step.ActionType,
		"next_order", next,
		"next_action_at", nextActionAt)

	executed.NextActionAt = nextActionAt
	publish(ctx, e.events, run.logger, run.enrollment.LeadID, executed)

	return OutcomeAdvanced, nil
}

func (e *Executor) complete(ctx context.Context, run *execution) (Outcome, error) {
	err := e.persistence.EnrollmentRepository().Complete(ctx, run.enrollment.ID, run.token, run.order, e.clock.Now())
	if err != nil {
		return "", err
	}

	run.logger.InfoContext(ctx, "Enrollment completed")
	e.metrics.EnrollmentFinished(string(models.EnrollmentStatusCompleted), "")

	publish(ctx, e.events, run.logger, run.enrollment.LeadID, events.EnrollmentCompleted{
		BaseEvent:    enrollmentEvent(events.EnrollmentCompletedEvent, run.enrollment),
		EnrollmentID: run.enrollment.ID,
		LeadID:       run.enrollment.LeadID,
	})

	return OutcomeCompleted, nil
}

func (e *Executor) cancel(ctx context.Context, run *execution, reason, lastErr string) (Outcome, error) {
	err := e.persistence.EnrollmentRepository().Cancel(ctx, run.enrollment.ID, run.token, run.order, reason, lastErr, e.clock.Now())
	if err != nil {
		return "", err
	}

	run.logger.InfoContext(ctx, "Enrollment cancelled", "reason", reason)
	e.metrics.EnrollmentFinished(string(models.EnrollmentStatusCancelled), reason)

	publish(ctx, e.events, run.logger, run.enrollment.LeadID, events.EnrollmentCancelled{
		BaseEvent:    enrollmentEvent(events.EnrollmentCancelledEvent, run.enrollment),
		EnrollmentID: run.enrollment.ID,
		LeadID:       run.enrollment.LeadID,
		Reason:       reason,
	})

	return OutcomeCancelled, nil
}

// fail records a failed attempt. Terminal errors and exhausted retries cancel
// the enrollment; anything else keeps the cursor and next action time and
// gates the next attempt behind the retry delay.
func (e *Executor) fail(ctx context.Context, run *execution, step *models.Step, stepErr error) (Outcome, error) {
	attempts := run.enrollment.Attempts + 1
	terminal := IsTerminal(stepErr)

	e.metrics.StepFailed(string(step.ActionType), terminal)

	failed := events.EnrollmentFailed{
		BaseEvent:    enrollmentEvent(events.EnrollmentFailedEvent, run.enrollment),
		EnrollmentID: run.enrollment.ID,
		LeadID:       run.enrollment.LeadID,
		StepOrder:    step.Order,
		Attempts:     attempts,
		Error:        stepErr.Error(),
	}

	if terminal || e.config.Retry.Exhausted(attempts) {
		reason := models.CancelReasonRetryExhausted
		if terminal {
			reason = models.CancelReasonTerminalFailure
		}

		run.logger.ErrorContext(ctx, "Step failed, cancelling enrollment",
			"action_type", step.ActionType,
			"attempts", attempts,
			"reason", reason,
			"error", stepErr)

		outcome, err := e.cancel(ctx, run, reason, stepErr.Error())
		if err != nil {
			return "", err
		}

		failed.Terminal = true
		publish(ctx, e.events, run.logger, run.enrollment.LeadID, failed)

		return outcome, nil
	}

	now := e.clock.Now()
	retryAfter := now.Add(e.config.Retry.Delay(attempts))

	run.logger.WarnContext(ctx, "Step failed, will retry",
		"action_type", step.ActionType,
		"attempts", attempts,
		"retry_after", retryAfter,
		"error", stepErr)

	err := e.persistence.EnrollmentRepository().RecordFailure(ctx, run.enrollment.ID, run.token, run.order, attempts, retryAfter, stepErr.Error(), now)
	if err != nil {
		return "", err
	}

	publish(ctx, e.events, run.logger, run.enrollment.LeadID, failed)

	return OutcomeRetrying, nil
}

func (e *Executor) release(ctx context.Context, run *execution) {
	err := e.persistence.EnrollmentRepository().Release(ctx, run.enrollment.ID, run.token, e.clock.Now())
	if err != nil && !persistence.IsClaimLost(err) {
		run.logger.ErrorContext(ctx, "Failed to release enrollment lease", "error", err)
	}
}
