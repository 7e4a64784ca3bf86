package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dukex/leadflow/pkg/eventbus"
	"github.com/dukex/leadflow/pkg/events"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/dukex/leadflow/pkg/workflow"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Lead is the part of the lead store the engine needs: status changes go
// through the status changer so triggers observe them, and deleting a lead
// cancels its enrollments.
type Lead struct {
	persistence persistence.Persistence
	status      *workflow.StatusChanger
	events      eventbus.EventPublisher
	clock       clockwork.Clock
	logger      *slog.Logger
}

func NewLead(deps workflow.Dependencies) *Lead {
	deps = deps.WithDefaults()

	return &Lead{
		persistence: deps.Persistence,
		status:      workflow.NewStatusChanger(deps),
		events:      deps.Events,
		clock:       deps.Clock,
		logger:      deps.Logger.With("module", "lead_service"),
	}
}

// Create stores a new lead. The lead enters the pipeline with a transition
// from no status, so status triggered workflows see it.
func (l *Lead) Create(ctx context.Context, lead *models.Lead) (*models.Lead, error) {
	if lead == nil {
		return nil, fmt.Errorf("%w: lead is required", ErrInvalidRequest)
	}

	lead.Owner = strings.TrimSpace(lead.Owner)
	if lead.Owner == "" {
		return nil, ErrEmptyOwnerID
	}

	if lead.ContactStatus == "" {
		lead.ContactStatus = models.ContactStatusNew
	}

	if !lead.ContactStatus.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, lead.ContactStatus)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate lead ID: %w", err)
	}

	now := l.clock.Now()
	lead.ID = id.String()
	lead.CreatedAt = now
	lead.UpdatedAt = now

	err = l.persistence.LeadRepository().Save(ctx, lead)
	if err != nil {
		return nil, fmt.Errorf("failed to create lead: %w", err)
	}

	l.publish(ctx, lead.ID, events.LeadStatusChanged{
		BaseEvent: events.NewBaseEvent(events.LeadStatusChangedEvent, lead.Owner, ""),
		LeadID:    lead.ID,
		To:        lead.ContactStatus,
	})

	return lead, nil
}

func (l *Lead) FetchByID(ctx context.Context, id string) (*models.Lead, error) {
	return l.persistence.LeadRepository().ByID(ctx, id)
}

func (l *Lead) List(ctx context.Context, owner string) ([]*models.Lead, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, ErrEmptyOwnerID
	}

	return l.persistence.LeadRepository().ByOwner(ctx, owner)
}

// UpdateStatus moves a lead to status, publishing the transition.
func (l *Lead) UpdateStatus(ctx context.Context, id string, status models.ContactStatus) (*models.Lead, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	lead, err := l.persistence.LeadRepository().ByID(ctx, id)
	if err != nil {
		return nil, err
	}

	_, err = l.status.Change(ctx, lead, status)
	if err != nil {
		return nil, err
	}

	return lead, nil
}

// RecordEngagement stamps an open, click or reply on the lead. A reply moves
// leads that are still early in the pipeline to replied.
func (l *Lead) RecordEngagement(ctx context.Context, id string, kind models.EngagementKind) (*models.Lead, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown engagement %q", ErrInvalidRequest, kind)
	}

	lead, err := l.persistence.LeadRepository().RecordEngagement(ctx, id, kind, l.clock.Now())
	if err != nil {
		return nil, err
	}

	l.publish(ctx, lead.ID, events.LeadEngaged{
		BaseEvent: events.NewBaseEvent(events.LeadEngagedEvent, lead.Owner, ""),
		LeadID:    lead.ID,
		Kind:      kind,
	})

	early := []models.ContactStatus{models.ContactStatusNew, models.ContactStatusContacted}
	if kind == models.EngagementReplied && slices.Contains(early, lead.ContactStatus) {
		_, err = l.status.Change(ctx, lead, models.ContactStatusReplied)
		if err != nil {
			return nil, err
		}
	}

	return lead, nil
}

// Delete removes a lead after cancelling all of its enrollments.
func (l *Lead) Delete(ctx context.Context, id string) error {
	_, err := l.persistence.LeadRepository().ByID(ctx, id)
	if err != nil {
		return err
	}

	cancelled, err := l.persistence.EnrollmentRepository().CancelByLead(ctx, id, models.CancelReasonLeadDeleted, l.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to cancel enrollments of lead: %w", err)
	}

	err = l.persistence.LeadRepository().Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete lead: %w", err)
	}

	l.logger.InfoContext(ctx, "Lead deleted",
		"lead_id", id,
		"cancelled_enrollments", cancelled)

	return nil
}

// SaveSender configures the outbound identity of an owner.
func (l *Lead) SaveSender(ctx context.Context, sender *models.Sender) (*models.Sender, error) {
	if sender == nil {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidRequest)
	}

	sender.Owner = strings.TrimSpace(sender.Owner)
	if sender.Owner == "" {
		return nil, ErrEmptyOwnerID
	}

	if sender.FromAddress == "" {
		return nil, fmt.Errorf("%w: from address is required", ErrInvalidRequest)
	}

	sender.UpdatedAt = l.clock.Now()

	err := l.persistence.SenderRepository().Save(ctx, sender)
	if err != nil {
		return nil, fmt.Errorf("failed to save sender: %w", err)
	}

	return sender, nil
}

func (l *Lead) FetchSender(ctx context.Context, owner string) (*models.Sender, error) {
	return l.persistence.SenderRepository().ByOwner(ctx, owner)
}

func (l *Lead) publish(ctx context.Context, key string, event eventbus.Event) {
	err := l.events.Publish(ctx, key, event)
	if err != nil {
		l.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(),
			"key", key,
			"error", err)
	}
}
