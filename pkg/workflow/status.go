package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/leadflow/pkg/eventbus"
	"github.com/dukex/leadflow/pkg/events"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/jonboulle/clockwork"
)

// StatusChanger is the single write path for lead contact statuses. Every
// effective change is published as a LeadStatusChanged event so status
// triggered workflows can enroll the lead.
type StatusChanger struct {
	leads  persistence.LeadRepository
	events eventbus.EventPublisher
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewStatusChanger(deps Dependencies) *StatusChanger {
	deps = deps.WithDefaults()

	return &StatusChanger{
		leads:  deps.Persistence.LeadRepository(),
		events: deps.Events,
		clock:  deps.Clock,
		logger: deps.Logger.With("module", "status_changer"),
	}
}

// Change moves lead to status and returns the previous status. lead is
// updated in place. Setting the current status again publishes nothing.
func (s *StatusChanger) Change(ctx context.Context, lead *models.Lead, status models.ContactStatus) (models.ContactStatus, error) {
	if !status.Valid() {
		return "", fmt.Errorf("unknown contact status %q", status)
	}

	now := s.clock.Now()

	previous, err := s.leads.SetStatus(ctx, lead.ID, status, now)
	if err != nil {
		return "", fmt.Errorf("failed to set lead status: %w", err)
	}

	lead.ContactStatus = status
	lead.UpdatedAt = now

	if previous == status {
		return previous, nil
	}

	s.logger.InfoContext(ctx, "Lead status changed",
		"lead_id", lead.ID,
		"from", previous,
		"to", status)

	publish(ctx, s.events, s.logger, lead.ID, events.LeadStatusChanged{
		BaseEvent: events.NewBaseEvent(events.LeadStatusChangedEvent, lead.Owner, ""),
		LeadID:    lead.ID,
		From:      previous,
		To:        status,
	})

	return previous, nil
}
