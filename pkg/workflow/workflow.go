// Package workflow is the enrollment engine: it selects leads for workflows,
// runs due enrollment steps and moves each enrollment's cursor over time.
package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/leadflow/pkg/delivery"
	"github.com/dukex/leadflow/pkg/drafting"
	"github.com/dukex/leadflow/pkg/eventbus"
	"github.com/dukex/leadflow/pkg/events"
	"github.com/dukex/leadflow/pkg/metrics"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/otelhelper"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/dukex/leadflow/pkg/tasks"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
)

// Dependencies are the collaborators shared by the engine components. Only
// Persistence is required; the rest fall back to inert defaults.
type Dependencies struct {
	Persistence persistence.Persistence
	Events      eventbus.EventPublisher
	Drafter     drafting.Drafter
	Mailer      delivery.Mailer
	Clock       clockwork.Clock
	Tracer      trace.Tracer
	Metrics     *metrics.Metrics
	Tasks       *tasks.Registry
	Logger      *slog.Logger
}

// WithDefaults fills unset collaborators with their inert defaults.
func (d Dependencies) WithDefaults() Dependencies {
	if d.Events == nil {
		d.Events = eventbus.Discard{}
	}

	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}

	if d.Tracer == nil {
		d.Tracer = otelhelper.NoopTracer()
	}

	if d.Tasks == nil {
		d.Tasks = tasks.NewRegistry()
	}

	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	if d.Mailer == nil {
		d.Mailer = delivery.NewLogMailer(d.Logger)
	}

	return d
}

// publish sends an event and only logs failures: the ledger is the source of
// truth and events are notifications.
func publish(ctx context.Context, publisher eventbus.EventPublisher, logger *slog.Logger, key string, event eventbus.Event) {
	err := publisher.Publish(ctx, key, event)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(),
			"key", key,
			"error", err)
	}
}

func newEnrollment(workflow *models.Workflow, leadID string, now time.Time) (*models.Enrollment, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	return &models.Enrollment{
		ID:               id.String(),
		WorkflowID:       workflow.ID,
		LeadID:           leadID,
		Owner:            workflow.Owner,
		CurrentStepOrder: 1,
		NextActionAt:     now.Add(models.Days(workflow.Steps[0].DelayDays)),
		Status:           models.EnrollmentStatusActive,
		EnrolledAt:       now,
		UpdatedAt:        now,
	}, nil
}

func enrollmentEvent(eventType events.EventType, enrollment *models.Enrollment) events.BaseEvent {
	return events.NewBaseEvent(eventType, enrollment.Owner, enrollment.WorkflowID)
}
