package services

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/dukex/leadflow/pkg/drafting"
	"github.com/dukex/leadflow/pkg/eventbus"
	"github.com/dukex/leadflow/pkg/events"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/dukex/leadflow/pkg/persistence/file"
	"github.com/dukex/leadflow/pkg/testutil"
	"github.com/dukex/leadflow/pkg/workflow"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// syncBus records events and delivers status changes to the evaluator
// in the publishing goroutine.
type syncBus struct {
	mu      sync.Mutex
	events  []eventbus.Event
	handler eventbus.EventHandler
}

func (b *syncBus) Publish(ctx context.Context, _ string, event eventbus.Event) error {
	b.mu.Lock()
	b.events = append(b.events, event)
	handler := b.handler
	b.mu.Unlock()

	if handler != nil && event.GetType() == events.LeadStatusChangedEvent {
		return handler(ctx, event)
	}

	return nil
}

func (b *syncBus) count(eventType events.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0

	for _, event := range b.events {
		if event.GetType() == eventType {
			n++
		}
	}

	return n
}

type fixture struct {
	deps        workflow.Dependencies
	store       *file.Persistence
	clock       *clockwork.FakeClock
	bus         *syncBus
	workflows   *Workflow
	enrollments *Enrollment
	leads       *Lead
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	drafter, err := drafting.NewTemplateDrafter(nil)
	require.NoError(t, err)

	f := &fixture{
		store: file.NewPersistence(t.TempDir()),
		clock: clockwork.NewFakeClockAt(testutil.Day0),
		bus:   &syncBus{},
	}

	deps := workflow.Dependencies{
		Persistence: f.store,
		Events:      f.bus,
		Drafter:     drafter,
		Clock:       f.clock,
		Logger:      slog.Default(),
	}.WithDefaults()

	f.deps = deps
	evaluator := workflow.NewTriggerEvaluator(deps)
	f.bus.handler = evaluator.HandleStatusChanged

	f.workflows = NewWorkflow(deps, evaluator)
	f.enrollments = NewEnrollment(deps, evaluator)
	f.leads = NewLead(deps)

	return f
}

func (f *fixture) createWorkflow(t *testing.T, overrides ...func(*models.Workflow)) *models.Workflow {
	t.Helper()

	created, err := f.workflows.Create(t.Context(), testutil.CreateTestWorkflow(overrides...))
	require.NoError(t, err)

	return created
}

func (f *fixture) saveLead(t *testing.T, overrides ...func(*models.Lead)) *models.Lead {
	t.Helper()

	lead := testutil.CreateTestLead(overrides...)
	require.NoError(t, f.store.LeadRepository().Save(t.Context(), lead))

	return lead
}

func (f *fixture) saveSender(t *testing.T) {
	t.Helper()

	require.NoError(t, f.store.SenderRepository().Save(t.Context(), &models.Sender{
		Owner:       "owner-1",
		FromAddress: "sdr@example.com",
		FromName:    "Grace",
	}))
}

func (f *fixture) enrollmentsOf(t *testing.T, workflowID string, status models.EnrollmentStatus) []*models.Enrollment {
	t.Helper()

	enrollments, err := f.store.EnrollmentRepository().ListByWorkflow(t.Context(), workflowID, status)
	require.NoError(t, err)

	return enrollments
}

// interleavedStore runs hook once, right after the first workflow read, so a
// second request lands between a service's read and its write.
type interleavedStore struct {
	*file.Persistence
	workflows *interleavedWorkflows
}

func (s *interleavedStore) WorkflowRepository() persistence.WorkflowRepository {
	return s.workflows
}

type interleavedWorkflows struct {
	persistence.WorkflowRepository
	once sync.Once
	hook func()
}

func (r *interleavedWorkflows) ByID(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := r.WorkflowRepository.ByID(ctx, id)
	r.once.Do(r.hook)

	return workflow, err
}

// interleave returns a workflow service over the fixture store whose first
// workflow read is followed by hook.
func (f *fixture) interleave(hook func()) *Workflow {
	deps := f.deps
	deps.Persistence = &interleavedStore{
		Persistence: f.store,
		workflows:   &interleavedWorkflows{WorkflowRepository: f.store.WorkflowRepository(), hook: hook},
	}

	return NewWorkflow(deps, workflow.NewTriggerEvaluator(deps))
}
