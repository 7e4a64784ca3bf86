package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/leadflow/pkg/delivery"
	"github.com/dukex/leadflow/pkg/drafting"
	"github.com/dukex/leadflow/pkg/eventbus"
	"github.com/dukex/leadflow/pkg/events"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/dukex/leadflow/pkg/persistence/file"
	"github.com/dukex/leadflow/pkg/tasks"
	"github.com/dukex/leadflow/pkg/testutil"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var errSMTPDown = errors.New("smtp connection refused")

type recordingMailer struct {
	mu       sync.Mutex
	sent     []delivery.Message
	failures int
	err      error
}

func (m *recordingMailer) Send(_ context.Context, msg delivery.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures != 0 {
		if m.failures > 0 {
			m.failures--
		}

		return m.err
	}

	m.sent = append(m.sent, msg)

	return nil
}

// failNext makes the next n sends fail with err; a negative n fails forever.
func (m *recordingMailer) failNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures, m.err = n, err
}

func (m *recordingMailer) Sent() []delivery.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]delivery.Message(nil), m.sent...)
}

// recordingBus keeps published events and synchronously hands status changes
// to the registered handler, like a subscribed trigger evaluator.
type recordingBus struct {
	mu              sync.Mutex
	events          []eventbus.Event
	onStatusChanged eventbus.EventHandler
}

func (b *recordingBus) Publish(ctx context.Context, _ string, event eventbus.Event) error {
	b.mu.Lock()
	b.events = append(b.events, event)
	handler := b.onStatusChanged
	b.mu.Unlock()

	if handler != nil && event.GetType() == events.LeadStatusChangedEvent {
		return handler(ctx, event)
	}

	return nil
}

func (b *recordingBus) OfType(eventType events.EventType) []eventbus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	matched := make([]eventbus.Event, 0)

	for _, event := range b.events {
		if event.GetType() == eventType {
			matched = append(matched, event)
		}
	}

	return matched
}

type engine struct {
	store     *file.Persistence
	clock     *clockwork.FakeClock
	mailer    *recordingMailer
	bus       *recordingBus
	tasks     *tasks.Registry
	config    Config
	deps      Dependencies
	evaluator *TriggerEvaluator
	executor  *Executor
	poller    *Poller
}

func testConfig() Config {
	config := DefaultConfig()
	config.Retry.RandomizationFactor = 0
	config.Retry.MaxAttempts = 3

	return config
}

func newEngine(t *testing.T, configure ...func(*Config)) *engine {
	t.Helper()

	config := testConfig()
	for _, c := range configure {
		c(&config)
	}

	drafter, err := drafting.NewTemplateDrafter(nil)
	require.NoError(t, err)

	e := &engine{
		store:  file.NewPersistence(t.TempDir()),
		clock:  clockwork.NewFakeClockAt(testutil.Day0),
		mailer: &recordingMailer{},
		bus:    &recordingBus{},
		tasks:  tasks.NewRegistry(),
		config: config,
	}

	e.deps = Dependencies{
		Persistence: e.store,
		Events:      e.bus,
		Drafter:     drafter,
		Mailer:      e.mailer,
		Clock:       e.clock,
		Tasks:       e.tasks,
		Logger:      slog.Default(),
	}

	e.evaluator = NewTriggerEvaluator(e.deps)
	e.executor = NewExecutor(config, e.deps)
	e.poller = NewPoller(config, e.executor, e.evaluator, nil, e.deps)
	e.bus.onStatusChanged = e.evaluator.HandleStatusChanged

	require.NoError(t, e.store.SenderRepository().Save(t.Context(), &models.Sender{
		Owner:       "owner-1",
		FromAddress: "sdr@example.com",
		FromName:    "Grace",
	}))

	return e
}

func (e *engine) saveWorkflow(t *testing.T, workflow *models.Workflow) *models.Workflow {
	t.Helper()
	require.NoError(t, e.store.WorkflowRepository().Save(t.Context(), workflow))

	return workflow
}

func (e *engine) saveLead(t *testing.T, lead *models.Lead) *models.Lead {
	t.Helper()
	require.NoError(t, e.store.LeadRepository().Save(t.Context(), lead))

	return lead
}

func (e *engine) lead(t *testing.T, id string) *models.Lead {
	t.Helper()

	lead, err := e.store.LeadRepository().ByID(t.Context(), id)
	require.NoError(t, err)

	return lead
}

func (e *engine) enrollment(t *testing.T, id string) *models.Enrollment {
	t.Helper()

	enrollment, err := e.store.EnrollmentRepository().ByID(t.Context(), id)
	require.NoError(t, err)

	return enrollment
}

func (e *engine) enrollments(t *testing.T, workflowID string, status models.EnrollmentStatus) []*models.Enrollment {
	t.Helper()

	enrollments, err := e.store.EnrollmentRepository().ListByWorkflow(t.Context(), workflowID, status)
	require.NoError(t, err)

	return enrollments
}

func (e *engine) activate(t *testing.T, workflowID string) *ActivationResult {
	t.Helper()

	result, err := e.evaluator.Activate(t.Context(), workflowID)
	require.NoError(t, err)

	return result
}

func (e *engine) pause(t *testing.T, workflowID string) {
	t.Helper()

	_, err := e.store.WorkflowRepository().SetActive(t.Context(), workflowID, false, e.clock.Now())
	require.NoError(t, err)
}

func (e *engine) runOnce(t *testing.T) PassResult {
	t.Helper()

	result, err := e.poller.RunOnce(t.Context())
	require.NoError(t, err)

	return result
}

func (e *engine) advance(d time.Duration) {
	e.clock.Advance(d)
}

// failingLeads fails population queries.
type failingLeads struct {
	persistence.LeadRepository
}

func (failingLeads) ByOwner(context.Context, string) ([]*models.Lead, error) {
	return nil, errors.New("lead store unavailable")
}

type failingPopulation struct {
	*file.Persistence
}

func (f failingPopulation) LeadRepository() persistence.LeadRepository {
	return failingLeads{f.Persistence.LeadRepository()}
}

// flakyContacts fails RecordContact while remaining is positive.
type flakyContacts struct {
	persistence.LeadRepository
	remaining *atomic.Int32
}

func (l flakyContacts) RecordContact(ctx context.Context, send *models.EmailSend) error {
	if l.remaining.Add(-1) >= 0 {
		return errors.New("lead store unavailable")
	}

	return l.LeadRepository.RecordContact(ctx, send)
}

type flakyContactStore struct {
	*file.Persistence
	remaining *atomic.Int32
}

func (f flakyContactStore) LeadRepository() persistence.LeadRepository {
	return flakyContacts{LeadRepository: f.Persistence.LeadRepository(), remaining: f.remaining}
}
