// Package events defines event types and structures for lead and enrollment lifecycle notifications.
package events

import (
	"time"

	"github.com/dukex/leadflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every leadflow event; consumers filter on the event type metadata.
const Topic = "leadflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Lead events.
	LeadStatusChangedEvent EventType = "lead.status_changed"
	LeadEngagedEvent       EventType = "lead.engaged"

	// Workflow lifecycle events.
	WorkflowActivatedEvent EventType = "workflow.activated"
	WorkflowPausedEvent    EventType = "workflow.paused"
	WorkflowDeletedEvent   EventType = "workflow.deleted"

	// Enrollment lifecycle events.
	EnrollmentCreatedEvent      EventType = "enrollment.created"
	EnrollmentStepExecutedEvent EventType = "enrollment.step_executed"
	EnrollmentCompletedEvent    EventType = "enrollment.completed"
	EnrollmentCancelledEvent    EventType = "enrollment.cancelled"
	EnrollmentFailedEvent       EventType = "enrollment.failed"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Owner      string         `json:"owner"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// LeadStatusChanged is emitted whenever a lead's contact status moves. The
// trigger evaluator consumes it to enroll the lead into status triggered
// workflows.
type LeadStatusChanged struct {
	BaseEvent

	LeadID string               `json:"lead_id"`
	From   models.ContactStatus `json:"from"`
	To     models.ContactStatus `json:"to"`
}

func (l LeadStatusChanged) GetType() EventType {
	return LeadStatusChangedEvent
}

type LeadEngaged struct {
	BaseEvent

	LeadID string                `json:"lead_id"`
	Kind   models.EngagementKind `json:"kind"`
}

func (l LeadEngaged) GetType() EventType {
	return LeadEngagedEvent
}

type WorkflowActivated struct {
	BaseEvent

	Enrolled int `json:"enrolled"`
}

func (w WorkflowActivated) GetType() EventType {
	return WorkflowActivatedEvent
}

type WorkflowPaused struct {
	BaseEvent
}

func (w WorkflowPaused) GetType() EventType {
	return WorkflowPausedEvent
}

type WorkflowDeleted struct {
	BaseEvent

	CancelledEnrollments int `json:"cancelled_enrollments"`
}

func (w WorkflowDeleted) GetType() EventType {
	return WorkflowDeletedEvent
}

type EnrollmentCreated struct {
	BaseEvent

	EnrollmentID string    `json:"enrollment_id"`
	LeadID       string    `json:"lead_id"`
	Source       string    `json:"source"`
	NextActionAt time.Time `json:"next_action_at"`
}

func (e EnrollmentCreated) GetType() EventType {
	return EnrollmentCreatedEvent
}

type EnrollmentStepExecuted struct {
	BaseEvent

	EnrollmentID string            `json:"enrollment_id"`
	LeadID       string            `json:"lead_id"`
	StepOrder    int               `json:"step_order"`
	ActionType   models.ActionType `json:"action_type"`
	NextOrder    int               `json:"next_order"`
	NextActionAt time.Time         `json:"next_action_at"`
}

func (e EnrollmentStepExecuted) GetType() EventType {
	return EnrollmentStepExecutedEvent
}

type EnrollmentCompleted struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	LeadID       string `json:"lead_id"`
}

func (e EnrollmentCompleted) GetType() EventType {
	return EnrollmentCompletedEvent
}

type EnrollmentCancelled struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	LeadID       string `json:"lead_id"`
	Reason       string `json:"reason"`
}

func (e EnrollmentCancelled) GetType() EventType {
	return EnrollmentCancelledEvent
}

// EnrollmentFailed reports a failed step attempt. Terminal is true when the
// enrollment was cancelled because of the failure.
type EnrollmentFailed struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	LeadID       string `json:"lead_id"`
	StepOrder    int    `json:"step_order"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error"`
	Terminal     bool   `json:"terminal"`
}

func (e EnrollmentFailed) GetType() EventType {
	return EnrollmentFailedEvent
}

func NewBaseEvent(eventType EventType, owner, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		Owner:      owner,
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}

// New returns an empty event value for eventType, ready to be unmarshalled
// into. It returns nil for unknown types.
func New(eventType EventType) any {
	switch eventType {
	case LeadStatusChangedEvent:
		return &LeadStatusChanged{}
	case LeadEngagedEvent:
		return &LeadEngaged{}
	case WorkflowActivatedEvent:
		return &WorkflowActivated{}
	case WorkflowPausedEvent:
		return &WorkflowPaused{}
	case WorkflowDeletedEvent:
		return &WorkflowDeleted{}
	case EnrollmentCreatedEvent:
		return &EnrollmentCreated{}
	case EnrollmentStepExecutedEvent:
		return &EnrollmentStepExecuted{}
	case EnrollmentCompletedEvent:
		return &EnrollmentCompleted{}
	case EnrollmentCancelledEvent:
		return &EnrollmentCancelled{}
	case EnrollmentFailedEvent:
		return &EnrollmentFailed{}
	default:
		return nil
	}
}
