// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/leadflow/pkg/models"
	"github.com/google/uuid"
)

// Day0 is the reference instant test clocks start from.
var Day0 = time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC)

// Day returns Day0 plus n days.
func Day(n int) time.Time {
	return Day0.Add(models.Days(n))
}

// CreateTestWorkflow creates a paused test workflow with one email step that can be overridden.
func CreateTestWorkflow(overrides ...func(*models.Workflow)) *models.Workflow {
	workflow := &models.Workflow{
		ID:          uuid.NewString(),
		Owner:       "owner-1",
		Name:        "Test Workflow",
		Description: "Outreach sequence used in tests",
		Trigger:     models.Trigger{Type: models.TriggerStatusEquals, Status: models.ContactStatusNew},
		Steps:       []*models.Step{EmailStep(1, 0)},
		CreatedAt:   Day0,
		UpdatedAt:   Day0,
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithSteps replaces the workflow steps.
func WithSteps(steps ...*models.Step) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Steps = steps
	}
}

// WithTrigger sets the workflow trigger.
func WithTrigger(trigger models.Trigger) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Trigger = trigger
	}
}

// WithOwner sets the workflow owner.
func WithOwner(owner string) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Owner = owner
	}
}

// Active marks the workflow as active.
func Active() func(*models.Workflow) {
	return func(w *models.Workflow) {
		activatedAt := Day0
		w.IsActive = true
		w.ActivatedAt = &activatedAt
	}
}

func EmailStep(order, delayDays int) *models.Step {
	return &models.Step{
		Order:      order,
		ActionType: models.ActionSendEmail,
		DelayDays:  delayDays,
		Email:      &models.EmailAction{EmailType: "intro", Tone: "friendly"},
	}
}

func WaitStep(order, delayDays int) *models.Step {
	return &models.Step{Order: order, ActionType: models.ActionWait, DelayDays: delayDays}
}

func SetStatusStep(order, delayDays int, status models.ContactStatus) *models.Step {
	return &models.Step{Order: order, ActionType: models.ActionSetStatus, DelayDays: delayDays, NextStatus: status}
}

// ConditionStep creates a condition step; zero destinations mean the next step.
func ConditionStep(order int, condition models.ConditionType, onTrue, onFalse int) *models.Step {
	step := &models.Step{
		Order:      order,
		ActionType: models.ActionCondition,
		Condition:  &models.ConditionAction{ConditionType: condition},
	}

	if onTrue > 0 {
		step.Condition.OnTrue = &onTrue
	}

	if onFalse > 0 {
		step.Condition.OnFalse = &onFalse
	}

	return step
}

// CreateTestLead creates a new lead with an email address.
func CreateTestLead(overrides ...func(*models.Lead)) *models.Lead {
	lead := &models.Lead{
		ID:            uuid.NewString(),
		Owner:         "owner-1",
		Name:          "Ada Lovelace",
		Email:         "ada@example.com",
		Company:       "Analytical Engines",
		ContactStatus: models.ContactStatusNew,
		CreatedAt:     Day0,
		UpdatedAt:     Day0,
	}

	for _, override := range overrides {
		override(lead)
	}

	return lead
}

// WithStatus sets the lead contact status.
func WithStatus(status models.ContactStatus) func(*models.Lead) {
	return func(l *models.Lead) {
		l.ContactStatus = status
	}
}

// LastContacted sets the last contact time of the lead.
func LastContacted(at time.Time) func(*models.Lead) {
	return func(l *models.Lead) {
		l.LastContactedAt = &at
	}
}

// CreateTestEnrollment creates an active enrollment at step 1 due at Day0.
func CreateTestEnrollment(workflowID, leadID string, overrides ...func(*models.Enrollment)) *models.Enrollment {
	enrollment := &models.Enrollment{
		WorkflowID:       workflowID,
		LeadID:           leadID,
		Owner:            "owner-1",
		CurrentStepOrder: 1,
		NextActionAt:     Day0,
		Status:           models.EnrollmentStatusActive,
		EnrolledAt:       Day0,
		UpdatedAt:        Day0,
	}

	for _, override := range overrides {
		override(enrollment)
	}

	return enrollment
}
