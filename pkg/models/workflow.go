// Package models defines the core domain models for lead outreach workflow automation
package models

import "time"

// Workflow is a named, ordered sequence of steps plus the trigger that decides
// which leads auto-enroll. A workflow is created paused and only enrolls leads
// while IsActive is true.
type Workflow struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"                  validate:"required"`
	Name        string     `json:"name"                   validate:"required,min=3"`
	Description string     `json:"description"`
	Trigger     Trigger    `json:"trigger"`
	IsActive    bool       `json:"is_active"`
	Steps       []*Step    `json:"steps"                  validate:"dive"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// StepAt returns the step with the given order, or nil when the order is
// outside the sequence.
func (w *Workflow) StepAt(order int) *Step {
	if order < 1 || order > len(w.Steps) {
		return nil
	}

	step := w.Steps[order-1]
	if step.Order != order {
		// Steps are kept dense; fall back to a scan if a caller handed us an
		// unsorted slice.
		for _, s := range w.Steps {
			if s.Order == order {
				return s
			}
		}

		return nil
	}

	return step
}

// LastOrder returns the order of the final step, zero when there are no steps.
func (w *Workflow) LastOrder() int {
	return len(w.Steps)
}

// IsDeleted reports whether the workflow was soft deleted.
func (w *Workflow) IsDeleted() bool {
	return w.DeletedAt != nil
}
