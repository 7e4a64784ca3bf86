package models

import "time"

// EnrollmentStatus is the lifecycle state of an enrollment.
type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "active"
	EnrollmentStatusCompleted EnrollmentStatus = "completed"
	EnrollmentStatusCancelled EnrollmentStatus = "cancelled"
)

// Cancel reasons recorded on enrollments.
const (
	CancelReasonWorkflowDeleted = "workflow_deleted"
	CancelReasonLeadDeleted     = "lead_deleted"
	CancelReasonLeadTerminal    = "lead_terminal_status"
	CancelReasonOperator        = "operator"
	CancelReasonRetryExhausted  = "retry_exhausted"
	CancelReasonTerminalFailure = "terminal_failure"
)

// Enrollment tracks one lead's progress through one workflow.
//
// CurrentStepOrder is the step that runs next; the enrollment is due once
// NextActionAt has passed and the optional RetryAfter gate is open. Lease
// fields are owned by the executor pass that claimed the row.
type Enrollment struct {
	ID               string           `json:"id"`
	WorkflowID       string           `json:"workflow_id"                validate:"required"`
	LeadID           string           `json:"lead_id"                    validate:"required"`
	Owner            string           `json:"owner"`
	CurrentStepOrder int              `json:"current_step_order"         validate:"min=1"`
	NextActionAt     time.Time        `json:"next_action_at"`
	Status           EnrollmentStatus `json:"status"`
	EnrolledAt       time.Time        `json:"enrolled_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	CancelledAt      *time.Time       `json:"cancelled_at,omitempty"`
	CancelReason     string           `json:"cancel_reason,omitempty"`
	Attempts         int              `json:"attempts"`
	RetryAfter       *time.Time       `json:"retry_after,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
	LeaseToken       *string          `json:"lease_token,omitempty"`
	LeaseExpiresAt   *time.Time       `json:"lease_expires_at,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// IsDue reports whether the enrollment may be executed at now.
func (e *Enrollment) IsDue(now time.Time) bool {
	if e.Status != EnrollmentStatusActive || e.NextActionAt.After(now) {
		return false
	}

	if e.RetryAfter != nil && e.RetryAfter.After(now) {
		return false
	}

	return !e.IsLeased(now)
}

// IsLeased reports whether a live lease is held on the enrollment.
func (e *Enrollment) IsLeased(now time.Time) bool {
	return e.LeaseToken != nil && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(now)
}

// HoldsLease reports whether token is the current live lease.
func (e *Enrollment) HoldsLease(token string, now time.Time) bool {
	return e.IsLeased(now) && *e.LeaseToken == token
}

// EnrollmentCounts aggregates enrollments of one workflow by status.
type EnrollmentCounts struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
}

// Days converts a whole-day delay into a duration.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
