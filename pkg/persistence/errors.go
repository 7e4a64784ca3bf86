// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrEnrollmentNotFound indicates an enrollment was not found.
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrLeadNotFound indicates a lead was not found.
	ErrLeadNotFound = errors.New("lead not found")

	// ErrSenderNotFound indicates the owner has no configured sender.
	ErrSenderNotFound = errors.New("sender not found")

	// ErrEmailSendNotFound indicates no email was recorded for the enrollment step.
	ErrEmailSendNotFound = errors.New("email send not found")

	// ErrEmailAlreadySent indicates an email was already recorded for the enrollment step.
	ErrEmailAlreadySent = errors.New("email already sent for step")

	// ErrClaimLost indicates a compare-and-swap on an enrollment did not match:
	// another pass owns the lease or the cursor moved.
	ErrClaimLost = errors.New("enrollment claim lost")

	// ErrWorkflowActive indicates a write that needs a paused workflow found it active.
	ErrWorkflowActive = errors.New("cannot modify the steps or trigger of an active workflow")

	// ErrWorkflowChanged indicates the workflow was written after the caller read it.
	ErrWorkflowChanged = errors.New("workflow changed since it was read")

	// ErrNoSteps indicates an activation of a workflow without steps.
	ErrNoSteps = errors.New("workflow has no steps")
)

// WorkflowError wraps workflow-related errors with additional context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "ByID", "Save", "ReplaceSteps")
	WorkflowID string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for workflow errors.
func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{
		Op:         op,
		WorkflowID: workflowID,
		Err:        err,
	}
}

// EnrollmentError wraps enrollment ledger errors with additional context.
type EnrollmentError struct {
	Op           string
	EnrollmentID string
	Err          error
}

func (e *EnrollmentError) Error() string {
	return fmt.Sprintf("%s operation failed for enrollment %s: %v", e.Op, e.EnrollmentID, e.Err)
}

func (e *EnrollmentError) Unwrap() error {
	return e.Err
}

func (e *EnrollmentError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEnrollmentError creates a new enrollment error with context.
func NewEnrollmentError(op, enrollmentID string, err error) *EnrollmentError {
	return &EnrollmentError{
		Op:           op,
		EnrollmentID: enrollmentID,
		Err:          err,
	}
}

// LeadError wraps lead store errors with additional context.
type LeadError struct {
	Op     string
	LeadID string
	Err    error
}

func (e *LeadError) Error() string {
	return fmt.Sprintf("%s operation failed for lead %s: %v", e.Op, e.LeadID, e.Err)
}

func (e *LeadError) Unwrap() error {
	return e.Err
}

func (e *LeadError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewLeadError creates a new lead error with context.
func NewLeadError(op, leadID string, err error) *LeadError {
	return &LeadError{
		Op:     op,
		LeadID: leadID,
		Err:    err,
	}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsEnrollmentNotFound checks if an error indicates an enrollment was not found.
func IsEnrollmentNotFound(err error) bool {
	return errors.Is(err, ErrEnrollmentNotFound)
}

// IsLeadNotFound checks if an error indicates a lead was not found.
func IsLeadNotFound(err error) bool {
	return errors.Is(err, ErrLeadNotFound)
}

// IsClaimLost checks if an error indicates a lost enrollment claim.
func IsClaimLost(err error) bool {
	return errors.Is(err, ErrClaimLost)
}

// IsNotFound reports whether err is any of the not found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrEnrollmentNotFound) ||
		errors.Is(err, ErrLeadNotFound) ||
		errors.Is(err, ErrSenderNotFound) ||
		errors.Is(err, ErrEmailSendNotFound)
}
