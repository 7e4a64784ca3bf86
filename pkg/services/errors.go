// Package services provides the authoring and operator operations on workflows, enrollments and leads.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/leadflow/pkg/authoring"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/dukex/leadflow/pkg/workflow"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidStatus  = errors.New("invalid contact status")
	ErrEmptyOwnerID   = errors.New("owner ID cannot be empty")

	// Authoring Validation Errors (400 Bad Request).
	ErrWorkflowNameRequired = errors.New("workflow name is required")
	ErrWorkflowNil          = errors.New("workflow cannot be nil")
	ErrInvalidPosition      = errors.New("invalid step position")

	// Business Logic Conflicts (409 Conflict).
	ErrCannotModifyActive  = persistence.ErrWorkflowActive
	ErrWorkflowChanged     = persistence.ErrWorkflowChanged
	ErrEnrollmentsInFlight = errors.New("cannot modify the steps of a workflow with active enrollments")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrEmptyOwnerID) ||
		errors.Is(err, ErrWorkflowNameRequired) ||
		errors.Is(err, ErrWorkflowNil) ||
		errors.Is(err, ErrInvalidPosition) ||
		errors.Is(err, models.ErrInvalidStep) ||
		errors.Is(err, models.ErrStepOrderGap) ||
		errors.Is(err, models.ErrInvalidBranch) ||
		errors.Is(err, models.ErrInvalidTrigger) ||
		errors.Is(err, workflow.ErrInvalidExpression) ||
		errors.Is(err, workflow.ErrNoSteps) ||
		errors.Is(err, authoring.ErrInvalidCanvas) ||
		errors.Is(err, authoring.ErrCycle) ||
		errors.Is(err, authoring.ErrMultipleEntries)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrCannotModifyActive) ||
		errors.Is(err, ErrWorkflowChanged) ||
		errors.Is(err, ErrEnrollmentsInFlight) ||
		errors.Is(err, workflow.ErrDuplicateEnrollment) ||
		errors.Is(err, workflow.ErrActivationInProgress) ||
		errors.Is(err, workflow.ErrWorkflowInactive)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
