package workflow

import (
	"errors"

	"github.com/dukex/leadflow/pkg/persistence"
)

var (
	// ErrNoSteps is returned when activating a workflow without steps.
	ErrNoSteps = persistence.ErrNoSteps

	// ErrNoSender is returned when the owner has no outbound sender configured.
	ErrNoSender = errors.New("no sender configured for owner")

	// ErrNoEmailAddress is returned when an email step runs for a lead without an address.
	ErrNoEmailAddress = errors.New("lead has no email address")

	// ErrDuplicateEnrollment is returned when a lead already holds an active
	// enrollment in the workflow.
	ErrDuplicateEnrollment = errors.New("lead already has an active enrollment in workflow")

	// ErrWorkflowInactive is returned when enrolling into a paused workflow.
	ErrWorkflowInactive = errors.New("workflow is not active")

	// ErrActivationInProgress is returned when an activation pass for the
	// same workflow is already running.
	ErrActivationInProgress = errors.New("workflow activation already in progress")

	// ErrInvalidExpression is returned for condition expressions that do not
	// compile or do not evaluate to a boolean.
	ErrInvalidExpression = errors.New("invalid condition expression")
)

// terminalError marks a failure that retrying cannot fix.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string {
	return e.err.Error()
}

func (e *terminalError) Unwrap() error {
	return e.err
}

// Terminal marks err as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}

	return &terminalError{err: err}
}

// IsTerminal reports whether err cancels an enrollment instead of being retried.
func IsTerminal(err error) bool {
	var terminal *terminalError
	if errors.As(err, &terminal) {
		return true
	}

	return errors.Is(err, ErrNoSender) ||
		errors.Is(err, ErrNoEmailAddress) ||
		errors.Is(err, ErrInvalidExpression)
}
