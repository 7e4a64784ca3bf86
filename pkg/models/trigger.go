package models

import (
	"errors"
	"fmt"
	"time"
)

// TriggerType is the discriminator of the Trigger variant.
type TriggerType string

const (
	TriggerStatusEquals    TriggerType = "status_equals"
	TriggerStatusChangedTo TriggerType = "status_changed_to"
	TriggerInactivity      TriggerType = "inactivity"
	TriggerManual          TriggerType = "manual"
)

// ErrInvalidTrigger is returned when a trigger descriptor is malformed.
var ErrInvalidTrigger = errors.New("invalid trigger")

// Trigger describes which leads become eligible for a workflow. Only the
// fields belonging to Type are meaningful:
//
//	status_equals      Status
//	status_changed_to  From (optional), To
//	inactivity         Days
//	manual             none
type Trigger struct {
	Type   TriggerType    `json:"type"             validate:"required,oneof=status_equals status_changed_to inactivity manual"`
	Status ContactStatus  `json:"status,omitempty"`
	From   *ContactStatus `json:"from,omitempty"`
	To     ContactStatus  `json:"to,omitempty"`
	Days   int            `json:"days,omitempty"   validate:"min=0"`
}

// ManualTrigger returns the trigger used for operator-driven enrollment.
func ManualTrigger() Trigger {
	return Trigger{Type: TriggerManual}
}

// Validate checks that the fields required by the trigger type are present.
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerStatusEquals:
		if !t.Status.Valid() {
			return fmt.Errorf("%w: status_equals requires a known status, got %q", ErrInvalidTrigger, t.Status)
		}
	case TriggerStatusChangedTo:
		if !t.To.Valid() {
			return fmt.Errorf("%w: status_changed_to requires a known target status, got %q", ErrInvalidTrigger, t.To)
		}

		if t.From != nil && !t.From.Valid() {
			return fmt.Errorf("%w: unknown source status %q", ErrInvalidTrigger, *t.From)
		}
	case TriggerInactivity:
		if t.Days < 1 {
			return fmt.Errorf("%w: inactivity requires days >= 1", ErrInvalidTrigger)
		}
	case TriggerManual:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTrigger, t.Type)
	}

	return nil
}

// InactivityCutoff returns the instant a last contact must precede for the
// lead to count as inactive. A contact exactly days+1 whole days back sits on
// the boundary and is excluded.
func (t Trigger) InactivityCutoff(now time.Time) time.Time {
	return now.Add(-Days(t.Days + 1))
}

// MatchesTransition reports whether a status change from -> to fires this
// trigger. status_equals fires on any transition into its status so leads that
// reach it after activation are picked up as well.
func (t Trigger) MatchesTransition(from, to ContactStatus) bool {
	if from == to {
		return false
	}

	switch t.Type {
	case TriggerStatusChangedTo:
		if t.To != to {
			return false
		}

		return t.From == nil || *t.From == from
	case TriggerStatusEquals:
		return t.Status == to
	default:
		return false
	}
}

// Equal reports whether both triggers describe the same selection.
func (t Trigger) Equal(other Trigger) bool {
	sameFrom := t.From == nil && other.From == nil ||
		t.From != nil && other.From != nil && *t.From == *other.From

	return sameFrom && t.Type == other.Type && t.Status == other.Status && t.To == other.To && t.Days == other.Days
}
