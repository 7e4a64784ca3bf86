package models

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// ActionType is the canonical step action enum shared by authoring and execution.
type ActionType string

const (
	ActionSendEmail ActionType = "send_email"
	ActionWait      ActionType = "wait"
	ActionCondition ActionType = "condition"
	ActionSetStatus ActionType = "set_status"
)

// ActionTypes lists every supported action type.
var ActionTypes = []ActionType{ActionSendEmail, ActionWait, ActionCondition, ActionSetStatus}

// ConditionType names the predicate a condition step evaluates.
type ConditionType string

const (
	ConditionEmailOpened   ConditionType = "email_opened"
	ConditionEmailClicked  ConditionType = "email_clicked"
	ConditionReplyReceived ConditionType = "reply_received"
	ConditionNoResponse    ConditionType = "no_response"
	ConditionExpression    ConditionType = "expression"
)

var conditionTypes = []ConditionType{
	ConditionEmailOpened,
	ConditionEmailClicked,
	ConditionReplyReceived,
	ConditionNoResponse,
	ConditionExpression,
}

var (
	// ErrInvalidStep indicates a step whose payload does not match its action type.
	ErrInvalidStep = errors.New("invalid step")

	// ErrStepOrderGap indicates step orders that are not contiguous from 1.
	ErrStepOrderGap = errors.New("step orders must be contiguous and start at 1")

	// ErrInvalidBranch indicates a step destination that is not strictly forward.
	ErrInvalidBranch = errors.New("invalid branch destination")
)

// EmailAction configures an AI drafted email.
type EmailAction struct {
	EmailType string `json:"email_type"        validate:"required"`
	Tone      string `json:"tone,omitempty"`
	AIHint    string `json:"ai_hint,omitempty"`
}

// ConditionAction configures a branching step. OnTrue and OnFalse hold the
// order of the successor step; nil means the next step in sequence. A
// destination of len(steps)+1 finishes the enrollment.
type ConditionAction struct {
	ConditionType ConditionType `json:"condition_type"       validate:"required"`
	Expression    string        `json:"expression,omitempty"`
	OnTrue        *int          `json:"on_true,omitempty"`
	OnFalse       *int          `json:"on_false,omitempty"`
}

// Step is one unit of a workflow sequence. DelayDays is the delay before the
// step runs, counted from completion of the previous step. Next lets a non
// condition step jump forward, where branches rejoin; nil continues with
// order+1.
type Step struct {
	ID         string           `json:"id"`
	WorkflowID string           `json:"workflow_id"`
	Order      int              `json:"order"                 validate:"min=1"`
	ActionType ActionType       `json:"action_type"           validate:"required,oneof=send_email wait condition set_status"`
	DelayDays  int              `json:"delay_days"            validate:"min=0"`
	Email      *EmailAction     `json:"email,omitempty"`
	Condition  *ConditionAction `json:"condition,omitempty"`
	NextStatus ContactStatus    `json:"next_status,omitempty"`
	Next       *int             `json:"next,omitempty"`
}

// Validate checks the step payload against its action type.
func (s *Step) Validate() error {
	if s.DelayDays < 0 {
		return fmt.Errorf("%w: step %d has negative delay", ErrInvalidStep, s.Order)
	}

	switch s.ActionType {
	case ActionSendEmail:
		if s.Email == nil || s.Email.EmailType == "" {
			return fmt.Errorf("%w: step %d send_email requires an email type", ErrInvalidStep, s.Order)
		}
	case ActionWait:
	case ActionCondition:
		if s.Condition == nil || !slices.Contains(conditionTypes, s.Condition.ConditionType) {
			return fmt.Errorf("%w: step %d condition requires a known condition type", ErrInvalidStep, s.Order)
		}

		if s.Condition.ConditionType == ConditionExpression && s.Condition.Expression == "" {
			return fmt.Errorf("%w: step %d expression condition requires an expression", ErrInvalidStep, s.Order)
		}

		if s.Next != nil {
			return fmt.Errorf("%w: step %d condition routes through on_true and on_false, not next", ErrInvalidStep, s.Order)
		}
	case ActionSetStatus:
		if !s.NextStatus.Valid() {
			return fmt.Errorf("%w: step %d set_status requires a known status, got %q", ErrInvalidStep, s.Order, s.NextStatus)
		}
	default:
		return fmt.Errorf("%w: step %d has unknown action type %q", ErrInvalidStep, s.Order, s.ActionType)
	}

	return nil
}

// Successor returns the order that follows this step for the given condition
// outcome. Non-condition steps continue with Next, or order+1 without one.
func (s *Step) Successor(outcome bool) int {
	if s.ActionType != ActionCondition || s.Condition == nil {
		if s.Next != nil {
			return *s.Next
		}

		return s.Order + 1
	}

	dest := s.Condition.OnFalse
	if outcome {
		dest = s.Condition.OnTrue
	}

	if dest == nil {
		return s.Order + 1
	}

	return *dest
}

// ValidateSteps checks a full step set: every step is valid, orders are dense
// from 1 and every destination points strictly forward.
func ValidateSteps(steps []*Step) error {
	sorted := slices.Clone(steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	for i, step := range sorted {
		if step.Order != i+1 {
			return fmt.Errorf("%w: expected order %d, got %d", ErrStepOrderGap, i+1, step.Order)
		}

		if err := step.Validate(); err != nil {
			return err
		}
	}

	finish := len(sorted) + 1

	for _, step := range sorted {
		for _, dest := range step.destinations() {
			if dest == nil {
				continue
			}

			if *dest <= step.Order || *dest > finish {
				return fmt.Errorf("%w: step %d points to %d", ErrInvalidBranch, step.Order, *dest)
			}
		}
	}

	return nil
}

// RenumberSteps rewrites orders to 1..n following slice position. oldOrders
// holds each step's order before the edit and oldFinish the finish
// destination of the old sequence. Destinations are remapped so they
// keep pointing at the same step; destinations whose step disappeared fall
// back to the next step in sequence, and backward results are dropped.
func RenumberSteps(steps []*Step, oldOrders []int, oldFinish int) {
	remap := make(map[int]int, len(steps)+1)
	for i, old := range oldOrders {
		remap[old] = i + 1
	}

	remap[oldFinish] = len(steps) + 1

	for i, step := range steps {
		step.Order = i + 1
	}

	for _, step := range steps {
		step.Next = remapDestination(step.Next, remap, step.Order)

		if step.ActionType != ActionCondition || step.Condition == nil {
			continue
		}

		step.Condition.OnTrue = remapDestination(step.Condition.OnTrue, remap, step.Order)
		step.Condition.OnFalse = remapDestination(step.Condition.OnFalse, remap, step.Order)
	}
}

func (s *Step) destinations() []*int {
	if s.ActionType == ActionCondition && s.Condition != nil {
		return []*int{s.Condition.OnTrue, s.Condition.OnFalse}
	}

	return []*int{s.Next}
}

func remapDestination(dest *int, remap map[int]int, from int) *int {
	if dest == nil {
		return nil
	}

	next, ok := remap[*dest]
	if !ok || next <= from {
		return nil
	}

	return &next
}
