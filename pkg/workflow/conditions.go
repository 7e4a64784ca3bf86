package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/dukex/leadflow/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ConditionEvaluator decides condition steps. Engagement predicates only count
// signals recorded after the lead enrolled. Expression conditions are compiled
// once and cached; the evaluator is safe for concurrent use.
type ConditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate returns the outcome of a condition step for lead at now.
func (c *ConditionEvaluator) Evaluate(step *models.Step, lead *models.Lead, enrollment *models.Enrollment, now time.Time) (bool, error) {
	if step.Condition == nil {
		return false, Terminal(fmt.Errorf("%w: step %d has no condition", models.ErrInvalidStep, step.Order))
	}

	since := enrollment.EnrolledAt

	switch step.Condition.ConditionType {
	case models.ConditionEmailOpened:
		return engagedSince(lead.LastOpenedAt, since), nil
	case models.ConditionEmailClicked:
		return engagedSince(lead.LastClickedAt, since), nil
	case models.ConditionReplyReceived:
		return engagedSince(lead.LastRepliedAt, since), nil
	case models.ConditionNoResponse:
		return !engagedSince(lead.LastRepliedAt, since), nil
	case models.ConditionExpression:
		return c.evaluateExpression(step.Condition.Expression, ConditionEnv(lead, enrollment, now))
	default:
		return false, Terminal(fmt.Errorf("%w: unknown condition type %q", models.ErrInvalidStep, step.Condition.ConditionType))
	}
}

func (c *ConditionEvaluator) evaluateExpression(expression string, env map[string]any) (bool, error) {
	program, err := c.program(expression)
	if err != nil {
		return false, err
	}

	out, err := vm.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %w", ErrInvalidExpression, expression, err)
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T", ErrInvalidExpression, expression, out)
	}

	return result, nil
}

func (c *ConditionEvaluator) program(expression string) (*vm.Program, error) {
	c.mu.RLock()
	program, ok := c.cache[expression]
	c.mu.RUnlock()

	if ok {
		return program, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if program, ok := c.cache[expression]; ok {
		return program, nil
	}

	program, err := compileExpression(expression)
	if err != nil {
		return nil, err
	}

	c.cache[expression] = program

	return program, nil
}

// ValidateExpression checks that expression compiles against the condition
// environment and yields a boolean.
func ValidateExpression(expression string) error {
	_, err := compileExpression(expression)

	return err
}

func compileExpression(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}

	program, err := expr.Compile(expression, expr.Env(sampleEnv()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidExpression, expression, err)
	}

	return program, nil
}

// ConditionEnv exposes lead and enrollment state to expression conditions.
// days_since_contact is -1 for leads never contacted.
func ConditionEnv(lead *models.Lead, enrollment *models.Enrollment, now time.Time) map[string]any {
	since := enrollment.EnrolledAt

	daysSinceContact := -1
	if lead.LastContactedAt != nil {
		daysSinceContact = wholeDays(now.Sub(*lead.LastContactedAt))
	}

	return map[string]any{
		"status":             string(lead.ContactStatus),
		"company":            lead.Company,
		"emails_sent":        lead.EmailsSent,
		"opened":             engagedSince(lead.LastOpenedAt, since),
		"clicked":            engagedSince(lead.LastClickedAt, since),
		"replied":            engagedSince(lead.LastRepliedAt, since),
		"days_enrolled":      wholeDays(now.Sub(since)),
		"days_since_contact": daysSinceContact,
		"step":               enrollment.CurrentStepOrder,
		"attempts":           enrollment.Attempts,
	}
}

func sampleEnv() map[string]any {
	return ConditionEnv(&models.Lead{}, &models.Enrollment{}, time.Time{})
}

func engagedSince(at *time.Time, since time.Time) bool {
	return at != nil && !at.Before(since)
}

func wholeDays(d time.Duration) int {
	return int(d / models.Days(1))
}
