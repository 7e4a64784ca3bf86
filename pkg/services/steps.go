package services

import (
	"context"
	"fmt"
	"slices"

	"github.com/dukex/leadflow/pkg/models"
)

// AddStep inserts step at position (1 based) of a paused workflow; position
// 0 appends. Destinations of existing steps keep pointing at the same steps.
// The destinations of the new step are read in the new numbering.
func (w *Workflow) AddStep(ctx context.Context, workflowID string, step *models.Step, position int) (*models.Workflow, error) {
	if step == nil {
		return nil, fmt.Errorf("%w: step is required", ErrInvalidRequest)
	}

	existing, err := w.editable(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	count := len(existing.Steps)
	if position == 0 {
		position = count + 1
	}

	if position < 1 || position > count+1 {
		return nil, NewValidationError("AddStep", "INVALID_POSITION",
			fmt.Sprintf("position %d outside 1..%d", position, count+1), ErrInvalidPosition)
	}

	var onTrue, onFalse *int
	if step.Condition != nil {
		onTrue, onFalse = step.Condition.OnTrue, step.Condition.OnFalse
		step.Condition.OnTrue, step.Condition.OnFalse = nil, nil
	}

	next := step.Next
	step.Next = nil

	steps := slices.Insert(slices.Clone(existing.Steps), position-1, step)

	oldOrders := make([]int, len(steps))
	for i, s := range steps {
		oldOrders[i] = s.Order
	}

	oldOrders[position-1] = 0

	models.RenumberSteps(steps, oldOrders, count+1)

	if step.Condition != nil {
		step.Condition.OnTrue, step.Condition.OnFalse = onTrue, onFalse
	}

	step.Next = next

	steps, err = normalizeSteps(steps)
	if err != nil {
		return nil, err
	}

	return w.replace(ctx, existing, steps)
}

// RemoveStep deletes the step at order and closes the gap. Branches that
// pointed at the removed step continue with the next step in sequence.
func (w *Workflow) RemoveStep(ctx context.Context, workflowID string, order int) (*models.Workflow, error) {
	existing, err := w.editable(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	count := len(existing.Steps)
	if order < 1 || order > count {
		return nil, NewValidationError("RemoveStep", "INVALID_POSITION",
			fmt.Sprintf("step %d outside 1..%d", order, count), ErrInvalidPosition)
	}

	steps := slices.Delete(slices.Clone(existing.Steps), order-1, order)

	oldOrders := make([]int, len(steps))
	for i, s := range steps {
		oldOrders[i] = s.Order
	}

	models.RenumberSteps(steps, oldOrders, count+1)

	steps, err = normalizeSteps(steps)
	if err != nil {
		return nil, err
	}

	return w.replace(ctx, existing, steps)
}

// MoveStep moves the step at from to position to. Branch destinations follow
// the steps they point at; those that would point backwards afterwards fall
// back to the next step in sequence.
func (w *Workflow) MoveStep(ctx context.Context, workflowID string, from, to int) (*models.Workflow, error) {
	existing, err := w.editable(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	count := len(existing.Steps)
	if from < 1 || from > count || to < 1 || to > count {
		return nil, NewValidationError("MoveStep", "INVALID_POSITION",
			fmt.Sprintf("move %d to %d outside 1..%d", from, to, count), ErrInvalidPosition)
	}

	if from == to {
		return existing, nil
	}

	steps := slices.Clone(existing.Steps)
	moved := steps[from-1]
	steps = slices.Delete(steps, from-1, from)
	steps = slices.Insert(steps, to-1, moved)

	oldOrders := make([]int, len(steps))
	for i, s := range steps {
		oldOrders[i] = s.Order
	}

	models.RenumberSteps(steps, oldOrders, count+1)

	steps, err = normalizeSteps(steps)
	if err != nil {
		return nil, err
	}

	return w.replace(ctx, existing, steps)
}
