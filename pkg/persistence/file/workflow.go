package file

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/google/uuid"
)

const workflowsKind = "workflows"

// WorkflowRepository handles workflow-related file operations. A workflow
// and its steps live in one document, so replacing the steps is a single
// atomic rename.
type WorkflowRepository struct {
	store *store
}

// List returns non deleted workflows, newest first.
func (wr *WorkflowRepository) List(_ context.Context, owner string) ([]*models.Workflow, error) {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	return wr.list(owner, false)
}

// ListActive returns active, non deleted workflows.
func (wr *WorkflowRepository) ListActive(_ context.Context, owner string) ([]*models.Workflow, error) {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	return wr.list(owner, true)
}

func (wr *WorkflowRepository) list(owner string, activeOnly bool) ([]*models.Workflow, error) {
	all, err := readAll[models.Workflow](wr.store, workflowsKind)
	if err != nil {
		return nil, err
	}

	workflows := make([]*models.Workflow, 0, len(all))

	for _, workflow := range all {
		if workflow.IsDeleted() || (owner != "" && workflow.Owner != owner) || (activeOnly && !workflow.IsActive) {
			continue
		}

		workflows = append(workflows, workflow)
	}

	sort.SliceStable(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
	})

	return workflows, nil
}

// ByID retrieves a workflow by its ID from the file system.
func (wr *WorkflowRepository) ByID(_ context.Context, id string) (*models.Workflow, error) {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	return wr.byID("ByID", id)
}

func (wr *WorkflowRepository) byID(op, id string) (*models.Workflow, error) {
	var workflow models.Workflow

	found, err := wr.store.read(workflowsKind, id, &workflow)
	if err != nil {
		return nil, err
	}

	if !found || workflow.IsDeleted() {
		return nil, persistence.NewWorkflowError(op, id, persistence.ErrWorkflowNotFound)
	}

	return &workflow, nil
}

// Save saves a workflow to the file system.
func (wr *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	now := time.Now().UTC()

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	if workflow.UpdatedAt.IsZero() {
		workflow.UpdatedAt = now
	}

	if workflow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate workflow ID: %w", err)
		}

		workflow.ID = id.String()
	}

	err := assignStepIDs(workflow.ID, workflow.Steps)
	if err != nil {
		return err
	}

	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	return wr.store.write(workflowsKind, workflow.ID, workflow)
}

// UpdateDetails rewrites the named columns of the stored document.
func (wr *WorkflowRepository) UpdateDetails(_ context.Context, id string, details persistence.WorkflowDetails, now time.Time) error {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	workflow, err := wr.byID("UpdateDetails", id)
	if err != nil {
		return err
	}

	if details.Trigger != nil && !details.Trigger.Equal(workflow.Trigger) {
		if workflow.IsActive {
			return persistence.NewWorkflowError("UpdateDetails", id, persistence.ErrWorkflowActive)
		}

		workflow.Trigger = *details.Trigger
	}

	if details.Name != nil {
		workflow.Name = *details.Name
	}

	if details.Description != nil {
		workflow.Description = *details.Description
	}

	workflow.UpdatedAt = now

	return wr.store.write(workflowsKind, id, workflow)
}

// SetActive flips the active flag of the stored document.
func (wr *WorkflowRepository) SetActive(_ context.Context, id string, active bool, now time.Time) (bool, error) {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	workflow, err := wr.byID("SetActive", id)
	if err != nil {
		return false, err
	}

	if workflow.IsActive == active {
		return false, nil
	}

	if active {
		if len(workflow.Steps) == 0 {
			return false, persistence.NewWorkflowError("SetActive", id, persistence.ErrNoSteps)
		}

		workflow.ActivatedAt = &now
	}

	workflow.IsActive = active
	workflow.UpdatedAt = now

	return true, wr.store.write(workflowsKind, id, workflow)
}

// ReplaceSteps rewrites the workflow document with the new step set.
func (wr *WorkflowRepository) ReplaceSteps(_ context.Context, workflowID string, steps []*models.Step, expectedUpdatedAt, now time.Time) error {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	workflow, err := wr.byID("ReplaceSteps", workflowID)
	if err != nil {
		return err
	}

	if workflow.IsActive {
		return persistence.NewWorkflowError("ReplaceSteps", workflowID, persistence.ErrWorkflowActive)
	}

	if !expectedUpdatedAt.IsZero() && !workflow.UpdatedAt.Equal(expectedUpdatedAt) {
		return persistence.NewWorkflowError("ReplaceSteps", workflowID, persistence.ErrWorkflowChanged)
	}

	err = models.ValidateSteps(steps)
	if err != nil {
		return persistence.NewWorkflowError("ReplaceSteps", workflowID, err)
	}

	err = assignStepIDs(workflowID, steps)
	if err != nil {
		return err
	}

	workflow.Steps = steps
	workflow.UpdatedAt = now

	return wr.store.write(workflowsKind, workflowID, workflow)
}

// Delete marks the workflow as deleted.
func (wr *WorkflowRepository) Delete(_ context.Context, id string, now time.Time) error {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	workflow, err := wr.byID("Delete", id)
	if err != nil {
		return err
	}

	workflow.DeletedAt = &now
	workflow.IsActive = false
	workflow.UpdatedAt = now

	return wr.store.write(workflowsKind, id, workflow)
}

func (wr *WorkflowRepository) isActive(id string) bool {
	var workflow models.Workflow

	found, err := wr.store.read(workflowsKind, id, &workflow)

	return err == nil && found && workflow.IsActive && !workflow.IsDeleted()
}

func assignStepIDs(workflowID string, steps []*models.Step) error {
	for _, step := range steps {
		step.WorkflowID = workflowID

		if step.ID != "" {
			continue
		}

		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate step ID: %w", err)
		}

		step.ID = id.String()
	}

	return nil
}
