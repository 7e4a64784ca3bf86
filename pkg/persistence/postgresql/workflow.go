package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/google/uuid"
)

var workflowColumns = []string{
	"id",
	"owner",
	"name",
	"description",
	"trigger",
	"is_active",
	"activated_at",
	"created_at",
	"updated_at",
	"deleted_at",
}

// stepConfig is the JSONB payload of a workflow step row.
type stepConfig struct {
	Email      *models.EmailAction     `json:"email,omitempty"`
	Condition  *models.ConditionAction `json:"condition,omitempty"`
	NextStatus models.ContactStatus    `json:"next_status,omitempty"`
	Next       *int                    `json:"next,omitempty"`
}

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

// List returns the non deleted workflows of owner, newest first.
func (r *WorkflowRepository) List(ctx context.Context, owner string) ([]*models.Workflow, error) {
	return r.list(ctx, owner, false)
}

// ListActive returns the active workflows of owner.
func (r *WorkflowRepository) ListActive(ctx context.Context, owner string) ([]*models.Workflow, error) {
	return r.list(ctx, owner, true)
}

func (r *WorkflowRepository) list(ctx context.Context, owner string, activeOnly bool) ([]*models.Workflow, error) {
	builder := psql.Select(workflowColumns...).
		From("workflows").
		Where(sq.Eq{"deleted_at": nil}).
		OrderBy("created_at DESC")

	if owner != "" {
		builder = builder.Where(sq.Eq{"owner": owner})
	}

	if activeOnly {
		builder = builder.Where(sq.Eq{"is_active": true})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build workflows query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	for _, workflow := range workflows {
		workflow.Steps, err = r.loadSteps(ctx, workflow.ID)
		if err != nil {
			return nil, err
		}
	}

	return workflows, nil
}

// ByID returns a workflow with its ordered steps.
func (r *WorkflowRepository) ByID(ctx context.Context, id string) (*models.Workflow, error) {
	if _, parseErr := uuid.Parse(id); parseErr != nil {
		return nil, persistence.NewWorkflowError("ByID", id, persistence.ErrWorkflowNotFound)
	}

	query, args, err := psql.Select(workflowColumns...).
		From("workflows").
		Where(sq.Eq{"id": id, "deleted_at": nil}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build workflow query: %w", err)
	}

	workflow, err := scanWorkflow(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("ByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	workflow.Steps, err = r.loadSteps(ctx, workflow.ID)
	if err != nil {
		return nil, err
	}

	return workflow, nil
}

// Save upserts the workflow and rewrites its steps in one transaction.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
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

	triggerJSON, err := json.Marshal(workflow.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	workflowQuery := `
		INSERT INTO workflows (id, owner, name, description, trigger, is_active, activated_at, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			owner = EXCLUDED.owner,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			trigger = EXCLUDED.trigger,
			is_active = EXCLUDED.is_active,
			activated_at = EXCLUDED.activated_at,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`

	_, err = tx.ExecContext(ctx, workflowQuery,
		workflow.ID,
		workflow.Owner,
		workflow.Name,
		workflow.Description,
		triggerJSON,
		workflow.IsActive,
		workflow.ActivatedAt,
		workflow.CreatedAt,
		workflow.UpdatedAt,
		workflow.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow base: %w", err)
	}

	err = r.writeSteps(ctx, tx, workflow.ID, workflow.Steps)
	if err != nil {
		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// UpdateDetails updates the named columns under a row lock.
func (r *WorkflowRepository) UpdateDetails(ctx context.Context, id string, details persistence.WorkflowDetails, now time.Time) error {
	if _, parseErr := uuid.Parse(id); parseErr != nil {
		return persistence.NewWorkflowError("UpdateDetails", id, persistence.ErrWorkflowNotFound)
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		locked, err := lockWorkflow(ctx, tx, "UpdateDetails", id)
		if err != nil {
			return err
		}

		builder := psql.Update("workflows").
			Set("updated_at", now).
			Where(sq.Eq{"id": id})

		if details.Trigger != nil && !details.Trigger.Equal(locked.trigger) {
			if locked.isActive {
				return persistence.NewWorkflowError("UpdateDetails", id, persistence.ErrWorkflowActive)
			}

			triggerJSON, err := json.Marshal(details.Trigger)
			if err != nil {
				return fmt.Errorf("failed to marshal trigger: %w", err)
			}

			builder = builder.Set("trigger", triggerJSON)
		}

		if details.Name != nil {
			builder = builder.Set("name", *details.Name)
		}

		if details.Description != nil {
			builder = builder.Set("description", *details.Description)
		}

		query, args, err := builder.ToSql()
		if err != nil {
			return fmt.Errorf("failed to build workflow update: %w", err)
		}

		_, err = tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update workflow: %w", err)
		}

		return nil
	})
}

// SetActive flips is_active with a guarded update.
func (r *WorkflowRepository) SetActive(ctx context.Context, id string, active bool, now time.Time) (bool, error) {
	if _, parseErr := uuid.Parse(id); parseErr != nil {
		return false, persistence.NewWorkflowError("SetActive", id, persistence.ErrWorkflowNotFound)
	}

	changed := false

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		locked, err := lockWorkflow(ctx, tx, "SetActive", id)
		if err != nil {
			return err
		}

		if locked.isActive == active {
			return nil
		}

		builder := psql.Update("workflows").
			Set("is_active", active).
			Set("updated_at", now).
			Where(sq.Eq{"id": id, "is_active": !active})

		if active {
			if !locked.hasSteps {
				return persistence.NewWorkflowError("SetActive", id, persistence.ErrNoSteps)
			}

			builder = builder.Set("activated_at", now)
		}

		query, args, err := builder.ToSql()
		if err != nil {
			return fmt.Errorf("failed to build workflow update: %w", err)
		}

		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to set workflow active flag: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}

		changed = affected == 1

		return nil
	})

	return changed, err
}

// ReplaceSteps deletes and reinserts the step set inside one transaction.
func (r *WorkflowRepository) ReplaceSteps(ctx context.Context, workflowID string, steps []*models.Step, expectedUpdatedAt, now time.Time) error {
	if _, parseErr := uuid.Parse(workflowID); parseErr != nil {
		return persistence.NewWorkflowError("ReplaceSteps", workflowID, persistence.ErrWorkflowNotFound)
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		locked, err := lockWorkflow(ctx, tx, "ReplaceSteps", workflowID)
		if err != nil {
			return err
		}

		if locked.isActive {
			return persistence.NewWorkflowError("ReplaceSteps", workflowID, persistence.ErrWorkflowActive)
		}

		if !expectedUpdatedAt.IsZero() && !locked.updatedAt.Equal(expectedUpdatedAt) {
			return persistence.NewWorkflowError("ReplaceSteps", workflowID, persistence.ErrWorkflowChanged)
		}

		_, err = tx.ExecContext(ctx, `UPDATE workflows SET updated_at = $2 WHERE id = $1`, workflowID, now)
		if err != nil {
			return fmt.Errorf("failed to touch workflow: %w", err)
		}

		return r.writeSteps(ctx, tx, workflowID, steps)
	})
}

// Delete soft deletes a workflow by setting deleted_at timestamp.
func (r *WorkflowRepository) Delete(ctx context.Context, id string, now time.Time) error {
	if _, parseErr := uuid.Parse(id); parseErr != nil {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	query := `UPDATE workflows SET deleted_at = $2, is_active = FALSE, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

func (r *WorkflowRepository) writeSteps(ctx context.Context, tx *sql.Tx, workflowID string, steps []*models.Step) error {
	_, err := tx.ExecContext(ctx, "DELETE FROM workflow_steps WHERE workflow_id = $1", workflowID)
	if err != nil {
		return fmt.Errorf("failed to delete existing steps: %w", err)
	}

	for _, step := range steps {
		if _, parseErr := uuid.Parse(step.ID); parseErr != nil {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("failed to generate step ID: %w", err)
			}

			step.ID = id.String()
		}

		step.WorkflowID = workflowID

		configJSON, err := json.Marshal(stepConfig{
			Email:      step.Email,
			Condition:  step.Condition,
			NextStatus: step.NextStatus,
			Next:       step.Next,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal step configuration: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (id, workflow_id, step_order, action_type, delay_days, config)
			VALUES ($1, $2, $3, $4, $5, $6)
		`,
			step.ID,
			workflowID,
			step.Order,
			step.ActionType,
			step.DelayDays,
			configJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to save step %d: %w", step.Order, err)
		}
	}

	return nil
}

func (r *WorkflowRepository) loadSteps(ctx context.Context, workflowID string) ([]*models.Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, step_order, action_type, delay_days, config
		FROM workflow_steps
		WHERE workflow_id = $1
		ORDER BY step_order
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow steps: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	steps := make([]*models.Step, 0)

	for rows.Next() {
		var (
			step       models.Step
			configJSON []byte
			config     stepConfig
		)

		err := rows.Scan(&step.ID, &step.Order, &step.ActionType, &step.DelayDays, &configJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		err = json.Unmarshal(configJSON, &config)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal step configuration: %w", err)
		}

		step.WorkflowID = workflowID
		step.Email = config.Email
		step.Condition = config.Condition
		step.NextStatus = config.NextStatus
		step.Next = config.Next

		steps = append(steps, &step)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

func scanWorkflow(row scanner) (*models.Workflow, error) {
	var (
		workflow    models.Workflow
		triggerJSON []byte
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.Owner,
		&workflow.Name,
		&workflow.Description,
		&triggerJSON,
		&workflow.IsActive,
		&workflow.ActivatedAt,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
		&workflow.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(triggerJSON, &workflow.Trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}

	workflow.CreatedAt = workflow.CreatedAt.UTC()
	workflow.UpdatedAt = workflow.UpdatedAt.UTC()

	return &workflow, nil
}

func (r *WorkflowRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err = fn(tx)
	if err != nil {
		_ = tx.Rollback()

		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// lockedWorkflow is the row state a guarded write decides on.
type lockedWorkflow struct {
	isActive  bool
	trigger   models.Trigger
	updatedAt time.Time
	hasSteps  bool
}

// lockWorkflow takes a row lock on the workflow for the rest of tx.
func lockWorkflow(ctx context.Context, tx *sql.Tx, op, id string) (*lockedWorkflow, error) {
	var (
		locked      lockedWorkflow
		triggerJSON []byte
	)

	err := tx.QueryRowContext(ctx, `
		SELECT w.is_active, w.trigger, w.updated_at,
			EXISTS (SELECT 1 FROM workflow_steps s WHERE s.workflow_id = w.id)
		FROM workflows w
		WHERE w.id = $1 AND w.deleted_at IS NULL
		FOR UPDATE OF w
	`, id).Scan(&locked.isActive, &triggerJSON, &locked.updatedAt, &locked.hasSteps)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError(op, id, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to lock workflow: %w", err)
	}

	err = json.Unmarshal(triggerJSON, &locked.trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}

	return &locked, nil
}
