package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/google/uuid"
)

var enrollmentColumns = []string{
	"e.id",
	"e.workflow_id",
	"e.lead_id",
	"e.owner",
	"e.current_step_order",
	"e.next_action_at",
	"e.status",
	"e.enrolled_at",
	"e.completed_at",
	"e.cancelled_at",
	"e.cancel_reason",
	"e.attempts",
	"e.retry_after",
	"e.last_error",
	"e.lease_token",
	"e.lease_expires_at",
	"e.updated_at",
}

// EnrollmentRepository is the PostgreSQL enrollment ledger.
type EnrollmentRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEnrollmentRepository creates a new enrollment repository.
func NewEnrollmentRepository(db *sql.DB, logger *slog.Logger) *EnrollmentRepository {
	return &EnrollmentRepository{db: db, logger: logger}
}

// EnrollIfAbsent relies on the partial unique index over active (workflow,
// lead) pairs: conflicting inserts are skipped, concurrent ones serialize on it.
func (r *EnrollmentRepository) EnrollIfAbsent(ctx context.Context, enrollments []*models.Enrollment) ([]*models.Enrollment, error) {
	if len(enrollments) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		INSERT INTO enrollments (id, workflow_id, lead_id, owner, current_step_order, next_action_at, status, enrolled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $7)
		ON CONFLICT (workflow_id, lead_id) WHERE status = 'active' DO NOTHING
		RETURNING id
	`

	inserted := make([]*models.Enrollment, 0, len(enrollments))

	for _, enrollment := range enrollments {
		if enrollment.ID == "" {
			id, idErr := uuid.NewV7()
			if idErr != nil {
				err = fmt.Errorf("failed to generate enrollment ID: %w", idErr)

				return nil, err
			}

			enrollment.ID = id.String()
		}

		enrollment.Status = models.EnrollmentStatusActive
		enrollment.UpdatedAt = enrollment.EnrolledAt

		var id string

		err = tx.QueryRowContext(ctx, query,
			enrollment.ID,
			enrollment.WorkflowID,
			enrollment.LeadID,
			enrollment.Owner,
			enrollment.CurrentStepOrder,
			enrollment.NextActionAt,
			enrollment.EnrolledAt,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			err = nil

			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to insert enrollment for lead %s: %w", enrollment.LeadID, err)
		}

		inserted = append(inserted, enrollment)
	}

	err = tx.Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return inserted, nil
}

// Due lists claimable enrollments.
func (r *EnrollmentRepository) Due(ctx context.Context, q persistence.DueQuery) ([]*models.Enrollment, error) {
	builder := psql.Select(enrollmentColumns...).
		From("enrollments e").
		Where(sq.Eq{"e.status": models.EnrollmentStatusActive}).
		Where(sq.LtOrEq{"e.next_action_at": q.Now}).
		Where(sq.Or{sq.Eq{"e.retry_after": nil}, sq.LtOrEq{"e.retry_after": q.Now}}).
		Where(sq.Or{sq.Eq{"e.lease_token": nil}, sq.LtOrEq{"e.lease_expires_at": q.Now}}).
		OrderBy("e.next_action_at", "e.id")

	if q.ActiveWorkflowsOnly {
		builder = builder.Join("workflows w ON w.id = e.workflow_id").Where(sq.Eq{"w.is_active": true})
	}

	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	}

	return r.query(ctx, builder)
}

// Claim sets a lease on the enrollment if it is still due at expectedOrder.
func (r *EnrollmentRepository) Claim(ctx context.Context, id string, expectedOrder int, token string, now, leaseUntil time.Time) (bool, error) {
	query := `
		UPDATE enrollments
		SET lease_token = $3, lease_expires_at = $5, updated_at = $4
		WHERE id = $1
		  AND status = 'active'
		  AND current_step_order = $2
		  AND next_action_at <= $4
		  AND (retry_after IS NULL OR retry_after <= $4)
		  AND (lease_token IS NULL OR lease_expires_at <= $4)
	`

	result, err := r.db.ExecContext(ctx, query, id, expectedOrder, token, now, leaseUntil)
	if err != nil {
		return false, fmt.Errorf("failed to claim enrollment %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected == 1, nil
}

func (r *EnrollmentRepository) Release(ctx context.Context, id, token string, now time.Time) error {
	return r.casUpdate(ctx, "Release", id, `
		UPDATE enrollments
		SET lease_token = NULL, lease_expires_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'active' AND lease_token = $2
	`, id, token, now)
}

func (r *EnrollmentRepository) Advance(ctx context.Context, id, token string, expectedOrder, nextOrder int, nextActionAt, now time.Time) error {
	return r.casUpdate(ctx, "Advance", id, `
		UPDATE enrollments
		SET current_step_order = $4, next_action_at = $5, updated_at = $6,
		    attempts = 0, retry_after = NULL, last_error = '',
		    lease_token = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'active' AND lease_token = $2 AND current_step_order = $3
	`, id, token, expectedOrder, nextOrder, nextActionAt, now)
}

func (r *EnrollmentRepository) Complete(ctx context.Context, id, token string, expectedOrder int, now time.Time) error {
	return r.casUpdate(ctx, "Complete", id, `
		UPDATE enrollments
		SET status = 'completed', completed_at = $4, updated_at = $4,
		    retry_after = NULL, lease_token = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'active' AND lease_token = $2 AND current_step_order = $3
	`, id, token, expectedOrder, now)
}

func (r *EnrollmentRepository) Cancel(ctx context.Context, id, token string, expectedOrder int, reason, lastErr string, now time.Time) error {
	return r.casUpdate(ctx, "Cancel", id, `
		UPDATE enrollments
		SET status = 'cancelled', cancelled_at = $6, cancel_reason = $4, updated_at = $6,
		    last_error = CASE WHEN $5 = '' THEN last_error ELSE $5 END,
		    retry_after = NULL, lease_token = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'active' AND lease_token = $2 AND current_step_order = $3
	`, id, token, expectedOrder, reason, lastErr, now)
}

func (r *EnrollmentRepository) RecordFailure(ctx context.Context, id, token string, expectedOrder, attempts int, retryAfter time.Time, lastErr string, now time.Time) error {
	return r.casUpdate(ctx, "RecordFailure", id, `
		UPDATE enrollments
		SET attempts = $4, retry_after = $5, last_error = $6, updated_at = $7,
		    lease_token = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'active' AND lease_token = $2 AND current_step_order = $3
	`, id, token, expectedOrder, attempts, retryAfter, lastErr, now)
}

func (r *EnrollmentRepository) CancelActive(ctx context.Context, id, reason string, now time.Time) error {
	if _, parseErr := uuid.Parse(id); parseErr != nil {
		return persistence.NewEnrollmentError("CancelActive", id, persistence.ErrEnrollmentNotFound)
	}

	return r.casUpdate(ctx, "CancelActive", id, `
		UPDATE enrollments
		SET status = 'cancelled', cancelled_at = $3, cancel_reason = $2, updated_at = $3,
		    retry_after = NULL, lease_token = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'active'
	`, id, reason, now)
}

func (r *EnrollmentRepository) CancelByWorkflow(ctx context.Context, workflowID, reason string, now time.Time) (int, error) {
	if _, parseErr := uuid.Parse(workflowID); parseErr != nil {
		return 0, nil
	}

	return r.cancelWhere(ctx, "workflow_id", workflowID, reason, now)
}

func (r *EnrollmentRepository) CancelByLead(ctx context.Context, leadID, reason string, now time.Time) (int, error) {
	return r.cancelWhere(ctx, "lead_id", leadID, reason, now)
}

func (r *EnrollmentRepository) cancelWhere(ctx context.Context, column, value, reason string, now time.Time) (int, error) {
	query, args, err := psql.Update("enrollments").
		Set("status", models.EnrollmentStatusCancelled).
		Set("cancelled_at", now).
		Set("cancel_reason", reason).
		Set("updated_at", now).
		Set("retry_after", nil).
		Set("lease_token", nil).
		Set("lease_expires_at", nil).
		Where(sq.Eq{column: value, "status": models.EnrollmentStatusActive}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build cancel query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel enrollments by %s: %w", column, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(affected), nil
}

func (r *EnrollmentRepository) ListByWorkflow(ctx context.Context, workflowID string, status models.EnrollmentStatus) ([]*models.Enrollment, error) {
	if _, parseErr := uuid.Parse(workflowID); parseErr != nil {
		return make([]*models.Enrollment, 0), nil
	}

	builder := psql.Select(enrollmentColumns...).
		From("enrollments e").
		Where(sq.Eq{"e.workflow_id": workflowID}).
		OrderBy("e.enrolled_at", "e.id")

	if status != "" {
		builder = builder.Where(sq.Eq{"e.status": status})
	}

	return r.query(ctx, builder)
}

func (r *EnrollmentRepository) ByID(ctx context.Context, id string) (*models.Enrollment, error) {
	if _, parseErr := uuid.Parse(id); parseErr != nil {
		return nil, persistence.NewEnrollmentError("ByID", id, persistence.ErrEnrollmentNotFound)
	}

	return r.one(ctx, "ByID", id, psql.Select(enrollmentColumns...).
		From("enrollments e").
		Where(sq.Eq{"e.id": id}))
}

func (r *EnrollmentRepository) ActiveFor(ctx context.Context, workflowID, leadID string) (*models.Enrollment, error) {
	if _, parseErr := uuid.Parse(workflowID); parseErr != nil {
		return nil, persistence.NewEnrollmentError("ActiveFor", workflowID+"/"+leadID, persistence.ErrEnrollmentNotFound)
	}

	return r.one(ctx, "ActiveFor", workflowID+"/"+leadID, psql.Select(enrollmentColumns...).
		From("enrollments e").
		Where(sq.Eq{
			"e.workflow_id": workflowID,
			"e.lead_id":     leadID,
			"e.status":      models.EnrollmentStatusActive,
		}))
}

func (r *EnrollmentRepository) CountByStatus(ctx context.Context, workflowID string) (models.EnrollmentCounts, error) {
	var counts models.EnrollmentCounts

	if _, parseErr := uuid.Parse(workflowID); parseErr != nil {
		return counts, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM enrollments WHERE workflow_id = $1 GROUP BY status`, workflowID)
	if err != nil {
		return counts, fmt.Errorf("failed to count enrollments: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	for rows.Next() {
		var (
			status models.EnrollmentStatus
			count  int
		)

		err := rows.Scan(&status, &count)
		if err != nil {
			return counts, fmt.Errorf("failed to scan enrollment count: %w", err)
		}

		switch status {
		case models.EnrollmentStatusActive:
			counts.Active = count
		case models.EnrollmentStatusCompleted:
			counts.Completed = count
		case models.EnrollmentStatusCancelled:
			counts.Cancelled = count
		}
	}

	err = rows.Err()
	if err != nil {
		return counts, fmt.Errorf("error iterating enrollment counts: %w", err)
	}

	return counts, nil
}

func (r *EnrollmentRepository) casUpdate(ctx context.Context, op, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewEnrollmentError(op, id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		if op == "CancelActive" {
			return persistence.NewEnrollmentError(op, id, persistence.ErrEnrollmentNotFound)
		}

		return persistence.NewEnrollmentError(op, id, persistence.ErrClaimLost)
	}

	return nil
}

func (r *EnrollmentRepository) query(ctx context.Context, builder sq.SelectBuilder) ([]*models.Enrollment, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build enrollments query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	enrollments := make([]*models.Enrollment, 0)

	for rows.Next() {
		enrollment, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}

		enrollments = append(enrollments, enrollment)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating enrollments: %w", err)
	}

	return enrollments, nil
}

func (r *EnrollmentRepository) one(ctx context.Context, op, key string, builder sq.SelectBuilder) (*models.Enrollment, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build enrollment query: %w", err)
	}

	enrollment, err := scanEnrollment(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEnrollmentError(op, key, persistence.ErrEnrollmentNotFound)
		}

		return nil, fmt.Errorf("failed to scan enrollment: %w", err)
	}

	return enrollment, nil
}

func scanEnrollment(row scanner) (*models.Enrollment, error) {
	var enrollment models.Enrollment

	err := row.Scan(
		&enrollment.ID,
		&enrollment.WorkflowID,
		&enrollment.LeadID,
		&enrollment.Owner,
		&enrollment.CurrentStepOrder,
		&enrollment.NextActionAt,
		&enrollment.Status,
		&enrollment.EnrolledAt,
		&enrollment.CompletedAt,
		&enrollment.CancelledAt,
		&enrollment.CancelReason,
		&enrollment.Attempts,
		&enrollment.RetryAfter,
		&enrollment.LastError,
		&enrollment.LeaseToken,
		&enrollment.LeaseExpiresAt,
		&enrollment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	enrollment.NextActionAt = enrollment.NextActionAt.UTC()
	enrollment.EnrolledAt = enrollment.EnrolledAt.UTC()
	enrollment.UpdatedAt = enrollment.UpdatedAt.UTC()

	return &enrollment, nil
}
