package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/google/uuid"
)

const leadColumns = `id, owner, name, email, company, contact_status, last_contacted_at, emails_sent,
	last_opened_at, last_clicked_at, last_replied_at, created_at, updated_at`

// LeadRepository handles lead-related database operations.
type LeadRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLeadRepository creates a new lead repository.
func NewLeadRepository(db *sql.DB, logger *slog.Logger) *LeadRepository {
	return &LeadRepository{db: db, logger: logger}
}

// ByOwner returns the lead population of owner.
func (r *LeadRepository) ByOwner(ctx context.Context, owner string) ([]*models.Lead, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE owner = $1 ORDER BY created_at, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	leads := make([]*models.Lead, 0)

	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lead: %w", err)
		}

		leads = append(leads, lead)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating leads: %w", err)
	}

	return leads, nil
}

func (r *LeadRepository) ByID(ctx context.Context, id string) (*models.Lead, error) {
	lead, err := scanLead(r.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewLeadError("ByID", id, persistence.ErrLeadNotFound)
		}

		return nil, fmt.Errorf("failed to scan lead: %w", err)
	}

	return lead, nil
}

// Save upserts a lead.
func (r *LeadRepository) Save(ctx context.Context, lead *models.Lead) error {
	now := time.Now().UTC()

	if lead.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate lead ID: %w", err)
		}

		lead.ID = id.String()
	}

	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}

	if lead.UpdatedAt.IsZero() {
		lead.UpdatedAt = now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO leads (`+leadColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			owner = EXCLUDED.owner,
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			company = EXCLUDED.company,
			contact_status = EXCLUDED.contact_status,
			last_contacted_at = EXCLUDED.last_contacted_at,
			emails_sent = EXCLUDED.emails_sent,
			last_opened_at = EXCLUDED.last_opened_at,
			last_clicked_at = EXCLUDED.last_clicked_at,
			last_replied_at = EXCLUDED.last_replied_at,
			updated_at = EXCLUDED.updated_at
	`,
		lead.ID,
		lead.Owner,
		lead.Name,
		lead.Email,
		lead.Company,
		lead.ContactStatus,
		lead.LastContactedAt,
		lead.EmailsSent,
		lead.LastOpenedAt,
		lead.LastClickedAt,
		lead.LastRepliedAt,
		lead.CreatedAt,
		lead.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save lead: %w", err)
	}

	return nil
}

// SetStatus locks the row so the returned previous status is the one replaced.
func (r *LeadRepository) SetStatus(ctx context.Context, id string, status models.ContactStatus, now time.Time) (models.ContactStatus, error) {
	var previous models.ContactStatus

	err := r.db.QueryRowContext(ctx, `
		UPDATE leads l
		SET contact_status = $2, updated_at = $3
		FROM (SELECT id, contact_status FROM leads WHERE id = $1 FOR UPDATE) prev
		WHERE l.id = prev.id
		RETURNING prev.contact_status
	`, id, status, now).Scan(&previous)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", persistence.NewLeadError("SetStatus", id, persistence.ErrLeadNotFound)
		}

		return "", fmt.Errorf("failed to update lead status: %w", err)
	}

	return previous, nil
}

// RecordContact flips the send's contact_recorded flag and updates the lead
// in one transaction, so a repeated call finds the flag set and stops.
func (r *LeadRepository) RecordContact(ctx context.Context, send *models.EmailSend) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		leadID string
		sentAt time.Time
	)

	err = tx.QueryRowContext(ctx, `
		UPDATE email_sends SET contact_recorded = TRUE
		WHERE enrollment_id = $1 AND step_order = $2 AND NOT contact_recorded
		RETURNING lead_id, sent_at
	`, send.EnrollmentID, send.StepOrder).Scan(&leadID, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool

		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM email_sends WHERE enrollment_id = $1 AND step_order = $2)`,
			send.EnrollmentID, send.StepOrder).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to look up email send: %w", err)
		}

		if !exists {
			err = persistence.NewEnrollmentError("RecordContact", send.EnrollmentID, persistence.ErrEmailSendNotFound)

			return err
		}

		// Already applied.
		return tx.Rollback()
	}

	if err != nil {
		return fmt.Errorf("failed to flag email send: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE leads
		SET last_contacted_at = GREATEST(last_contacted_at, $2),
			emails_sent = emails_sent + 1,
			updated_at = GREATEST(updated_at, $2)
		WHERE id = $1
	`, leadID, sentAt)
	if err != nil {
		return fmt.Errorf("failed to record lead contact: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		err = persistence.NewLeadError("RecordContact", leadID, persistence.ErrLeadNotFound)

		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

var engagementColumns = map[models.EngagementKind]string{
	models.EngagementOpened:  "last_opened_at",
	models.EngagementClicked: "last_clicked_at",
	models.EngagementReplied: "last_replied_at",
}

// RecordEngagement writes a single engagement column.
func (r *LeadRepository) RecordEngagement(ctx context.Context, id string, kind models.EngagementKind, at time.Time) (*models.Lead, error) {
	column, ok := engagementColumns[kind]
	if !ok {
		return nil, fmt.Errorf("unknown engagement %q", kind)
	}

	lead, err := scanLead(r.db.QueryRowContext(ctx, `
		UPDATE leads SET `+column+` = $2, updated_at = $2
		WHERE id = $1
		RETURNING `+leadColumns, id, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewLeadError("RecordEngagement", id, persistence.ErrLeadNotFound)
		}

		return nil, fmt.Errorf("failed to record engagement: %w", err)
	}

	return lead, nil
}

func (r *LeadRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM leads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete lead: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.NewLeadError("Delete", id, persistence.ErrLeadNotFound)
	}

	return nil
}

func scanLead(row scanner) (*models.Lead, error) {
	var lead models.Lead

	err := row.Scan(
		&lead.ID,
		&lead.Owner,
		&lead.Name,
		&lead.Email,
		&lead.Company,
		&lead.ContactStatus,
		&lead.LastContactedAt,
		&lead.EmailsSent,
		&lead.LastOpenedAt,
		&lead.LastClickedAt,
		&lead.LastRepliedAt,
		&lead.CreatedAt,
		&lead.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	lead.CreatedAt = lead.CreatedAt.UTC()
	lead.UpdatedAt = lead.UpdatedAt.UTC()

	return &lead, nil
}

// SenderRepository stores per-owner sender configuration.
type SenderRepository struct {
	db *sql.DB
}

// NewSenderRepository creates a new sender repository.
func NewSenderRepository(db *sql.DB) *SenderRepository {
	return &SenderRepository{db: db}
}

func (r *SenderRepository) ByOwner(ctx context.Context, owner string) (*models.Sender, error) {
	var sender models.Sender

	err := r.db.QueryRowContext(ctx,
		`SELECT owner, from_address, from_name, updated_at FROM senders WHERE owner = $1`, owner).
		Scan(&sender.Owner, &sender.FromAddress, &sender.FromName, &sender.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("owner %s: %w", owner, persistence.ErrSenderNotFound)
		}

		return nil, fmt.Errorf("failed to scan sender: %w", err)
	}

	return &sender, nil
}

func (r *SenderRepository) Save(ctx context.Context, sender *models.Sender) error {
	if sender.UpdatedAt.IsZero() {
		sender.UpdatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO senders (owner, from_address, from_name, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner) DO UPDATE SET
			from_address = EXCLUDED.from_address,
			from_name = EXCLUDED.from_name,
			updated_at = EXCLUDED.updated_at
	`, sender.Owner, sender.FromAddress, sender.FromName, sender.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save sender: %w", err)
	}

	return nil
}

// EmailSendRepository records delivered emails.
type EmailSendRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEmailSendRepository creates a new email send repository.
func NewEmailSendRepository(db *sql.DB, logger *slog.Logger) *EmailSendRepository {
	return &EmailSendRepository{db: db, logger: logger}
}

func (r *EmailSendRepository) Record(ctx context.Context, send *models.EmailSend) error {
	if send.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate email send ID: %w", err)
		}

		send.ID = id.String()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_sends (id, enrollment_id, step_order, lead_id, subject, body, sent_at, contact_recorded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, send.ID, send.EnrollmentID, send.StepOrder, send.LeadID, send.Subject, send.Body, send.SentAt, send.ContactRecorded)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewEnrollmentError("RecordSend", send.EnrollmentID, persistence.ErrEmailAlreadySent)
		}

		return fmt.Errorf("failed to record email send: %w", err)
	}

	return nil
}

func (r *EmailSendRepository) ForStep(ctx context.Context, enrollmentID string, stepOrder int) (*models.EmailSend, error) {
	sends, err := r.list(ctx, `WHERE enrollment_id = $1 AND step_order = $2`, enrollmentID, stepOrder)
	if err != nil {
		return nil, err
	}

	if len(sends) == 0 {
		return nil, persistence.NewEnrollmentError("ForStep", enrollmentID, persistence.ErrEmailSendNotFound)
	}

	return sends[0], nil
}

func (r *EmailSendRepository) ListByEnrollment(ctx context.Context, enrollmentID string) ([]*models.EmailSend, error) {
	return r.list(ctx, `WHERE enrollment_id = $1`, enrollmentID)
}

func (r *EmailSendRepository) list(ctx context.Context, where string, args ...any) ([]*models.EmailSend, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, enrollment_id, step_order, lead_id, subject, body, sent_at, contact_recorded
		FROM email_sends `+where+`
		ORDER BY step_order`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query email sends: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	sends := make([]*models.EmailSend, 0)

	for rows.Next() {
		var send models.EmailSend

		err := rows.Scan(&send.ID, &send.EnrollmentID, &send.StepOrder, &send.LeadID, &send.Subject, &send.Body, &send.SentAt,
			&send.ContactRecorded)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email send: %w", err)
		}

		send.SentAt = send.SentAt.UTC()
		sends = append(sends, &send)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating email sends: %w", err)
	}

	return sends, nil
}
