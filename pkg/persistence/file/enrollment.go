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

const enrollmentsKind = "enrollments"

// EnrollmentRepository is the file backed enrollment ledger.
type EnrollmentRepository struct {
	store *store
}

func (er *EnrollmentRepository) EnrollIfAbsent(_ context.Context, enrollments []*models.Enrollment) ([]*models.Enrollment, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	existing, err := readAll[models.Enrollment](er.store, enrollmentsKind)
	if err != nil {
		return nil, err
	}

	active := make(map[[2]string]bool, len(existing))

	for _, enrollment := range existing {
		if enrollment.Status == models.EnrollmentStatusActive {
			active[[2]string{enrollment.WorkflowID, enrollment.LeadID}] = true
		}
	}

	inserted := make([]*models.Enrollment, 0, len(enrollments))

	for _, enrollment := range enrollments {
		key := [2]string{enrollment.WorkflowID, enrollment.LeadID}
		if active[key] {
			continue
		}

		if enrollment.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return inserted, fmt.Errorf("failed to generate enrollment ID: %w", err)
			}

			enrollment.ID = id.String()
		}

		enrollment.Status = models.EnrollmentStatusActive
		enrollment.UpdatedAt = enrollment.EnrolledAt

		err = er.store.write(enrollmentsKind, enrollment.ID, enrollment)
		if err != nil {
			return inserted, err
		}

		active[key] = true
		inserted = append(inserted, enrollment)
	}

	return inserted, nil
}

func (er *EnrollmentRepository) Due(_ context.Context, q persistence.DueQuery) ([]*models.Enrollment, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	all, err := readAll[models.Enrollment](er.store, enrollmentsKind)
	if err != nil {
		return nil, err
	}

	workflows := &WorkflowRepository{store: er.store}
	activeWorkflow := make(map[string]bool)
	due := make([]*models.Enrollment, 0)

	for _, enrollment := range all {
		if !enrollment.IsDue(q.Now) {
			continue
		}

		if q.ActiveWorkflowsOnly {
			isActive, seen := activeWorkflow[enrollment.WorkflowID]
			if !seen {
				isActive = workflows.isActive(enrollment.WorkflowID)
				activeWorkflow[enrollment.WorkflowID] = isActive
			}

			if !isActive {
				continue
			}
		}

		due = append(due, enrollment)
	}

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].NextActionAt.Equal(due[j].NextActionAt) {
			return due[i].ID < due[j].ID
		}

		return due[i].NextActionAt.Before(due[j].NextActionAt)
	})

	if q.Limit > 0 && len(due) > q.Limit {
		due = due[:q.Limit]
	}

	return due, nil
}

func (er *EnrollmentRepository) Claim(_ context.Context, id string, expectedOrder int, token string, now, leaseUntil time.Time) (bool, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	enrollment, err := er.byID("Claim", id)
	if err != nil {
		if persistence.IsEnrollmentNotFound(err) {
			return false, nil
		}

		return false, err
	}

	if enrollment.CurrentStepOrder != expectedOrder || !enrollment.IsDue(now) {
		return false, nil
	}

	enrollment.LeaseToken = &token
	enrollment.LeaseExpiresAt = &leaseUntil
	enrollment.UpdatedAt = now

	err = er.store.write(enrollmentsKind, id, enrollment)
	if err != nil {
		return false, err
	}

	return true, nil
}

func (er *EnrollmentRepository) Release(_ context.Context, id, token string, now time.Time) error {
	return er.update("Release", id, func(e *models.Enrollment) bool {
		if e.Status != models.EnrollmentStatusActive || e.LeaseToken == nil || *e.LeaseToken != token {
			return false
		}

		e.LeaseToken, e.LeaseExpiresAt, e.UpdatedAt = nil, nil, now

		return true
	})
}

func (er *EnrollmentRepository) Advance(_ context.Context, id, token string, expectedOrder, nextOrder int, nextActionAt, now time.Time) error {
	return er.update("Advance", id, leased(token, expectedOrder, func(e *models.Enrollment) {
		e.CurrentStepOrder = nextOrder
		e.NextActionAt = nextActionAt
		e.Attempts = 0
		e.RetryAfter = nil
		e.LastError = ""
		e.UpdatedAt = now
	}))
}

func (er *EnrollmentRepository) Complete(_ context.Context, id, token string, expectedOrder int, now time.Time) error {
	return er.update("Complete", id, leased(token, expectedOrder, func(e *models.Enrollment) {
		e.Status = models.EnrollmentStatusCompleted
		e.CompletedAt = &now
		e.RetryAfter = nil
		e.UpdatedAt = now
	}))
}

func (er *EnrollmentRepository) Cancel(_ context.Context, id, token string, expectedOrder int, reason, lastErr string, now time.Time) error {
	return er.update("Cancel", id, leased(token, expectedOrder, func(e *models.Enrollment) {
		cancel(e, reason, now)

		if lastErr != "" {
			e.LastError = lastErr
		}
	}))
}

func (er *EnrollmentRepository) RecordFailure(_ context.Context, id, token string, expectedOrder, attempts int, retryAfter time.Time, lastErr string, now time.Time) error {
	return er.update("RecordFailure", id, leased(token, expectedOrder, func(e *models.Enrollment) {
		e.Attempts = attempts
		e.RetryAfter = &retryAfter
		e.LastError = lastErr
		e.UpdatedAt = now
	}))
}

func (er *EnrollmentRepository) CancelActive(_ context.Context, id, reason string, now time.Time) error {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	enrollment, err := er.byID("CancelActive", id)
	if err != nil {
		return err
	}

	if enrollment.Status != models.EnrollmentStatusActive {
		return persistence.NewEnrollmentError("CancelActive", id, persistence.ErrEnrollmentNotFound)
	}

	cancel(enrollment, reason, now)

	return er.store.write(enrollmentsKind, id, enrollment)
}

func (er *EnrollmentRepository) CancelByWorkflow(_ context.Context, workflowID, reason string, now time.Time) (int, error) {
	return er.cancelMatching(reason, now, func(e *models.Enrollment) bool { return e.WorkflowID == workflowID })
}

func (er *EnrollmentRepository) CancelByLead(_ context.Context, leadID, reason string, now time.Time) (int, error) {
	return er.cancelMatching(reason, now, func(e *models.Enrollment) bool { return e.LeadID == leadID })
}

func (er *EnrollmentRepository) cancelMatching(reason string, now time.Time, match func(*models.Enrollment) bool) (int, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	all, err := readAll[models.Enrollment](er.store, enrollmentsKind)
	if err != nil {
		return 0, err
	}

	cancelled := 0

	for _, enrollment := range all {
		if enrollment.Status != models.EnrollmentStatusActive || !match(enrollment) {
			continue
		}

		cancel(enrollment, reason, now)

		err = er.store.write(enrollmentsKind, enrollment.ID, enrollment)
		if err != nil {
			return cancelled, err
		}

		cancelled++
	}

	return cancelled, nil
}

func (er *EnrollmentRepository) ListByWorkflow(_ context.Context, workflowID string, status models.EnrollmentStatus) ([]*models.Enrollment, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	all, err := readAll[models.Enrollment](er.store, enrollmentsKind)
	if err != nil {
		return nil, err
	}

	enrollments := make([]*models.Enrollment, 0)

	for _, enrollment := range all {
		if enrollment.WorkflowID == workflowID && (status == "" || enrollment.Status == status) {
			enrollments = append(enrollments, enrollment)
		}
	}

	sort.SliceStable(enrollments, func(i, j int) bool {
		return enrollments[i].EnrolledAt.Before(enrollments[j].EnrolledAt)
	})

	return enrollments, nil
}

func (er *EnrollmentRepository) ByID(_ context.Context, id string) (*models.Enrollment, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	return er.byID("ByID", id)
}

func (er *EnrollmentRepository) ActiveFor(_ context.Context, workflowID, leadID string) (*models.Enrollment, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	all, err := readAll[models.Enrollment](er.store, enrollmentsKind)
	if err != nil {
		return nil, err
	}

	for _, enrollment := range all {
		if enrollment.WorkflowID == workflowID && enrollment.LeadID == leadID && enrollment.Status == models.EnrollmentStatusActive {
			return enrollment, nil
		}
	}

	return nil, persistence.NewEnrollmentError("ActiveFor", workflowID+"/"+leadID, persistence.ErrEnrollmentNotFound)
}

func (er *EnrollmentRepository) CountByStatus(_ context.Context, workflowID string) (models.EnrollmentCounts, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	var counts models.EnrollmentCounts

	all, err := readAll[models.Enrollment](er.store, enrollmentsKind)
	if err != nil {
		return counts, err
	}

	for _, enrollment := range all {
		if enrollment.WorkflowID != workflowID {
			continue
		}

		switch enrollment.Status {
		case models.EnrollmentStatusActive:
			counts.Active++
		case models.EnrollmentStatusCompleted:
			counts.Completed++
		case models.EnrollmentStatusCancelled:
			counts.Cancelled++
		}
	}

	return counts, nil
}

func (er *EnrollmentRepository) byID(op, id string) (*models.Enrollment, error) {
	var enrollment models.Enrollment

	found, err := er.store.read(enrollmentsKind, id, &enrollment)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewEnrollmentError(op, id, persistence.ErrEnrollmentNotFound)
	}

	return &enrollment, nil
}

// update applies mutate under the store lock; mutate reports whether the
// compare-and-swap guard matched.
func (er *EnrollmentRepository) update(op, id string, mutate func(*models.Enrollment) bool) error {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	enrollment, err := er.byID(op, id)
	if err != nil {
		return err
	}

	if !mutate(enrollment) {
		return persistence.NewEnrollmentError(op, id, persistence.ErrClaimLost)
	}

	return er.store.write(enrollmentsKind, id, enrollment)
}

// leased guards a mutation on the lease token and cursor, then releases the lease.
func leased(token string, expectedOrder int, apply func(*models.Enrollment)) func(*models.Enrollment) bool {
	return func(e *models.Enrollment) bool {
		if e.Status != models.EnrollmentStatusActive ||
			e.CurrentStepOrder != expectedOrder ||
			e.LeaseToken == nil || *e.LeaseToken != token {
			return false
		}

		apply(e)

		e.LeaseToken = nil
		e.LeaseExpiresAt = nil

		return true
	}
}

func cancel(e *models.Enrollment, reason string, now time.Time) {
	e.Status = models.EnrollmentStatusCancelled
	e.CancelledAt = &now
	e.CancelReason = reason
	e.RetryAfter = nil
	e.LeaseToken = nil
	e.LeaseExpiresAt = nil
	e.UpdatedAt = now
}
