package file

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/persistence"
	"github.com/google/uuid"
)

const (
	leadsKind      = "leads"
	sendersKind    = "senders"
	emailSendsKind = "email_sends"
)

// LeadRepository handles lead file operations.
type LeadRepository struct {
	store *store
}

func (lr *LeadRepository) ByOwner(_ context.Context, owner string) ([]*models.Lead, error) {
	lr.store.mu.Lock()
	defer lr.store.mu.Unlock()

	all, err := readAll[models.Lead](lr.store, leadsKind)
	if err != nil {
		return nil, err
	}

	leads := make([]*models.Lead, 0, len(all))

	for _, lead := range all {
		if lead.Owner == owner {
			leads = append(leads, lead)
		}
	}

	sort.SliceStable(leads, func(i, j int) bool {
		return leads[i].CreatedAt.Before(leads[j].CreatedAt)
	})

	return leads, nil
}

func (lr *LeadRepository) ByID(_ context.Context, id string) (*models.Lead, error) {
	lr.store.mu.Lock()
	defer lr.store.mu.Unlock()

	return lr.byID("ByID", id)
}

func (lr *LeadRepository) Save(_ context.Context, lead *models.Lead) error {
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

	lr.store.mu.Lock()
	defer lr.store.mu.Unlock()

	return lr.store.write(leadsKind, lead.ID, lead)
}

func (lr *LeadRepository) SetStatus(_ context.Context, id string, status models.ContactStatus, now time.Time) (models.ContactStatus, error) {
	lr.store.mu.Lock()
	defer lr.store.mu.Unlock()

	lead, err := lr.byID("SetStatus", id)
	if err != nil {
		return "", err
	}

	previous := lead.ContactStatus
	lead.ContactStatus = status
	lead.UpdatedAt = now

	err = lr.store.write(leadsKind, id, lead)
	if err != nil {
		return "", err
	}

	return previous, nil
}

// RecordContact writes the lead before flagging the send, both under the
// store lock.
func (lr *LeadRepository) RecordContact(_ context.Context, send *models.EmailSend) error {
	lr.store.mu.Lock()
	defer lr.store.mu.Unlock()

	key := emailSendKey(send.EnrollmentID, send.StepOrder)

	var recorded models.EmailSend

	found, err := lr.store.read(emailSendsKind, key, &recorded)
	if err != nil {
		return err
	}

	if !found {
		return persistence.NewEnrollmentError("RecordContact", send.EnrollmentID, persistence.ErrEmailSendNotFound)
	}

	if recorded.ContactRecorded {
		return nil
	}

	lead, err := lr.byID("RecordContact", recorded.LeadID)
	if err != nil {
		return err
	}

	if lead.LastContactedAt == nil || lead.LastContactedAt.Before(recorded.SentAt) {
		lead.LastContactedAt = &recorded.SentAt
		lead.UpdatedAt = recorded.SentAt
	}

	lead.EmailsSent++

	err = lr.store.write(leadsKind, lead.ID, lead)
	if err != nil {
		return err
	}

	recorded.ContactRecorded = true

	return lr.store.write(emailSendsKind, key, &recorded)
}

func (lr *LeadRepository) RecordEngagement(_ context.Context, id string, kind models.EngagementKind, at time.Time) (*models.Lead, error) {
	lr.store.mu.Lock()
	defer lr.store.mu.Unlock()

	lead, err := lr.byID("RecordEngagement", id)
	if err != nil {
		return nil, err
	}

	if !lead.RecordEngagement(kind, at) {
		return nil, fmt.Errorf("unknown engagement %q", kind)
	}

	lead.UpdatedAt = at

	err = lr.store.write(leadsKind, id, lead)
	if err != nil {
		return nil, err
	}

	return lead, nil
}

func (lr *LeadRepository) Delete(_ context.Context, id string) error {
	lr.store.mu.Lock()
	defer lr.store.mu.Unlock()

	removed, err := lr.store.remove(leadsKind, id)
	if err != nil {
		return err
	}

	if !removed {
		return persistence.NewLeadError("Delete", id, persistence.ErrLeadNotFound)
	}

	return nil
}

func (lr *LeadRepository) byID(op, id string) (*models.Lead, error) {
	var lead models.Lead

	found, err := lr.store.read(leadsKind, id, &lead)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewLeadError(op, id, persistence.ErrLeadNotFound)
	}

	return &lead, nil
}

// SenderRepository stores one sender document per owner.
type SenderRepository struct {
	store *store
}

func (sr *SenderRepository) ByOwner(_ context.Context, owner string) (*models.Sender, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	var sender models.Sender

	found, err := sr.store.read(sendersKind, owner, &sender)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, fmt.Errorf("owner %s: %w", owner, persistence.ErrSenderNotFound)
	}

	return &sender, nil
}

func (sr *SenderRepository) Save(_ context.Context, sender *models.Sender) error {
	if sender.UpdatedAt.IsZero() {
		sender.UpdatedAt = time.Now().UTC()
	}

	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	return sr.store.write(sendersKind, sender.Owner, sender)
}

// EmailSendRepository keys sends by enrollment and step order.
type EmailSendRepository struct {
	store *store
}

func emailSendKey(enrollmentID string, stepOrder int) string {
	return enrollmentID + "." + strconv.Itoa(stepOrder)
}

func (es *EmailSendRepository) Record(_ context.Context, send *models.EmailSend) error {
	es.store.mu.Lock()
	defer es.store.mu.Unlock()

	key := emailSendKey(send.EnrollmentID, send.StepOrder)

	var existing models.EmailSend

	found, err := es.store.read(emailSendsKind, key, &existing)
	if err != nil {
		return err
	}

	if found {
		return persistence.NewEnrollmentError("RecordSend", send.EnrollmentID, persistence.ErrEmailAlreadySent)
	}

	if send.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate email send ID: %w", err)
		}

		send.ID = id.String()
	}

	return es.store.write(emailSendsKind, key, send)
}

func (es *EmailSendRepository) ForStep(_ context.Context, enrollmentID string, stepOrder int) (*models.EmailSend, error) {
	es.store.mu.Lock()
	defer es.store.mu.Unlock()

	var send models.EmailSend

	found, err := es.store.read(emailSendsKind, emailSendKey(enrollmentID, stepOrder), &send)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewEnrollmentError("ForStep", enrollmentID, persistence.ErrEmailSendNotFound)
	}

	return &send, nil
}

func (es *EmailSendRepository) ListByEnrollment(_ context.Context, enrollmentID string) ([]*models.EmailSend, error) {
	es.store.mu.Lock()
	defer es.store.mu.Unlock()

	all, err := readAll[models.EmailSend](es.store, emailSendsKind)
	if err != nil {
		return nil, err
	}

	sends := make([]*models.EmailSend, 0)

	for _, send := range all {
		if send.EnrollmentID == enrollmentID {
			sends = append(sends, send)
		}
	}

	sort.SliceStable(sends, func(i, j int) bool { return sends[i].StepOrder < sends[j].StepOrder })

	return sends, nil
}
