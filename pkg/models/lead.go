package models

import (
	"slices"
	"time"
)

// ContactStatus is the pipeline position of a lead.
type ContactStatus string

const (
	ContactStatusNew              ContactStatus = "new"
	ContactStatusContacted        ContactStatus = "contacted"
	ContactStatusReplied          ContactStatus = "replied"
	ContactStatusInterested       ContactStatus = "interested"
	ContactStatusNotInterested    ContactStatus = "not_interested"
	ContactStatusMeetingScheduled ContactStatus = "meeting_scheduled"
	ContactStatusClosedWon        ContactStatus = "closed_won"
	ContactStatusClosedLost       ContactStatus = "closed_lost"
	ContactStatusUnqualified      ContactStatus = "unqualified"
)

// ContactStatuses lists every known contact status.
var ContactStatuses = []ContactStatus{
	ContactStatusNew,
	ContactStatusContacted,
	ContactStatusReplied,
	ContactStatusInterested,
	ContactStatusNotInterested,
	ContactStatusMeetingScheduled,
	ContactStatusClosedWon,
	ContactStatusClosedLost,
	ContactStatusUnqualified,
}

// terminalStatuses is the do-not-continue set: leads here receive no further outreach.
var terminalStatuses = []ContactStatus{
	ContactStatusClosedWon,
	ContactStatusClosedLost,
	ContactStatusUnqualified,
}

// Valid reports whether s is a known contact status.
func (s ContactStatus) Valid() bool {
	return slices.Contains(ContactStatuses, s)
}

// IsTerminal reports whether s belongs to the do-not-continue set.
func (s ContactStatus) IsTerminal() bool {
	return slices.Contains(terminalStatuses, s)
}

// Lead is the contact the engine reads and mutates. It is owned by the lead
// store; the engine only touches status, contact bookkeeping and engagement.
type Lead struct {
	ID              string        `json:"id"`
	Owner           string        `json:"owner"                       validate:"required"`
	Name            string        `json:"name"`
	Email           string        `json:"email"                       validate:"omitempty,email"`
	Company         string        `json:"company,omitempty"`
	ContactStatus   ContactStatus `json:"contact_status"              validate:"required"`
	LastContactedAt *time.Time    `json:"last_contacted_at,omitempty"`
	EmailsSent      int           `json:"emails_sent"`
	LastOpenedAt    *time.Time    `json:"last_opened_at,omitempty"`
	LastClickedAt   *time.Time    `json:"last_clicked_at,omitempty"`
	LastRepliedAt   *time.Time    `json:"last_replied_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// EngagementKind names a tracked engagement signal.
type EngagementKind string

const (
	EngagementOpened  EngagementKind = "opened"
	EngagementClicked EngagementKind = "clicked"
	EngagementReplied EngagementKind = "replied"
)

func (k EngagementKind) Valid() bool {
	return k == EngagementOpened || k == EngagementClicked || k == EngagementReplied
}

// RecordEngagement stamps the engagement timestamp for kind.
func (l *Lead) RecordEngagement(kind EngagementKind, at time.Time) bool {
	switch kind {
	case EngagementOpened:
		l.LastOpenedAt = &at
	case EngagementClicked:
		l.LastClickedAt = &at
	case EngagementReplied:
		l.LastRepliedAt = &at
	default:
		return false
	}

	return true
}

// Sender is the outbound email identity configured by an owner.
type Sender struct {
	Owner       string    `json:"owner"        validate:"required"`
	FromAddress string    `json:"from_address" validate:"required,email"`
	FromName    string    `json:"from_name"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EmailSend records an email delivered for one enrollment step.
type EmailSend struct {
	ID           string    `json:"id"`
	EnrollmentID string    `json:"enrollment_id"`
	StepOrder    int       `json:"step_order"`
	LeadID       string    `json:"lead_id"`
	Subject      string    `json:"subject"`
	Body         string    `json:"body"`
	SentAt       time.Time `json:"sent_at"`

	// ContactRecorded is set once the send has been applied to the lead.
	ContactRecorded bool `json:"contact_recorded"`
}
