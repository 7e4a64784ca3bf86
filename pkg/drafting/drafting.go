// Package drafting requests email content for outreach steps from a content generation service.
package drafting

import (
	"context"
	"errors"
)

var (
	// ErrDraftFailed is returned when the drafting service could not be reached
	// or answered with an error. It is retried.
	ErrDraftFailed = errors.New("draft generation failed")

	// ErrEmptyDraft is returned when the service answered without a subject or
	// body. It is retried as well but reported separately.
	ErrEmptyDraft = errors.New("draft has no content")
)

// Request describes the email to draft for one lead and step.
type Request struct {
	Owner        string `json:"owner"`
	LeadID       string `json:"lead_id"`
	LeadName     string `json:"lead_name"`
	LeadCompany  string `json:"lead_company,omitempty"`
	SenderName   string `json:"sender_name,omitempty"`
	EmailType    string `json:"email_type"`
	Tone         string `json:"tone,omitempty"`
	Hint         string `json:"hint,omitempty"`
	StepOrder    int    `json:"step_order"`
	PreviousSent int    `json:"previous_sent"`
}

// Draft is the generated email content.
type Draft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Empty reports whether the draft is missing a subject or a body.
func (d Draft) Empty() bool {
	return d.Subject == "" || d.Body == ""
}

type Drafter interface {
	Draft(ctx context.Context, req Request) (Draft, error)
}
