// Package delivery sends drafted outreach emails through an outbound email provider.
package delivery

import (
	"context"
	"errors"
	"log/slog"
)

var (
	// ErrDeliveryFailed is returned when the provider rejected or did not
	// acknowledge the message.
	ErrDeliveryFailed = errors.New("email delivery failed")

	// ErrRateLimited is returned when the owner exceeded its send rate. The
	// send is retried on a later pass.
	ErrRateLimited = errors.New("send rate limit exceeded")
)

// Message is one outbound email.
type Message struct {
	Owner        string `json:"owner"`
	FromAddress  string `json:"from_address"`
	FromName     string `json:"from_name,omitempty"`
	To           string `json:"to"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
	EnrollmentID string `json:"enrollment_id"`
	StepOrder    int    `json:"step_order"`
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer only logs messages. It is the development mailer.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger.With("module", "log_mailer")}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.logger.InfoContext(ctx, "email sent",
		"owner", msg.Owner,
		"from", msg.FromAddress,
		"to", msg.To,
		"subject", msg.Subject,
		"enrollment_id", msg.EnrollmentID,
		"step_order", msg.StepOrder,
	)

	return nil
}
