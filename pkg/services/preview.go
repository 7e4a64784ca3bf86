package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/leadflow/pkg/drafting"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/persistence"
)

type PreviewRequest struct {
	// LeadID optionally names a sample lead the preview is rendered against.
	LeadID string `json:"lead_id,omitempty"`

	// Draft asks the drafting service for the emails of the sample lead.
	Draft bool `json:"draft,omitempty"`
}

// PreviewStep is one step of the schedule. OffsetDays counts from enrollment
// and assumes every step runs in order.
type PreviewStep struct {
	Order       int                     `json:"order"`
	ActionType  models.ActionType       `json:"action_type"`
	DelayDays   int                     `json:"delay_days"`
	OffsetDays  int                     `json:"offset_days"`
	ScheduledAt time.Time               `json:"scheduled_at"`
	Email       *models.EmailAction     `json:"email,omitempty"`
	Condition   *models.ConditionAction `json:"condition,omitempty"`
	NextStatus  models.ContactStatus    `json:"next_status,omitempty"`
	Next        *int                    `json:"next,omitempty"`
	Draft       *drafting.Draft         `json:"draft,omitempty"`
	DraftError  string                  `json:"draft_error,omitempty"`
}

type Preview struct {
	WorkflowID string        `json:"workflow_id"`
	LeadID     string        `json:"lead_id,omitempty"`
	Steps      []PreviewStep `json:"steps"`

	// Warnings list the problems that would make enrollments of the sample
	// lead fail or cancel once the workflow runs.
	Warnings []string `json:"warnings"`
}

// Preview renders the step schedule of a workflow as if a lead enrolled now,
// optionally with drafted emails for a sample lead. Nothing is sent or stored.
func (w *Workflow) Preview(ctx context.Context, workflowID string, req PreviewRequest) (*Preview, error) {
	existing, err := w.persistence.WorkflowRepository().ByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	preview := &Preview{
		WorkflowID: workflowID,
		LeadID:     req.LeadID,
		Steps:      make([]PreviewStep, 0, len(existing.Steps)),
		Warnings:   make([]string, 0),
	}

	if len(existing.Steps) == 0 {
		preview.Warnings = append(preview.Warnings, "workflow has no steps and cannot be activated")
	}

	var (
		lead   *models.Lead
		sender *models.Sender
	)

	if req.LeadID != "" {
		lead, sender, err = w.previewSubjects(ctx, existing, req.LeadID, preview)
		if err != nil {
			return nil, err
		}
	}

	start := w.clock.Now()
	offset := 0

	for _, step := range existing.Steps {
		offset += step.DelayDays

		item := PreviewStep{
			Order:       step.Order,
			ActionType:  step.ActionType,
			DelayDays:   step.DelayDays,
			OffsetDays:  offset,
			ScheduledAt: start.Add(models.Days(offset)),
			Email:       step.Email,
			Condition:   step.Condition,
			NextStatus:  step.NextStatus,
			Next:        step.Next,
		}

		if req.Draft && lead != nil && step.ActionType == models.ActionSendEmail {
			w.draftPreview(ctx, &item, step, lead, sender, existing.Owner)
		}

		preview.Steps = append(preview.Steps, item)
	}

	return preview, nil
}

func (w *Workflow) previewSubjects(ctx context.Context, existing *models.Workflow, leadID string, preview *Preview) (*models.Lead, *models.Sender, error) {
	lead, err := w.persistence.LeadRepository().ByID(ctx, leadID)
	if err != nil {
		return nil, nil, err
	}

	if lead.Owner != existing.Owner {
		return nil, nil, persistence.NewLeadError("Preview", leadID, persistence.ErrLeadNotFound)
	}

	sendsEmail := false

	for _, step := range existing.Steps {
		if step.ActionType == models.ActionSendEmail {
			sendsEmail = true

			break
		}
	}

	if lead.ContactStatus.IsTerminal() && sendsEmail {
		preview.Warnings = append(preview.Warnings, fmt.Sprintf("lead status %s cancels enrollments before any email", lead.ContactStatus))
	}

	if !sendsEmail {
		return lead, nil, nil
	}

	if lead.Email == "" {
		preview.Warnings = append(preview.Warnings, "lead has no email address")
	}

	sender, err := w.persistence.SenderRepository().ByOwner(ctx, existing.Owner)
	if errors.Is(err, persistence.ErrSenderNotFound) {
		preview.Warnings = append(preview.Warnings, "no sender configured for owner")

		return lead, nil, nil
	}

	if err != nil {
		return nil, nil, fmt.Errorf("failed to load sender: %w", err)
	}

	return lead, sender, nil
}

func (w *Workflow) draftPreview(ctx context.Context, item *PreviewStep, step *models.Step, lead *models.Lead, sender *models.Sender, owner string) {
	if w.drafter == nil {
		item.DraftError = "no drafting service configured"

		return
	}

	req := drafting.Request{
		Owner:        owner,
		LeadID:       lead.ID,
		LeadName:     lead.Name,
		LeadCompany:  lead.Company,
		EmailType:    step.Email.EmailType,
		Tone:         step.Email.Tone,
		Hint:         step.Email.AIHint,
		StepOrder:    step.Order,
		PreviousSent: lead.EmailsSent,
	}

	if sender != nil {
		req.SenderName = sender.FromName
	}

	draft, err := w.drafter.Draft(ctx, req)
	if err != nil {
		item.DraftError = err.Error()

		return
	}

	item.Draft = &draft
}
