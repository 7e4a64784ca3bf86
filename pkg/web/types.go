// Package web provides HTTP request and response types for the workflow API.
package web

import (
	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/services"
)

// CreateWorkflowRequest represents the request body for creating a new workflow.
type CreateWorkflowRequest struct {
	Name        string          `json:"name"              validate:"required,min=3"`
	Description string          `json:"description"`
	Owner       string          `json:"owner"             validate:"required"`
	Trigger     *models.Trigger `json:"trigger,omitempty"`
	Steps       []*models.Step  `json:"steps"`
}

func (r CreateWorkflowRequest) toModel() *models.Workflow {
	workflow := &models.Workflow{
		Name:        r.Name,
		Description: r.Description,
		Owner:       r.Owner,
		Steps:       r.Steps,
	}

	if r.Trigger != nil {
		workflow.Trigger = *r.Trigger
	}

	return workflow
}

// UpdateWorkflowRequest represents the request body for updating an existing workflow.
// All fields are optional to support partial updates.
type UpdateWorkflowRequest struct {
	Name        *string         `json:"name,omitempty"        validate:"omitempty,min=3"`
	Description *string         `json:"description,omitempty"`
	Trigger     *models.Trigger `json:"trigger,omitempty"`
}

func (r UpdateWorkflowRequest) toService() services.UpdateWorkflowRequest {
	return services.UpdateWorkflowRequest{
		Name:        r.Name,
		Description: r.Description,
		Trigger:     r.Trigger,
	}
}

// ReplaceStepsRequest replaces the whole step list of a paused workflow.
// Steps are validated by the service once their orders are assigned.
type ReplaceStepsRequest struct {
	Steps []*models.Step `json:"steps"`
}

// AddStepRequest inserts a step; a zero position appends.
type AddStepRequest struct {
	Step     *models.Step `json:"step"     validate:"-"`
	Position int          `json:"position" validate:"min=0"`
}

type MoveStepRequest struct {
	To int `json:"to" validate:"required,min=1"`
}

type EnrollRequest struct {
	LeadID string `json:"lead_id" validate:"required"`
}

type PreviewRequest struct {
	LeadID string `json:"lead_id,omitempty"`
	Draft  bool   `json:"draft"`
}

// CreateLeadRequest represents the request body for adding a lead.
type CreateLeadRequest struct {
	Owner         string               `json:"owner"                    validate:"required"`
	Name          string               `json:"name"`
	Email         string               `json:"email"                    validate:"omitempty,email"`
	Company       string               `json:"company,omitempty"`
	ContactStatus models.ContactStatus `json:"contact_status,omitempty"`
}

func (r CreateLeadRequest) toModel() *models.Lead {
	return &models.Lead{
		Owner:         r.Owner,
		Name:          r.Name,
		Email:         r.Email,
		Company:       r.Company,
		ContactStatus: r.ContactStatus,
	}
}

type UpdateLeadStatusRequest struct {
	ContactStatus models.ContactStatus `json:"contact_status" validate:"required"`
}

type EngagementRequest struct {
	Kind models.EngagementKind `json:"kind" validate:"required,oneof=opened clicked replied"`
}

type SenderRequest struct {
	FromAddress string `json:"from_address" validate:"required,email"`
	FromName    string `json:"from_name"`
}

// ActivationResponse summarizes an activation pass.
type ActivationResponse struct {
	Workflow *models.Workflow     `json:"workflow"`
	Selected int                  `json:"selected"`
	Enrolled []*models.Enrollment `json:"enrolled"`
}
