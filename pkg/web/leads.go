package web

import (
	"github.com/dukex/leadflow/pkg/models"
	"github.com/gofiber/fiber/v3"
)

func (h *APIHandlers) GetLeads(c fiber.Ctx) error {
	owner := c.Query("owner")
	if owner == "" {
		return badRequest(c, "owner query parameter is required")
	}

	leads, err := h.leads.List(c.Context(), owner)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"leads":       leads,
		"total_count": len(leads),
	})
}

func (h *APIHandlers) CreateLead(c fiber.Ctx) error {
	var req CreateLeadRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	lead, err := h.leads.Create(c.Context(), req.toModel())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(lead)
}

func (h *APIHandlers) GetLead(c fiber.Ctx) error {
	lead, err := h.leads.FetchByID(c.Context(), c.Params("leadId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(lead)
}

func (h *APIHandlers) UpdateLeadStatus(c fiber.Ctx) error {
	var req UpdateLeadStatusRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	lead, err := h.leads.UpdateStatus(c.Context(), c.Params("leadId"), req.ContactStatus)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(lead)
}

// RecordEngagement ingests an open, click or reply signal for a lead.
func (h *APIHandlers) RecordEngagement(c fiber.Ctx) error {
	var req EngagementRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	lead, err := h.leads.RecordEngagement(c.Context(), c.Params("leadId"), req.Kind)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(lead)
}

func (h *APIHandlers) DeleteLead(c fiber.Ctx) error {
	if err := h.leads.Delete(c.Context(), c.Params("leadId")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) PutSender(c fiber.Ctx) error {
	var req SenderRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	sender, err := h.leads.SaveSender(c.Context(), &models.Sender{
		Owner:       c.Params("owner"),
		FromAddress: req.FromAddress,
		FromName:    req.FromName,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(sender)
}

func (h *APIHandlers) GetSender(c fiber.Ctx) error {
	sender, err := h.leads.FetchSender(c.Context(), c.Params("owner"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(sender)
}
