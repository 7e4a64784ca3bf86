package web

import (
	"github.com/dukex/leadflow/pkg/models"
	"github.com/gofiber/fiber/v3"
)

func (h *APIHandlers) EnrollLead(c fiber.Ctx) error {
	var req EnrollRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	enrollment, err := h.enrollments.Enroll(c.Context(), c.Params("id"), req.LeadID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(enrollment)
}

func (h *APIHandlers) GetWorkflowEnrollments(c fiber.Ctx) error {
	status := models.EnrollmentStatus(c.Query("status"))

	enrollments, err := h.enrollments.List(c.Context(), c.Params("id"), status)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"enrollments": enrollments,
		"total_count": len(enrollments),
	})
}

func (h *APIHandlers) GetEnrollment(c fiber.Ctx) error {
	enrollment, err := h.enrollments.FetchByID(c.Context(), c.Params("enrollmentId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(enrollment)
}

func (h *APIHandlers) CancelEnrollment(c fiber.Ctx) error {
	enrollment, err := h.enrollments.Cancel(c.Context(), c.Params("enrollmentId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(enrollment)
}

func (h *APIHandlers) GetEnrollmentSends(c fiber.Ctx) error {
	sends, err := h.enrollments.Sends(c.Context(), c.Params("enrollmentId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"sends": sends})
}
