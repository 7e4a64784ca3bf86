// Package web provides HTTP handlers and REST API endpoints for workflow management.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/leadflow/pkg/authoring"
	"github.com/dukex/leadflow/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	workflows   *services.Workflow
	enrollments *services.Enrollment
	leads       *services.Lead
	validator   *validator.Validate
}

func NewAPIHandlers(
	workflows *services.Workflow,
	enrollments *services.Enrollment,
	leads *services.Lead,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		workflows:   workflows,
		enrollments: enrollments,
		leads:       leads,
		validator:   validator,
	}
}

// bind decodes and validates a JSON body; a false return means the
// error response has already been written.
func (h *APIHandlers) bind(c fiber.Ctx, req any) (bool, error) {
	if err := c.Bind().JSON(req); err != nil {
		return false, badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return false, badRequest(c, err.Error())
	}

	return true, nil
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	message, healthy := h.workflows.HealthCheck(c.Context())

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"status":    message,
		"healthy":   healthy,
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	owner := c.Query("owner")
	if owner == "" {
		return badRequest(c, "owner query parameter is required")
	}

	workflows, err := h.workflows.List(c.Context(), owner)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":   workflows,
		"total_count": len(workflows),
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflows.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	workflow, err := h.workflows.Create(c.Context(), req.toModel())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(workflow)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	var req UpdateWorkflowRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	workflow, err := h.workflows.Update(c.Context(), c.Params("id"), req.toService())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	if err := h.workflows.Delete(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ActivateWorkflow(c fiber.Ctx) error {
	result, err := h.workflows.Activate(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(ActivationResponse{
		Workflow: result.Workflow,
		Selected: result.Selected,
		Enrolled: result.Enrolled,
	})
}

func (h *APIHandlers) PauseWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflows.Pause(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) GetWorkflowStats(c fiber.Ctx) error {
	stats, err := h.workflows.Stats(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(stats)
}

func (h *APIHandlers) PreviewWorkflow(c fiber.Ctx) error {
	var req PreviewRequest

	if len(c.Body()) > 0 {
		if ok, err := h.bind(c, &req); !ok {
			return err
		}
	}

	preview, err := h.workflows.Preview(c.Context(), c.Params("id"), services.PreviewRequest{
		LeadID: req.LeadID,
		Draft:  req.Draft,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(preview)
}

func (h *APIHandlers) ReplaceSteps(c fiber.Ctx) error {
	var req ReplaceStepsRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	workflow, err := h.workflows.ReplaceSteps(c.Context(), c.Params("id"), req.Steps)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) AddStep(c fiber.Ctx) error {
	var req AddStepRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	if req.Step == nil {
		return badRequest(c, "step is required")
	}

	workflow, err := h.workflows.AddStep(c.Context(), c.Params("id"), req.Step, req.Position)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(workflow)
}

func (h *APIHandlers) RemoveStep(c fiber.Ctx) error {
	order, err := stepOrder(c)
	if err != nil {
		return badRequest(c, "Invalid step order")
	}

	workflow, err := h.workflows.RemoveStep(c.Context(), c.Params("id"), order)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) MoveStep(c fiber.Ctx) error {
	order, err := stepOrder(c)
	if err != nil {
		return badRequest(c, "Invalid step order")
	}

	var req MoveStepRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	workflow, err := h.workflows.MoveStep(c.Context(), c.Params("id"), order, req.To)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) GetCanvas(c fiber.Ctx) error {
	canvas, err := h.workflows.Canvas(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(canvas)
}

// PutCanvas projects an authored node graph onto the workflow's steps.
func (h *APIHandlers) PutCanvas(c fiber.Ctx) error {
	canvas, err := authoring.Parse(c.Body())
	if err != nil {
		return badRequest(c, err.Error())
	}

	workflow, err := h.workflows.ReplaceStepsFromCanvas(c.Context(), c.Params("id"), canvas)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func stepOrder(c fiber.Ctx) (int, error) {
	return strconv.Atoi(c.Params("order"))
}
