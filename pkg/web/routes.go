package web

import "github.com/gofiber/fiber/v3"

// Register mounts the workflow, enrollment and lead endpoints on router.
func Register(router fiber.Router, h *APIHandlers) {
	router.Get("/health", h.HealthCheck)

	w := router.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Patch("/:id", h.UpdateWorkflow)
	w.Delete("/:id", h.DeleteWorkflow)
	w.Post("/:id/activate", h.ActivateWorkflow)
	w.Post("/:id/pause", h.PauseWorkflow)
	w.Get("/:id/stats", h.GetWorkflowStats)
	w.Post("/:id/preview", h.PreviewWorkflow)

	w.Put("/:id/steps", h.ReplaceSteps)
	w.Post("/:id/steps", h.AddStep)
	w.Delete("/:id/steps/:order", h.RemoveStep)
	w.Post("/:id/steps/:order/move", h.MoveStep)
	w.Get("/:id/canvas", h.GetCanvas)
	w.Put("/:id/canvas", h.PutCanvas)

	w.Get("/:id/enrollments", h.GetWorkflowEnrollments)
	w.Post("/:id/enrollments", h.EnrollLead)

	e := router.Group("/enrollments")
	e.Get("/:enrollmentId", h.GetEnrollment)
	e.Post("/:enrollmentId/cancel", h.CancelEnrollment)
	e.Get("/:enrollmentId/sends", h.GetEnrollmentSends)

	l := router.Group("/leads")
	l.Get("/", h.GetLeads)
	l.Post("/", h.CreateLead)
	l.Get("/:leadId", h.GetLead)
	l.Delete("/:leadId", h.DeleteLead)
	l.Put("/:leadId/status", h.UpdateLeadStatus)
	l.Post("/:leadId/engagement", h.RecordEngagement)

	s := router.Group("/senders")
	s.Get("/:owner", h.GetSender)
	s.Put("/:owner", h.PutSender)
}
