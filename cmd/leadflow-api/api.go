// Package main provides the Leadflow API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/dukex/leadflow/pkg/eventbus"
	"github.com/dukex/leadflow/pkg/events"
	"github.com/dukex/leadflow/pkg/services"
	"github.com/dukex/leadflow/pkg/web"
	"github.com/dukex/leadflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger    *slog.Logger
	deps      workflow.Dependencies
	evaluator *workflow.TriggerEvaluator
	validate  *validator.Validate
}

func NewAPI(logger *slog.Logger, deps workflow.Dependencies) *API {
	deps = deps.WithDefaults()

	return &API{
		logger:    logger,
		deps:      deps,
		evaluator: workflow.NewTriggerEvaluator(deps),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// SubscribeStatusChanges routes lead status changes published on bus to the
// trigger evaluator.
func (a *API) SubscribeStatusChanges(ctx context.Context, bus eventbus.EventSubscriber) error {
	err := bus.Handle(events.LeadStatusChangedEvent, a.evaluator.HandleStatusChanged)
	if err != nil {
		return err
	}

	return bus.Subscribe(ctx)
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		services.NewWorkflow(a.deps, a.evaluator),
		services.NewEnrollment(a.deps, a.evaluator),
		services.NewLead(a.deps),
		a.validate,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Leadflow API")
	})

	if a.deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(a.deps.Metrics.Handler()))
	}

	web.Register(app, handlers)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	a.logger.Info("Starting API server", "port", port)

	return app.Listen(":" + strconv.Itoa(port))
}
