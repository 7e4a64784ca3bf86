package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/dukex/leadflow/pkg/cmd"
	"github.com/dukex/leadflow/pkg/log"
	"github.com/dukex/leadflow/pkg/metrics"
	"github.com/dukex/leadflow/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "leadflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Execute due enrollment steps and evaluate triggers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres://... or a file store path)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers used by the kafka event bus",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the poll lock shared between worker replicas",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "drafting-url",
				Usage:   "Drafting service endpoint; templates are used when empty",
				Sources: cli.EnvVars("DRAFTING_URL"),
			},
			&cli.StringFlag{
				Name:    "drafting-api-key",
				Usage:   "API key for the drafting service",
				Sources: cli.EnvVars("DRAFTING_API_KEY"),
			},
			&cli.StringFlag{
				Name:    "delivery-url",
				Usage:   "Email delivery endpoint; emails are only logged when empty",
				Sources: cli.EnvVars("DELIVERY_URL"),
			},
			&cli.StringFlag{
				Name:    "delivery-api-key",
				Usage:   "API key for the delivery service",
				Sources: cli.EnvVars("DELIVERY_API_KEY"),
			},
			&cli.FloatFlag{
				Name:    "send-rate",
				Usage:   "Emails per second allowed per owner (0 disables the limit)",
				Value:   1,
				Sources: cli.EnvVars("SEND_RATE"),
			},
			&cli.IntFlag{
				Name:    "send-burst",
				Usage:   "Burst of emails allowed per owner",
				Value:   5,
				Sources: cli.EnvVars("SEND_BURST"),
			},
			&cli.StringFlag{
				Name:    "poll-schedule",
				Usage:   "Cron schedule of execute passes",
				Value:   "@every 1m",
				Sources: cli.EnvVars("POLL_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron schedule of inactivity sweeps",
				Value:   "@every 1h",
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Run a single pass and sweep, then exit",
			},
			&cli.StringFlag{
				Name:    "pause-mode",
				Usage:   "What pausing a workflow does to running enrollments (stop_new_enrollment, freeze_progress)",
				Value:   string(workflow.PauseStopNewEnrollment),
				Sources: cli.EnvVars("PAUSE_MODE"),
			},
			&cli.IntFlag{
				Name:    "max-attempts",
				Usage:   "Attempts per step before an enrollment is cancelled",
				Sources: cli.EnvVars("MAX_ATTEMPTS"),
			},
			&cli.IntFlag{
				Name:    "batch-size",
				Usage:   "Due enrollments picked up per pass",
				Sources: cli.EnvVars("BATCH_SIZE"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Enrollments executed in parallel within a pass",
				Sources: cli.EnvVars("CONCURRENCY"),
			},
			&cli.DurationFlag{
				Name:    "lease-ttl",
				Usage:   "How long a claimed enrollment stays invisible to other passes",
				Sources: cli.EnvVars("LEASE_TTL"),
			},
			&cli.IntFlag{
				Name:    "metrics-port",
				Usage:   "Port serving /metrics (0 disables)",
				Value:   9092,
				Sources: cli.EnvVars("METRICS_PORT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OpenTelemetry spans over OTLP HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log output format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("leadflow-worker")
			logger.InfoContext(ctx, "Initializing Leadflow Worker")

			config, err := engineConfig(
				command.String("pause-mode"),
				command.Int("max-attempts"),
				command.Int("batch-size"),
				command.Int("concurrency"),
				command.Duration("lease-ttl"),
			)
			if err != nil {
				return err
			}

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.StringSlice("kafka-brokers"), "leadflow-worker", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			locker, release, err := cmd.NewLocker(ctx, command.String("redis-url"), logger)
			if err != nil {
				return err
			}

			defer func() { _ = release() }()

			drafter, err := cmd.NewDrafter(command.String("drafting-url"), command.String("drafting-api-key"), logger)
			if err != nil {
				return err
			}

			tracer, shutdown, err := cmd.NewTracer(ctx, command.Bool("tracing"), "leadflow-worker")
			if err != nil {
				return err
			}

			defer func() { _ = shutdown(ctx) }()

			engineMetrics := metrics.New()

			worker := NewWorker(config, locker, workflow.Dependencies{
				Persistence: persistence,
				Events:      eventBus,
				Drafter:     drafter,
				Mailer: cmd.NewMailer(
					command.String("delivery-url"),
					command.String("delivery-api-key"),
					command.Float("send-rate"),
					command.Int("send-burst"),
					logger,
				),
				Tracer:  tracer,
				Metrics: engineMetrics,
				Logger:  logger,
			}, command.String("poll-schedule"), command.String("sweep-schedule"))

			if command.Bool("once") {
				_, _, err := worker.RunPass(ctx)

				return err
			}

			if port := command.Int("metrics-port"); port > 0 {
				app := fiber.New()
				app.Get("/metrics", adaptor.HTTPHandler(engineMetrics.Handler()))

				go func() {
					err := app.Listen(":" + strconv.Itoa(port))
					if err != nil {
						logger.ErrorContext(ctx, "Metrics server stopped", "error", err)
					}
				}()

				defer func() { _ = app.ShutdownWithTimeout(5 * time.Second) }()
			}

			return worker.Start(ctx, eventBus)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
