// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/leadflow/pkg/delivery"
	"github.com/dukex/leadflow/pkg/drafting"
	"github.com/dukex/leadflow/pkg/lease"
	"github.com/dukex/leadflow/pkg/otelhelper"
	"go.opentelemetry.io/otel/trace"
)

const collaboratorTimeout = 30 * time.Second

// NewDrafter returns the HTTP drafting client, or the template drafter when
// no endpoint is configured.
// nolint:ireturn
func NewDrafter(endpoint, apiKey string, logger *slog.Logger) (drafting.Drafter, error) {
	if endpoint == "" {
		logger.Info("No drafting endpoint configured, using templates")

		return drafting.NewTemplateDrafter(nil)
	}

	return drafting.NewHTTPClient(endpoint, apiKey, collaboratorTimeout, logger), nil
}

// NewMailer returns the delivery client wrapped in a per owner rate limit.
// Without an endpoint emails are only logged.
// nolint:ireturn
func NewMailer(endpoint, apiKey string, perSecond float64, burst int, logger *slog.Logger) delivery.Mailer {
	var mailer delivery.Mailer = delivery.NewLogMailer(logger)

	if endpoint != "" {
		mailer = delivery.NewHTTPMailer(endpoint, apiKey, collaboratorTimeout, logger)
	}

	if perSecond <= 0 {
		return mailer
	}

	return delivery.NewRateLimitedMailer(mailer, perSecond, burst)
}

// NewLocker returns a Redis backed poll lock when redisURL is set and the
// in-process locker otherwise. The returned func releases the client.
// nolint:ireturn
func NewLocker(ctx context.Context, redisURL string, logger *slog.Logger) (lease.Locker, func() error, error) {
	if redisURL == "" {
		return lease.LocalLocker{}, func() error { return nil }, nil
	}

	locker, err := lease.NewRedisLocker(ctx, redisURL, logger)
	if err != nil {
		return nil, nil, err
	}

	return locker, locker.Close, nil
}

// NewTracer exports spans over OTLP HTTP when enabled.
// nolint:ireturn
func NewTracer(ctx context.Context, enabled bool, serviceName string) (trace.Tracer, func(context.Context) error, error) {
	if !enabled {
		return otelhelper.NoopTracer(), func(context.Context) error { return nil }, nil
	}

	return otelhelper.NewTracer(ctx, serviceName)
}
