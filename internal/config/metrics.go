package config

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	validationCounterOnce sync.Once
	validationCounter     metric.Int64Counter
)

// recordConfigValidationEvent counts Load outcomes against the global meter.
// Load runs before the meter provider exists, so the instrument binds to
// otel's delegating global and starts exporting once a provider is set.
func recordConfigValidationEvent(ctx context.Context, appEnv, outcome, errorClass string) {
	validationCounterOnce.Do(func() {
		counter, err := otel.Meter("github.com/misszhang/rosterboard/config").Int64Counter("config.validation.events")
		if err == nil {
			validationCounter = counter
		}
	})
	if validationCounter == nil {
		return
	}
	validationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("app_env", normalizeAppEnv(appEnv)),
		attribute.String("outcome", outcome),
		attribute.String("error_class", errorClass),
	))
}

func normalizeAppEnv(appEnv string) string {
	v := strings.ToLower(strings.TrimSpace(appEnv))
	switch v {
	case "":
		return "unknown"
	case "prod":
		return "production"
	case "dev":
		return "development"
	}
	return v
}

func classifyConfigLoadError(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalid):
		return "validation"
	case errors.Is(err, ErrParse):
		return "parse"
	default:
		return "load"
	}
}
