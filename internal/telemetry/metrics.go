package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"librastock/internal/logging"
)

// Counter creates an Int64Counter on meter. A counter the meter refuses is logged
// and replaced by a no-op one, so callers can always Add.
func Counter(meter metric.Meter, log logging.Logger, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil || c == nil {
		log.Warn("metric counter unavailable", "counter", name, "error", err)
		return noop.Int64Counter{}
	}
	return c
}
