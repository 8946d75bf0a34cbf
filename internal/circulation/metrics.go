package circulation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"librastock/internal/domain"
	"librastock/internal/logging"
	"librastock/internal/telemetry"
)

type metrics struct {
	loansCreated metric.Int64Counter
	refusals     metric.Int64Counter
	overdue      metric.Int64Counter
	violations   metric.Int64Counter
}

func newMetrics(log logging.Logger) metrics {
	meter := otel.Meter("librastock/circulation")
	return metrics{
		loansCreated: telemetry.Counter(meter, log, "librastock.loans.created", "loans created"),
		refusals:     telemetry.Counter(meter, log, "librastock.eligibility.refusals", "operations refused by a business rule"),
		overdue:      telemetry.Counter(meter, log, "librastock.loans.overdue", "loans marked overdue by a sweep"),
		violations:   telemetry.Counter(meter, log, "librastock.consistency.violations", "operations that observed broken invariants"),
	}
}

func (m metrics) observe(ctx context.Context, op string, err error) {
	switch domain.KindOf(err) {
	case domain.KindEligibility:
		m.refusals.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("code", domain.CodeOf(err)),
		))
	case domain.KindConsistency:
		m.violations.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
	}
}
