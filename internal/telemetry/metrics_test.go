package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"librastock/internal/logging"
)

type refusingMeter struct{ noop.Meter }

func (refusingMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return nil, errors.New("invalid instrument name")
}

func TestCounterFallsBackToNoop(t *testing.T) {
	c := Counter(refusingMeter{}, logging.Discard, "librastock.test", "refused")
	require.NotNil(t, c)
	assert.NotPanics(t, func() { c.Add(context.Background(), 1) })
}

func TestCounterFromMeter(t *testing.T) {
	c := Counter(noop.NewMeterProvider().Meter("test"), logging.Discard, "librastock.test", "kept")
	require.NotNil(t, c)
	assert.NotPanics(t, func() { c.Add(context.Background(), 1) })
}
