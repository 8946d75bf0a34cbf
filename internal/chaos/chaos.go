// Package chaos runs experiments that stress the circulation engine and check that
// its invariants hold while they do.
package chaos

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"librastock/internal/logging"
)

// ErrSteadyStateInvalid aborts an experiment whose steady state did not hold before
// any fault was injected.
var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// Experiment defines a chaos engineering test
type Experiment struct {
	Name        string
	Hypothesis  string
	Setup       []Action
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	// Duration of the observation phase. Metrics are sampled every SampleEvery.
	Duration    time.Duration
	SampleEvery time.Duration
}

// Metric defines a measurable system property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) holds(v float64) bool {
	switch t.Operator {
	case ">":
		return v > t.Value
	case "<":
		return v < t.Value
	case ">=":
		return v >= t.Value
	case "<=":
		return v <= t.Value
	case "==":
		return v == t.Value
	}
	return false
}

// Action is one fault injection or recovery step.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion validates the last observation of a metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Result captures experiment execution data
type Result struct {
	ExperimentName   string                 `json:"experiment_name" yaml:"experiment_name"`
	StartTime        time.Time              `json:"start_time" yaml:"start_time"`
	EndTime          time.Time              `json:"end_time" yaml:"end_time"`
	Duration         time.Duration          `json:"duration" yaml:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held" yaml:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid" yaml:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations" yaml:"violations"`
	Failed           []string               `json:"failed_assertions,omitempty" yaml:"failed_assertions,omitempty"`
	Observations     map[string][]DataPoint `json:"observations" yaml:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events" yaml:"error_events"`
	MTTR             *time.Duration         `json:"mttr,omitempty" yaml:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name" yaml:"metric_name"`
	Expected   float64   `json:"expected" yaml:"expected"`
	Actual     float64   `json:"actual" yaml:"actual"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Value     float64   `json:"value" yaml:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Error     string    `json:"error" yaml:"error"`
	Component string    `json:"component" yaml:"component"`
}

// Engine orchestrates chaos experiments
type Engine struct {
	tracer      trace.Tracer
	log         logging.Logger
	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

func NewEngine(log logging.Logger) *Engine {
	if log == nil {
		log = logging.Discard
	}
	return &Engine{
		tracer: otel.Tracer("librastock/chaos"),
		log:    log,
	}
}

// Register adds an experiment to the suite
func (e *Engine) Register(exp ...Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp...)
}

// Experiments returns the registered experiments.
func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

// Results returns the results of every experiment run so far.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

func (e *Engine) runActions(ctx context.Context, span trace.Span, actions []Action, result *Result) {
	for _, action := range actions {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
	}
}

// sample queries every metric once and records violations. It reports whether all
// thresholds held.
func (e *Engine) sample(ctx context.Context, metrics []Metric, result *Result) bool {
	ok := true
	for _, m := range metrics {
		value, err := m.Query(ctx)
		now := time.Now()
		if err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{Timestamp: now, Error: err.Error(), Component: m.Name})
			ok = false
			continue
		}
		result.Observations[m.Name] = append(result.Observations[m.Name], DataPoint{Timestamp: now, Value: value})
		if !m.Threshold.holds(value) {
			ok = false
			result.Violations = append(result.Violations, MetricViolation{
				MetricName: m.Name,
				Expected:   m.Threshold.Value,
				Actual:     value,
				Timestamp:  now,
			})
		}
	}
	return ok
}

// Run executes one experiment: setup, steady state check, fault injection,
// observation, rollback and a final sample the assertions are checked against.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
	}

	span.AddEvent("setup")
	e.runActions(ctx, span, exp.Setup, result)

	span.AddEvent("validating_steady_state")
	steady := &Result{Observations: make(map[string][]DataPoint)}
	if !e.sample(ctx, exp.SteadyState, steady) {
		result.Violations = steady.Violations
		result.ErrorEvents = append(result.ErrorEvents, steady.ErrorEvents...)
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	e.runActions(ctx, span, exp.Method, result)

	span.AddEvent("observing_system")
	every := exp.SampleEvery
	if every <= 0 {
		every = time.Second
	}
	observeCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var violatedAt time.Time
observe:
	for {
		select {
		case <-observeCtx.Done():
			break observe
		case <-ticker.C:
			held := e.sample(ctx, exp.SteadyState, result)
			switch {
			case !held && violatedAt.IsZero():
				violatedAt = time.Now()
			case held && !violatedAt.IsZero() && result.MTTR == nil:
				mttr := time.Since(violatedAt)
				result.MTTR = &mttr
			}
		}
	}

	span.AddEvent("rolling_back")
	e.runActions(ctx, span, exp.Rollback, result)
	e.sample(ctx, exp.SteadyState, result)

	span.AddEvent("validating_assertions")
	result.HypothesisHeld = e.validate(exp.Validation, result)
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (e *Engine) validate(assertions []Assertion, result *Result) bool {
	held := true
	for _, a := range assertions {
		obs := result.Observations[a.Metric]
		if len(obs) == 0 || !a.Condition(obs[len(obs)-1].Value) {
			result.Failed = append(result.Failed, a.Message)
			held = false
		}
	}
	return held
}

// GameDay runs every registered experiment in order, pausing between them. An
// experiment whose steady state is invalid is logged and skipped.
func (e *Engine) GameDay(ctx context.Context, name string, pause time.Duration) ([]Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", name)),
	)
	defer span.End()

	var results []Result
	exps := e.Experiments()
	for i, exp := range exps {
		e.log.Info("starting experiment", "index", i+1, "total", len(exps), "name", exp.Name, "hypothesis", exp.Hypothesis)
		result, err := e.Run(ctx, exp)
		if err != nil {
			e.log.Warn("experiment aborted", "name", exp.Name, "error", err)
			results = append(results, *result)
			continue
		}
		results = append(results, *result)
		if result.HypothesisHeld {
			e.log.Info("hypothesis held", "name", exp.Name, "violations", len(result.Violations))
		} else {
			e.log.Error("hypothesis violated", "name", exp.Name, "violations", len(result.Violations), "failed", result.Failed)
		}

		if i < len(exps)-1 && pause > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(pause):
			}
		}
	}
	return results, nil
}
