// Package chaos runs steady-state experiments against a live backend: check the steady state,
// inject a fault or a race, observe, roll back, then assert on what was observed.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultSampleEvery = time.Second

// ErrSteadyStateInvalid aborts an experiment before anything is injected.
var ErrSteadyStateInvalid = errors.New("steady state invalid, aborting experiment")

// Experiment describes one chaos experiment.
type Experiment struct {
	Name       string
	Hypothesis string
	// SteadyState must hold before the method runs and is sampled while observing.
	SteadyState []Metric
	// Probes are only sampled while observing.
	Probes      []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
	SampleEvery time.Duration
}

// Metric is a measurable property of the system.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) Holds(v float64) bool {
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
	default:
		return false
	}
}

// Action injects a fault or undoes one.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion checks the last observed value of a metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

type Result struct {
	Experiment       string                 `json:"experiment"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []Violation            `json:"violations"`
	Failures         []string               `json:"failures"`
	Observations     map[string][]DataPoint `json:"observations"`
	Errors           []ErrorEvent           `json:"errors"`
}

type Violation struct {
	Metric    string    `json:"metric"`
	Expected  string    `json:"expected"`
	Actual    float64   `json:"actual"`
	Timestamp time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine runs experiments and keeps their results.
type Engine struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
	results []Result
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		tracer: otel.Tracer("shelfsync/chaos"),
		logger: logger,
		now:    time.Now,
	}
}

// Results returns every result recorded so far.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes one experiment. Rollback always runs once the method has started.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		Experiment:   exp.Name,
		StartTime:    e.now(),
		Observations: map[string][]DataPoint{},
	}

	span.AddEvent("validating_steady_state")
	if violations := e.checkSteadyState(ctx, exp.SteadyState); len(violations) > 0 {
		result.Violations = violations
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			e.recordError(result, action.Target, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("observing")
	e.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			e.recordError(result, action.Target, err)
			span.RecordError(err)
		}
	}

	result.Failures = validate(exp.Validation, result)
	result.HypothesisHeld = len(result.Failures) == 0
	result.EndTime = e.now()
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

// observe samples every metric right away and then on each tick until Duration passes.
func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	every := exp.SampleEvery
	if every <= 0 {
		every = defaultSampleEvery
	}
	metrics := append(append([]Metric(nil), exp.SteadyState...), exp.Probes...)

	obsCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		e.sample(ctx, metrics, result)
		select {
		case <-obsCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) sample(ctx context.Context, metrics []Metric, result *Result) {
	for _, m := range metrics {
		v, err := m.Query(ctx)
		if err != nil {
			e.recordError(result, m.Name, err)
			continue
		}
		at := e.now()
		result.Observations[m.Name] = append(result.Observations[m.Name], DataPoint{Timestamp: at, Value: v})
		if !m.Threshold.Holds(v) {
			result.Violations = append(result.Violations, Violation{
				Metric:    m.Name,
				Expected:  fmt.Sprintf("%s %g", m.Threshold.Operator, m.Threshold.Value),
				Actual:    v,
				Timestamp: at,
			})
		}
	}
}

func (e *Engine) checkSteadyState(ctx context.Context, metrics []Metric) []Violation {
	var violations []Violation
	for _, m := range metrics {
		v, err := m.Query(ctx)
		if err != nil {
			e.logger.WarnContext(ctx, "steady state query failed", slog.String("metric", m.Name), slog.Any("error", err))
			v = -1
		}
		if err != nil || !m.Threshold.Holds(v) {
			violations = append(violations, Violation{
				Metric:    m.Name,
				Expected:  fmt.Sprintf("%s %g", m.Threshold.Operator, m.Threshold.Value),
				Actual:    v,
				Timestamp: e.now(),
			})
		}
	}
	return violations
}

func (e *Engine) recordError(result *Result, component string, err error) {
	result.Errors = append(result.Errors, ErrorEvent{Timestamp: e.now(), Error: err.Error(), Component: component})
}

func validate(assertions []Assertion, result *Result) []string {
	var failures []string
	for _, a := range assertions {
		obs := result.Observations[a.Metric]
		if len(obs) == 0 {
			failures = append(failures, fmt.Sprintf("%s: never observed", a.Metric))
			continue
		}
		if last := obs[len(obs)-1].Value; !a.Condition(last) {
			failures = append(failures, fmt.Sprintf("%s: %s (last value %g)", a.Metric, a.Message, last))
		}
	}
	return failures
}

// GameDay is a named series of experiments run back to back.
type GameDay struct {
	Name      string
	Scenarios []Experiment
	Pause     time.Duration
}

// RunGameDay runs every scenario and reports whether all hypotheses held. A scenario whose
// steady state is invalid counts as not held.
func (e *Engine) RunGameDay(ctx context.Context, gd GameDay) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gd.Name)),
	)
	defer span.End()

	e.logger.InfoContext(ctx, "game day started", slog.String("name", gd.Name), slog.Int("scenarios", len(gd.Scenarios)))
	allHeld := true
	for i, exp := range gd.Scenarios {
		if i > 0 && gd.Pause > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(gd.Pause):
			}
		}

		e.logger.InfoContext(ctx, "experiment started", slog.String("experiment", exp.Name), slog.String("hypothesis", exp.Hypothesis))
		result, err := e.Run(ctx, exp)
		if err != nil {
			allHeld = false
			e.logger.ErrorContext(ctx, "experiment aborted", slog.String("experiment", exp.Name), slog.Any("error", err))
			continue
		}
		e.report(ctx, result)
		allHeld = allHeld && result.HypothesisHeld
	}
	return allHeld, nil
}

func (e *Engine) report(ctx context.Context, r *Result) {
	level := slog.LevelInfo
	if !r.HypothesisHeld {
		level = slog.LevelError
	}
	e.logger.LogAttrs(ctx, level, "experiment finished",
		slog.String("experiment", r.Experiment),
		slog.Bool("hypothesis_held", r.HypothesisHeld),
		slog.Int("violations", len(r.Violations)),
		slog.Int("errors", len(r.Errors)),
		slog.Any("failures", r.Failures),
		slog.Duration("duration", r.Duration),
	)
}
