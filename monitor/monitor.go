// Package monitor orchestrates capture around a training loop: it attaches a
// collector through a hook registry, marks step boundaries, snapshots
// parameters on a schedule and releases every probe when the run ends.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tsawler/repviz/collector"
	"github.com/tsawler/repviz/export"
	"github.com/tsawler/repviz/faults"
	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/tensor"
)

// State is the lifecycle position of a Monitor.
type State int

const (
	Idle State = iota
	Running
	Paused
	Completed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidState is returned for transitions the state machine does not allow.
var ErrInvalidState = faults.New(faults.CodeInvalidState, faults.CategoryState, "invalid monitor state")

// Model is what a monitor observes: a traversable graph that exposes its
// parameters.
type Model interface {
	hooks.Graph
	hooks.ParameterSource
}

// Plan bounds a run. TotalSteps of zero runs until Stop; WeightEvery of zero
// disables parameter snapshots.
type Plan struct {
	TotalSteps  int
	WeightEvery int
}

// Options configures what a monitor captures.
type Options struct {
	ModelName        string
	Selector         hooks.Selector // nil selects every leaf
	CaptureGradients bool
	Retention        collector.Retention
	Logger           *slog.Logger
}

// Monitor drives one capture run. Step, Start and Stop must be called from
// the goroutine executing the model; State, Subscribe and Export may be
// called from others between steps.
type Monitor struct {
	opts      Options
	logger    *slog.Logger
	collector *collector.Collector
	registry  *hooks.Registry

	mu          sync.Mutex
	state       State
	model       Model
	plan        Plan
	step        int
	lastWeights int
	subscribers map[int]func(Event)
	nextSub     int
}

var _ hooks.Sink = (*Monitor)(nil)

// New creates an idle monitor with its own collector.
func New(opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Selector == nil {
		opts.Selector = hooks.All()
	}
	logger = logger.With(slog.String("model", opts.ModelName))

	m := &Monitor{
		opts:        opts,
		logger:      logger,
		collector:   collector.New(opts.Retention, logger),
		lastWeights: -1,
		subscribers: make(map[int]func(Event)),
	}
	// the monitor sits between the probes and the collector so it can gate
	// captures while paused
	m.registry = hooks.NewRegistry(m, logger)
	return m
}

// OnSignal forwards captures to the collector while the monitor is running.
func (m *Monitor) OnSignal(name string, kind hooks.SignalKind, buf *tensor.Tensor) {
	if m.State() != Running {
		return
	}
	m.collector.OnSignal(name, kind, buf)
}

// Start attaches forward probes, and backward probes when enabled, to every
// leaf of model matched by the selector.
func (m *Monitor) Start(model Model, plan Plan) error {
	if model == nil {
		return faults.New(faults.CodeInvalidArgument, faults.CategoryValidation, "model is required")
	}
	if plan.TotalSteps < 0 || plan.WeightEvery < 0 {
		return faults.Newf(faults.CodeInvalidArgument, faults.CategoryValidation,
			"plan values must be non-negative: total=%d weight_every=%d", plan.TotalSteps, plan.WeightEvery)
	}

	m.mu.Lock()
	if m.state != Idle {
		state := m.state
		m.mu.Unlock()
		return ErrInvalidState.With("state", state.String()).With("operation", "start")
	}
	m.mu.Unlock()

	kinds := []hooks.SignalKind{hooks.ForwardOutput}
	if m.opts.CaptureGradients {
		kinds = append(kinds, hooks.BackwardGradient)
	}
	attached := 0
	for _, kind := range kinds {
		handles, err := m.registry.Register(model, m.opts.Selector, kind)
		if err != nil {
			m.registry.UnregisterAll()
			return fmt.Errorf("failed to register %s hooks: %w", kind, err)
		}
		attached += len(handles)
	}

	m.mu.Lock()
	m.model = model
	m.plan = plan
	m.step = 0
	m.state = Running
	m.mu.Unlock()

	m.logger.Info("monitor started",
		slog.String("selector", m.opts.Selector.String()),
		slog.Int("handles", attached),
		slog.Int("total_steps", plan.TotalSteps),
		slog.Int("weight_every", plan.WeightEvery))
	m.emit(Event{Type: EventState, State: Running.String()})
	return nil
}

// Step runs fn as one logical training step. Parameters are snapshotted
// before fn when the plan schedules it, and with gradient capture enabled
// their gradients are snapshotted after fn. Captures that failed during the
// step are reported as CAPTURE_FAILED after fn completes; the state is
// unchanged and later steps capture normally. A paused monitor runs fn without
// capturing.
func (m *Monitor) Step(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	state, step, plan, model := m.state, m.step, m.plan, m.model
	m.mu.Unlock()
	if state != Running && state != Paused {
		return ErrInvalidState.With("state", state.String()).With("operation", "step")
	}

	failuresBefore := m.collector.FailureCount()
	m.collector.SetStep(step)
	scheduled := state == Running && plan.WeightEvery > 0 && step%plan.WeightEvery == 0
	if scheduled {
		m.snapshotWeights(model, step)
	}

	start := time.Now()
	if err := fn(ctx); err != nil {
		return fmt.Errorf("step %d failed: %w", step, err)
	}
	if scheduled && m.opts.CaptureGradients {
		m.snapshotGradients(model, step)
	}

	var captureErr error
	if failures := m.collector.Failures()[failuresBefore:]; len(failures) > 0 {
		captureErr = faults.Newf(faults.CodeCaptureFailed, faults.CategoryCapture,
			"%d capture(s) failed", len(failures)).
			With("step", fmt.Sprint(step)).
			Wrap(failures[0].Err)
	}

	m.mu.Lock()
	m.step++
	done := plan.TotalSteps > 0 && m.step >= plan.TotalSteps
	m.mu.Unlock()

	m.emit(Event{
		Type:     EventStep,
		Step:     step,
		State:    state.String(),
		Captured: len(m.collector.Names(hooks.ForwardOutput)) + len(m.collector.Names(hooks.BackwardGradient)),
		Failures: m.collector.FailureCount() - failuresBefore,
		Duration: time.Since(start),
	})

	if done {
		if err := m.Stop(); err != nil {
			return err
		}
	}
	return captureErr
}

// snapshotGradients records the parameter gradients left by the step, for
// models that expose them.
func (m *Monitor) snapshotGradients(model Model, step int) {
	src, ok := model.(hooks.GradientSource)
	if !ok {
		return
	}
	if err := m.collector.CaptureParameterGrads(step, src.NamedGradients()); err != nil {
		m.logger.Warn("gradient snapshot failed", slog.Int("step", step), slog.String("error", err.Error()))
	}
}

func (m *Monitor) snapshotWeights(model Model, step int) {
	if model == nil || step == m.lastWeights {
		return
	}
	if err := m.collector.CaptureParameters(step, model.NamedParameters()); err != nil {
		m.logger.Warn("weight snapshot failed", slog.Int("step", step), slog.String("error", err.Error()))
	}
	m.lastWeights = step
}

// Pause stops recording captures without detaching probes.
func (m *Monitor) Pause() error {
	return m.transition(Running, Paused, "pause")
}

// Resume continues recording after Pause.
func (m *Monitor) Resume() error {
	return m.transition(Paused, Running, "resume")
}

func (m *Monitor) transition(from, to State, op string) error {
	m.mu.Lock()
	if m.state != from {
		state := m.state
		m.mu.Unlock()
		return ErrInvalidState.With("state", state.String()).With("operation", op)
	}
	m.state = to
	m.mu.Unlock()

	m.logger.Debug("monitor state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	m.emit(Event{Type: EventState, State: to.String()})
	return nil
}

// Stop releases every probe and completes the run. When weight snapshots are
// scheduled, the final parameters are recorded at the completed step count.
// Stop may be called after a failed step and is idempotent.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.state == Completed {
		m.mu.Unlock()
		return nil
	}
	wasActive := m.state == Running || m.state == Paused
	model, plan, step := m.model, m.plan, m.step
	m.state = Completed
	m.mu.Unlock()

	released := m.registry.Active()
	m.registry.UnregisterAll()
	if wasActive && plan.WeightEvery > 0 && step > 0 {
		m.snapshotWeights(model, step)
	}
	m.collector.ClearStep()

	m.logger.Info("monitor stopped",
		slog.Int("steps", step),
		slog.Int("released", released),
		slog.Int("capture_failures", m.collector.FailureCount()))
	m.emit(Event{Type: EventState, State: Completed.String(), Step: step})
	return nil
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Steps returns the number of steps completed.
func (m *Monitor) Steps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step
}

// Active returns the number of attached probes.
func (m *Monitor) Active() int {
	return m.registry.Active()
}

// Collector exposes the underlying collector for reads between steps.
func (m *Monitor) Collector() *collector.Collector {
	return m.collector
}

// ModelName returns the configured model name.
func (m *Monitor) ModelName() string {
	return m.opts.ModelName
}

// Export snapshots the collector. It must not race with a running step.
func (m *Monitor) Export() *export.Bundle {
	return export.FromCollector(m.opts.ModelName, m.collector)
}
