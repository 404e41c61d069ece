// Package collector stores detached copies of the buffers observed by hook
// probes, keyed by signal kind and node name.
//
// The collector provides no internal locking. Captures run on the goroutine
// driving the model; readers must wait until that goroutine is between steps.
package collector

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tsawler/repviz/faults"
	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/tensor"
)

// Mode selects how repeated captures of one name are retained.
type Mode int

const (
	// LatestOnly keeps only the newest snapshot per name.
	LatestOnly Mode = iota
	// TrackAll appends every capture to the name's history.
	TrackAll
)

func (m Mode) String() string {
	if m == TrackAll {
		return "track_all"
	}
	return "latest_only"
}

// ParseMode parses "latest_only" or "track_all".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "", "latest", "latest_only":
		return LatestOnly, nil
	case "all", "track_all":
		return TrackAll, nil
	}
	return 0, fmt.Errorf("unknown retention mode %q", s)
}

// Retention configures history growth. MaxHistory caps track-all histories
// (oldest evicted first); zero means unbounded.
type Retention struct {
	Mode       Mode
	MaxHistory int
}

// Failure records a capture that could not be stored.
type Failure struct {
	Kind hooks.SignalKind
	Name string
	Step int
	Err  error
}

// Collector implements hooks.Sink.
type Collector struct {
	retention Retention
	stores    map[hooks.SignalKind]*Store
	counters  map[hooks.SignalKind]map[string]int
	step      int
	stepSet   bool
	failures  []Failure
	logger    *slog.Logger
}

var _ hooks.Sink = (*Collector)(nil)

// New creates an empty collector.
func New(retention Retention, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if retention.MaxHistory < 0 {
		retention.MaxHistory = 0
	}
	c := &Collector{
		retention: retention,
		logger:    logger,
	}
	c.reset()
	return c
}

func (c *Collector) reset() {
	c.stores = map[hooks.SignalKind]*Store{
		hooks.ForwardOutput:     newStore(),
		hooks.BackwardGradient:  newStore(),
		hooks.ParameterSnapshot: newStore(),
		hooks.ParameterGradient: newStore(),
	}
	c.counters = make(map[hooks.SignalKind]map[string]int)
	c.failures = nil
}

// Retention returns the configured retention policy.
func (c *Collector) Retention() Retention {
	return c.retention
}

// SetStep makes subsequent captures carry step instead of the per-name counter.
func (c *Collector) SetStep(step int) {
	c.step = step
	c.stepSet = true
}

// ClearStep returns to per-name counters.
func (c *Collector) ClearStep() {
	c.stepSet = false
}

// OnSignal stores buf. Failures are logged and recorded, never propagated
// into the model's execution.
func (c *Collector) OnSignal(name string, kind hooks.SignalKind, buf *tensor.Tensor) {
	if err := c.Capture(kind, name, buf); err != nil {
		c.logger.Warn("capture failed",
			slog.String("name", name),
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()))
	}
}

// Capture stores a detached copy of buf under (kind, name) using the current
// step. The per-name counter only advances when the copy is stored.
func (c *Collector) Capture(kind hooks.SignalKind, name string, buf *tensor.Tensor) error {
	step := c.nextStep(kind, name)
	if err := c.CaptureAt(kind, name, buf, step); err != nil {
		return err
	}
	c.advance(kind, name)
	return nil
}

// CaptureAt stores a detached copy of buf with an explicit step. The copy is
// made before the store is touched so a failed copy leaves the prior entry.
func (c *Collector) CaptureAt(kind hooks.SignalKind, name string, buf *tensor.Tensor, step int) error {
	store, ok := c.stores[kind]
	if !ok {
		return c.fail(kind, name, step, faults.Newf(faults.CodeInvalidArgument, faults.CategoryValidation,
			"unknown signal kind %d", int(kind)))
	}

	clone, err := buf.Clone()
	if err != nil {
		return c.fail(kind, name, step, faults.New(faults.CodeCaptureFailed, faults.CategoryCapture, "failed to copy buffer").
			With("name", name).
			With("kind", kind.String()).
			Wrap(err))
	}

	retention := c.retention
	if kind == hooks.ParameterSnapshot || kind == hooks.ParameterGradient {
		// parameter snapshots are keyed by step, so they always keep history
		retention.Mode = TrackAll
	}
	store.put(Snapshot{Name: name, Kind: kind, Step: step, Tensor: clone}, retention)
	return nil
}

func (c *Collector) nextStep(kind hooks.SignalKind, name string) int {
	if c.stepSet {
		return c.step
	}
	return c.counters[kind][name]
}

func (c *Collector) advance(kind hooks.SignalKind, name string) {
	if c.stepSet {
		return
	}
	counters, ok := c.counters[kind]
	if !ok {
		counters = make(map[string]int)
		c.counters[kind] = counters
	}
	counters[name]++
}

func (c *Collector) fail(kind hooks.SignalKind, name string, step int, err error) error {
	c.failures = append(c.failures, Failure{Kind: kind, Name: name, Step: step, Err: err})
	return err
}

// CaptureParameters snapshots every parameter at step.
func (c *Collector) CaptureParameters(step int, params []hooks.NamedTensor) error {
	return c.captureNamed(hooks.ParameterSnapshot, step, params)
}

// CaptureParameterGrads snapshots the gradient of every parameter at step.
func (c *Collector) CaptureParameterGrads(step int, grads []hooks.NamedTensor) error {
	return c.captureNamed(hooks.ParameterGradient, step, grads)
}

func (c *Collector) captureNamed(kind hooks.SignalKind, step int, named []hooks.NamedTensor) error {
	var firstErr error
	for _, p := range named {
		if err := c.CaptureAt(kind, p.Name, p.Tensor, step); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Get returns the stored history for (kind, name). Absence is reported with
// false, never an error.
func (c *Collector) Get(kind hooks.SignalKind, name string) (Entry, bool) {
	store, ok := c.stores[kind]
	if !ok {
		return Entry{}, false
	}
	return store.Get(name)
}

// Latest returns the newest tensor captured for (kind, name).
func (c *Collector) Latest(kind hooks.SignalKind, name string) (*tensor.Tensor, bool) {
	entry, ok := c.Get(kind, name)
	if !ok {
		return nil, false
	}
	return entry.Latest().Tensor, true
}

// Names returns the names captured for kind in first-capture order.
func (c *Collector) Names(kind hooks.SignalKind) []string {
	store, ok := c.stores[kind]
	if !ok {
		return nil
	}
	return store.Names()
}

// Store returns the live store for kind. Callers must treat it as read-only.
func (c *Collector) Store(kind hooks.SignalKind) *Store {
	return c.stores[kind]
}

// GetAll returns a copy of every history for kind.
func (c *Collector) GetAll(kind hooks.SignalKind) map[string][]Snapshot {
	out := make(map[string][]Snapshot)
	store, ok := c.stores[kind]
	if !ok {
		return out
	}
	for _, name := range store.order {
		snaps := store.entries[name]
		cp := make([]Snapshot, len(snaps))
		copy(cp, snaps)
		out[name] = cp
	}
	return out
}

// Clear removes the history of one name and resets its step counter.
func (c *Collector) Clear(kind hooks.SignalKind, name string) bool {
	store, ok := c.stores[kind]
	if !ok {
		return false
	}
	if counters, ok := c.counters[kind]; ok {
		delete(counters, name)
	}
	return store.remove(name)
}

// ClearKind empties every history of one kind.
func (c *Collector) ClearKind(kind hooks.SignalKind) {
	if _, ok := c.stores[kind]; ok {
		c.stores[kind] = newStore()
		delete(c.counters, kind)
	}
}

// ClearAll empties every store and forgets recorded failures.
func (c *Collector) ClearAll() {
	c.reset()
}

// Failures returns the capture failures recorded since the last ClearAll.
func (c *Collector) Failures() []Failure {
	out := make([]Failure, len(c.failures))
	copy(out, c.failures)
	return out
}

// FailureCount returns the number of recorded failures.
func (c *Collector) FailureCount() int {
	return len(c.failures)
}
