// Package export defines the JSON artifacts produced from collector state:
// the capture bundle, similarity reports, statistics and model structure.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tsawler/repviz/collector"
	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/tensor"
)

// Series is the exported history of one name: a single flattened array in
// latest-only mode or one array per captured step in track-all mode.
type Series struct {
	Steps  [][]float64
	Single bool
}

// Latest returns the newest array.
func (s Series) Latest() []float64 {
	if len(s.Steps) == 0 {
		return nil
	}
	return s.Steps[len(s.Steps)-1]
}

func (s Series) MarshalJSON() ([]byte, error) {
	if s.Single {
		return json.Marshal(s.Latest())
	}
	steps := s.Steps
	if steps == nil {
		steps = [][]float64{}
	}
	return json.Marshal(steps)
}

// UnmarshalJSON accepts either a flat array or an array of arrays.
func (s *Series) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("[")) && bytes.HasPrefix(bytes.TrimLeft(trimmed[1:], " \t\r\n"), []byte("[")) {
		s.Single = false
		return json.Unmarshal(data, &s.Steps)
	}
	var flat []float64
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	s.Single = true
	s.Steps = [][]float64{flat}
	return nil
}

// decodeSeries reads one series written in the given retention mode. An
// unknown mode falls back to the shape of the JSON.
func decodeSeries(data []byte, mode string) (Series, error) {
	var s Series
	switch mode {
	case collector.TrackAll.String():
		s.Steps = [][]float64{}
		err := json.Unmarshal(data, &s.Steps)
		return s, err
	case collector.LatestOnly.String():
		var flat []float64
		if err := json.Unmarshal(data, &flat); err != nil {
			return s, err
		}
		s.Single = true
		s.Steps = [][]float64{flat}
		return s, nil
	}
	err := s.UnmarshalJSON(data)
	return s, err
}

// Section names used in JSON and in the shapes map.
const (
	SectionActivations   = "activations"
	SectionGradients     = "gradients"
	SectionWeights       = "weights"
	SectionGradSnapshots = "grad_snapshots"
)

// SectionOf maps a signal kind to its bundle section.
func SectionOf(kind hooks.SignalKind) string {
	switch kind {
	case hooks.ForwardOutput:
		return SectionActivations
	case hooks.BackwardGradient:
		return SectionGradients
	case hooks.ParameterGradient:
		return SectionGradSnapshots
	default:
		return SectionWeights
	}
}

// Bundle is the read-only export of a collector.
type Bundle struct {
	Model           string                          `json:"model"`
	Mode            string                          `json:"mode"`
	Activations     map[string]Series               `json:"activations"`
	Gradients       map[string]Series               `json:"gradients"`
	Weights         map[string][]float64            `json:"weights"`
	WeightSnapshots map[string]map[string][]float64 `json:"weight_snapshots"`
	GradSnapshots   map[string]map[string][]float64 `json:"grad_snapshots"`
	Shapes          map[string]map[string][]int     `json:"shapes"`
	// Order keeps first-capture order per section, which JSON objects lose.
	Order map[string][]string `json:"order"`
}

// StepKey formats the weight_snapshots key of a step.
func StepKey(step int) string {
	return "step_" + strconv.Itoa(step)
}

// ParseStepKey is the inverse of StepKey.
func ParseStepKey(key string) (int, error) {
	n, ok := strings.CutPrefix(key, "step_")
	if !ok {
		return 0, fmt.Errorf("invalid step key %q", key)
	}
	return strconv.Atoi(n)
}

// FromCollector exports the current state of c. The bundle shares no memory
// with the collector.
func FromCollector(model string, c *collector.Collector) *Bundle {
	mode := c.Retention().Mode
	b := &Bundle{
		Model:           model,
		Mode:            mode.String(),
		Activations:     make(map[string]Series),
		Gradients:       make(map[string]Series),
		Weights:         make(map[string][]float64),
		WeightSnapshots: make(map[string]map[string][]float64),
		GradSnapshots:   make(map[string]map[string][]float64),
		Shapes: map[string]map[string][]int{
			SectionActivations:   {},
			SectionGradients:     {},
			SectionWeights:       {},
			SectionGradSnapshots: {},
		},
		Order: make(map[string][]string),
	}

	for kind, dst := range map[hooks.SignalKind]map[string]Series{
		hooks.ForwardOutput:    b.Activations,
		hooks.BackwardGradient: b.Gradients,
	} {
		section := SectionOf(kind)
		names := c.Names(kind)
		b.Order[section] = names
		for _, name := range names {
			entry, ok := c.Get(kind, name)
			if !ok {
				continue
			}
			series := Series{Single: mode == collector.LatestOnly}
			for _, snap := range entry.Snapshots {
				series.Steps = append(series.Steps, snap.Tensor.Flatten())
			}
			dst[name] = series
			b.Shapes[section][name] = append([]int(nil), entry.Latest().Tensor.Shape...)
		}
	}

	exportSnapshots(b, c, hooks.ParameterSnapshot, b.WeightSnapshots)
	for _, name := range b.Order[SectionWeights] {
		if entry, ok := c.Get(hooks.ParameterSnapshot, name); ok {
			b.Weights[name] = entry.Latest().Tensor.Flatten()
		}
	}
	exportSnapshots(b, c, hooks.ParameterGradient, b.GradSnapshots)
	return b
}

// exportSnapshots copies the step-keyed history of a parameter kind into dst.
func exportSnapshots(b *Bundle, c *collector.Collector, kind hooks.SignalKind, dst map[string]map[string][]float64) {
	section := SectionOf(kind)
	names := c.Names(kind)
	b.Order[section] = names
	for _, name := range names {
		entry, ok := c.Get(kind, name)
		if !ok {
			continue
		}
		b.Shapes[section][name] = append([]int(nil), entry.Latest().Tensor.Shape...)
		for _, snap := range entry.Snapshots {
			key := StepKey(snap.Step)
			if dst[key] == nil {
				dst[key] = make(map[string][]float64)
			}
			dst[key][name] = snap.Tensor.Flatten()
		}
	}
}

// UnmarshalJSON decodes activation and gradient series in the bundle's own
// retention mode, so an empty track-all history stays track-all.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	type plain Bundle
	var raw struct {
		plain
		Activations map[string]json.RawMessage `json:"activations"`
		Gradients   map[string]json.RawMessage `json:"gradients"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = Bundle(raw.plain)

	var err error
	if b.Activations, err = decodeSection(raw.Activations, b.Mode); err != nil {
		return fmt.Errorf("activations: %w", err)
	}
	if b.Gradients, err = decodeSection(raw.Gradients, b.Mode); err != nil {
		return fmt.Errorf("gradients: %w", err)
	}
	return nil
}

func decodeSection(raw map[string]json.RawMessage, mode string) (map[string]Series, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(map[string]Series, len(raw))
	for name, data := range raw {
		series, err := decodeSeries(data, mode)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = series
	}
	return out, nil
}

// latestSnapshot returns the values of name at the highest recorded step.
func latestSnapshot(snapshots map[string]map[string][]float64, name string) ([]float64, bool) {
	best := -1
	var values []float64
	for key, snap := range snapshots {
		step, err := ParseStepKey(key)
		if err != nil || step <= best {
			continue
		}
		if v, ok := snap[name]; ok {
			best, values = step, v
		}
	}
	return values, best >= 0
}

// Names implements cka.Source. Bundles without an order section fall back
// to sorted names.
func (b *Bundle) Names(kind hooks.SignalKind) []string {
	section := SectionOf(kind)
	if names, ok := b.Order[section]; ok {
		return append([]string(nil), names...)
	}

	var names []string
	switch kind {
	case hooks.ForwardOutput:
		for name := range b.Activations {
			names = append(names, name)
		}
	case hooks.BackwardGradient:
		for name := range b.Gradients {
			names = append(names, name)
		}
	case hooks.ParameterGradient:
		seen := map[string]bool{}
		for _, snap := range b.GradSnapshots {
			for name := range snap {
				if !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
		}
	default:
		for name := range b.Weights {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Latest implements cka.Source, rebuilding the tensor from its recorded
// shape. Without a shape the values are treated as one sample row.
func (b *Bundle) Latest(kind hooks.SignalKind, name string) (*tensor.Tensor, bool) {
	var values []float64
	switch kind {
	case hooks.ForwardOutput:
		s, ok := b.Activations[name]
		if !ok {
			return nil, false
		}
		values = s.Latest()
	case hooks.BackwardGradient:
		s, ok := b.Gradients[name]
		if !ok {
			return nil, false
		}
		values = s.Latest()
	case hooks.ParameterGradient:
		g, ok := latestSnapshot(b.GradSnapshots, name)
		if !ok {
			return nil, false
		}
		values = g
	default:
		w, ok := b.Weights[name]
		if !ok {
			return nil, false
		}
		values = w
	}
	if len(values) == 0 {
		return nil, false
	}

	shape := b.Shapes[SectionOf(kind)][name]
	if len(shape) == 0 {
		shape = []int{1, len(values)}
	}
	t, err := tensor.NewTensor(shape, append([]float64(nil), values...))
	if err != nil {
		return nil, false
	}
	return t, true
}

// Section returns one top-level section by name for serving on its own.
func (b *Bundle) Section(name string) (any, bool) {
	switch name {
	case SectionActivations:
		return b.Activations, true
	case SectionGradients:
		return b.Gradients, true
	case SectionWeights:
		return b.Weights, true
	case "weight_snapshots":
		return b.WeightSnapshots, true
	case SectionGradSnapshots:
		return b.GradSnapshots, true
	case "shapes":
		return b.Shapes, true
	}
	return nil, false
}
