package export

import (
	"fmt"

	"github.com/tsawler/repviz/cka"
	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/stats"
	"github.com/tsawler/repviz/tensor"
)

// StatsReport holds per-name statistics of the latest captures, by section.
type StatsReport struct {
	Model    string                   `json:"model"`
	Sections map[string][]stats.Entry `json:"sections"`
}

// BuildStats summarizes the latest capture of every name in src for each
// requested kind. Names whose buffer cannot be summarized are skipped.
func BuildStats(model string, src cka.Source, bins int, kinds ...hooks.SignalKind) *StatsReport {
	if len(kinds) == 0 {
		kinds = []hooks.SignalKind{hooks.ForwardOutput, hooks.BackwardGradient, hooks.ParameterSnapshot}
	}
	report := &StatsReport{Model: model, Sections: make(map[string][]stats.Entry)}
	for _, kind := range kinds {
		entries := []stats.Entry{}
		for _, name := range src.Names(kind) {
			t, ok := src.Latest(kind, name)
			if !ok {
				continue
			}
			entry, err := stats.Describe(kind, name, 0, t, bins)
			if err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		report.Sections[SectionOf(kind)] = entries
	}
	return report
}

// StructureEntry describes one leaf as "Type:index" with a summary of its
// weight when it has one.
type StructureEntry struct {
	Name      string         `json:"name"`
	Layer     string         `json:"layer"`
	Type      string         `json:"type"`
	Family    string         `json:"family"`
	HasWeight bool           `json:"has_weight"`
	Summary   *stats.Summary `json:"summary,omitempty"`
}

// BuildModelStructure lists the leaves of g. Leaves are numbered per type in
// walk order, so the second Dense is "Dense:1".
func BuildModelStructure(g hooks.Graph, params hooks.ParameterSource) []StructureEntry {
	weights := make(map[string]*tensor.Tensor)
	if params != nil {
		for _, p := range params.NamedParameters() {
			weights[p.Name] = p.Tensor
		}
	}

	counters := make(map[string]int)
	entries := []StructureEntry{}
	for _, leaf := range hooks.Leaves(g) {
		typeName := leaf.Type.String()
		idx := counters[typeName]
		counters[typeName] = idx + 1

		entry := StructureEntry{
			Name:   fmt.Sprintf("%s:%d", typeName, idx),
			Layer:  leaf.Name,
			Type:   typeName,
			Family: string(leaf.Type.Family()),
		}
		if w, ok := weights[leaf.Name+".weight"]; ok {
			if s, err := stats.SummarizeTensor(w); err == nil {
				entry.HasWeight = true
				entry.Summary = &s
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// Predictions is the model output for a labelled batch.
type Predictions struct {
	Model     string      `json:"model"`
	Outputs   [][]float64 `json:"outputs"`
	Predicted []int       `json:"predicted"`
	Labels    []int       `json:"labels,omitempty"`
	Accuracy  float64     `json:"accuracy,omitempty"`
}

// BuildPredictions records the argmax of each output row and, when labels
// are given, the accuracy.
func BuildPredictions(model string, outputs, labels *tensor.Tensor) (*Predictions, error) {
	if err := outputs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid outputs: %w", err)
	}
	p := &Predictions{Model: model}
	correct := 0
	for i := 0; i < outputs.Rows(); i++ {
		row := outputs.Row(i)
		p.Outputs = append(p.Outputs, append([]float64(nil), row...))

		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		p.Predicted = append(p.Predicted, best)

		if labels != nil && i < len(labels.Data) {
			label := int(labels.Data[i])
			p.Labels = append(p.Labels, label)
			if label == best {
				correct++
			}
		}
	}
	if len(p.Labels) > 0 {
		p.Accuracy = float64(correct) / float64(len(p.Labels))
	}
	return p, nil
}
