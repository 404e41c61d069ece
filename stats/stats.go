// Package stats summarizes captured buffers: moments, sparsity and
// histograms of the flattened values.
package stats

import (
	"fmt"
	"math"
	"sort"

	"github.com/viterin/vek"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/tensor"
)

// DefaultBins is the histogram resolution used when none is requested.
const DefaultBins = 30

// WeightZeroTolerance is the magnitude under which a weight counts as zero.
const WeightZeroTolerance = 1e-6

// Summary describes the distribution of a buffer's values. Std, skewness and
// kurtosis are population moments; kurtosis is excess kurtosis. A buffer
// with no variance reports zero skewness and kurtosis.
type Summary struct {
	Mean     float64 `json:"mean"`
	Std      float64 `json:"std"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Sparsity float64 `json:"sparsity"`
	Skewness float64 `json:"skewness"`
	Kurtosis float64 `json:"kurtosis"`
}

// Histogram holds bin counts and the len(Counts)+1 bin edges.
type Histogram struct {
	Counts []float64 `json:"histogram"`
	Bins   []float64 `json:"bins"`
}

// Summarize computes the statistics bundle of values. Exact zeros count
// towards sparsity.
func Summarize(values []float64) (Summary, error) {
	return summarize(values, 0)
}

// SummarizeTensor summarizes the flattened values of t.
func SummarizeTensor(t *tensor.Tensor) (Summary, error) {
	if t.IsEmpty() {
		return Summary{}, fmt.Errorf("cannot summarize empty tensor")
	}
	return summarize(t.Data, 0)
}

func summarize(values []float64, zeroTol float64) (Summary, error) {
	if len(values) == 0 {
		return Summary{}, fmt.Errorf("cannot summarize empty buffer")
	}

	mean, std := stat.PopMeanStdDev(values, nil)
	s := Summary{
		Mean:     mean,
		Std:      std,
		Min:      vek.Min(values),
		Max:      vek.Max(values),
		Sparsity: sparsity(values, zeroTol),
	}

	m2 := stat.Moment(2, values, nil)
	if m2 > 0 {
		s.Skewness = stat.Moment(3, values, nil) / math.Pow(m2, 1.5)
		s.Kurtosis = stat.Moment(4, values, nil)/(m2*m2) - 3
	}
	return s, nil
}

func sparsity(values []float64, tol float64) float64 {
	zeros := 0
	for _, v := range values {
		if v == 0 || math.Abs(v) < tol {
			zeros++
		}
	}
	return float64(zeros) / float64(len(values))
}

// NewHistogram bins values into equal-width bins spanning [min, max].
func NewHistogram(values []float64, bins int) Histogram {
	if bins <= 0 {
		bins = DefaultBins
	}
	if len(values) == 0 {
		return Histogram{Counts: make([]float64, bins), Bins: make([]float64, bins+1)}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	lo, hi := sorted[0], sorted[len(sorted)-1]
	if hi <= lo {
		hi = lo + 1
	}
	dividers := make([]float64, bins+1)
	floats.Span(dividers, lo, hi)
	// the top edge is exclusive in stat.Histogram
	dividers[bins] = math.Nextafter(hi, math.Inf(1))

	counts := stat.Histogram(nil, dividers, sorted, nil)
	return Histogram{Counts: counts, Bins: dividers}
}

// Entry is the per-capture statistics record served by the API.
type Entry struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Step      int       `json:"step,omitempty"`
	Shape     []int     `json:"shape"`
	Summary   Summary   `json:"summary"`
	Histogram Histogram `json:"distribution"`
}

// Describe summarizes one captured buffer.
func Describe(kind hooks.SignalKind, name string, step int, t *tensor.Tensor, bins int) (Entry, error) {
	s, err := SummarizeTensor(t)
	if err != nil {
		return Entry{}, fmt.Errorf("%s %s: %w", kind, name, err)
	}
	return Entry{
		Name:      name,
		Kind:      kind.String(),
		Step:      step,
		Shape:     append([]int(nil), t.Shape...),
		Summary:   s,
		Histogram: NewHistogram(t.Data, bins),
	}, nil
}

// WeightSummary is the weight analysis record: sparsity counts magnitudes
// below WeightZeroTolerance.
type WeightSummary struct {
	Mean     float64 `json:"mean"`
	Std      float64 `json:"std"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Sparsity float64 `json:"sparsity"`
	Norm     float64 `json:"norm"`
}

// WeightStats analyzes each parameter, optionally restricted to targets.
func WeightStats(params []hooks.NamedTensor, targets ...string) map[string]WeightSummary {
	want := make(map[string]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}

	out := make(map[string]WeightSummary)
	for _, p := range params {
		if len(want) > 0 && !want[p.Name] {
			continue
		}
		if p.Tensor.IsEmpty() {
			continue
		}
		s, err := summarize(p.Tensor.Data, WeightZeroTolerance)
		if err != nil {
			continue
		}
		out[p.Name] = WeightSummary{
			Mean:     s.Mean,
			Std:      s.Std,
			Min:      s.Min,
			Max:      s.Max,
			Sparsity: s.Sparsity,
			Norm:     math.Sqrt(vek.Dot(p.Tensor.Data, p.Tensor.Data)),
		}
	}
	return out
}
