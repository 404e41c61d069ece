package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/tensor"
)

func TestSummarize(t *testing.T) {
	s, err := Summarize([]float64{0, 0, 1, 2, 7})
	require.NoError(t, err)

	assert.InDelta(t, 2.0, s.Mean, 1e-12)
	// population variance: (4+4+1+0+25)/5
	assert.InDelta(t, 2.6076809620810595, s.Std, 1e-12)
	assert.Equal(t, 0.0, s.Min)
	assert.Equal(t, 7.0, s.Max)
	assert.InDelta(t, 0.4, s.Sparsity, 1e-12)
	assert.Greater(t, s.Skewness, 0.0)
}

func TestSummarizeSymmetricData(t *testing.T) {
	s, err := Summarize([]float64{-2, -1, 0, 1, 2})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, s.Skewness, 1e-12)
	// uniform-like spread is platykurtic: m4/m2² = 6.8/4 = 1.7
	assert.InDelta(t, -1.3, s.Kurtosis, 1e-12)
}

func TestSummarizeConstantHasNoShapeMoments(t *testing.T) {
	s, err := Summarize([]float64{3, 3, 3})
	require.NoError(t, err)
	assert.Zero(t, s.Std)
	assert.Zero(t, s.Skewness)
	assert.Zero(t, s.Kurtosis)
}

func TestSummarizeEmpty(t *testing.T) {
	_, err := Summarize(nil)
	assert.Error(t, err)

	_, err = SummarizeTensor(nil)
	assert.Error(t, err)
}

func TestHistogramCountsEveryValue(t *testing.T) {
	values := []float64{5, 1, 2, 2, 3, 4, 5}
	h := NewHistogram(values, 4)

	require.Len(t, h.Counts, 4)
	require.Len(t, h.Bins, 5)
	assert.Equal(t, float64(len(values)), floats.Sum(h.Counts))
	assert.Equal(t, 1.0, h.Bins[0])
	assert.Equal(t, 3.0, h.Counts[3], "max lands in the last bin")

	flat := NewHistogram([]float64{1, 1}, 0)
	assert.Len(t, flat.Counts, DefaultBins)
	assert.Equal(t, 2.0, floats.Sum(flat.Counts))
}

func TestDescribe(t *testing.T) {
	buf := tensor.MustNew([]int{2, 2}, []float64{1, 0, 3, 4})
	entry, err := Describe(hooks.ForwardOutput, "fc", 3, buf, 5)
	require.NoError(t, err)

	assert.Equal(t, "forward", entry.Kind)
	assert.Equal(t, []int{2, 2}, entry.Shape)
	assert.InDelta(t, 0.25, entry.Summary.Sparsity, 1e-12)
	assert.Len(t, entry.Histogram.Counts, 5)
}

func TestWeightStatsUsesTolerance(t *testing.T) {
	params := []hooks.NamedTensor{
		{Name: "0.weight", Tensor: tensor.MustNew([]int{4}, []float64{1e-8, -1e-7, 0.5, -0.5})},
		{Name: "0.bias", Tensor: tensor.MustNew([]int{2}, []float64{3, 4})},
	}

	all := WeightStats(params)
	require.Len(t, all, 2)
	assert.InDelta(t, 0.5, all["0.weight"].Sparsity, 1e-12)
	assert.InDelta(t, 5.0, all["0.bias"].Norm, 1e-12)

	only := WeightStats(params, "0.bias")
	assert.Len(t, only, 1)
	assert.Contains(t, only, "0.bias")
}
