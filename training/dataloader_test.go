package training

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/repviz/tensor"
)

func sequentialDataset(t *testing.T, samples, features int) *Dataset {
	t.Helper()
	data := make([]float64, samples*features)
	labels := make([]float64, samples)
	for i := range data {
		data[i] = float64(i)
	}
	for i := range labels {
		labels[i] = float64(i % 2)
	}
	x, err := tensor.NewTensor([]int{samples, features}, data)
	require.NoError(t, err)
	y, err := tensor.NewTensor([]int{samples}, labels)
	require.NoError(t, err)
	ds, err := NewDataset(x, y)
	require.NoError(t, err)
	return ds
}

func TestNewDatasetRejectsMismatchedLabels(t *testing.T) {
	x, err := tensor.Zeros([]int{4, 2})
	require.NoError(t, err)
	y, err := tensor.Zeros([]int{3})
	require.NoError(t, err)

	_, err = NewDataset(x, y)
	assert.Error(t, err)
}

func TestDataLoaderBatchesInOrder(t *testing.T) {
	ds := sequentialDataset(t, 10, 2)
	loader := NewDataLoader(ds, 4, false, nil)
	assert.Equal(t, 3, loader.Len())

	batches := loader.Epoch()
	require.Len(t, batches, 3)
	assert.Equal(t, []int{4, 2}, batches[0].Data.Shape)
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7}, batches[0].Data.Data)
	assert.Equal(t, []int{2, 2}, batches[2].Data.Shape)
	assert.Equal(t, []float64{0, 1}, batches[2].Labels.Data)
}

func TestDataLoaderShuffleCoversEverySample(t *testing.T) {
	ds := sequentialDataset(t, 12, 1)
	loader := NewDataLoader(ds, 5, true, rand.New(rand.NewSource(3)))

	seen := map[float64]int{}
	for _, b := range loader.Epoch() {
		for _, v := range b.Data.Data {
			seen[v]++
		}
	}
	assert.Len(t, seen, 12)
	for v, n := range seen {
		assert.Equal(t, 1, n, "sample %v", v)
	}
}

func TestDatasetHeadAndSubset(t *testing.T) {
	ds := sequentialDataset(t, 6, 2)

	head, err := ds.Head(2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, head.Features.Shape)
	assert.Equal(t, []float64{0, 1, 2, 3}, head.Features.Data)
	assert.Equal(t, []float64{0, 1}, head.Labels.Data)

	head.Features.Data[0] = 99
	assert.Equal(t, 0.0, ds.Features.Data[0])

	all, err := ds.Head(100)
	require.NoError(t, err)
	assert.Equal(t, 6, all.Len())

	_, err = ds.Head(-1)
	assert.Error(t, err)

	mid, err := ds.Subset(2, 4)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5, 6, 7}, mid.Features.Data)

	_, err = ds.Subset(4, 2)
	assert.Error(t, err)
	_, err = ds.Subset(0, 7)
	assert.Error(t, err)
}

func TestSyntheticClassificationIsDeterministic(t *testing.T) {
	a, err := SyntheticClassification(30, 3, 3, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	b, err := SyntheticClassification(30, 3, 3, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	assert.Equal(t, a.Features.Data, b.Features.Data)
	assert.Equal(t, []float64{0, 1, 2, 0}, a.Labels.Data[:4])

	_, err = SyntheticClassification(10, 3, 1, rand.New(rand.NewSource(9)))
	assert.Error(t, err)
}

func TestMSELossReductions(t *testing.T) {
	pred, _ := tensor.NewTensor([]int{2}, []float64{1, 3})
	target, _ := tensor.NewTensor([]int{2}, []float64{0, 1})

	mean, err := NewMSELoss("").Forward(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, mean, 1e-12)

	sum, err := NewMSELoss("sum").Forward(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, sum, 1e-12)

	grad, err := NewMSELoss("mean").Backward(pred, target)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 2}, grad.Data, 1e-12)

	short, _ := tensor.NewTensor([]int{1}, []float64{0})
	_, err = NewMSELoss("mean").Forward(pred, short)
	assert.Error(t, err)
}

func TestLossRejectsBadClassIndices(t *testing.T) {
	probs, _ := tensor.NewTensor([]int{1, 2}, []float64{0.5, 0.5})
	for _, label := range []float64{-1, 2, 0.5} {
		target, _ := tensor.NewTensor([]int{1}, []float64{label})
		_, err := NewNLLLoss().Forward(probs, target)
		assert.Error(t, err, "label %v", label)
	}
}

func TestSGDMovesAgainstGradient(t *testing.T) {
	p := &Parameter{Name: "w", Value: &tensor.Tensor{Shape: []int{2}, Data: []float64{1, 1}}, Grad: &tensor.Tensor{Shape: []int{2}, Data: []float64{0.5, -0.5}}}
	sgd := NewSGD([]*Parameter{p}, 0.1, 0, 0)
	require.NoError(t, sgd.Step())
	assert.InDeltaSlice(t, []float64{0.95, 1.05}, p.Value.Data, 1e-12)

	sgd.ZeroGrad()
	assert.Equal(t, []float64{0, 0}, p.Grad.Data)

	sgd.SetLR(0.01)
	assert.Equal(t, 0.01, sgd.GetLR())
}

func TestProgressBarSilentOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1/1", 2)
	pb.Update(1, map[string]float64{"loss": 1})
	pb.Finish()
	assert.Empty(t, buf.String())
}
