package training

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/repviz/tensor"
)

// Dataset holds a feature matrix and one label per sample.
type Dataset struct {
	Features *tensor.Tensor // [samples, features]
	Labels   *tensor.Tensor // [samples]
}

// NewDataset validates that features and labels line up.
func NewDataset(features, labels *tensor.Tensor) (*Dataset, error) {
	if err := expect2D("Dataset", features); err != nil {
		return nil, err
	}
	if labels == nil || len(labels.Data) != features.Shape[0] {
		return nil, fmt.Errorf("dataset needs %d labels", features.Shape[0])
	}
	return &Dataset{Features: features, Labels: labels}, nil
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return d.Features.Shape[0]
}

// Batch represents a batch of data and labels
type Batch struct {
	Data   *tensor.Tensor
	Labels *tensor.Tensor
}

// DataLoader provides batching and shuffling over a Dataset
type DataLoader struct {
	dataset   *Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
}

// NewDataLoader creates a new DataLoader. A nil rng uses the global source.
func NewDataLoader(dataset *Dataset, batchSize int, shuffle bool, rng *rand.Rand) *DataLoader {
	if batchSize <= 0 {
		batchSize = dataset.Len()
	}
	if rng == nil {
		rng = globalRng
	}
	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rng,
		indices:   indices,
	}
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Epoch returns the batches of one pass, reshuffling first when enabled.
func (dl *DataLoader) Epoch() []Batch {
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}

	features := dl.dataset.Features.RowSize()
	batches := make([]Batch, 0, dl.Len())
	for start := 0; start < len(dl.indices); start += dl.batchSize {
		end := min(start+dl.batchSize, len(dl.indices))
		size := end - start

		data := make([]float64, 0, size*features)
		labels := make([]float64, 0, size)
		for _, idx := range dl.indices[start:end] {
			data = append(data, dl.dataset.Features.Row(idx)...)
			labels = append(labels, dl.dataset.Labels.Data[idx])
		}
		batches = append(batches, Batch{
			Data:   &tensor.Tensor{Shape: []int{size, features}, Data: data},
			Labels: &tensor.Tensor{Shape: []int{size}, Data: labels},
		})
	}
	return batches
}

// SyntheticClassification draws samples around one Gaussian centroid per
// class. It backs the demo and tests.
func SyntheticClassification(samples, features, classes int, rng *rand.Rand) (*Dataset, error) {
	if samples <= 0 || features <= 0 || classes <= 1 {
		return nil, fmt.Errorf("invalid synthetic dataset %d×%d with %d classes", samples, features, classes)
	}
	centroids := make([][]float64, classes)
	for c := range centroids {
		centroids[c] = make([]float64, features)
		for j := range centroids[c] {
			centroids[c][j] = rng.NormFloat64() * 2
		}
	}

	data := make([]float64, samples*features)
	labels := make([]float64, samples)
	for i := 0; i < samples; i++ {
		c := i % classes
		labels[i] = float64(c)
		for j := 0; j < features; j++ {
			data[i*features+j] = centroids[c][j] + rng.NormFloat64()
		}
	}
	x, err := tensor.NewTensor([]int{samples, features}, data)
	if err != nil {
		return nil, err
	}
	y, err := tensor.NewTensor([]int{samples}, labels)
	if err != nil {
		return nil, err
	}
	return NewDataset(x, y)
}
