package training

import (
	"fmt"

	"github.com/tsawler/repviz/tensor"
)

// Head returns a dataset of the first limit samples. The copy shares no
// storage with d. A limit larger than the dataset is clamped.
func (d *Dataset) Head(limit int) (*Dataset, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative")
	}
	limit = min(limit, d.Len())
	return d.Subset(0, limit)
}

// Subset returns a copy of samples [start, end).
func (d *Dataset) Subset(start, end int) (*Dataset, error) {
	if start < 0 || end > d.Len() || start > end {
		return nil, fmt.Errorf("subset [%d, %d) out of bounds for %d samples", start, end, d.Len())
	}
	features := d.Features.RowSize()
	x, err := tensor.NewTensor([]int{end - start, features}, append([]float64(nil), d.Features.Data[start*features:end*features]...))
	if err != nil {
		return nil, err
	}
	y, err := tensor.NewTensor([]int{end - start}, append([]float64(nil), d.Labels.Data[start:end]...))
	if err != nil {
		return nil, err
	}
	return &Dataset{Features: x, Labels: y}, nil
}
