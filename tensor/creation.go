package tensor

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// NewTensor wraps data with the given shape. The slice is used as-is.
func NewTensor(shape []int, data []float64) (*Tensor, error) {
	t := &Tensor{
		Shape: copyShape(shape),
		Data:  data,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// MustNew is NewTensor for literals in tests and examples; it panics on a bad shape.
func MustNew(shape []int, data []float64) *Tensor {
	t, err := NewTensor(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros creates a zero-filled tensor.
func Zeros(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return &Tensor{
		Shape: copyShape(shape),
		Data:  make([]float64, calculateNumElements(shape)),
	}, nil
}

// Full creates a tensor where every element equals value.
func Full(shape []int, value float64) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// Random creates a tensor with values drawn uniformly from [0, 1).
func Random(shape []int, rng *rand.Rand) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = rng.Float64()
	}
	return t, nil
}

// RandomNormal creates a tensor with values drawn from N(mean, std^2).
func RandomNormal(shape []int, mean, std float64, rng *rand.Rand) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()*std + mean
	}
	return t, nil
}

// FromMatrix copies any gonum matrix into a new 2-D tensor.
func FromMatrix(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	data := make([]float64, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data[i*c+j] = m.At(i, j)
		}
	}
	return &Tensor{Shape: []int{r, c}, Data: data}
}

// FromRows builds a 2-D tensor from equally sized rows.
func FromRows(rows [][]float64) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d values, expected %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return NewTensor([]int{len(rows), cols}, data)
}
