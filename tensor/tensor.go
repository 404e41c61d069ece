// Package tensor provides the dense float64 buffer that flows through the
// model graph, the hook probes and the collectors.
//
// A Tensor is row-major. The first dimension is the sample (batch) axis; every
// other dimension is treated as features when the tensor is viewed as a matrix.
package tensor

import (
	"fmt"
)

type Tensor struct {
	Shape []int
	Data  []float64
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems())
}

// NumElems returns the number of elements implied by the shape.
func (t *Tensor) NumElems() int {
	return calculateNumElements(t.Shape)
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Rows returns the size of the sample axis, or 0 for an empty tensor.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// RowSize returns the number of features per sample (product of all
// non-leading dimensions). A 1-D tensor has one feature per sample.
func (t *Tensor) RowSize() int {
	if len(t.Shape) <= 1 {
		if len(t.Shape) == 1 {
			return 1
		}
		return 0
	}
	return calculateNumElements(t.Shape[1:])
}

// IsEmpty reports whether the tensor carries no values.
func (t *Tensor) IsEmpty() bool {
	return t == nil || len(t.Data) == 0
}

// Validate checks that the data length matches the shape.
func (t *Tensor) Validate() error {
	if t == nil {
		return fmt.Errorf("nil tensor")
	}
	if err := validateShape(t.Shape); err != nil {
		return err
	}
	if len(t.Data) != t.NumElems() {
		return fmt.Errorf("data length %d does not match shape %v (%d elements)", len(t.Data), t.Shape, t.NumElems())
	}
	return nil
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
