package tensor

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if calculateNumElements(newShape) != t.NumElems() {
		return nil, fmt.Errorf("cannot reshape tensor of %d elements to shape %v", t.NumElems(), newShape)
	}
	return &Tensor{Shape: copyShape(newShape), Data: t.Data}, nil
}

// Clone returns a deep copy that shares no memory with t.
func (t *Tensor) Clone() (*Tensor, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("failed to clone tensor: %w", err)
	}
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: copyShape(t.Shape), Data: data}, nil
}

// Flatten returns a copy of the values in row-major order.
func (t *Tensor) Flatten() []float64 {
	out := make([]float64, len(t.Data))
	copy(out, t.Data)
	return out
}

// Matrix views the tensor as a Rows() x RowSize() matrix. The returned matrix
// aliases t.Data; callers that keep it must not mutate the tensor.
func (t *Tensor) Matrix() (*mat.Dense, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return mat.NewDense(t.Rows(), t.RowSize(), t.Data), nil
}

// Row returns the values of sample i without copying.
func (t *Tensor) Row(i int) []float64 {
	size := t.RowSize()
	return t.Data[i*size : (i+1)*size]
}

// Equal reports whether two tensors have the same shape and values within tol.
func (t *Tensor) Equal(other *Tensor, tol float64) bool {
	if t == nil || other == nil {
		return t == other
	}
	if len(t.Shape) != len(other.Shape) || len(t.Data) != len(other.Data) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	for i := range t.Data {
		if math.Abs(t.Data[i]-other.Data[i]) > tol {
			return false
		}
	}
	return true
}

// Fill overwrites every element in place.
func (t *Tensor) Fill(value float64) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// PrintData returns a short human readable rendering of the values.
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString(" [")

	n := len(t.Data)
	if maxElements > 0 && n > maxElements {
		n = maxElements
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%.4f", t.Data[i])
	}
	if n < len(t.Data) {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}
