// Package cka computes linear Centered Kernel Alignment between captured
// representations.
//
// For X (n×p) and Y (n×q) with rows aligned by sample:
//
//	Lx = X Xᵀ, Ly = Y Yᵀ
//	HSIC(Lx, Ly) = Σ (H Lx H) ⊙ (H Ly H),  H = I − J/n
//	CKA(X, Y) = HSIC(Lx, Ly) / sqrt(HSIC(Lx, Lx) · HSIC(Ly, Ly))
//
// All functions are pure and never modify their inputs.
package cka

import (
	"math"

	"github.com/viterin/vek"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/repviz/faults"
)

// Sentinels, matched with errors.Is.
var (
	ErrDegenerateVariance = faults.New(faults.CodeDegenerateVariance, faults.CategoryMetric,
		"representation has zero variance across samples; CKA is undefined")
	ErrShapeMismatch = faults.New(faults.CodeShapeMismatch, faults.CategoryMetric,
		"representations do not share the same number of samples")
	ErrMissingRepresentation = faults.New(faults.CodeMissingRepresentation, faults.CategoryCapture,
		"representation was never captured")
	ErrNonFinite = faults.New(faults.CodeInvalidArgument, faults.CategoryValidation,
		"non-finite representation; CKA is undefined")
)

// DegenerateTolerance is the relative threshold below which a self-HSIC is
// treated as zero: HSIC(L, L) <= DegenerateTolerance · ‖L‖²_F.
const DegenerateTolerance = 1e-12

// Gram returns X Xᵀ.
func Gram(x mat.Matrix) *mat.Dense {
	r, _ := x.Dims()
	g := mat.NewDense(r, r, nil)
	g.Mul(x, x.T())
	return g
}

// CenteringMatrix returns H = I − J/n.
func CenteringMatrix(n int) *mat.Dense {
	h := mat.NewDense(n, n, nil)
	inv := 1 / float64(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := -inv
			if i == j {
				v += 1
			}
			h.Set(i, j, v)
		}
	}
	return h
}

// Center returns H L H for a square L, computed by removing row, column and
// grand means rather than by two n³ products.
func Center(l mat.Matrix) *mat.Dense {
	n, c := l.Dims()
	if n != c {
		panic(mat.ErrShape)
	}

	rowMean := make([]float64, n)
	colMean := make([]float64, n)
	grand := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := l.At(i, j)
			rowMean[i] += v
			colMean[j] += v
			grand += v
		}
	}
	inv := 1 / float64(n)
	vek.MulNumber_Inplace(rowMean, inv)
	vek.MulNumber_Inplace(colMean, inv)
	grand *= inv * inv

	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out.Set(i, j, l.At(i, j)-rowMean[i]-colMean[j]+grand)
		}
	}
	return out
}

// HSIC returns the sum of the elementwise product of the centered Gram
// matrices lx and ly.
func HSIC(lx, ly mat.Matrix) (float64, error) {
	rx, cx := lx.Dims()
	ry, cy := ly.Dims()
	if rx != cx || ry != cy || rx != ry {
		return 0, ErrShapeMismatch.With("left", dims(rx, cx)).With("right", dims(ry, cy))
	}
	return frobenius(Center(lx), Center(ly)), nil
}

// LinearHSIC returns HSIC(X Xᵀ, Y Yᵀ).
func LinearHSIC(x, y mat.Matrix) (float64, error) {
	if err := sameSamples(x, y); err != nil {
		return 0, err
	}
	return frobenius(Center(Gram(x)), Center(Gram(y))), nil
}

// LinearCKA returns the normalized similarity between X and Y. It fails with
// ErrShapeMismatch when the sample counts differ, ErrNonFinite when either
// side holds NaN or Inf (or overflows) and ErrDegenerateVariance when either
// side has no variance.
func LinearCKA(x, y mat.Matrix) (float64, error) {
	if err := sameSamples(x, y); err != nil {
		return 0, err
	}
	return similarity(prepare(x), prepare(y))
}

// prepared caches the centered Gram matrix and self-HSIC of one
// representation so pairwise matrices compute each only once.
type prepared struct {
	samples  int
	centered *mat.Dense
	self     float64
	scale    float64
}

func prepare(x mat.Matrix) prepared {
	n, _ := x.Dims()
	g := Gram(x)
	c := Center(g)
	return prepared{
		samples:  n,
		centered: c,
		self:     frobenius(c, c),
		scale:    frobenius(g, g),
	}
}

func (p prepared) degenerate() bool {
	return p.self <= DegenerateTolerance*p.scale
}

// finite is false when the input held NaN or Inf, or its Gram overflowed.
func (p prepared) finite() bool {
	return isFinite(p.self) && isFinite(p.scale)
}

func similarity(x, y prepared) (float64, error) {
	if x.samples != y.samples {
		return 0, ErrShapeMismatch.With("left", itoa(x.samples)).With("right", itoa(y.samples))
	}
	if !x.finite() {
		return 0, ErrNonFinite.With("side", "left")
	}
	if !y.finite() {
		return 0, ErrNonFinite.With("side", "right")
	}
	if x.degenerate() {
		return 0, ErrDegenerateVariance.With("side", "left")
	}
	if y.degenerate() {
		return 0, ErrDegenerateVariance.With("side", "right")
	}
	v := frobenius(x.centered, y.centered) / math.Sqrt(x.self*y.self)
	if !isFinite(v) {
		return 0, ErrNonFinite.With("side", "result")
	}
	return v, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// checkFinite rejects a buffer holding NaN or Inf before any Gram is built.
func checkFinite(name string, values []float64) error {
	if floats.HasNaN(values) {
		return ErrNonFinite.With("name", name).With("value", "NaN")
	}
	for _, v := range values {
		if math.IsInf(v, 0) {
			return ErrNonFinite.With("name", name).With("value", "Inf")
		}
	}
	return nil
}

// frobenius is the Frobenius inner product of two matrices created by this
// package; their backing arrays are contiguous.
func frobenius(a, b *mat.Dense) float64 {
	return vek.Dot(a.RawMatrix().Data, b.RawMatrix().Data)
}

func sameSamples(x, y mat.Matrix) error {
	rx, _ := x.Dims()
	ry, _ := y.Dims()
	if rx != ry {
		return ErrShapeMismatch.With("left", itoa(rx)).With("right", itoa(ry))
	}
	return nil
}
