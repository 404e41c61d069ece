package stats

import (
	"math"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/repviz/faults"
	"github.com/tsawler/repviz/tensor"
)

var errDecompose = faults.New(faults.CodeInvalidArgument, faults.CategoryValidation, "cannot decompose representation")

// Decomposition is the principal component analysis of a samples x features
// buffer, truncated to the leading k components.
type Decomposition struct {
	Samples  int `json:"samples"`
	Features int `json:"features"`

	// Components holds one unit-length direction per row, in feature space.
	Components [][]float64 `json:"components"`
	// Projected holds each sample's coordinates along the components.
	Projected              [][]float64 `json:"projected"`
	ExplainedVariance      []float64   `json:"explained_variance"`
	ExplainedVarianceRatio []float64   `json:"explained_variance_ratio"`
}

// Decompose projects the rows of t onto their k leading principal
// components. k must lie in [1, min(samples, features)] and t needs at least
// two samples.
func Decompose(t *tensor.Tensor, k int) (*Decomposition, error) {
	if t.IsEmpty() {
		return nil, errDecompose.With("reason", "empty tensor")
	}
	x, err := t.Matrix()
	if err != nil {
		return nil, errDecompose.Wrap(err)
	}
	n, d := x.Dims()
	if n < 2 {
		return nil, errDecompose.With("reason", "fewer than two samples")
	}
	if k < 1 || k > min(n, d) {
		return nil, errDecompose.With("reason", "component count out of range").
			With("k", strconv.Itoa(k)).
			With("max", strconv.Itoa(min(n, d)))
	}
	if floats.HasNaN(t.Data) || math.IsInf(floats.Max(t.Data), 1) || math.IsInf(floats.Min(t.Data), -1) {
		return nil, errDecompose.With("reason", "non-finite values")
	}

	var pc stat.PC
	if !pc.PrincipalComponents(x, nil) {
		return nil, errDecompose.With("reason", "SVD did not converge")
	}
	vars := pc.VarsTo(nil)
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	basis := vecs.Slice(0, d, 0, k)

	centered := mat.DenseCopyOf(x)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mean := stat.Mean(mat.Col(col, j, x), nil)
		floats.AddConst(-mean, col)
		centered.SetCol(j, col)
	}
	var proj mat.Dense
	proj.Mul(centered, basis)

	total := floats.Sum(vars)
	out := &Decomposition{
		Samples:                n,
		Features:               d,
		Components:             make([][]float64, k),
		Projected:              make([][]float64, n),
		ExplainedVariance:      append([]float64(nil), vars[:k]...),
		ExplainedVarianceRatio: make([]float64, k),
	}
	for i := 0; i < k; i++ {
		out.Components[i] = mat.Col(nil, i, basis)
		if total > 0 {
			out.ExplainedVarianceRatio[i] = vars[i] / total
		}
	}
	for i := 0; i < n; i++ {
		out.Projected[i] = mat.Row(nil, i, &proj)
	}
	return out, nil
}
