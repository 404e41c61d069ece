package cka

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"runtime"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/repviz/faults"
	"github.com/tsawler/repviz/tensor"
)

// Representation is one named capture viewed as samples × features.
type Representation struct {
	Name   string
	Tensor *tensor.Tensor
}

// CellFailure records why a matrix cell has no value.
type CellFailure struct {
	Row     int    `json:"row"`
	Col     int    `json:"col"`
	RowName string `json:"row_name"`
	ColName string `json:"col_name"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Matrix holds CKA(A[i], B[j]) for the non-empty representations of two
// ordered sets. Rows and columns both follow the input order. Cells that
// could not be computed hold NaN and are listed in Failures.
type Matrix struct {
	Rows     []string
	Cols     []string
	Values   [][]float64
	Failures []CellFailure
}

// At returns cell (i, j).
func (m *Matrix) At(i, j int) float64 {
	return m.Values[i][j]
}

// Lookup returns the cell for a (row, col) name pair.
func (m *Matrix) Lookup(row, col string) (float64, bool) {
	for i, r := range m.Rows {
		if r != row {
			continue
		}
		for j, c := range m.Cols {
			if c == col {
				v := m.Values[i][j]
				return v, !math.IsNaN(v)
			}
		}
	}
	return 0, false
}

// Options tunes the pairwise computation.
type Options struct {
	// Workers bounds concurrent cell evaluation; zero uses GOMAXPROCS.
	Workers int
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Pairwise computes the similarity matrix between a and b. Empty or absent
// representations are skipped on either side. A cell whose pair cannot be
// compared (sample mismatch, degenerate variance, malformed buffer) is NaN
// and flagged; only cancellation of ctx aborts the whole call.
//
// Each Gram matrix and its centered form is built once per representation,
// O((m+k)·n²·d); the cells then cost O(m·k·n²).
func Pairwise(ctx context.Context, a, b []Representation, opts Options) (*Matrix, error) {
	a = nonEmpty(a)
	b = nonEmpty(b)

	rows, err := prepareAll(ctx, a, opts)
	if err != nil {
		return nil, err
	}
	cols, err := prepareAll(ctx, b, opts)
	if err != nil {
		return nil, err
	}

	m := &Matrix{
		Rows:     names(a),
		Cols:     names(b),
		Values:   make([][]float64, len(a)),
		Failures: []CellFailure{},
	}
	cellErrs := make([][]error, len(a))
	for i := range m.Values {
		m.Values[i] = make([]float64, len(b))
		cellErrs[i] = make([]error, len(b))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers())
	for i := range a {
		for j := range b {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				v, err := cellValue(rows[i], cols[j])
				if err != nil {
					m.Values[i][j] = math.NaN()
					cellErrs[i][j] = err
					return nil
				}
				m.Values[i][j] = v
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range cellErrs {
		for j, err := range cellErrs[i] {
			if err == nil {
				continue
			}
			m.Failures = append(m.Failures, CellFailure{
				Row:     i,
				Col:     j,
				RowName: m.Rows[i],
				ColName: m.Cols[j],
				Code:    faults.CodeOf(err),
				Message: err.Error(),
			})
		}
	}
	return m, nil
}

type preparedRep struct {
	prepared
	err error
}

func cellValue(x, y preparedRep) (float64, error) {
	if x.err != nil {
		return 0, x.err
	}
	if y.err != nil {
		return 0, y.err
	}
	return similarity(x.prepared, y.prepared)
}

func prepareAll(ctx context.Context, reps []Representation, opts Options) ([]preparedRep, error) {
	out := make([]preparedRep, len(reps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers())
	for i, rep := range reps {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			x, err := rep.Tensor.Matrix()
			if err != nil {
				out[i].err = faults.New(faults.CodeInvalidArgument, faults.CategoryValidation, "malformed representation").
					With("name", rep.Name).
					Wrap(err)
				return nil
			}
			if err := checkFinite(rep.Name, rep.Tensor.Data); err != nil {
				out[i].err = err
				return nil
			}
			out[i].prepared = prepare(x)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func nonEmpty(reps []Representation) []Representation {
	out := make([]Representation, 0, len(reps))
	for _, r := range reps {
		if !r.Tensor.IsEmpty() {
			out = append(out, r)
		}
	}
	return out
}

func names(reps []Representation) []string {
	out := make([]string, len(reps))
	for i, r := range reps {
		out[i] = r.Name
	}
	return out
}

// MarshalJSON writes failed cells as null.
func (m *Matrix) MarshalJSON() ([]byte, error) {
	return json.Marshal(matrixJSON{
		Rows:     m.Rows,
		Cols:     m.Cols,
		Values:   nullable(m.Values),
		Failures: m.Failures,
	})
}

// UnmarshalJSON reads null cells back as NaN.
func (m *Matrix) UnmarshalJSON(data []byte) error {
	var raw matrixJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Rows = raw.Rows
	m.Cols = raw.Cols
	m.Values = fromNullable(raw.Values)
	m.Failures = raw.Failures
	return nil
}

type matrixJSON struct {
	Rows     []string      `json:"rows"`
	Cols     []string      `json:"cols"`
	Values   [][]*float64  `json:"values"`
	Failures []CellFailure `json:"failures"`
}

func nullable(values [][]float64) [][]*float64 {
	out := make([][]*float64, len(values))
	for i, row := range values {
		out[i] = make([]*float64, len(row))
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			v := v
			out[i][j] = &v
		}
	}
	return out
}

func fromNullable(values [][]*float64) [][]float64 {
	out := make([][]float64, len(values))
	for i, row := range values {
		out[i] = make([]float64, len(row))
		for j, v := range row {
			if v == nil {
				out[i][j] = math.NaN()
				continue
			}
			out[i][j] = *v
		}
	}
	return out
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func dims(r, c int) string {
	return fmt.Sprintf("%dx%d", r, c)
}
