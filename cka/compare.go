package cka

import (
	"context"
	"encoding/json"

	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/tensor"
)

// Source is anything holding captured representations by name: a live
// collector or an exported bundle loaded from disk.
type Source interface {
	Names(kind hooks.SignalKind) []string
	Latest(kind hooks.SignalKind, name string) (*tensor.Tensor, bool)
}

// Representations returns the latest capture of every name in src, in the
// source's name order.
func Representations(src Source, kind hooks.SignalKind) []Representation {
	var out []Representation
	for _, name := range src.Names(kind) {
		if t, ok := src.Latest(kind, name); ok {
			out = append(out, Representation{Name: name, Tensor: t})
		}
	}
	return out
}

// Select returns the named representations in the requested order. A name
// absent from src fails with ErrMissingRepresentation.
func Select(src Source, kind hooks.SignalKind, names []string) ([]Representation, error) {
	out := make([]Representation, 0, len(names))
	for _, name := range names {
		t, ok := src.Latest(kind, name)
		if !ok {
			return nil, ErrMissingRepresentation.With("name", name).With("kind", kind.String())
		}
		out = append(out, Representation{Name: name, Tensor: t})
	}
	return out, nil
}

// CompareOptions selects what Compare reads from each source.
type CompareOptions struct {
	Options
	Kind hooks.SignalKind
	// Rows and Cols restrict and order the compared names; empty means every
	// captured name.
	Rows []string
	Cols []string
}

// Report is a similarity matrix between two named models.
type Report struct {
	Model1 string
	Model2 string
	Matrix *Matrix
}

// Compare computes the pairwise matrix between the captures of two sources.
func Compare(ctx context.Context, name1 string, src1 Source, name2 string, src2 Source, opts CompareOptions) (*Report, error) {
	rows, err := pick(src1, opts.Kind, opts.Rows)
	if err != nil {
		return nil, err
	}
	cols, err := pick(src2, opts.Kind, opts.Cols)
	if err != nil {
		return nil, err
	}

	m, err := Pairwise(ctx, rows, cols, opts.Options)
	if err != nil {
		return nil, err
	}
	return &Report{Model1: name1, Model2: name2, Matrix: m}, nil
}

func pick(src Source, kind hooks.SignalKind, names []string) ([]Representation, error) {
	if len(names) == 0 {
		return Representations(src, kind), nil
	}
	return Select(src, kind, names)
}

type reportJSON struct {
	Model1   string        `json:"model1"`
	Model2   string        `json:"model2"`
	Values   [][]*float64  `json:"cka_similarity"`
	Rows     []string      `json:"rows"`
	Cols     []string      `json:"cols"`
	Failures []CellFailure `json:"failures"`
}

// MarshalJSON writes {model1, model2, cka_similarity, rows, cols, failures}.
func (r *Report) MarshalJSON() ([]byte, error) {
	m := r.Matrix
	if m == nil {
		m = &Matrix{}
	}
	failures := m.Failures
	if failures == nil {
		failures = []CellFailure{}
	}
	return json.Marshal(reportJSON{
		Model1:   r.Model1,
		Model2:   r.Model2,
		Values:   nullable(m.Values),
		Rows:     m.Rows,
		Cols:     m.Cols,
		Failures: failures,
	})
}

func (r *Report) UnmarshalJSON(data []byte) error {
	var raw reportJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Model1 = raw.Model1
	r.Model2 = raw.Model2
	r.Matrix = &Matrix{
		Rows:     raw.Rows,
		Cols:     raw.Cols,
		Values:   fromNullable(raw.Values),
		Failures: raw.Failures,
	}
	return nil
}
