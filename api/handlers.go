package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/tsawler/repviz/artifacts"
	"github.com/tsawler/repviz/cka"
	"github.com/tsawler/repviz/export"
	"github.com/tsawler/repviz/faults"
	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/stats"
	"github.com/tsawler/repviz/training"
)

var errBadParam = faults.New(faults.CodeInvalidArgument, faults.CategoryValidation, "invalid query parameter")

func requireParam(r *http.Request, key string) (string, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return "", errBadParam.With("param", key).Wrap(errors.New("required"))
	}
	return v, nil
}

func intParam(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errBadParam.With("param", key).Wrap(errors.New("must be a non-negative integer"))
	}
	return n, nil
}

func listParam(r *http.Request, key string) []string {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func kindParam(r *http.Request, def hooks.SignalKind) (hooks.SignalKind, error) {
	raw := r.URL.Query().Get("kind")
	if raw == "" {
		return def, nil
	}
	kind, err := hooks.ParseSignalKind(raw)
	if err != nil {
		return 0, errBadParam.With("param", "kind").Wrap(err)
	}
	return kind, nil
}

// bundle loads a model's bundle through the cache.
func (s *Server) bundle(model string) (*export.Bundle, error) {
	key := "bundle|" + model
	if v, ok := s.cache.Get(key); ok {
		return v.(*export.Bundle), nil
	}
	b, err := s.store.LoadBundle(model)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, b)
	return b, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.Models()
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"models":  len(models),
		"clients": s.hub.ClientCount(),
	})
}

type modelInfo struct {
	Name      string         `json:"name"`
	Artifacts []string       `json:"artifacts"`
	LatestRun *artifacts.Run `json:"latest_run,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.Models()
	if err != nil {
		WriteFault(w, err)
		return
	}
	out := make([]modelInfo, 0, len(models))
	for _, model := range models {
		names, err := s.store.Artifacts(model)
		if err != nil {
			WriteFault(w, err)
			return
		}
		info := modelInfo{Name: model, Artifacts: names}
		if s.index != nil {
			run, ok, err := s.index.Latest(r.Context(), model)
			if err != nil {
				WriteFault(w, err)
				return
			}
			if ok {
				info.LatestRun = &run
			}
		}
		out = append(out, info)
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		WriteJSON(w, http.StatusOK, []artifacts.Run{})
		return
	}
	runs, err := s.index.List(r.Context(), r.URL.Query().Get("model"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	if runs == nil {
		runs = []artifacts.Run{}
	}
	WriteJSON(w, http.StatusOK, runs)
}

// handleModelStructure serves the stored structure, or rebuilds it from the
// model's checkpoint.
func (s *Server) handleModelStructure(w http.ResponseWriter, r *http.Request) {
	model, err := requireParam(r, "model")
	if err != nil {
		WriteFault(w, err)
		return
	}

	var entries []export.StructureEntry
	err = s.store.Load(model, artifacts.NameStructure, &entries)
	if faults.HasCode(err, faults.CodeArtifactNotFound) {
		entries, err = s.structureFromCheckpoint(model)
	}
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"model": model, "layers": entries})
}

func (s *Server) structureFromCheckpoint(model string) ([]export.StructureEntry, error) {
	ckpt, err := s.store.LoadCheckpoint(model)
	if err != nil {
		return nil, err
	}
	seq, err := training.BuildSequential(ckpt.ModelSpec)
	if err != nil {
		return nil, faults.New(faults.CodeArtifactCorrupt, faults.CategoryStorage, "checkpoint model spec cannot be built").
			With("model", model).Wrap(err)
	}
	if err := artifacts.LoadWeights(ckpt.Weights, seq.NamedParameters()); err != nil {
		return nil, faults.New(faults.CodeArtifactCorrupt, faults.CategoryStorage, "checkpoint weights do not match model").
			With("model", model).Wrap(err)
	}
	return export.BuildModelStructure(seq, seq), nil
}

// handleComplexity estimates the compute cost of a model from the spec in its
// checkpoint.
func (s *Server) handleComplexity(w http.ResponseWriter, r *http.Request) {
	model, err := requireParam(r, "model")
	if err != nil {
		WriteFault(w, err)
		return
	}
	ckpt, err := s.store.LoadCheckpoint(model)
	if err != nil {
		WriteFault(w, err)
		return
	}
	c, err := ckpt.ModelSpec.Complexity()
	if err != nil {
		WriteFault(w, faults.New(faults.CodeArtifactCorrupt, faults.CategoryStorage, "checkpoint model spec cannot be costed").
			With("model", model).Wrap(err))
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleActivations(w http.ResponseWriter, r *http.Request) {
	s.serveSection(w, r, hooks.ForwardOutput)
}

// handleGradients serves module output gradients, or the parameter
// gradients recorded at ?step=.
func (s *Server) handleGradients(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("step") {
		s.serveSnapshot(w, r, hooks.ParameterGradient)
		return
	}
	s.serveSection(w, r, hooks.BackwardGradient)
}

func (s *Server) handleWeights(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("step") {
		s.serveSnapshot(w, r, hooks.ParameterSnapshot)
		return
	}
	s.serveSection(w, r, hooks.ParameterSnapshot)
}

// serveSection writes one bundle section, or one layer of it when ?layer= is
// given.
func (s *Server) serveSection(w http.ResponseWriter, r *http.Request, kind hooks.SignalKind) {
	model, err := requireParam(r, "model")
	if err != nil {
		WriteFault(w, err)
		return
	}
	b, err := s.bundle(model)
	if err != nil {
		WriteFault(w, err)
		return
	}

	section := export.SectionOf(kind)
	layer := r.URL.Query().Get("layer")
	if layer == "" {
		values, _ := b.Section(section)
		WriteJSON(w, http.StatusOK, map[string]any{
			"model":  model,
			"mode":   b.Mode,
			"layers": b.Names(kind),
			"shapes": b.Shapes[section],
			"values": values,
		})
		return
	}

	var values any
	switch kind {
	case hooks.ForwardOutput:
		v, ok := b.Activations[layer]
		if ok {
			values = v
		}
	case hooks.BackwardGradient:
		v, ok := b.Gradients[layer]
		if ok {
			values = v
		}
	default:
		v, ok := b.Weights[layer]
		if ok {
			values = v
		}
	}
	if values == nil {
		WriteFault(w, cka.ErrMissingRepresentation.With("name", layer).With("kind", kind.String()))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"model":  model,
		"mode":   b.Mode,
		"layer":  layer,
		"shape":  b.Shapes[section][layer],
		"values": values,
	})
}

// serveSnapshot writes the step-keyed parameter values or parameter
// gradients recorded at ?step=.
func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request, kind hooks.SignalKind) {
	model, err := requireParam(r, "model")
	if err != nil {
		WriteFault(w, err)
		return
	}
	step, err := intParam(r, "step", 0)
	if err != nil {
		WriteFault(w, err)
		return
	}
	b, err := s.bundle(model)
	if err != nil {
		WriteFault(w, err)
		return
	}

	snapshots := b.WeightSnapshots
	if kind == hooks.ParameterGradient {
		snapshots = b.GradSnapshots
	}
	snapshot, ok := snapshots[export.StepKey(step)]
	if !ok {
		WriteFault(w, cka.ErrMissingRepresentation.With("step", strconv.Itoa(step)).
			With("kind", kind.String()).
			With("available", strings.Join(snapshotSteps(snapshots), ",")))
		return
	}
	if layer := r.URL.Query().Get("layer"); layer != "" {
		values, ok := snapshot[layer]
		if !ok {
			WriteFault(w, cka.ErrMissingRepresentation.With("name", layer).With("step", strconv.Itoa(step)))
			return
		}
		snapshot = map[string][]float64{layer: values}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"model":  model,
		"kind":   kind.String(),
		"step":   step,
		"steps":  snapshotSteps(snapshots),
		"values": snapshot,
	})
}

func snapshotSteps(snapshots map[string]map[string][]float64) []string {
	steps := make([]int, 0, len(snapshots))
	for key := range snapshots {
		if n, err := export.ParseStepKey(key); err == nil {
			steps = append(steps, n)
		}
	}
	sort.Ints(steps)
	out := make([]string, len(steps))
	for i, n := range steps {
		out[i] = strconv.Itoa(n)
	}
	return out
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	model, err := requireParam(r, "model")
	if err != nil {
		WriteFault(w, err)
		return
	}
	var p export.Predictions
	if err := s.store.Load(model, artifacts.NamePredictions, &p); err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

// handleSimilarity computes CKA between two stored bundles. When either
// bundle is missing and no custom selection was asked for, a precomputed
// report is served instead.
func (s *Server) handleSimilarity(w http.ResponseWriter, r *http.Request) {
	model1, err := requireParam(r, "model1")
	if err != nil {
		WriteFault(w, err)
		return
	}
	model2, err := requireParam(r, "model2")
	if err != nil {
		WriteFault(w, err)
		return
	}
	kind, err := kindParam(r, hooks.ForwardOutput)
	if err != nil {
		WriteFault(w, err)
		return
	}
	rows, cols := listParam(r, "rows"), listParam(r, "cols")

	key := strings.Join([]string{"cka", model1, model2, kind.String(),
		strings.Join(rows, ","), strings.Join(cols, ",")}, "|")
	if v, ok := s.cache.Get(key); ok {
		WriteJSON(w, http.StatusOK, v)
		return
	}

	report, err := s.compare(r, model1, model2, kind, rows, cols)
	if faults.HasCode(err, faults.CodeArtifactNotFound) && kind == hooks.ForwardOutput && rows == nil && cols == nil {
		if stored, loadErr := s.store.LoadSimilarity(model1, model2); loadErr == nil {
			report, err = stored, nil
		}
	}
	if err != nil {
		WriteFault(w, err)
		return
	}
	s.cache.Add(key, report)
	WriteJSON(w, http.StatusOK, report)
}

func (s *Server) compare(r *http.Request, model1, model2 string, kind hooks.SignalKind, rows, cols []string) (*cka.Report, error) {
	b1, err := s.bundle(model1)
	if err != nil {
		return nil, err
	}
	b2, err := s.bundle(model2)
	if err != nil {
		return nil, err
	}
	return cka.Compare(r.Context(), model1, b1, model2, b2, cka.CompareOptions{
		Options: cka.Options{Workers: s.config.Workers},
		Kind:    kind,
		Rows:    rows,
		Cols:    cols,
	})
}

// handlePCA projects the latest capture of one layer onto its leading
// principal components, two unless ?k= says otherwise.
func (s *Server) handlePCA(w http.ResponseWriter, r *http.Request) {
	model, err := requireParam(r, "model")
	if err != nil {
		WriteFault(w, err)
		return
	}
	layer, err := requireParam(r, "layer")
	if err != nil {
		WriteFault(w, err)
		return
	}
	kind, err := kindParam(r, hooks.ForwardOutput)
	if err != nil {
		WriteFault(w, err)
		return
	}
	k, err := intParam(r, "k", 2)
	if err != nil {
		WriteFault(w, err)
		return
	}

	key := strings.Join([]string{"pca", model, kind.String(), layer, strconv.Itoa(k)}, "|")
	if v, ok := s.cache.Get(key); ok {
		WriteJSON(w, http.StatusOK, v)
		return
	}

	b, err := s.bundle(model)
	if err != nil {
		WriteFault(w, err)
		return
	}
	t, ok := b.Latest(kind, layer)
	if !ok {
		WriteFault(w, cka.ErrMissingRepresentation.With("name", layer).With("kind", kind.String()))
		return
	}
	d, err := stats.Decompose(t, k)
	if err != nil {
		WriteFault(w, err)
		return
	}
	resp := map[string]any{
		"model":         model,
		"kind":          kind.String(),
		"layer":         layer,
		"decomposition": d,
	}
	s.cache.Add(key, resp)
	WriteJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	*export.StatsReport
	WeightAnalysis map[string]stats.WeightSummary `json:"weight_analysis,omitempty"`
}

// handleStats summarizes the latest captures of a model. Without ?kind=
// every section is described and the weights are analyzed.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	model, err := requireParam(r, "model")
	if err != nil {
		WriteFault(w, err)
		return
	}
	bins, err := intParam(r, "bins", s.config.HistogramBins)
	if err != nil {
		WriteFault(w, err)
		return
	}
	if bins == 0 {
		bins = s.config.HistogramBins
	}
	var kinds []hooks.SignalKind
	kindKey := "all"
	if r.URL.Query().Get("kind") != "" {
		kind, err := kindParam(r, hooks.ForwardOutput)
		if err != nil {
			WriteFault(w, err)
			return
		}
		kinds = append(kinds, kind)
		kindKey = kind.String()
	}

	key := strings.Join([]string{"stats", model, kindKey, strconv.Itoa(bins)}, "|")
	if v, ok := s.cache.Get(key); ok {
		WriteJSON(w, http.StatusOK, v)
		return
	}

	b, err := s.bundle(model)
	if err != nil {
		WriteFault(w, err)
		return
	}
	resp := statsResponse{StatsReport: export.BuildStats(model, b, bins, kinds...)}
	if len(kinds) == 0 {
		resp.WeightAnalysis = stats.WeightStats(bundleParameters(b))
	}
	s.cache.Add(key, resp)
	WriteJSON(w, http.StatusOK, resp)
}

func bundleParameters(b *export.Bundle) []hooks.NamedTensor {
	var params []hooks.NamedTensor
	for _, name := range b.Names(hooks.ParameterSnapshot) {
		if t, ok := b.Latest(hooks.ParameterSnapshot, name); ok {
			params = append(params, hooks.NamedTensor{Name: name, Tensor: t})
		}
	}
	return params
}
