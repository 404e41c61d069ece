package export

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/repviz/collector"
	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/layers"
	"github.com/tsawler/repviz/tensor"
)

func filled(t *testing.T, c *collector.Collector) {
	t.Helper()
	for step := 0; step < 2; step++ {
		c.SetStep(step)
		v := float64(step)
		require.NoError(t, c.Capture(hooks.ForwardOutput, "ffn.2", tensor.MustNew([]int{2, 2}, []float64{v, 1, 2, 3})))
		require.NoError(t, c.Capture(hooks.ForwardOutput, "ffn.0", tensor.MustNew([]int{2, 1}, []float64{v, -v})))
		require.NoError(t, c.Capture(hooks.BackwardGradient, "ffn.2", tensor.MustNew([]int{2, 2}, []float64{0, 0, 0, v})))
	}
	require.NoError(t, c.CaptureParameters(0, []hooks.NamedTensor{{Name: "ffn.2.weight", Tensor: tensor.MustNew([]int{2}, []float64{1, 2})}}))
	require.NoError(t, c.CaptureParameters(5, []hooks.NamedTensor{{Name: "ffn.2.weight", Tensor: tensor.MustNew([]int{2}, []float64{3, 4})}}))
}

func TestTrackAllBundleJSON(t *testing.T) {
	c := collector.New(collector.Retention{Mode: collector.TrackAll}, nil)
	filled(t, c)

	raw, err := json.Marshal(FromCollector("ffn", c))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))

	acts := doc["activations"].(map[string]any)
	assert.Equal(t, []any{[]any{0.0, 1.0, 2.0, 3.0}, []any{1.0, 1.0, 2.0, 3.0}}, acts["ffn.2"])
	assert.Equal(t, map[string]any{"ffn.2.weight": []any{3.0, 4.0}}, doc["weights"])

	snaps := doc["weight_snapshots"].(map[string]any)
	assert.Contains(t, snaps, "step_0")
	assert.Contains(t, snaps, "step_5")

	order := doc["order"].(map[string]any)
	assert.Equal(t, []any{"ffn.2", "ffn.0"}, order["activations"])
}

func TestLatestOnlyBundleJSON(t *testing.T) {
	c := collector.New(collector.Retention{Mode: collector.LatestOnly}, nil)
	filled(t, c)

	raw, err := json.Marshal(FromCollector("ffn", c))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	acts := doc["activations"].(map[string]any)
	assert.Equal(t, []any{1.0, 1.0, 2.0, 3.0}, acts["ffn.2"])
}

func TestBundleRoundTripServesAsSource(t *testing.T) {
	for _, mode := range []collector.Mode{collector.LatestOnly, collector.TrackAll} {
		c := collector.New(collector.Retention{Mode: mode}, nil)
		filled(t, c)

		raw, err := json.Marshal(FromCollector("ffn", c))
		require.NoError(t, err)
		var b Bundle
		require.NoError(t, json.Unmarshal(raw, &b))

		assert.Equal(t, []string{"ffn.2", "ffn.0"}, b.Names(hooks.ForwardOutput))

		got, ok := b.Latest(hooks.ForwardOutput, "ffn.2")
		require.True(t, ok)
		assert.Equal(t, []int{2, 2}, got.Shape)
		assert.Equal(t, []float64{1, 1, 2, 3}, got.Data)

		_, ok = b.Latest(hooks.BackwardGradient, "missing")
		assert.False(t, ok)

		w, ok := b.Latest(hooks.ParameterSnapshot, "ffn.2.weight")
		require.True(t, ok)
		assert.Equal(t, []float64{3, 4}, w.Data)
	}
}

func TestGradSnapshotsExportAndRoundTrip(t *testing.T) {
	c := collector.New(collector.Retention{}, nil)
	grad := func(v float64) []hooks.NamedTensor {
		return []hooks.NamedTensor{{Name: "ffn.2.weight", Tensor: tensor.MustNew([]int{1, 2}, []float64{v, -v})}}
	}
	require.NoError(t, c.CaptureParameterGrads(0, grad(1)))
	require.NoError(t, c.CaptureParameterGrads(10, grad(2)))
	require.NoError(t, c.CaptureParameterGrads(4, grad(3)))

	raw, err := json.Marshal(FromCollector("ffn", c))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	snaps := doc["grad_snapshots"].(map[string]any)
	assert.Len(t, snaps, 3)
	assert.Equal(t, map[string]any{"ffn.2.weight": []any{2.0, -2.0}}, snaps["step_10"])
	assert.Empty(t, doc["weight_snapshots"])

	var b Bundle
	require.NoError(t, json.Unmarshal(raw, &b))
	assert.Equal(t, []string{"ffn.2.weight"}, b.Names(hooks.ParameterGradient))
	g, ok := b.Latest(hooks.ParameterGradient, "ffn.2.weight")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, g.Shape)
	assert.Equal(t, []float64{2, -2}, g.Data)

	section, ok := b.Section(SectionGradSnapshots)
	require.True(t, ok)
	assert.Len(t, section, 3)
}

func TestEmptyTrackAllHistoryKeepsMode(t *testing.T) {
	in := &Bundle{
		Model: "ffn",
		Mode:  collector.TrackAll.String(),
		Activations: map[string]Series{
			"ffn.0": {Steps: [][]float64{}},
			"ffn.2": {Steps: [][]float64{{1, 2}}},
		},
		Gradients: map[string]Series{},
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out Bundle
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.False(t, out.Activations["ffn.0"].Single)
	assert.Empty(t, out.Activations["ffn.0"].Steps)
	assert.False(t, out.Activations["ffn.2"].Single)
	assert.Equal(t, [][]float64{{1, 2}}, out.Activations["ffn.2"].Steps)

	in.Mode = collector.LatestOnly.String()
	in.Activations = map[string]Series{"ffn.0": {Steps: [][]float64{{}}, Single: true}}
	raw, err = json.Marshal(in)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.True(t, out.Activations["ffn.0"].Single)
	assert.Equal(t, [][]float64{{}}, out.Activations["ffn.0"].Steps)
}

func TestStepKey(t *testing.T) {
	assert.Equal(t, "step_12", StepKey(12))
	n, err := ParseStepKey("step_12")
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	_, err = ParseStepKey("epoch_1")
	assert.Error(t, err)
}

func TestBuildStats(t *testing.T) {
	c := collector.New(collector.Retention{}, nil)
	filled(t, c)

	report := BuildStats("ffn", c, 4, hooks.ForwardOutput)
	require.Len(t, report.Sections[SectionActivations], 2)
	assert.Equal(t, "ffn.2", report.Sections[SectionActivations][0].Name)
	assert.NotContains(t, report.Sections, SectionGradients)
}

type stubNode struct{ kind layers.LayerType }

func (n stubNode) Kind() layers.LayerType    { return n.kind }
func (n stubNode) IsLeaf() bool              { return true }
func (n stubNode) Attach(hooks.Probe) func() { return func() {} }

type stubGraph []string

func (g stubGraph) Walk(fn func(string, hooks.Node) bool) {
	kinds := []layers.LayerType{layers.LayerNorm, layers.Dense, layers.ReLU, layers.Dense}
	for i, name := range g {
		if !fn(name, stubNode{kind: kinds[i]}) {
			return
		}
	}
}

type stubParams []hooks.NamedTensor

func (p stubParams) NamedParameters() []hooks.NamedTensor { return p }

func TestBuildModelStructure(t *testing.T) {
	g := stubGraph{"0", "1", "2", "3"}
	params := stubParams{{Name: "1.weight", Tensor: tensor.MustNew([]int{2}, []float64{1, 3})}}

	entries := BuildModelStructure(g, params)
	require.Len(t, entries, 4)
	assert.Equal(t, "LayerNorm:0", entries[0].Name)
	assert.Equal(t, "Dense:0", entries[1].Name)
	assert.Equal(t, "Dense:1", entries[3].Name)
	assert.Equal(t, "linear", entries[1].Family)

	assert.True(t, entries[1].HasWeight)
	assert.InDelta(t, 2.0, entries[1].Summary.Mean, 1e-12)
	assert.False(t, entries[3].HasWeight)
	assert.Nil(t, entries[3].Summary)
}

func TestBuildPredictions(t *testing.T) {
	out := tensor.MustNew([]int{3, 2}, []float64{0.9, 0.1, 0.2, 0.8, 0.6, 0.4})
	labels := tensor.MustNew([]int{3}, []float64{0, 1, 1})

	p, err := BuildPredictions("ffn", out, labels)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0}, p.Predicted)
	assert.InDelta(t, 2.0/3.0, p.Accuracy, 1e-12)
}
