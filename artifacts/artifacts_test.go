package artifacts

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/repviz/cka"
	"github.com/tsawler/repviz/collector"
	"github.com/tsawler/repviz/export"
	"github.com/tsawler/repviz/faults"
	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/tensor"
	"github.com/tsawler/repviz/training"
)

func sampleBundle(t *testing.T, model string) *export.Bundle {
	t.Helper()
	c := collector.New(collector.Retention{Mode: collector.TrackAll}, nil)
	for step := 0; step < 2; step++ {
		c.SetStep(step)
		require.NoError(t, c.Capture(hooks.ForwardOutput, "fc1", tensor.MustNew([]int{2, 2}, []float64{1, float64(step), 3, 4})))
		require.NoError(t, c.Capture(hooks.ForwardOutput, "fc2", tensor.MustNew([]int{2, 1}, []float64{-1, 2})))
	}
	require.NoError(t, c.CaptureParameters(0, []hooks.NamedTensor{{Name: "fc1.weight", Tensor: tensor.MustNew([]int{2}, []float64{0.5, 1})}}))
	return export.FromCollector(model, c)
}

func TestBundleRoundTripInBothFormats(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			store, err := NewStore(t.TempDir(), format, nil)
			require.NoError(t, err)

			path, err := store.SaveBundle(sampleBundle(t, "ffn"))
			require.NoError(t, err)
			assert.Equal(t, format.Extension(), filepath.Ext(path))

			loaded, err := store.LoadBundle("ffn")
			require.NoError(t, err)
			assert.Equal(t, "ffn", loaded.Model)
			assert.Equal(t, "track_all", loaded.Mode)
			assert.Equal(t, []string{"fc1", "fc2"}, loaded.Names(hooks.ForwardOutput))

			got, ok := loaded.Latest(hooks.ForwardOutput, "fc1")
			require.True(t, ok)
			assert.Equal(t, []int{2, 2}, got.Shape)
			assert.Equal(t, []float64{1, 1, 3, 4}, got.Data)
			assert.Len(t, loaded.Activations["fc1"].Steps, 2)
			assert.Contains(t, loaded.WeightSnapshots, "step_0")
		})
	}
}

func TestSimilarityReportKeepsNullCells(t *testing.T) {
	store, err := NewStore(t.TempDir(), FormatProto, nil)
	require.NoError(t, err)

	report := &cka.Report{
		Model1: "a",
		Model2: "b",
		Matrix: &cka.Matrix{
			Rows:   []string{"x"},
			Cols:   []string{"y", "z"},
			Values: [][]float64{{0.5, math.NaN()}},
			Failures: []cka.CellFailure{
				{Row: 0, Col: 1, RowName: "x", ColName: "z", Code: faults.CodeDegenerateVariance, Message: "constant"},
			},
		},
	}
	_, err = store.SaveSimilarity(report)
	require.NoError(t, err)
	assert.True(t, store.Exists("a", "cka_b"))

	loaded, err := store.LoadSimilarity("a", "b")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, loaded.Matrix.At(0, 0), 1e-12)
	assert.True(t, math.IsNaN(loaded.Matrix.At(0, 1)))
	require.Len(t, loaded.Matrix.Failures, 1)
	assert.Equal(t, faults.CodeDegenerateVariance, loaded.Matrix.Failures[0].Code)
}

func TestLoadReportsMissingAndCorrupt(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root, FormatJSON, nil)
	require.NoError(t, err)

	_, err = store.LoadBundle("nope")
	assert.True(t, faults.HasCode(err, faults.CodeArtifactNotFound))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "broken"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken", "bundle.json"), []byte("{not json"), 0o644))
	_, err = store.LoadBundle("broken")
	assert.True(t, faults.HasCode(err, faults.CodeArtifactCorrupt))

	_, err = store.Save("../escape", NameStats, map[string]int{})
	assert.True(t, faults.HasCode(err, faults.CodeInvalidArgument))
}

func TestModelsAndArtifactsListing(t *testing.T) {
	store, err := NewStore(t.TempDir(), FormatJSON, nil)
	require.NoError(t, err)

	_, err = store.Save("b", NameStats, map[string]int{"n": 1})
	require.NoError(t, err)
	_, err = store.Save("a", NameStructure, []string{"Dense:0"})
	require.NoError(t, err)
	_, err = store.Save("a", NamePredictions, map[string]any{})
	require.NoError(t, err)

	models, err := store.Models()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, models)

	names, err := store.Artifacts("a")
	require.NoError(t, err)
	assert.Equal(t, []string{NamePredictions, NameStructure}, names)

	require.NoError(t, store.Remove("b"))
	models, err = store.Models()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, models)
}

func TestCheckpointRestoresWeights(t *testing.T) {
	model, spec, err := training.NewFFN(4, 6, 3, 0)
	require.NoError(t, err)

	store, err := NewStore(t.TempDir(), FormatProto, nil)
	require.NoError(t, err)
	_, err = store.SaveCheckpoint("ffn", &Checkpoint{
		ModelSpec:     spec,
		Weights:       ExtractWeights(model.NamedParameters()),
		TrainingState: TrainingState{Epoch: 3, Step: 30},
	})
	require.NoError(t, err)

	ckpt, err := store.LoadCheckpoint("ffn")
	require.NoError(t, err)
	assert.Equal(t, "repviz", ckpt.Metadata.Framework)
	assert.Equal(t, 30, ckpt.TrainingState.Step)
	assert.Equal(t, "ffn.2", ckpt.Weights[2].Layer)
	assert.Equal(t, "weight", ckpt.Weights[2].Type)

	fresh, _, err := training.NewFFN(4, 6, 3, 0)
	require.NoError(t, err)
	require.NoError(t, LoadWeights(ckpt.Weights, fresh.NamedParameters()))

	want := model.NamedParameters()
	for i, p := range fresh.NamedParameters() {
		assert.Equal(t, want[i].Tensor.Data, p.Tensor.Data, p.Name)
	}

	rebuilt, err := training.BuildSequential(ckpt.ModelSpec)
	require.NoError(t, err)
	assert.Len(t, hooks.Leaves(rebuilt), 12)

	assert.Error(t, LoadWeights(ckpt.Weights[:1], fresh.NamedParameters()))
}

func TestIndexRecordsRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer idx.Close()

	base := time.Unix(1_700_000_000, 0)
	first, err := idx.Record(ctx, Run{Model: "a", Format: "json", Path: "a/bundle.json", Mode: "latest_only", Steps: 5, CreatedAt: base})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	_, err = idx.Record(ctx, Run{Model: "b", Format: "proto", Path: "b/bundle.pb", Mode: "track_all", CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)
	second, err := idx.Record(ctx, Run{Model: "a", Format: "json", Path: "a/bundle.json", Mode: "latest_only", Steps: 9, CreatedAt: base.Add(2 * time.Second)})
	require.NoError(t, err)

	latest, ok, err := idx.Latest(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, 9, latest.Steps)
	assert.True(t, latest.CreatedAt.Equal(base.Add(2*time.Second)))

	all, err := idx.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	n, err := idx.Delete(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, ok, err = idx.Latest(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWatcherReportsChangedModel(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root, FormatJSON, nil)
	require.NoError(t, err)

	changed := make(chan string, 16)
	w, err := NewWatcher(root, 10*time.Millisecond, func(model string) { changed <- model }, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Close()

	_, err = store.Save("ffn", NameStats, map[string]int{"n": 1})
	require.NoError(t, err)

	select {
	case model := <-changed:
		assert.Equal(t, "ffn", model)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("protobuf")
	require.NoError(t, err)
	assert.Equal(t, FormatProto, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("onnx")
	assert.Error(t, err)
}
