package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/repviz/faults"
	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/tensor"
)

func buffer(values ...float64) *tensor.Tensor {
	return tensor.MustNew([]int{len(values)}, values)
}

func TestCaptureIsDetached(t *testing.T) {
	c := New(Retention{Mode: LatestOnly}, nil)
	src := buffer(1, 2, 3)

	require.NoError(t, c.Capture(hooks.ForwardOutput, "fc", src))
	src.Data[0] = 99

	got, ok := c.Latest(hooks.ForwardOutput, "fc")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3}, got.Data)
}

func TestLatestOnlyKeepsNewest(t *testing.T) {
	c := New(Retention{Mode: LatestOnly}, nil)
	for i := 0; i < 3; i++ {
		c.OnSignal("fc", hooks.ForwardOutput, buffer(float64(i)))
	}

	entry, ok := c.Get(hooks.ForwardOutput, "fc")
	require.True(t, ok)
	require.Equal(t, 1, entry.Len())
	assert.Equal(t, []float64{2}, entry.Latest().Tensor.Data)
	assert.Equal(t, 2, entry.Latest().Step)
}

func TestTrackAllAppendsInOrder(t *testing.T) {
	c := New(Retention{Mode: TrackAll}, nil)
	const k = 5
	for i := 0; i < k; i++ {
		c.OnSignal("a", hooks.ForwardOutput, buffer(float64(i)))
		c.OnSignal("b", hooks.ForwardOutput, buffer(float64(-i)))
	}

	for _, name := range []string{"a", "b"} {
		entry, ok := c.Get(hooks.ForwardOutput, name)
		require.True(t, ok)
		assert.Equal(t, k, entry.Len())
		for i, snap := range entry.Snapshots {
			assert.Equal(t, i, snap.Step)
		}
	}
	assert.Equal(t, []string{"a", "b"}, c.Names(hooks.ForwardOutput))
}

func TestMaxHistoryEvictsOldest(t *testing.T) {
	c := New(Retention{Mode: TrackAll, MaxHistory: 2}, nil)
	for i := 0; i < 4; i++ {
		require.NoError(t, c.Capture(hooks.BackwardGradient, "fc", buffer(float64(i))))
	}

	entry, ok := c.Get(hooks.BackwardGradient, "fc")
	require.True(t, ok)
	require.Equal(t, 2, entry.Len())
	assert.Equal(t, 2, entry.Snapshots[0].Step)
	assert.Equal(t, 3, entry.Snapshots[1].Step)
}

func TestSetStepOverridesCounter(t *testing.T) {
	c := New(Retention{Mode: TrackAll}, nil)
	c.SetStep(10)
	require.NoError(t, c.Capture(hooks.ForwardOutput, "fc", buffer(1)))
	c.SetStep(20)
	require.NoError(t, c.Capture(hooks.ForwardOutput, "fc", buffer(2)))

	entry, _ := c.Get(hooks.ForwardOutput, "fc")
	assert.Equal(t, 10, entry.Snapshots[0].Step)
	assert.Equal(t, 20, entry.Snapshots[1].Step)
}

func TestAbsentNameIsNotAnError(t *testing.T) {
	c := New(Retention{}, nil)
	_, ok := c.Get(hooks.ForwardOutput, "never")
	assert.False(t, ok)

	_, ok = c.Latest(hooks.BackwardGradient, "never")
	assert.False(t, ok)
}

func TestClearRemovesName(t *testing.T) {
	c := New(Retention{Mode: TrackAll}, nil)
	require.NoError(t, c.Capture(hooks.ForwardOutput, "a", buffer(1)))
	require.NoError(t, c.Capture(hooks.ForwardOutput, "b", buffer(1)))

	assert.True(t, c.Clear(hooks.ForwardOutput, "a"))
	assert.False(t, c.Clear(hooks.ForwardOutput, "a"))

	_, ok := c.Get(hooks.ForwardOutput, "a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, c.Names(hooks.ForwardOutput))

	// counter restarts after clear
	require.NoError(t, c.Capture(hooks.ForwardOutput, "a", buffer(2)))
	entry, _ := c.Get(hooks.ForwardOutput, "a")
	assert.Equal(t, 0, entry.Latest().Step)

	c.ClearAll()
	assert.Empty(t, c.Names(hooks.ForwardOutput))
}

func TestFailedCopyKeepsPriorValue(t *testing.T) {
	c := New(Retention{Mode: LatestOnly}, nil)
	require.NoError(t, c.Capture(hooks.ForwardOutput, "fc", buffer(1, 2)))

	torn := &tensor.Tensor{Shape: []int{4}, Data: []float64{7}}
	c.OnSignal("fc", hooks.ForwardOutput, torn)

	got, ok := c.Latest(hooks.ForwardOutput, "fc")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2}, got.Data)

	failures := c.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "fc", failures[0].Name)
	assert.True(t, faults.HasCode(failures[0].Err, faults.CodeCaptureFailed))
}

func TestCaptureParametersKeepsHistory(t *testing.T) {
	c := New(Retention{Mode: LatestOnly}, nil)
	w := buffer(1, 1)
	params := []hooks.NamedTensor{{Name: "0.weight", Tensor: w}}

	require.NoError(t, c.CaptureParameters(0, params))
	w.Data[0] = 5
	require.NoError(t, c.CaptureParameters(10, params))

	entry, ok := c.Get(hooks.ParameterSnapshot, "0.weight")
	require.True(t, ok)
	require.Equal(t, 2, entry.Len())
	assert.Equal(t, 1.0, entry.Snapshots[0].Tensor.Data[0])
	assert.Equal(t, 10, entry.Latest().Step)
}

func TestFailedCaptureDoesNotConsumeStep(t *testing.T) {
	c := New(Retention{Mode: TrackAll}, nil)
	require.NoError(t, c.Capture(hooks.ForwardOutput, "fc", buffer(1)))
	torn := &tensor.Tensor{Shape: []int{3}, Data: []float64{2}}
	require.Error(t, c.Capture(hooks.ForwardOutput, "fc", torn))
	require.NoError(t, c.Capture(hooks.ForwardOutput, "fc", buffer(3)))

	entry, ok := c.Get(hooks.ForwardOutput, "fc")
	require.True(t, ok)
	require.Equal(t, 2, entry.Len())
	assert.Equal(t, 0, entry.Snapshots[0].Step)
	assert.Equal(t, 1, entry.Snapshots[1].Step)
	assert.Equal(t, 1, c.FailureCount())
}

func TestCaptureParameterGradsKeepsHistory(t *testing.T) {
	c := New(Retention{Mode: LatestOnly}, nil)
	g := buffer(0.5, -0.5)
	grads := []hooks.NamedTensor{{Name: "0.weight", Tensor: g}}

	require.NoError(t, c.CaptureParameterGrads(3, grads))
	g.Data[0] = 9
	require.NoError(t, c.CaptureParameterGrads(6, grads))

	entry, ok := c.Get(hooks.ParameterGradient, "0.weight")
	require.True(t, ok)
	require.Equal(t, 2, entry.Len())
	assert.Equal(t, []float64{0.5, -0.5}, entry.Snapshots[0].Tensor.Data)
	assert.Equal(t, 6, entry.Latest().Step)

	_, ok = c.Get(hooks.ParameterSnapshot, "0.weight")
	assert.False(t, ok)
}

func TestGetAllReturnsCopy(t *testing.T) {
	c := New(Retention{Mode: TrackAll}, nil)
	require.NoError(t, c.Capture(hooks.ForwardOutput, "fc", buffer(1)))

	all := c.GetAll(hooks.ForwardOutput)
	all["fc"] = nil

	entry, ok := c.Get(hooks.ForwardOutput, "fc")
	require.True(t, ok)
	assert.Equal(t, 1, entry.Len())
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("track-all")
	require.NoError(t, err)
	assert.Equal(t, TrackAll, mode)

	_, err = ParseMode("ring")
	assert.Error(t, err)
}
