package monitor

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/repviz/cka"
	"github.com/tsawler/repviz/collector"
	"github.com/tsawler/repviz/faults"
	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/layers"
	"github.com/tsawler/repviz/tensor"
	"github.com/tsawler/repviz/training"
)

func toyModel(t *testing.T, seed int64) *training.Sequential {
	t.Helper()
	training.SetRandomSeed(seed)
	l1, err := training.NewLinear(4, 6, true)
	require.NoError(t, err)
	l2, err := training.NewLinear(6, 5, true)
	require.NoError(t, err)
	return training.NewSequential(l1, training.NewTanh(), l2)
}

func input(t *testing.T) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandomNormal([]int{8, 4}, 0, 1, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	return x
}

func forward(model *training.Sequential, x *tensor.Tensor) func(context.Context) error {
	return func(context.Context) error {
		_, err := model.Forward(x)
		return err
	}
}

func forwardBackward(model *training.Sequential, x *tensor.Tensor) func(context.Context) error {
	return func(context.Context) error {
		out, err := model.Forward(x)
		if err != nil {
			return err
		}
		grad, err := tensor.Full(out.Shape, 1)
		if err != nil {
			return err
		}
		_, err = model.Backward(grad)
		return err
	}
}

func TestLifecycleTransitions(t *testing.T) {
	m := New(Options{ModelName: "toy"})
	assert.Equal(t, Idle, m.State())

	assert.ErrorIs(t, m.Pause(), ErrInvalidState)
	assert.ErrorIs(t, m.Step(context.Background(), func(context.Context) error { return nil }), ErrInvalidState)

	model := toyModel(t, 1)
	require.NoError(t, m.Start(model, Plan{}))
	assert.Equal(t, Running, m.State())
	assert.Equal(t, 3, m.Active())
	assert.ErrorIs(t, m.Start(model, Plan{}), ErrInvalidState)

	require.NoError(t, m.Pause())
	assert.Equal(t, Paused, m.State())
	assert.ErrorIs(t, m.Pause(), ErrInvalidState)
	require.NoError(t, m.Resume())

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	assert.Equal(t, Completed, m.State())
	assert.Zero(t, m.Active())
	assert.ErrorIs(t, m.Resume(), ErrInvalidState)
}

func TestStartRejectsBadInput(t *testing.T) {
	m := New(Options{})
	assert.True(t, faults.HasCode(m.Start(nil, Plan{}), faults.CodeInvalidArgument))
	assert.True(t, faults.HasCode(m.Start(toyModel(t, 1), Plan{TotalSteps: -1}), faults.CodeInvalidArgument))
	assert.Equal(t, Idle, m.State())
}

func TestTrackAllRecordsEveryStep(t *testing.T) {
	model := toyModel(t, 2)
	m := New(Options{ModelName: "toy", Retention: collector.Retention{Mode: collector.TrackAll}})
	require.NoError(t, m.Start(model, Plan{}))

	x := input(t)
	const k = 4
	for i := 0; i < k; i++ {
		require.NoError(t, m.Step(context.Background(), forward(model, x)))
	}
	require.NoError(t, m.Stop())

	for _, name := range []string{"0", "1", "2"} {
		entry, ok := m.Collector().Get(hooks.ForwardOutput, name)
		require.True(t, ok, name)
		require.Equal(t, k, entry.Len())
		for i, snap := range entry.Snapshots {
			assert.Equal(t, i, snap.Step)
		}
	}
	assert.Equal(t, k, m.Steps())
}

func TestWeightScheduleAndAutoStop(t *testing.T) {
	model := toyModel(t, 3)
	m := New(Options{ModelName: "toy"})
	require.NoError(t, m.Start(model, Plan{TotalSteps: 5, WeightEvery: 2}))

	x := input(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Step(context.Background(), forward(model, x)))
	}
	assert.Equal(t, Completed, m.State())
	assert.Zero(t, m.Active())

	bundle := m.Export()
	assert.Len(t, bundle.WeightSnapshots, 4)
	for _, key := range []string{"step_0", "step_2", "step_4", "step_5"} {
		assert.Contains(t, bundle.WeightSnapshots, key)
	}
	assert.Contains(t, bundle.Weights, "0.weight")
	assert.Contains(t, bundle.Weights, "2.bias")

	assert.ErrorIs(t, m.Step(context.Background(), forward(model, x)), ErrInvalidState)
}

func TestPausedMonitorIgnoresCaptures(t *testing.T) {
	model := toyModel(t, 4)
	m := New(Options{Retention: collector.Retention{Mode: collector.TrackAll}})
	require.NoError(t, m.Start(model, Plan{}))

	x := input(t)
	require.NoError(t, m.Step(context.Background(), forward(model, x)))
	require.NoError(t, m.Pause())
	require.NoError(t, m.Step(context.Background(), forward(model, x)))
	require.NoError(t, m.Resume())
	require.NoError(t, m.Step(context.Background(), forward(model, x)))
	require.NoError(t, m.Stop())

	entry, ok := m.Collector().Get(hooks.ForwardOutput, "0")
	require.True(t, ok)
	require.Equal(t, 2, entry.Len())
	assert.Equal(t, 0, entry.Snapshots[0].Step)
	assert.Equal(t, 2, entry.Snapshots[1].Step)
}

func TestGradientCaptureIsOptional(t *testing.T) {
	model := toyModel(t, 5)
	m := New(Options{CaptureGradients: true, Selector: hooks.LayerTypes(layers.Dense)})
	require.NoError(t, m.Start(model, Plan{}))
	assert.Equal(t, 4, m.Active())

	require.NoError(t, m.Step(context.Background(), forwardBackward(model, input(t))))
	require.NoError(t, m.Stop())

	assert.Equal(t, []string{"0", "2"}, m.Collector().Names(hooks.ForwardOutput))
	assert.Equal(t, []string{"2", "0"}, m.Collector().Names(hooks.BackwardGradient))
}

func TestParameterGradientsFollowWeightSchedule(t *testing.T) {
	model := toyModel(t, 7)
	m := New(Options{CaptureGradients: true})
	require.NoError(t, m.Start(model, Plan{WeightEvery: 2}))

	x := input(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Step(context.Background(), forwardBackward(model, x)))
	}
	require.NoError(t, m.Stop())

	bundle := m.Export()
	require.Len(t, bundle.GradSnapshots, 2)
	require.Contains(t, bundle.GradSnapshots, "step_0")
	require.Contains(t, bundle.GradSnapshots, "step_2")
	// gradients accumulate without ZeroGrad; ones over 8 samples add 8 per step
	assert.Equal(t, []float64{8, 8, 8, 8, 8}, bundle.GradSnapshots["step_0"]["2.bias"])
	assert.Equal(t, []float64{24, 24, 24, 24, 24}, bundle.GradSnapshots["step_2"]["2.bias"])
	assert.Len(t, bundle.GradSnapshots["step_0"], 4)

	other := toyModel(t, 8)
	plain := New(Options{})
	require.NoError(t, plain.Start(other, Plan{WeightEvery: 1}))
	require.NoError(t, plain.Step(context.Background(), forwardBackward(other, x)))
	require.NoError(t, plain.Stop())
	assert.Empty(t, plain.Export().GradSnapshots)
}

func TestFailedStepStillReleasesHooks(t *testing.T) {
	model := toyModel(t, 6)
	s := NewSession("toy", model, Options{})
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "toy", s.Monitor.ModelName())

	boom := errors.New("loss exploded")
	err := s.Run(context.Background(), Plan{}, func(ctx context.Context, m *Monitor) error {
		assert.Equal(t, 3, m.Active())
		return m.Step(ctx, func(context.Context) error { return boom })
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, Completed, s.Monitor.State())
	assert.Zero(t, s.Monitor.Active())
	require.NoError(t, s.Close())
}

type probeNode struct{ probes []hooks.Probe }

func (n *probeNode) Kind() layers.LayerType { return layers.Dense }
func (n *probeNode) IsLeaf() bool           { return true }
func (n *probeNode) Attach(p hooks.Probe) func() {
	n.probes = append(n.probes, p)
	return func() { n.probes = nil }
}

func (n *probeNode) fire(buf *tensor.Tensor) {
	for _, p := range n.probes {
		p.Fire(buf)
	}
}

type singleNodeModel struct{ node *probeNode }

func (g singleNodeModel) Walk(fn func(string, hooks.Node) bool) { fn("fc", g.node) }
func (g singleNodeModel) NamedParameters() []hooks.NamedTensor  { return nil }

func TestCaptureFailureIsReportedAndRecovered(t *testing.T) {
	node := &probeNode{}
	m := New(Options{})
	require.NoError(t, m.Start(singleNodeModel{node: node}, Plan{}))

	good := tensor.MustNew([]int{2}, []float64{1, 2})
	require.NoError(t, m.Step(context.Background(), func(context.Context) error {
		node.fire(good)
		return nil
	}))

	torn := &tensor.Tensor{Shape: []int{3}, Data: []float64{7}}
	err := m.Step(context.Background(), func(context.Context) error {
		node.fire(torn)
		return nil
	})
	require.Error(t, err)
	assert.True(t, faults.HasCode(err, faults.CodeCaptureFailed))
	assert.Equal(t, Running, m.State())

	got, ok := m.Collector().Latest(hooks.ForwardOutput, "fc")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2}, got.Data, "failed capture keeps the prior value")

	require.NoError(t, m.Step(context.Background(), func(context.Context) error {
		node.fire(tensor.MustNew([]int{2}, []float64{3, 4}))
		return nil
	}))
	got, _ = m.Collector().Latest(hooks.ForwardOutput, "fc")
	assert.Equal(t, []float64{3, 4}, got.Data)
	require.NoError(t, m.Stop())
}

func TestSubscribeReceivesEvents(t *testing.T) {
	model := toyModel(t, 7)
	m := New(Options{ModelName: "toy"})

	var events []Event
	unsubscribe := m.Subscribe(func(e Event) { events = append(events, e) })

	require.NoError(t, m.Start(model, Plan{}))
	require.NoError(t, m.Step(context.Background(), forward(model, input(t))))
	unsubscribe()
	require.NoError(t, m.Stop())

	require.Len(t, events, 2)
	assert.Equal(t, EventState, events[0].Type)
	assert.Equal(t, "running", events[0].State)
	assert.Equal(t, EventStep, events[1].Type)
	assert.Equal(t, "toy", events[1].Model)
	assert.Equal(t, 3, events[1].Captured)
}

func TestEndToEndSimilarity(t *testing.T) {
	ctx := context.Background()
	x := input(t)

	run := func(name string, seed int64) (*Monitor, *training.Sequential) {
		model := toyModel(t, seed)
		m := New(Options{ModelName: name})
		require.NoError(t, m.Start(model, Plan{}))
		require.NoError(t, m.Step(ctx, forward(model, x)))
		require.NoError(t, m.Stop())
		return m, model
	}
	m1, model1 := run("a", 10)
	m2, _ := run("b", 20)

	b1, b2 := m1.Export(), m2.Export()

	report, err := cka.Compare(ctx, "a", b1, "b", b2, cka.CompareOptions{Kind: hooks.ForwardOutput})
	require.NoError(t, err)
	require.Len(t, report.Matrix.Values, 3)
	assert.Empty(t, report.Matrix.Failures)
	for _, row := range report.Matrix.Values {
		require.Len(t, row, 3)
		for _, v := range row {
			assert.GreaterOrEqual(t, v, -1e-9)
			assert.LessOrEqual(t, v, 1+1e-9)
		}
	}

	self, err := cka.Compare(ctx, "a", b1, "a", b1, cka.CompareOptions{Kind: hooks.ForwardOutput})
	require.NoError(t, err)
	for i := range self.Matrix.Values {
		assert.InDelta(t, 1.0, self.Matrix.At(i, i), 1e-9)
	}

	// detached monitors observe nothing
	assert.Zero(t, m1.Active())
	before, ok := m1.Collector().Latest(hooks.ForwardOutput, "2")
	require.True(t, ok)
	kept := append([]float64(nil), before.Data...)

	other, err := tensor.RandomNormal([]int{8, 4}, 0, 1, rand.New(rand.NewSource(99)))
	require.NoError(t, err)
	_, err = model1.Forward(other)
	require.NoError(t, err)

	after, ok := m1.Collector().Latest(hooks.ForwardOutput, "2")
	require.True(t, ok)
	assert.Equal(t, kept, after.Data)
	entry, _ := m1.Collector().Get(hooks.ForwardOutput, "2")
	assert.Equal(t, 0, entry.Latest().Step)
}
