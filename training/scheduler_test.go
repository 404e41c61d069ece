package training

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpochSchedulers(t *testing.T) {
	tests := []struct {
		name      string
		scheduler LRScheduler
		want      []float64
	}{
		{"step", NewStepLRScheduler(2, 0.1), []float64{0.1, 0.1, 0.01, 0.01, 0.001}},
		{"exponential", NewExponentialLRScheduler(0.9), []float64{0.1, 0.09, 0.081, 0.0729}},
		{"cosine", NewCosineAnnealingLRScheduler(4, 0), []float64{0.1, 0.1 * (1 + math.Cos(math.Pi/4)) / 2, 0.05, 0.1 * (1 + math.Cos(3*math.Pi/4)) / 2, 0, 0}},
		{"constant", &NoOpScheduler{}, []float64{0.1, 0.1, 0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for epoch, want := range tt.want {
				assert.InDelta(t, want, tt.scheduler.GetLR(epoch, 0.1), 1e-12, "epoch %d", epoch)
			}
		})
	}
}

func TestSchedulerDefaultsForBadArguments(t *testing.T) {
	step := NewStepLRScheduler(0, 2)
	assert.Equal(t, 30, step.StepSize)
	assert.Equal(t, 0.1, step.Gamma)

	cos := NewCosineAnnealingLRScheduler(-1, -1)
	assert.Equal(t, 100, cos.TMax)
	assert.Zero(t, cos.EtaMin)

	plateau := NewReduceLROnPlateauScheduler(3, 0, -1, "sideways")
	assert.Equal(t, 0.1, plateau.Factor)
	assert.Equal(t, 10, plateau.Patience)
	assert.Equal(t, "min", plateau.Mode)
}

func TestReduceLROnPlateau(t *testing.T) {
	s := NewReduceLROnPlateauScheduler(0.5, 2, 0.01, "min")
	assert.Equal(t, 0.1, s.GetLR(0, 0.1))

	lr := s.Observe(1.0, 0.1)
	assert.Equal(t, 0.1, lr)
	lr = s.Observe(0.8, lr) // improved
	assert.Equal(t, 0.1, lr)
	lr = s.Observe(0.795, lr) // within threshold
	assert.Equal(t, 0.1, lr)
	lr = s.Observe(0.81, lr)
	assert.InDelta(t, 0.05, lr, 1e-12)
	assert.InDelta(t, 0.05, s.GetLR(5, 0.1), 1e-12)

	maxMode := NewReduceLROnPlateauScheduler(0.5, 1, 0, "max")
	maxMode.Observe(0.5, 1)
	assert.Equal(t, 1.0, maxMode.Observe(0.6, 1))
	assert.Equal(t, 0.5, maxMode.Observe(0.6, 1))
}

func TestParseScheduler(t *testing.T) {
	for name, want := range map[string]string{
		"":            "ConstantLR",
		"constant":    "ConstantLR",
		"Step":        "StepLR",
		"exponential": "ExponentialLR",
		"cosine":      "CosineAnnealingLR",
		"plateau":     "ReduceLROnPlateau",
	} {
		s, err := ParseScheduler(name, 9)
		require.NoError(t, err, name)
		assert.Equal(t, want, s.GetName())
	}

	s, err := ParseScheduler("step", 9)
	require.NoError(t, err)
	assert.Equal(t, 3, s.(*StepLRScheduler).StepSize)

	_, err = ParseScheduler("warmup", 9)
	assert.Error(t, err)
}

func TestTrainerAppliesScheduler(t *testing.T) {
	SetRandomSeed(3)
	data, err := SyntheticClassification(32, 4, 3, rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	model, _, err := NewFFN(4, 8, 3, 0)
	require.NoError(t, err)

	optimizer := NewSGD(model.Parameters(), 0.1, 0, 0)
	trainer := NewTrainer(model, optimizer, NewNLLLoss(), TrainingConfig{
		Epochs:    4,
		Scheduler: NewStepLRScheduler(2, 0.5),
	}, nil, nil)
	require.NoError(t, trainer.Train(context.Background(), NewDataLoader(data, 8, false, nil)))

	var rates []float64
	for _, m := range trainer.GetMetrics() {
		rates = append(rates, m.LearningRate)
	}
	assert.Equal(t, []float64{0.1, 0.1, 0.05, 0.05}, rates)
	assert.Equal(t, 0.05, optimizer.GetLR())
}
