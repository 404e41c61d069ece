package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tsawler/repviz/faults"
	"github.com/tsawler/repviz/tensor"
)

// Stepper wraps each optimization step. The monitor implements it to mark
// capture boundaries; fn is the step itself.
type Stepper interface {
	Step(ctx context.Context, fn func(ctx context.Context) error) error
}

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs       int
	ShowProgress bool        // Render a progress bar when Output is a terminal
	Output       io.Writer   // Progress bar destination, defaults to stdout
	Scheduler    LRScheduler // Optional per-epoch learning rate schedule
}

// TrainingMetrics holds metrics for a single epoch
type TrainingMetrics struct {
	Epoch         int
	TrainLoss     float64
	TrainAccuracy float64
	LearningRate  float64
	EpochDuration time.Duration
	BatchCount    int
}

// Trainer manages the training process
type Trainer struct {
	model     *Sequential
	optimizer Optimizer
	criterion Loss
	config    TrainingConfig
	stepper   Stepper
	metrics   []TrainingMetrics
	logger    *slog.Logger
}

// NewTrainer creates a new Trainer. stepper may be nil.
func NewTrainer(model *Sequential, optimizer Optimizer, criterion Loss, config TrainingConfig, stepper Stepper, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Output == nil {
		config.Output = os.Stdout
	}
	return &Trainer{
		model:     model,
		optimizer: optimizer,
		criterion: criterion,
		config:    config,
		stepper:   stepper,
		metrics:   make([]TrainingMetrics, 0),
		logger:    logger,
	}
}

// Train runs the complete training loop
func (t *Trainer) Train(ctx context.Context, loader *DataLoader) error {
	t.logger.Info("training started",
		slog.Int("epochs", t.config.Epochs),
		slog.Int("batches_per_epoch", loader.Len()))

	baseLR := t.optimizer.GetLR()
	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		epochStart := time.Now()
		if t.config.Scheduler != nil {
			t.optimizer.SetLR(t.config.Scheduler.GetLR(epoch, baseLR))
		}
		lr := t.optimizer.GetLR()

		t.model.Train()
		loss, acc, batches, err := t.trainEpoch(ctx, loader, epoch)
		if err != nil {
			return fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}

		metrics := TrainingMetrics{
			Epoch:         epoch,
			TrainLoss:     loss,
			TrainAccuracy: acc,
			LearningRate:  lr,
			EpochDuration: time.Since(epochStart),
			BatchCount:    batches,
		}
		t.metrics = append(t.metrics, metrics)
		t.logger.Info("epoch finished",
			slog.Int("epoch", epoch+1),
			slog.Float64("loss", loss),
			slog.Float64("accuracy", acc),
			slog.Float64("lr", lr),
			slog.Duration("duration", metrics.EpochDuration))

		if plateau, ok := t.config.Scheduler.(MetricScheduler); ok {
			if next := plateau.Observe(loss, lr); next != lr {
				t.logger.Info("learning rate reduced", slog.Float64("from", lr), slog.Float64("to", next))
			}
		}
	}
	return nil
}

func (t *Trainer) trainEpoch(ctx context.Context, loader *DataLoader, epoch int) (float64, float64, int, error) {
	batches := loader.Epoch()

	var bar *ProgressBar
	if t.config.ShowProgress {
		bar = NewProgressBar(t.config.Output, fmt.Sprintf("Epoch %d/%d", epoch+1, t.config.Epochs), len(batches))
		defer bar.Finish()
	}

	totalLoss, totalAcc := 0.0, 0.0
	for i, batch := range batches {
		var loss, acc float64
		step := func(ctx context.Context) error {
			var err error
			loss, acc, err = t.trainStep(batch)
			return err
		}

		var err error
		if t.stepper != nil {
			err = t.stepper.Step(ctx, step)
		} else {
			err = step(ctx)
		}
		if err != nil {
			if !faults.HasCode(err, faults.CodeCaptureFailed) {
				return 0, 0, i, err
			}
			// the step itself succeeded; only observation was lost
			t.logger.Warn("capture failed during step", slog.Int("batch", i), slog.String("error", err.Error()))
		}

		totalLoss += loss
		totalAcc += acc
		if bar != nil {
			bar.Update(i+1, map[string]float64{"loss": loss, "accuracy": acc})
		}
	}

	n := float64(len(batches))
	return totalLoss / n, totalAcc / n, len(batches), nil
}

func (t *Trainer) trainStep(batch Batch) (float64, float64, error) {
	t.optimizer.ZeroGrad()

	output, err := t.model.Forward(batch.Data)
	if err != nil {
		return 0, 0, fmt.Errorf("forward pass failed: %w", err)
	}
	loss, err := t.criterion.Forward(output, batch.Labels)
	if err != nil {
		return 0, 0, fmt.Errorf("loss computation failed: %w", err)
	}
	grad, err := t.criterion.Backward(output, batch.Labels)
	if err != nil {
		return 0, 0, fmt.Errorf("loss gradient failed: %w", err)
	}
	if _, err := t.model.Backward(grad); err != nil {
		return 0, 0, fmt.Errorf("backward pass failed: %w", err)
	}
	if err := t.optimizer.Step(); err != nil {
		return 0, 0, fmt.Errorf("optimizer step failed: %w", err)
	}
	return loss, Accuracy(output, batch.Labels), nil
}

// GetMetrics returns the per-epoch metrics recorded so far
func (t *Trainer) GetMetrics() []TrainingMetrics {
	return t.metrics
}

// Evaluate computes mean loss and accuracy in eval mode.
func (t *Trainer) Evaluate(loader *DataLoader) (float64, float64, error) {
	t.model.Eval()
	defer t.model.Train()

	batches := loader.Epoch()
	totalLoss, totalAcc := 0.0, 0.0
	for _, batch := range batches {
		output, err := t.model.Forward(batch.Data)
		if err != nil {
			return 0, 0, err
		}
		loss, err := t.criterion.Forward(output, batch.Labels)
		if err != nil {
			return 0, 0, err
		}
		totalLoss += loss
		totalAcc += Accuracy(output, batch.Labels)
	}
	n := float64(len(batches))
	return totalLoss / n, totalAcc / n, nil
}

// Predict runs a forward pass in eval mode and returns a copy of the output.
func (t *Trainer) Predict(input *tensor.Tensor) (*tensor.Tensor, error) {
	return Predict(t.model, input)
}

// Predict runs model in eval mode and returns a copy of its output.
func Predict(model *Sequential, input *tensor.Tensor) (*tensor.Tensor, error) {
	wasTraining := model.IsTraining()
	model.Eval()
	defer func() {
		if wasTraining {
			model.Train()
		}
	}()

	out, err := model.Forward(input)
	if err != nil {
		return nil, err
	}
	return out.Clone()
}
