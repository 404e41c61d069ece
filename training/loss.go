package training

import (
	"fmt"
	"math"

	"github.com/tsawler/repviz/tensor"
)

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (float64, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := sameShape(predicted, target); err != nil {
		return 0, err
	}
	sum := 0.0
	for i, p := range predicted.Data {
		d := p - target.Data[i]
		sum += d * d
	}
	if mse.reduction == "mean" {
		sum /= float64(len(predicted.Data))
	}
	return sum, nil
}

// Backward computes the gradient of MSE loss: 2 * (predicted - target) / N
func (mse *MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := sameShape(predicted, target); err != nil {
		return nil, err
	}
	scale := 2.0
	if mse.reduction == "mean" {
		scale /= float64(len(predicted.Data))
	}
	grad := &tensor.Tensor{Shape: append([]int(nil), predicted.Shape...), Data: make([]float64, len(predicted.Data))}
	for i, p := range predicted.Data {
		grad.Data[i] = scale * (p - target.Data[i])
	}
	return grad, nil
}

func sameShape(a, b *tensor.Tensor) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("predicted: %v", err)
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("target: %v", err)
	}
	if len(a.Shape) != len(b.Shape) {
		return fmt.Errorf("predicted and target tensors must have the same shape")
	}
	for i, dim := range a.Shape {
		if dim != b.Shape[i] {
			return fmt.Errorf("predicted and target tensors must have the same shape")
		}
	}
	return nil
}

// CrossEntropyLoss applies softmax to logits and takes the mean negative log
// likelihood of class indices stored in a [batch] target tensor.
type CrossEntropyLoss struct{}

// NewCrossEntropyLoss creates a new cross entropy loss over logits
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	probs, err := softmaxRows(predicted)
	if err != nil {
		return 0, err
	}
	return negativeLogLikelihood(probs, target)
}

// Backward returns (softmax(logits) - onehot) / N.
func (ce *CrossEntropyLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	probs, err := softmaxRows(predicted)
	if err != nil {
		return nil, err
	}
	labels, err := classLabels(target, probs.Shape[0], probs.Shape[1])
	if err != nil {
		return nil, err
	}
	n := float64(probs.Shape[0])
	for i, label := range labels {
		row := probs.Row(i)
		row[label] -= 1
		for j := range row {
			row[j] /= n
		}
	}
	return probs, nil
}

// NLLLoss takes probabilities (for example a Softmax output) and class
// indices.
type NLLLoss struct{}

// NewNLLLoss creates a negative log likelihood loss over probabilities
func NewNLLLoss() *NLLLoss {
	return &NLLLoss{}
}

func (nll *NLLLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := expect2D("NLLLoss", predicted); err != nil {
		return 0, err
	}
	return negativeLogLikelihood(predicted, target)
}

// Backward returns −1/(N·p[label]) at each label position.
func (nll *NLLLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expect2D("NLLLoss", predicted); err != nil {
		return nil, err
	}
	labels, err := classLabels(target, predicted.Shape[0], predicted.Shape[1])
	if err != nil {
		return nil, err
	}
	n := float64(predicted.Shape[0])
	grad, _ := tensor.Zeros(predicted.Shape)
	for i, label := range labels {
		p := math.Max(predicted.Row(i)[label], probabilityFloor)
		grad.Row(i)[label] = -1 / (n * p)
	}
	return grad, nil
}

const probabilityFloor = 1e-12

func softmaxRows(logits *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expect2D("CrossEntropyLoss", logits); err != nil {
		return nil, err
	}
	out, _ := tensor.Zeros(logits.Shape)
	for i := 0; i < logits.Shape[0]; i++ {
		softmaxRow(out.Row(i), logits.Row(i))
	}
	return out, nil
}

func negativeLogLikelihood(probs, target *tensor.Tensor) (float64, error) {
	labels, err := classLabels(target, probs.Shape[0], probs.Shape[1])
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for i, label := range labels {
		sum -= math.Log(math.Max(probs.Row(i)[label], probabilityFloor))
	}
	return sum / float64(len(labels)), nil
}

func classLabels(target *tensor.Tensor, batch, classes int) ([]int, error) {
	if target == nil || len(target.Data) != batch {
		return nil, fmt.Errorf("target must hold one class index per sample (%d)", batch)
	}
	labels := make([]int, batch)
	for i, v := range target.Data {
		label := int(v)
		if label < 0 || label >= classes || float64(label) != v {
			return nil, fmt.Errorf("invalid class index %v for %d classes", v, classes)
		}
		labels[i] = label
	}
	return labels, nil
}
