package artifacts

import (
	"fmt"
	"strings"
	"time"

	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/layers"
)

// Checkpoint represents a trained model: its architecture, weights and the
// training progress that produced them.
type Checkpoint struct {
	ModelSpec     *layers.ModelSpec  `json:"model_spec"`
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the training progress at save time
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
	BestAccuracy float64 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

func (m *CheckpointMetadata) fill() {
	if m.Framework == "" {
		m.Framework = "repviz"
		m.Version = "1.0.0"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
}

// ExtractWeights copies every parameter out of the model. "ffn.2.weight"
// belongs to layer "ffn.2" and has type "weight".
func ExtractWeights(params []hooks.NamedTensor) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		layer, typ := p.Name, ""
		if i := strings.LastIndex(p.Name, "."); i >= 0 {
			layer, typ = p.Name[:i], p.Name[i+1:]
		}
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Tensor.Shape...),
			Data:  p.Tensor.Flatten(),
			Layer: layer,
			Type:  typ,
		})
	}
	return weights
}

// LoadWeights copies stored weights into the model's parameter tensors,
// matching by name. Every parameter must be present with the same shape.
func LoadWeights(weights []WeightTensor, params []hooks.NamedTensor) error {
	weightMap := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		weightMap[w.Name] = w
	}

	for _, p := range params {
		w, ok := weightMap[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no weight %s", p.Name)
		}
		if len(w.Shape) != len(p.Tensor.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: tensor %v vs weight %v", p.Name, p.Tensor.Shape, w.Shape)
		}
		for j, dim := range p.Tensor.Shape {
			if dim != w.Shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: tensor %d vs weight %d",
					p.Name, j, dim, w.Shape[j])
			}
		}
		if len(w.Data) != len(p.Tensor.Data) {
			return fmt.Errorf("weight %s has %d values, expected %d", p.Name, len(w.Data), len(p.Tensor.Data))
		}
		copy(p.Tensor.Data, w.Data)
	}
	return nil
}
