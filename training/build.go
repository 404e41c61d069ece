package training

import (
	"fmt"

	"github.com/tsawler/repviz/layers"
)

// BuildSequential instantiates a compiled model spec. Child names follow the
// spec's layer names.
func BuildSequential(spec *layers.ModelSpec) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled before building")
	}

	seq := NewSequential()
	for i, layer := range spec.Layers {
		module, err := buildLayer(layer)
		if err != nil {
			return nil, fmt.Errorf("failed to build layer %d (%s): %v", i, layer.Name, err)
		}
		seq.AddNamed(layer.Name, module)
	}
	return seq, nil
}

func buildLayer(layer layers.LayerSpec) (Module, error) {
	p := layer.Parameters
	switch layer.Type {
	case layers.Dense:
		return NewLinear(
			layers.GetIntParam(p, "input_size", 0),
			layers.GetIntParam(p, "output_size", 0),
			layers.GetBoolParam(p, "use_bias", true),
		)
	case layers.ReLU:
		return NewReLU(), nil
	case layers.LeakyReLU:
		return NewLeakyReLU(layers.GetFloatParam(p, "negative_slope", 0.01)), nil
	case layers.Tanh:
		return NewTanh(), nil
	case layers.Sigmoid:
		return NewSigmoid(), nil
	case layers.Softmax:
		return NewSoftmax(), nil
	case layers.LayerNorm:
		return NewLayerNorm(
			layers.GetIntParam(p, "num_features", 0),
			layers.GetFloatParam(p, "eps", 1e-5),
			layers.GetBoolParam(p, "affine", true),
		)
	case layers.Dropout:
		return NewDropout(layers.GetFloatParam(p, "rate", 0))
	default:
		return nil, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
}

// FFNSpec describes the three-block feed-forward classifier used by the demo:
// (LayerNorm, Dropout, Dense, ReLU) ×2 then LayerNorm, Dropout, Dense, Softmax.
func FFNSpec(name string, batchSize, features, hidden, classes int, dropout float64) (*layers.ModelSpec, error) {
	return layers.NewModelBuilder(name, []int{batchSize, features}).
		AddLayerNorm(1e-5, true, "0").
		AddDropout(dropout, "1").
		AddDense(hidden, true, "2").
		AddReLU("3").
		AddLayerNorm(1e-5, true, "4").
		AddDropout(dropout, "5").
		AddDense(hidden, true, "6").
		AddReLU("7").
		AddLayerNorm(1e-5, true, "8").
		AddDropout(dropout, "9").
		AddDense(classes, true, "10").
		AddSoftmax("11").
		Compile()
}

// NewFFN builds an FFNSpec model wrapped under the container name "ffn", so
// leaves are addressed as "ffn.0" through "ffn.11".
func NewFFN(features, hidden, classes int, dropout float64) (*Sequential, *layers.ModelSpec, error) {
	spec, err := FFNSpec("ffn", 1, features, hidden, classes, dropout)
	if err != nil {
		return nil, nil, err
	}
	inner, err := BuildSequential(spec)
	if err != nil {
		return nil, nil, err
	}
	root := NewSequential()
	root.AddNamed("ffn", inner)
	return root, spec, nil
}
