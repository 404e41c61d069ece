package layers

import "fmt"

// LayerComplexity is the per-sample cost of one layer.
type LayerComplexity struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	MACs   int64  `json:"macs"`
	Params int64  `json:"params"`
}

// Complexity estimates the compute cost of a compiled model. MACs and FLOPs
// are per sample; TFLOPs covers one batch of BatchSize samples.
type Complexity struct {
	Model     string            `json:"model"`
	Layers    []LayerComplexity `json:"layers"`
	MACs      int64             `json:"macs"`
	FLOPs     int64             `json:"flops"`
	Params    int64             `json:"params"`
	BatchSize int               `json:"batch_size"`
	TFLOPs    float64           `json:"tflops"`
}

// Complexity counts multiply-accumulates layer by layer from the compiled
// shapes. A dense layer costs in*out plus one per output when it has a bias;
// elementwise activations cost one per output feature and an affine layer
// norm two. Dropout is free. One MAC is two FLOPs.
func (ms *ModelSpec) Complexity() (*Complexity, error) {
	if !ms.Compiled {
		return nil, fmt.Errorf("model %q is not compiled", ms.Name)
	}

	c := &Complexity{Model: ms.Name, Layers: make([]LayerComplexity, 0, len(ms.Layers))}
	if len(ms.InputShape) > 0 {
		c.BatchSize = ms.InputShape[0]
	}
	for _, layer := range ms.Layers {
		macs, err := layerMACs(layer)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", layer.Name, err)
		}
		c.Layers = append(c.Layers, LayerComplexity{
			Name:   layer.Name,
			Type:   layer.Type.String(),
			MACs:   macs,
			Params: layer.ParameterCount,
		})
		c.MACs += macs
		c.Params += layer.ParameterCount
	}
	c.FLOPs = 2 * c.MACs
	c.TFLOPs = float64(c.FLOPs) * float64(c.BatchSize) / 1e12
	return c, nil
}

func layerMACs(layer LayerSpec) (int64, error) {
	if len(layer.InputShape) < 2 || len(layer.OutputShape) < 2 {
		return 0, fmt.Errorf("missing compiled shapes")
	}
	in, out := int64(features(layer.InputShape)), int64(features(layer.OutputShape))

	switch layer.Type {
	case Dense:
		macs := in * out
		// weight first, then the bias when present
		if len(layer.ParameterShapes) > 1 {
			macs += out
		}
		return macs, nil
	case ReLU, LeakyReLU, Tanh, Sigmoid, Softmax:
		return out, nil
	case LayerNorm:
		if len(layer.ParameterShapes) > 0 {
			return 2 * out, nil
		}
		return out, nil
	case Dropout:
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func features(shape []int) int {
	n := 1
	for _, d := range shape[1:] {
		n *= d
	}
	return n
}
