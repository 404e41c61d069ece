package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the concrete type of a neural network layer
type LayerType int

const (
	Dense LayerType = iota
	ReLU
	LeakyReLU
	Tanh
	Sigmoid
	Softmax
	LayerNorm
	Dropout
	Sequential
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	case LeakyReLU:
		return "LeakyReLU"
	case Tanh:
		return "Tanh"
	case Sigmoid:
		return "Sigmoid"
	case Softmax:
		return "Softmax"
	case LayerNorm:
		return "LayerNorm"
	case Dropout:
		return "Dropout"
	case Sequential:
		return "Sequential"
	default:
		return "Unknown"
	}
}

// ParseLayerType resolves a type name case-insensitively.
func ParseLayerType(name string) (LayerType, error) {
	for lt := Dense; lt <= Sequential; lt++ {
		if strings.EqualFold(lt.String(), name) {
			return lt, nil
		}
	}
	return 0, fmt.Errorf("unknown layer type %q", name)
}

// Family is the structural type tag used to select groups of layers.
type Family string

const (
	FamilyLinear         Family = "linear"
	FamilyActivation     Family = "activation"
	FamilyNormalization  Family = "normalization"
	FamilyRegularization Family = "regularization"
	FamilyContainer      Family = "container"
)

// Family returns the structural tag for the layer type.
func (lt LayerType) Family() Family {
	switch lt {
	case Dense:
		return FamilyLinear
	case ReLU, LeakyReLU, Tanh, Sigmoid, Softmax:
		return FamilyActivation
	case LayerNorm:
		return FamilyNormalization
	case Dropout:
		return FamilyRegularization
	default:
		return FamilyContainer
	}
}

// LayerSpec defines layer configuration.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Name   string      `json:"name"`
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	name       string
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. The input shape is
// [batch, features]; the batch size only matters for shape reporting.
func NewModelBuilder(name string, inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		name:       name,
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddLeakyReLU adds a Leaky ReLU activation to the model
// negativeSlope: slope for negative input values (default: 0.01)
func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float64, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LeakyReLU,
		Name: name,
		Parameters: map[string]interface{}{
			"negative_slope": negativeSlope,
		},
	})
}

// AddTanh adds a Tanh activation to the model
func (mb *ModelBuilder) AddTanh(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Tanh, Name: name})
}

// AddSigmoid adds a Sigmoid activation to the model
func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Sigmoid, Name: name})
}

// AddSoftmax adds a Softmax over the feature axis
func (mb *ModelBuilder) AddSoftmax(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Softmax, Name: name})
}

// AddLayerNorm adds layer normalization over the feature axis
// eps: small value added for numerical stability (default: 1e-5)
// affine: whether to use learnable scale and shift parameters
func (mb *ModelBuilder) AddLayerNorm(eps float64, affine bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LayerNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"eps":    eps,
			"affine": affine,
		},
	})
}

// AddDropout adds a Dropout layer to the model
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all)
func (mb *ModelBuilder) AddDropout(rate float64, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) != 2 {
		return nil, fmt.Errorf("input shape must be [batch, features], got %v", mb.inputShape)
	}

	model := &ModelSpec{
		Name:       mb.name,
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
	}
	copy(model.Layers, mb.layers)

	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)
	seen := make(map[string]bool, len(model.Layers))

	for i := range model.Layers {
		layer := &model.Layers[i]
		if layer.Name == "" {
			layer.Name = fmt.Sprintf("%d", i)
		}
		if seen[layer.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		seen[layer.Name] = true

		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, paramShapes, paramCount, err := mb.computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return mb.computeDenseInfo(layer, inputShape)
	case LayerNorm:
		return mb.computeLayerNormInfo(layer, inputShape)
	case ReLU, LeakyReLU, Tanh, Sigmoid, Softmax:
		return inputShape, nil, 0, nil
	case Dropout:
		rate := GetFloatParam(layer.Parameters, "rate", 0)
		if rate < 0 || rate >= 1 {
			return nil, nil, 0, fmt.Errorf("dropout rate must be in [0, 1), got %g", rate)
		}
		return inputShape, nil, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func (mb *ModelBuilder) computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outputSize := GetIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	inputSize := inputShape[1]
	layer.Parameters["input_size"] = inputSize

	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

// computeLayerNormInfo computes layer normalization information
func (mb *ModelBuilder) computeLayerNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	features := inputShape[1]
	layer.Parameters["num_features"] = features

	if !GetBoolParam(layer.Parameters, "affine", true) {
		return inputShape, nil, 0, nil
	}
	return inputShape, [][]int{{features}, {features}}, int64(2 * features), nil
}

// Summary returns a human readable description of the compiled model
func (ms *ModelSpec) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Model: %s\n", ms.Name)
	fmt.Fprintf(&sb, "Input shape: %v\n", ms.InputShape)
	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "  %d: %-10s %-12s %v -> %v params=%d\n",
			i, layer.Name, layer.Type.String(), layer.InputShape, layer.OutputShape, layer.ParameterCount)
	}
	fmt.Fprintf(&sb, "Output shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total parameters: %d\n", ms.TotalParameters)
	return sb.String()
}

// GetIntParam reads an int parameter that may have been decoded from JSON as float64.
func GetIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultValue
}

// GetBoolParam reads a bool parameter.
func GetBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}

// GetFloatParam reads a float parameter.
func GetFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return defaultValue
}
