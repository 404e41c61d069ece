package training

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/layers"
	"github.com/tsawler/repviz/tensor"
)

// Global random source for deterministic initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Module interface defines methods that all neural network layers must implement.
// Backward receives the gradient of the loss with respect to the module's last
// output and returns the gradient with respect to its input, accumulating
// parameter gradients along the way.
type Module interface {
	hooks.Node
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
	Train()
	Eval()
	IsTraining() bool
}

// Parameter is a trainable buffer and its accumulated gradient.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

func newParameter(name string, value *tensor.Tensor) *Parameter {
	grad, _ := tensor.Zeros(value.Shape)
	return &Parameter{Name: name, Value: value, Grad: grad}
}

// ZeroGrad resets the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Fill(0)
}

// leaf carries the state shared by every leaf module.
type leaf struct {
	hookPoints
	kind     layers.LayerType
	training bool
}

func (l *leaf) Kind() layers.LayerType { return l.kind }
func (l *leaf) IsLeaf() bool           { return true }
func (l *leaf) Train()                 { l.training = true }
func (l *leaf) Eval()                  { l.training = false }
func (l *leaf) IsTraining() bool       { return l.training }
func (l *leaf) Parameters() []*Parameter {
	return nil
}

func newLeaf(kind layers.LayerType) leaf {
	return leaf{kind: kind, training: true}
}

func expect2D(layer string, t *tensor.Tensor) error {
	if t == nil || len(t.Shape) != 2 {
		var shape []int
		if t != nil {
			shape = t.Shape
		}
		return fmt.Errorf("%s expects 2D input [batch_size, features], got shape %v", layer, shape)
	}
	return t.Validate()
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	leaf
	weight *Parameter
	bias   *Parameter
	input  *tensor.Tensor
	output *tensor.Tensor
}

// NewLinear creates a new Linear layer with Xavier/Glorot uniform weights
// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out))) and zero bias.
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid linear dimensions %dx%d", inputSize, outputSize)
	}
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))

	weightData := make([]float64, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = (globalRng.Float64()*2.0 - 1.0) * bound
	}
	weight, err := tensor.NewTensor([]int{inputSize, outputSize}, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}

	linear := &Linear{
		leaf:   newLeaf(layers.Dense),
		weight: newParameter("weight", weight),
	}
	if bias {
		biasT, err := tensor.Zeros([]int{outputSize})
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		linear.bias = newParameter("bias", biasT)
	}
	return linear, nil
}

// Forward writes into a buffer owned by the layer and reused across passes
// with the same batch size.
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expect2D("Linear", input); err != nil {
		return nil, err
	}
	inputSize, outputSize := l.weight.Value.Shape[0], l.weight.Value.Shape[1]
	if input.Shape[1] != inputSize {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", inputSize, input.Shape[1])
	}

	batch := input.Shape[0]
	if l.output == nil || l.output.Shape[0] != batch {
		l.output, _ = tensor.Zeros([]int{batch, outputSize})
	}

	x, _ := input.Matrix()
	w, _ := l.weight.Value.Matrix()
	out := mat.NewDense(batch, outputSize, l.output.Data)
	out.Mul(x, w)

	if l.bias != nil {
		for i := 0; i < batch; i++ {
			row := l.output.Row(i)
			for j := range row {
				row[j] += l.bias.Value.Data[j]
			}
		}
	}

	l.input = input
	l.fire(hooks.ForwardOutput, l.output)
	return l.output, nil
}

// Backward computes dW = xᵀg, db = Σ g and dx = g Wᵀ.
func (l *Linear) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("Linear backward called before forward")
	}
	l.fire(hooks.BackwardGradient, gradOutput)

	g, err := gradOutput.Matrix()
	if err != nil {
		return nil, err
	}
	x, _ := l.input.Matrix()
	w, _ := l.weight.Value.Matrix()

	var dw mat.Dense
	dw.Mul(x.T(), g)
	accumulate(l.weight.Grad.Data, dw.RawMatrix().Data)

	if l.bias != nil {
		rows, cols := g.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				l.bias.Grad.Data[j] += g.At(i, j)
			}
		}
	}

	var dx mat.Dense
	dx.Mul(g, w.T())
	return tensor.FromMatrix(&dx), nil
}

func (l *Linear) Parameters() []*Parameter {
	if l.bias == nil {
		return []*Parameter{l.weight}
	}
	return []*Parameter{l.weight, l.bias}
}

func accumulate(dst, src []float64) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// activation applies an elementwise function whose derivative is a
// function of the input x and output y.
type activation struct {
	leaf
	name   string
	fn     func(x float64) float64
	deriv  func(x, y float64) float64
	input  *tensor.Tensor
	output *tensor.Tensor
}

func (a *activation) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %v", a.name, err)
	}
	out := &tensor.Tensor{Shape: append([]int(nil), input.Shape...), Data: make([]float64, len(input.Data))}
	for i, v := range input.Data {
		out.Data[i] = a.fn(v)
	}
	a.input, a.output = input, out
	a.fire(hooks.ForwardOutput, out)
	return out, nil
}

func (a *activation) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if a.output == nil {
		return nil, fmt.Errorf("%s backward called before forward", a.name)
	}
	if len(gradOutput.Data) != len(a.output.Data) {
		return nil, fmt.Errorf("%s: gradient shape %v does not match output %v", a.name, gradOutput.Shape, a.output.Shape)
	}
	a.fire(hooks.BackwardGradient, gradOutput)

	dx := &tensor.Tensor{Shape: append([]int(nil), gradOutput.Shape...), Data: make([]float64, len(gradOutput.Data))}
	for i, g := range gradOutput.Data {
		dx.Data[i] = g * a.deriv(a.input.Data[i], a.output.Data[i])
	}
	return dx, nil
}

// ReLU activation
type ReLU struct{ activation }

// NewReLU creates a new ReLU activation
func NewReLU() *ReLU {
	return &ReLU{activation{
		leaf: newLeaf(layers.ReLU),
		name: "ReLU",
		fn:   func(x float64) float64 { return math.Max(0, x) },
		deriv: func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		},
	}}
}

// LeakyReLU activation with a configurable negative slope
type LeakyReLU struct{ activation }

// NewLeakyReLU creates a new LeakyReLU activation
func NewLeakyReLU(negativeSlope float64) *LeakyReLU {
	return &LeakyReLU{activation{
		leaf: newLeaf(layers.LeakyReLU),
		name: "LeakyReLU",
		fn: func(x float64) float64 {
			if x > 0 {
				return x
			}
			return negativeSlope * x
		},
		deriv: func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return negativeSlope
		},
	}}
}

// Tanh activation
type Tanh struct{ activation }

// NewTanh creates a new Tanh activation
func NewTanh() *Tanh {
	return &Tanh{activation{
		leaf:  newLeaf(layers.Tanh),
		name:  "Tanh",
		fn:    math.Tanh,
		deriv: func(_, y float64) float64 { return 1 - y*y },
	}}
}

// Sigmoid activation
type Sigmoid struct{ activation }

// NewSigmoid creates a new Sigmoid activation
func NewSigmoid() *Sigmoid {
	return &Sigmoid{activation{
		leaf:  newLeaf(layers.Sigmoid),
		name:  "Sigmoid",
		fn:    func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
		deriv: func(_, y float64) float64 { return y * (1 - y) },
	}}
}

// Softmax normalizes each row into a probability distribution.
type Softmax struct {
	leaf
	output *tensor.Tensor
}

// NewSoftmax creates a row-wise softmax
func NewSoftmax() *Softmax {
	return &Softmax{leaf: newLeaf(layers.Softmax)}
}

func (s *Softmax) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expect2D("Softmax", input); err != nil {
		return nil, err
	}
	out := &tensor.Tensor{Shape: []int{input.Shape[0], input.Shape[1]}, Data: make([]float64, len(input.Data))}
	for i := 0; i < input.Shape[0]; i++ {
		softmaxRow(out.Row(i), input.Row(i))
	}
	s.output = out
	s.fire(hooks.ForwardOutput, out)
	return out, nil
}

// Backward uses dx = y ⊙ (g − Σ g⊙y) per row.
func (s *Softmax) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if s.output == nil {
		return nil, fmt.Errorf("Softmax backward called before forward")
	}
	s.fire(hooks.BackwardGradient, gradOutput)

	dx := &tensor.Tensor{Shape: append([]int(nil), s.output.Shape...), Data: make([]float64, len(s.output.Data))}
	for i := 0; i < s.output.Shape[0]; i++ {
		y, g, d := s.output.Row(i), gradOutput.Row(i), dx.Row(i)
		dot := 0.0
		for j := range y {
			dot += g[j] * y[j]
		}
		for j := range y {
			d[j] = y[j] * (g[j] - dot)
		}
	}
	return dx, nil
}

func softmaxRow(dst, src []float64) {
	maxVal := math.Inf(-1)
	for _, v := range src {
		maxVal = math.Max(maxVal, v)
	}
	sum := 0.0
	for j, v := range src {
		dst[j] = math.Exp(v - maxVal)
		sum += dst[j]
	}
	for j := range dst {
		dst[j] /= sum
	}
}

// LayerNorm normalizes each sample over its features:
// y = γ (x − μ) / sqrt(σ² + eps) + β
type LayerNorm struct {
	leaf
	eps    float64
	gamma  *Parameter
	beta   *Parameter
	xhat   *tensor.Tensor
	invStd []float64
}

// NewLayerNorm creates layer normalization over numFeatures. Without affine
// the layer has no parameters.
func NewLayerNorm(numFeatures int, eps float64, affine bool) (*LayerNorm, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("invalid number of features %d", numFeatures)
	}
	if eps <= 0 {
		eps = 1e-5
	}
	ln := &LayerNorm{leaf: newLeaf(layers.LayerNorm), eps: eps}
	if affine {
		gamma, err := tensor.Full([]int{numFeatures}, 1)
		if err != nil {
			return nil, err
		}
		beta, _ := tensor.Zeros([]int{numFeatures})
		ln.gamma = newParameter("weight", gamma)
		ln.beta = newParameter("bias", beta)
	}
	return ln, nil
}

func (ln *LayerNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expect2D("LayerNorm", input); err != nil {
		return nil, err
	}
	if ln.gamma != nil && input.Shape[1] != ln.gamma.Value.Shape[0] {
		return nil, fmt.Errorf("LayerNorm expects %d features, got %d", ln.gamma.Value.Shape[0], input.Shape[1])
	}

	rows, cols := input.Shape[0], input.Shape[1]
	ln.xhat = &tensor.Tensor{Shape: []int{rows, cols}, Data: make([]float64, len(input.Data))}
	ln.invStd = make([]float64, rows)
	out := &tensor.Tensor{Shape: []int{rows, cols}, Data: make([]float64, len(input.Data))}

	for i := 0; i < rows; i++ {
		x := input.Row(i)
		mean, variance := 0.0, 0.0
		for _, v := range x {
			mean += v
		}
		mean /= float64(cols)
		for _, v := range x {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(cols)
		inv := 1 / math.Sqrt(variance+ln.eps)
		ln.invStd[i] = inv

		xh, y := ln.xhat.Row(i), out.Row(i)
		for j, v := range x {
			xh[j] = (v - mean) * inv
			y[j] = xh[j]
			if ln.gamma != nil {
				y[j] = ln.gamma.Value.Data[j]*xh[j] + ln.beta.Value.Data[j]
			}
		}
	}
	ln.fire(hooks.ForwardOutput, out)
	return out, nil
}

func (ln *LayerNorm) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if ln.xhat == nil {
		return nil, fmt.Errorf("LayerNorm backward called before forward")
	}
	ln.fire(hooks.BackwardGradient, gradOutput)

	rows, cols := ln.xhat.Shape[0], ln.xhat.Shape[1]
	n := float64(cols)
	dx := &tensor.Tensor{Shape: []int{rows, cols}, Data: make([]float64, rows*cols)}
	dxhat := make([]float64, cols)

	for i := 0; i < rows; i++ {
		g, xh := gradOutput.Row(i), ln.xhat.Row(i)
		sumD, sumDX := 0.0, 0.0
		for j := range g {
			dxhat[j] = g[j]
			if ln.gamma != nil {
				dxhat[j] *= ln.gamma.Value.Data[j]
				ln.gamma.Grad.Data[j] += g[j] * xh[j]
				ln.beta.Grad.Data[j] += g[j]
			}
			sumD += dxhat[j]
			sumDX += dxhat[j] * xh[j]
		}
		d := dx.Row(i)
		for j := range d {
			d[j] = ln.invStd[i] / n * (n*dxhat[j] - sumD - xh[j]*sumDX)
		}
	}
	return dx, nil
}

func (ln *LayerNorm) Parameters() []*Parameter {
	if ln.gamma == nil {
		return nil
	}
	return []*Parameter{ln.gamma, ln.beta}
}

// Dropout zeroes inputs with probability rate during training and scales the
// survivors by 1/(1-rate). In eval mode it is the identity.
type Dropout struct {
	leaf
	rate float64
	mask []float64
}

// NewDropout creates a Dropout layer
func NewDropout(rate float64) (*Dropout, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout rate must be in [0, 1), got %g", rate)
	}
	return &Dropout{leaf: newLeaf(layers.Dropout), rate: rate}, nil
}

func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("Dropout: %v", err)
	}
	out := &tensor.Tensor{Shape: append([]int(nil), input.Shape...), Data: make([]float64, len(input.Data))}
	d.mask = make([]float64, len(input.Data))

	scale := 1.0
	if d.training && d.rate > 0 {
		scale = 1 / (1 - d.rate)
	}
	for i, v := range input.Data {
		if d.training && d.rate > 0 && globalRng.Float64() < d.rate {
			continue
		}
		d.mask[i] = scale
		out.Data[i] = v * scale
	}
	d.fire(hooks.ForwardOutput, out)
	return out, nil
}

func (d *Dropout) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if d.mask == nil {
		return nil, fmt.Errorf("Dropout backward called before forward")
	}
	d.fire(hooks.BackwardGradient, gradOutput)

	dx := &tensor.Tensor{Shape: append([]int(nil), gradOutput.Shape...), Data: make([]float64, len(gradOutput.Data))}
	for i, g := range gradOutput.Data {
		dx.Data[i] = g * d.mask[i]
	}
	return dx, nil
}
