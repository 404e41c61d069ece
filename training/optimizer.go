package training

import (
	"math"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// SGD implements Stochastic Gradient Descent with optional momentum and
// weight decay.
type SGD struct {
	parameters   []*Parameter
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   map[*Parameter][]float64
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*Parameter, lr, momentum, weightDecay float64) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		velocities:   make(map[*Parameter][]float64),
	}
	if momentum > 0 {
		for _, p := range parameters {
			sgd.velocities[p] = make([]float64, len(p.Value.Data))
		}
	}
	return sgd
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	for _, p := range sgd.parameters {
		velocity := sgd.velocities[p]
		for i, g := range p.Grad.Data {
			if sgd.weightDecay != 0 {
				g += sgd.weightDecay * p.Value.Data[i]
			}
			if velocity != nil {
				velocity[i] = sgd.momentum*velocity[i] + g
				g = velocity[i]
			}
			p.Value.Data[i] -= sgd.learningRate * g
		}
	}
	return nil
}

// ZeroGrad resets gradients for all parameters
func (sgd *SGD) ZeroGrad() {
	for _, p := range sgd.parameters {
		p.ZeroGrad()
	}
}

func (sgd *SGD) GetLR() float64   { return sgd.learningRate }
func (sgd *SGD) SetLR(lr float64) { sgd.learningRate = lr }

// Adam implements the Adam optimizer with bias-corrected moments.
type Adam struct {
	parameters   []*Parameter
	learningRate float64
	beta1        float64
	beta2        float64
	eps          float64
	weightDecay  float64
	step         int
	m            map[*Parameter][]float64
	v            map[*Parameter][]float64
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*Parameter, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:   parameters,
		learningRate: lr,
		beta1:        beta1,
		beta2:        beta2,
		eps:          eps,
		weightDecay:  weightDecay,
		m:            make(map[*Parameter][]float64),
		v:            make(map[*Parameter][]float64),
	}
	for _, p := range parameters {
		adam.m[p] = make([]float64, len(p.Value.Data))
		adam.v[p] = make([]float64, len(p.Value.Data))
	}
	return adam
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.step++
	bc1 := 1 - math.Pow(adam.beta1, float64(adam.step))
	bc2 := 1 - math.Pow(adam.beta2, float64(adam.step))

	for _, p := range adam.parameters {
		m, v := adam.m[p], adam.v[p]
		for i, g := range p.Grad.Data {
			if adam.weightDecay != 0 {
				g += adam.weightDecay * p.Value.Data[i]
			}
			m[i] = adam.beta1*m[i] + (1-adam.beta1)*g
			v[i] = adam.beta2*v[i] + (1-adam.beta2)*g*g
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			p.Value.Data[i] -= adam.learningRate * mHat / (math.Sqrt(vHat) + adam.eps)
		}
	}
	return nil
}

// ZeroGrad resets gradients for all parameters
func (adam *Adam) ZeroGrad() {
	for _, p := range adam.parameters {
		p.ZeroGrad()
	}
}

func (adam *Adam) GetLR() float64   { return adam.learningRate }
func (adam *Adam) SetLR(lr float64) { adam.learningRate = lr }
