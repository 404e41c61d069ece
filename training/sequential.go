package training

import (
	"fmt"
	"strconv"

	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/layers"
	"github.com/tsawler/repviz/tensor"
)

// Sequential runs named child modules in order. It is both a Module and a
// hooks.Graph; nested Sequentials produce dotted names such as "ffn.2".
type Sequential struct {
	hookPoints
	names    []string
	modules  []Module
	training bool
}

var (
	_ Module                = (*Sequential)(nil)
	_ hooks.Graph           = (*Sequential)(nil)
	_ hooks.ParameterSource = (*Sequential)(nil)
)

// NewSequential creates a container whose children are named by index.
func NewSequential(modules ...Module) *Sequential {
	s := &Sequential{training: true}
	for _, m := range modules {
		s.Add(m)
	}
	return s
}

// Add appends a module named by its index.
func (s *Sequential) Add(module Module) {
	s.AddNamed(strconv.Itoa(len(s.modules)), module)
}

// AddNamed appends a module under an explicit name.
func (s *Sequential) AddNamed(name string, module Module) {
	s.names = append(s.names, name)
	s.modules = append(s.modules, module)
}

// Len returns the number of direct children.
func (s *Sequential) Len() int { return len(s.modules) }

// Child returns the direct child at index i.
func (s *Sequential) Child(i int) (string, Module) { return s.names[i], s.modules[i] }

func (s *Sequential) Kind() layers.LayerType { return layers.Sequential }
func (s *Sequential) IsLeaf() bool           { return len(s.modules) == 0 }

// Forward runs every child in order. Container probes see the final output.
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	for i, module := range s.modules {
		var err error
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %s forward failed: %w", s.names[i], err)
		}
	}
	s.fire(hooks.ForwardOutput, output)
	return output, nil
}

// Backward runs children in reverse order.
func (s *Sequential) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	s.fire(hooks.BackwardGradient, gradOutput)
	grad := gradOutput
	for i := len(s.modules) - 1; i >= 0; i-- {
		var err error
		grad, err = s.modules[i].Backward(grad)
		if err != nil {
			return nil, fmt.Errorf("module %s backward failed: %w", s.names[i], err)
		}
	}
	return grad, nil
}

func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

func (s *Sequential) IsTraining() bool {
	return s.training
}

// Walk visits every descendant depth-first in definition order. The
// container itself is not visited.
func (s *Sequential) Walk(fn func(name string, n hooks.Node) bool) {
	s.walk("", fn)
}

func (s *Sequential) walk(prefix string, fn func(string, hooks.Node) bool) bool {
	for i, module := range s.modules {
		name := s.names[i]
		if prefix != "" {
			name = prefix + "." + name
		}
		if !fn(name, module) {
			return false
		}
		if child, ok := module.(*Sequential); ok {
			if !child.walk(name, fn) {
				return false
			}
		}
	}
	return true
}

// NamedParameters returns every parameter under its dotted name, e.g.
// "ffn.2.weight".
func (s *Sequential) NamedParameters() []hooks.NamedTensor {
	return s.named(func(p *Parameter) *tensor.Tensor { return p.Value })
}

// NamedGradients returns the gradient buffer of every parameter under the
// names used by NamedParameters.
func (s *Sequential) NamedGradients() []hooks.NamedTensor {
	return s.named(func(p *Parameter) *tensor.Tensor { return p.Grad })
}

func (s *Sequential) named(pick func(*Parameter) *tensor.Tensor) []hooks.NamedTensor {
	var out []hooks.NamedTensor
	s.Walk(func(name string, n hooks.Node) bool {
		if !n.IsLeaf() {
			return true
		}
		module, ok := n.(Module)
		if !ok {
			return true
		}
		for _, p := range module.Parameters() {
			out = append(out, hooks.NamedTensor{Name: name + "." + p.Name, Tensor: pick(p)})
		}
		return true
	})
	return out
}

// ZeroGrad resets every parameter gradient.
func (s *Sequential) ZeroGrad() {
	for _, p := range s.Parameters() {
		p.ZeroGrad()
	}
}
