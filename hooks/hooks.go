// Package hooks attaches capture probes to the leaf nodes of a model graph.
//
// A Graph exposes its nodes through a deterministic Walk. Registering a
// selector against a graph attaches one Probe per matching leaf; every probe
// delivers its buffer to the single Sink owned by the Registry. Handles are
// released individually or all at once with UnregisterAll.
package hooks

import (
	"fmt"
	"strings"

	"github.com/tsawler/repviz/layers"
	"github.com/tsawler/repviz/tensor"
)

// SignalKind identifies what a probe observes.
type SignalKind int

const (
	ForwardOutput SignalKind = iota
	BackwardGradient
	ParameterSnapshot
	ParameterGradient
)

func (k SignalKind) String() string {
	switch k {
	case ForwardOutput:
		return "forward"
	case BackwardGradient:
		return "backward"
	case ParameterSnapshot:
		return "parameter"
	case ParameterGradient:
		return "parameter_gradient"
	default:
		return "unknown"
	}
}

// Attachable reports whether probes of this kind can be attached to nodes.
// Parameter snapshots and parameter gradients are pulled from the model
// instead.
func (k SignalKind) Attachable() bool {
	return k == ForwardOutput || k == BackwardGradient
}

// ParseSignalKind parses the String form of a kind.
func ParseSignalKind(s string) (SignalKind, error) {
	switch strings.ToLower(s) {
	case "forward", "activations", "activation":
		return ForwardOutput, nil
	case "backward", "gradients", "gradient":
		return BackwardGradient, nil
	case "parameter", "weights", "weight":
		return ParameterSnapshot, nil
	case "parameter_gradient", "param_grads", "grad_snapshots":
		return ParameterGradient, nil
	}
	return 0, fmt.Errorf("unknown signal kind %q", s)
}

// Sink receives every buffer observed by the probes of a registry.
// The buffer belongs to the graph and may be overwritten by the next pass;
// implementations that keep it must copy.
type Sink interface {
	OnSignal(name string, kind SignalKind, buf *tensor.Tensor)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(name string, kind SignalKind, buf *tensor.Tensor)

func (f SinkFunc) OnSignal(name string, kind SignalKind, buf *tensor.Tensor) {
	f(name, kind, buf)
}

// Probe is one attachment request handed to a node.
type Probe struct {
	Name string
	Kind SignalKind
	Sink Sink
}

// Fire delivers buf to the probe's sink.
func (p Probe) Fire(buf *tensor.Tensor) {
	p.Sink.OnSignal(p.Name, p.Kind, buf)
}

// Node is one addressable point of a model graph.
type Node interface {
	Kind() layers.LayerType
	IsLeaf() bool
	// Attach installs the probe and returns the function that removes it.
	// Attaching the same kind twice installs two independent probes.
	Attach(p Probe) (detach func())
}

// Graph exposes nodes as (dotted name, node) pairs. Walk must visit nodes in
// the same order on every call and stop when fn returns false.
type Graph interface {
	Walk(fn func(name string, n Node) bool)
}

// NamedTensor pairs a parameter name with its live buffer.
type NamedTensor struct {
	Name   string
	Tensor *tensor.Tensor
}

// ParameterSource exposes a model's parameters in a stable order.
type ParameterSource interface {
	NamedParameters() []NamedTensor
}

// GradientSource exposes the gradient accumulated on each parameter, under
// the same names and in the same order as NamedParameters.
type GradientSource interface {
	NamedGradients() []NamedTensor
}

// LeafInfo describes one leaf node.
type LeafInfo struct {
	Name string           `json:"name"`
	Type layers.LayerType `json:"-"`
}

// Leaves lists the leaf nodes of g in walk order.
func Leaves(g Graph) []LeafInfo {
	var out []LeafInfo
	g.Walk(func(name string, n Node) bool {
		if n.IsLeaf() {
			out = append(out, LeafInfo{Name: name, Type: n.Kind()})
		}
		return true
	})
	return out
}

// LeafTypes lists the distinct leaf types in first-seen order.
func LeafTypes(g Graph) []layers.LayerType {
	seen := make(map[layers.LayerType]bool)
	var out []layers.LayerType
	for _, leaf := range Leaves(g) {
		if !seen[leaf.Type] {
			seen[leaf.Type] = true
			out = append(out, leaf.Type)
		}
	}
	return out
}

// GroupByType maps each leaf type to the names of its leaves.
func GroupByType(g Graph) map[layers.LayerType][]string {
	out := make(map[layers.LayerType][]string)
	for _, leaf := range Leaves(g) {
		out[leaf.Type] = append(out[leaf.Type], leaf.Name)
	}
	return out
}
