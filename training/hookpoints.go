package training

import (
	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/tensor"
)

// hookPoints holds the probes attached to one module. Probes fire in
// attachment order.
type hookPoints struct {
	probes []attachedProbe
	nextID int
}

type attachedProbe struct {
	id    int
	probe hooks.Probe
}

// Attach implements hooks.Node.
func (h *hookPoints) Attach(p hooks.Probe) func() {
	h.nextID++
	id := h.nextID
	h.probes = append(h.probes, attachedProbe{id: id, probe: p})
	return func() {
		for i, ap := range h.probes {
			if ap.id == id {
				h.probes = append(h.probes[:i], h.probes[i+1:]...)
				return
			}
		}
	}
}

// ProbeCount returns the number of attached probes.
func (h *hookPoints) ProbeCount() int {
	return len(h.probes)
}

func (h *hookPoints) fire(kind hooks.SignalKind, buf *tensor.Tensor) {
	if len(h.probes) == 0 {
		return
	}
	// a probe may detach itself while firing
	snapshot := make([]attachedProbe, len(h.probes))
	copy(snapshot, h.probes)
	for _, ap := range snapshot {
		if ap.probe.Kind == kind {
			ap.probe.Fire(buf)
		}
	}
}
