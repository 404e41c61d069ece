package hooks

import (
	"log/slog"

	"github.com/tsawler/repviz/faults"
)

// Handle is one attachment of one signal kind at one node.
type Handle struct {
	id       uint64
	name     string
	kind     SignalKind
	detach   func()
	released bool
	registry *Registry
}

// Name returns the dotted name of the node the handle is attached to.
func (h *Handle) Name() string { return h.name }

// Kind returns the signal kind the handle observes.
func (h *Handle) Kind() SignalKind { return h.kind }

// Released reports whether the probe has been removed.
func (h *Handle) Released() bool { return h.released }

// Release removes the probe. Releasing twice is a no-op.
func (h *Handle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	if h.detach != nil {
		h.detach()
	}
	if h.registry != nil {
		delete(h.registry.handles, h.id)
	}
}

// Registry attaches probes for a single sink and tracks every handle it
// created so they can be torn down together. It is not safe for concurrent
// use; probes fire on the goroutine that drives the graph.
type Registry struct {
	sink    Sink
	handles map[uint64]*Handle
	order   []uint64
	nextID  uint64
	logger  *slog.Logger
}

// NewRegistry creates a registry delivering to sink.
func NewRegistry(sink Sink, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sink:    sink,
		handles: make(map[uint64]*Handle),
		logger:  logger,
	}
}

// Register attaches a probe of the given kind to every leaf matched by sel.
// No match is not an error and yields an empty slice.
func (r *Registry) Register(g Graph, sel Selector, kind SignalKind) ([]*Handle, error) {
	if !kind.Attachable() {
		return nil, faults.Newf(faults.CodeInvalidArgument, faults.CategoryValidation,
			"signal kind %s cannot be attached to nodes", kind)
	}
	if g == nil || sel == nil {
		return nil, faults.New(faults.CodeInvalidArgument, faults.CategoryValidation, "graph and selector are required")
	}

	handles := make([]*Handle, 0)
	g.Walk(func(name string, n Node) bool {
		if !n.IsLeaf() || !sel.Match(name, n) {
			return true
		}
		r.nextID++
		h := &Handle{
			id:       r.nextID,
			name:     name,
			kind:     kind,
			registry: r,
		}
		h.detach = n.Attach(Probe{Name: name, Kind: kind, Sink: r.sink})
		r.handles[h.id] = h
		r.order = append(r.order, h.id)
		handles = append(handles, h)
		return true
	})

	r.logger.Debug("hooks registered",
		slog.String("selector", sel.String()),
		slog.String("kind", kind.String()),
		slog.Int("count", len(handles)))
	return handles, nil
}

// Unregister releases the given handles. Stale handles are ignored.
func (r *Registry) Unregister(handles ...*Handle) {
	for _, h := range handles {
		h.Release()
	}
	r.compact()
}

// UnregisterAll releases every live handle created by this registry.
func (r *Registry) UnregisterAll() {
	count := 0
	for _, id := range r.order {
		if h, ok := r.handles[id]; ok {
			h.Release()
			count++
		}
	}
	r.order = r.order[:0]
	if count > 0 {
		r.logger.Debug("hooks released", slog.Int("count", count))
	}
}

// Active returns the number of live handles.
func (r *Registry) Active() int {
	return len(r.handles)
}

// Handles returns the live handles in registration order.
func (r *Registry) Handles() []*Handle {
	out := make([]*Handle, 0, len(r.handles))
	for _, id := range r.order {
		if h, ok := r.handles[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

func (r *Registry) compact() {
	kept := r.order[:0]
	for _, id := range r.order {
		if _, ok := r.handles[id]; ok {
			kept = append(kept, id)
		}
	}
	r.order = kept
}
