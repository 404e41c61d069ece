package collector

import (
	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/tensor"
)

// Snapshot is a detached copy of a buffer captured at one instant.
// The tensor is owned by the collector and must not be mutated.
type Snapshot struct {
	Name   string
	Kind   hooks.SignalKind
	Step   int
	Tensor *tensor.Tensor
}

// Entry is the stored history of one name. In latest-only mode it holds at
// most one snapshot.
type Entry struct {
	Name      string
	Snapshots []Snapshot
}

// Latest returns the newest snapshot.
func (e Entry) Latest() Snapshot {
	return e.Snapshots[len(e.Snapshots)-1]
}

// Len returns the number of snapshots held.
func (e Entry) Len() int {
	return len(e.Snapshots)
}

// Store maps node names to snapshot histories, remembering the order in
// which names were first captured.
type Store struct {
	order   []string
	entries map[string][]Snapshot
}

func newStore() *Store {
	return &Store{entries: make(map[string][]Snapshot)}
}

// Names returns the captured names in first-capture order.
func (s *Store) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Get returns the entry for name and whether it exists.
func (s *Store) Get(name string) (Entry, bool) {
	snaps, ok := s.entries[name]
	if !ok || len(snaps) == 0 {
		return Entry{}, false
	}
	out := make([]Snapshot, len(snaps))
	copy(out, snaps)
	return Entry{Name: name, Snapshots: out}, true
}

// Len returns the number of names held.
func (s *Store) Len() int {
	return len(s.order)
}

func (s *Store) put(snap Snapshot, retention Retention) {
	snaps, ok := s.entries[snap.Name]
	if !ok {
		s.order = append(s.order, snap.Name)
	}

	if retention.Mode == LatestOnly {
		s.entries[snap.Name] = []Snapshot{snap}
		return
	}

	snaps = append(snaps, snap)
	if retention.MaxHistory > 0 && len(snaps) > retention.MaxHistory {
		// drop the oldest; copy so the evicted tensors can be collected
		trimmed := make([]Snapshot, retention.MaxHistory)
		copy(trimmed, snaps[len(snaps)-retention.MaxHistory:])
		snaps = trimmed
	}
	s.entries[snap.Name] = snaps
}

func (s *Store) remove(name string) bool {
	if _, ok := s.entries[name]; !ok {
		return false
	}
	delete(s.entries, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}
