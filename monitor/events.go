package monitor

import (
	"encoding/json"
	"time"
)

// Event types.
const (
	EventStep  = "step"
	EventState = "state"
)

// Event is published to subscribers after every step and state change.
type Event struct {
	Type     string        `json:"type"`
	Model    string        `json:"model"`
	Step     int           `json:"step"`
	State    string        `json:"state"`
	Captured int           `json:"captured,omitempty"`
	Failures int           `json:"failures,omitempty"`
	Duration time.Duration `json:"-"`
	Time     time.Time     `json:"time"`
}

// MarshalJSON renders the step duration in milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	return json.Marshal(struct {
		plain
		DurationMS float64 `json:"duration_ms,omitempty"`
	}{plain(e), float64(e.Duration) / float64(time.Millisecond)})
}

// Subscribe registers fn for every subsequent event and returns a function
// that removes it. fn runs on the goroutine driving the model and must not
// block.
func (m *Monitor) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) emit(e Event) {
	e.Model = m.opts.ModelName
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	m.mu.Lock()
	subs := make([]func(Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}
