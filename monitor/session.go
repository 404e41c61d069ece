package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Session owns everything one monitored run needs: the model, its monitor
// and the collector behind it. Sessions are created and torn down explicitly;
// nothing is shared between them.
type Session struct {
	ID      string
	Name    string
	Model   Model
	Monitor *Monitor
	Created time.Time
}

// NewSession creates a session for model. opts.ModelName defaults to name.
func NewSession(name string, model Model, opts Options) *Session {
	if opts.ModelName == "" {
		opts.ModelName = name
	}
	return &Session{
		ID:      uuid.NewString(),
		Name:    name,
		Model:   model,
		Monitor: New(opts),
		Created: time.Now(),
	}
}

// Run starts the monitor, calls fn and stops the monitor even when fn fails.
func (s *Session) Run(ctx context.Context, plan Plan, fn func(ctx context.Context, m *Monitor) error) (err error) {
	if err := s.Monitor.Start(s.Model, plan); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Monitor.Stop())
	}()
	return fn(ctx, s.Monitor)
}

// Close stops the monitor, releasing any probes still attached.
func (s *Session) Close() error {
	return s.Monitor.Stop()
}
