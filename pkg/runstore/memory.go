package runstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*memory)(nil)

type memory struct {
	log   logrus.FieldLogger
	mu    sync.RWMutex
	runs  map[string]*Run
	order []string
}

// NewMemory creates a store that keeps runs in process memory. History is
// lost on restart.
func NewMemory(log logrus.FieldLogger) Store {
	return &memory{
		log:  log.WithField("component", "runstore"),
		runs: make(map[string]*Run, 64),
	}
}

func (m *memory) Start(_ context.Context) error {
	m.log.WithField("driver", "memory").Info("Run store ready")

	return nil
}

func (m *memory) Stop() error {
	return nil
}

func (m *memory) Create(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, run.ID)
	}

	m.runs[run.ID] = run.Clone()
	m.order = append(m.order, run.ID)

	return nil
}

func (m *memory) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return run.Clone(), nil
}

// Update runs fn against a copy and swaps it in, so readers never observe
// a partially applied mutation.
func (m *memory) Update(_ context.Context, id string, fn Mutator) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	next.ID = id
	m.runs[id] = next

	return next.Clone(), nil
}

func (m *memory) List(_ context.Context) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Run, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.runs[id].Clone())
	}

	return out, nil
}
