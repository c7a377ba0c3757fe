package connector

import (
	"context"
	"sync"

	"github.com/shiftgig/petri-dish/internal/model"
)

// Memory keeps a table in memory. Reads and writes copy.
type Memory struct {
	mu sync.Mutex
	t  *model.Table
}

// NewMemory returns a Memory connector holding t. A nil t reads as
// ErrNotFound until the first Write.
func NewMemory(t *model.Table) *Memory {
	m := &Memory{}
	if t != nil {
		m.t = t.Clone()
	}
	return m
}

// Read returns a copy of the stored table.
func (m *Memory) Read(_ context.Context) (*model.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.t == nil {
		return nil, ErrNotFound
	}
	return m.t.Clone(), nil
}

// Write replaces the stored table with a copy of t.
func (m *Memory) Write(_ context.Context, t *model.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = t.Clone()
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
