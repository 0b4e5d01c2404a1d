// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/events"
	"github.com/2389/coven-swarm/internal/task"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	tasks  map[string]task.Task
	agents map[string]agent.Agent
	events []events.Event

	// Err, when set, is returned from every write.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tasks:  make(map[string]task.Task),
		agents: make(map[string]agent.Agent),
	}
}

// SaveTask stores a copy of t.
func (m *MockStore) SaveTask(_ context.Context, t task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	t.RequiredSkills = slices.Clone(t.RequiredSkills)
	m.tasks[t.ID] = t
	return nil
}

// GetTask retrieves a task by ID.
func (m *MockStore) GetTask(_ context.Context, id string) (task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.Task{}, ErrNotFound
	}
	return t, nil
}

// ListTasks returns tasks matching f, newest first.
func (m *MockStore) ListTasks(_ context.Context, f TaskFilter) ([]task.Task, error) {
	m.mu.RLock()
	var out []task.Task
	for _, t := range m.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.AgentID != "" && t.AgentID != f.AgentID {
			continue
		}
		out = append(out, t)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.After(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	if n := clampLimit(f.Limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// SaveAgent stores a copy of a.
func (m *MockStore) SaveAgent(_ context.Context, a agent.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	a.Capabilities = slices.Clone(a.Capabilities)
	m.agents[a.ID] = a
	return nil
}

// ListAgents returns agents most recently deployed first.
func (m *MockStore) ListAgents(_ context.Context, limit int) ([]agent.Agent, error) {
	m.mu.RLock()
	out := make([]agent.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeployedAt.Equal(out[j].DeployedAt) {
			return out[i].DeployedAt.After(out[j].DeployedAt)
		}
		return out[i].ID < out[j].ID
	})
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// SaveEvents appends evs.
func (m *MockStore) SaveEvents(_ context.Context, evs []events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, evs...)
	return nil
}

// ListEvents returns events matching f, newest first.
func (m *MockStore) ListEvents(_ context.Context, f EventFilter) ([]events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []events.Event
	for i := len(m.events) - 1; i >= 0 && len(out) < clampLimit(f.Limit); i-- {
		e := m.events[i]
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.Subject != "" && e.Subject != f.Subject {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
