// ABOUTME: Store interface and query types for swarm history persistence
// ABOUTME: Finished tasks, retired agents and swarm events outlive the in-memory pool

package store

import (
	"context"
	"errors"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/events"
	"github.com/2389/coven-swarm/internal/task"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

const (
	defaultLimit = 50
	maxLimit     = 500
)

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status  task.Status
	AgentID string
	Limit   int // 1-500, defaults to 50
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	Kind    string
	Subject string
	Limit   int // 1-500, defaults to 50
}

// Store persists swarm history.
type Store interface {
	// SaveTask inserts or replaces the task with t.ID.
	SaveTask(ctx context.Context, t task.Task) error
	GetTask(ctx context.Context, id string) (task.Task, error)
	// ListTasks returns tasks newest first.
	ListTasks(ctx context.Context, f TaskFilter) ([]task.Task, error)

	// SaveAgent inserts or replaces the agent with a.ID.
	SaveAgent(ctx context.Context, a agent.Agent) error
	// ListAgents returns agents most recently deployed first.
	ListAgents(ctx context.Context, limit int) ([]agent.Agent, error)

	SaveEvents(ctx context.Context, evs []events.Event) error
	// ListEvents returns events newest first.
	ListEvents(ctx context.Context, f EventFilter) ([]events.Event, error)

	Close() error
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return min(n, maxLimit)
}
