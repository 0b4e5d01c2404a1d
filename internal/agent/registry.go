// ABOUTME: Agent Registry: owns every agent record and enforces lifecycle transitions.
// ABOUTME: Deploys through a Launcher, selects capable agents, and emits status events.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-swarm/internal/events"
	"github.com/2389/coven-swarm/internal/launcher"
	"github.com/2389/coven-swarm/internal/profile"
)

var (
	// ErrUnknownType indicates a deploy for a type outside the profile table.
	ErrUnknownType = errors.New("unknown agent type")

	// ErrRegistryFull indicates the live agent count is at its limit.
	ErrRegistryFull = errors.New("agent registry full")

	// ErrInvalidTransition indicates a lifecycle step not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAgentNotFound indicates no live agent has the given id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrUnresponsive indicates an agent stopped heartbeating and could not be recovered.
	ErrUnresponsive = errors.New("agent unresponsive")
)

// historySize bounds how many terminated agents are remembered.
const historySize = 100

// Launcher brings agent processes up and down.
type Launcher interface {
	Launch(ctx context.Context, req launcher.Request) error
	Stop(ctx context.Context, agentID string) error
}

// Counts summarizes the live pool by status.
type Counts struct {
	Total        int `json:"total"`
	Initializing int `json:"initializing"`
	Ready        int `json:"ready"`
	Busy         int `json:"busy"`
	Idle         int `json:"idle"`
	Disconnected int `json:"disconnected"`
	Error        int `json:"error"`
}

// Registry tracks all agents. It is safe for concurrent use; callers that
// need multi-step consistency serialize through the task dispatcher.
type Registry struct {
	maxAgents int
	launcher  Launcher
	sink      events.Sink
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	agents  map[string]*Agent
	history []Agent
}

// NewRegistry creates a registry bounded at maxAgents live agents.
func NewRegistry(maxAgents int, l Launcher, sink events.Sink, logger *slog.Logger) *Registry {
	return &Registry{
		maxAgents: maxAgents,
		launcher:  l,
		sink:      sink,
		logger:    logger.With("component", "registry"),
		now:       time.Now,
		agents:    make(map[string]*Agent),
	}
}

// Deploy creates an agent of type t and brings it up through the launcher.
// On launcher failure the agent is left in error status and the error is
// returned alongside the snapshot.
func (r *Registry) Deploy(ctx context.Context, t profile.Type) (Agent, error) {
	if !t.Valid() {
		return Agent{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	r.mu.Lock()
	if r.liveLocked() >= r.maxAgents {
		r.mu.Unlock()
		return Agent{}, ErrRegistryFull
	}
	now := r.now()
	a := &Agent{
		ID:            "agent-" + uuid.New().String()[:8],
		Type:          t,
		Status:        StatusInitializing,
		DeployedAt:    now,
		LastHeartbeat: now,
		LastActivity:  now,
	}
	r.agents[a.ID] = a
	r.mu.Unlock()

	r.emit(a.clone(), "")
	r.logger.Info("deploying agent", "agent_id", a.ID, "type", t)

	return r.launch(ctx, a.ID)
}

// launch runs the launcher for id and moves it to ready or error.
func (r *Registry) launch(ctx context.Context, id string) (Agent, error) {
	r.mu.RLock()
	a, ok := r.agents[id]
	var req launcher.Request
	if ok {
		req = launcher.Request{AgentID: a.ID, AgentType: string(a.Type)}
	}
	r.mu.RUnlock()
	if !ok {
		return Agent{}, ErrAgentNotFound
	}

	launchErr := r.launcher.Launch(ctx, req)
	snap, err := r.settle(id, launchErr)
	if err != nil {
		return snap, err
	}
	if launchErr != nil {
		r.logger.Error("agent launch failed", "agent_id", id, "error", launchErr)
		return snap, fmt.Errorf("launch agent %s: %w", id, launchErr)
	}
	return snap, nil
}

// settle finishes a launch. An agent that already authenticated while the
// launcher ran has left initializing and is left as it is.
func (r *Registry) settle(id string, launchErr error) (Agent, error) {
	r.mu.RLock()
	a, ok := r.agents[id]
	pending := ok && a.Status == StatusInitializing
	var snap Agent
	if ok {
		snap = a.clone()
	}
	r.mu.RUnlock()

	switch {
	case !ok:
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	case !pending:
		return snap, nil
	case launchErr != nil:
		return r.transition(id, StatusError, nil)
	default:
		return r.transition(id, StatusReady, func(a *Agent) { a.LastHeartbeat = r.now() })
	}
}

// Adopt registers an agent that authenticated without being deployed here.
// An existing live agent with the same id is returned unchanged.
func (r *Registry) Adopt(id string, t profile.Type) (Agent, error) {
	if !t.Valid() {
		return Agent{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	r.mu.Lock()
	if a, ok := r.agents[id]; ok {
		snap := a.clone()
		r.mu.Unlock()
		if snap.Type != t {
			return snap, fmt.Errorf("agent %s registered as %s, not %s", id, snap.Type, t)
		}
		return snap, nil
	}
	if r.liveLocked() >= r.maxAgents {
		r.mu.Unlock()
		return Agent{}, ErrRegistryFull
	}
	now := r.now()
	a := &Agent{
		ID:            id,
		Type:          t,
		Status:        StatusReady,
		DeployedAt:    now,
		LastHeartbeat: now,
		LastActivity:  now,
	}
	r.agents[id] = a
	snap := a.clone()
	r.mu.Unlock()

	r.logger.Info("adopted agent", "agent_id", id, "type", t)
	r.emit(snap, "")
	return snap, nil
}

// Bind records that the agent's connection authenticated. Agents coming
// back from disconnected or error become idle.
func (r *Registry) Bind(id string) (Agent, error) {
	r.mu.RLock()
	a, ok := r.agents[id]
	var status Status
	if ok {
		status = a.Status
	}
	r.mu.RUnlock()
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	mark := func(a *Agent) {
		a.Connected = true
		a.LastHeartbeat = r.now()
		a.HighUsageSamples = 0
	}
	switch status {
	case StatusDisconnected, StatusError:
		return r.transition(id, StatusIdle, mark)
	case StatusInitializing:
		return r.transition(id, StatusReady, mark)
	default:
		return r.update(id, mark)
	}
}

// Unbind records that the agent's connection is gone without changing status.
func (r *Registry) Unbind(id string) {
	_, _ = r.update(id, func(a *Agent) { a.Connected = false })
}

// Register stores capabilities announced by the agent.
func (r *Registry) Register(id string, capabilities []string, version string) (Agent, error) {
	return r.update(id, func(a *Agent) {
		a.Capabilities = slices.Clone(capabilities)
		a.Version = version
	})
}

// MarkBusy moves the agent to busy with taskID as its current task.
func (r *Registry) MarkBusy(id, taskID string) (Agent, error) {
	return r.transition(id, StatusBusy, func(a *Agent) {
		a.CurrentTaskID = taskID
		a.TasksAssigned++
		a.LastActivity = r.now()
	})
}

// MarkIdle clears the agent's current task.
func (r *Registry) MarkIdle(id string) (Agent, error) {
	return r.transition(id, StatusIdle, func(a *Agent) {
		a.CurrentTaskID = ""
		a.LastActivity = r.now()
	})
}

// MarkError moves the agent to error status.
func (r *Registry) MarkError(id string) (Agent, error) {
	return r.transition(id, StatusError, func(a *Agent) { a.CurrentTaskID = "" })
}

// MarkDisconnected moves the agent to disconnected status.
func (r *Registry) MarkDisconnected(id string) (Agent, error) {
	return r.transition(id, StatusDisconnected, func(a *Agent) {
		a.Connected = false
		a.CurrentTaskID = ""
	})
}

// RecordCompletion counts a completed task.
func (r *Registry) RecordCompletion(id string) {
	_, _ = r.update(id, func(a *Agent) { a.TasksCompleted++ })
}

// RecordFailure counts a failed task attempt.
func (r *Registry) RecordFailure(id string) {
	_, _ = r.update(id, func(a *Agent) { a.TasksFailed++ })
}

// Heartbeat refreshes liveness and, when given, the reported usage.
func (r *Registry) Heartbeat(id string, usage *Usage) error {
	_, err := r.update(id, func(a *Agent) {
		a.LastHeartbeat = r.now()
		if usage != nil {
			a.Usage = *usage
		}
	})
	return err
}

// SampleUsage counts consecutive samples with usage above threshold and
// returns the running count. A sample at or below threshold resets it.
func (r *Registry) SampleUsage(id string, threshold float64) int {
	var n int
	_, _ = r.update(id, func(a *Agent) {
		if a.Usage.Max() > threshold {
			a.HighUsageSamples++
		} else {
			a.HighUsageSamples = 0
		}
		n = a.HighUsageSamples
	})
	return n
}

// ResetUsageSamples clears the high-usage counter for every live agent.
func (r *Registry) ResetUsageSamples() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		a.HighUsageSamples = 0
	}
}

// FindCapable returns the best connected, available agent for required. Agents whose
// skills cover every required tag rank first, then agents of the preferred
// type, then the least recently active. Agents in exclude are skipped.
func (r *Registry) FindCapable(required []string, preferred profile.Type, exclude func(id string) bool) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type candidate struct {
		agent   *Agent
		overlap int
	}
	var cands []candidate
	for _, a := range r.agents {
		if !a.Connected || !a.Status.Available() || a.CurrentTaskID != "" {
			continue
		}
		if exclude != nil && exclude(a.ID) {
			continue
		}
		n := overlap(a.Skills(), required)
		if n == 0 {
			continue
		}
		cands = append(cands, candidate{agent: a, overlap: n})
	}
	if len(cands) == 0 {
		return Agent{}, false
	}

	sort.Slice(cands, func(i, j int) bool {
		ci, cj := cands[i], cands[j]
		fi, fj := ci.overlap == len(required), cj.overlap == len(required)
		if fi != fj {
			return fi
		}
		if ci.overlap != cj.overlap {
			return ci.overlap > cj.overlap
		}
		pi, pj := ci.agent.Type == preferred, cj.agent.Type == preferred
		if pi != pj {
			return pi
		}
		if !ci.agent.LastActivity.Equal(cj.agent.LastActivity) {
			return ci.agent.LastActivity.Before(cj.agent.LastActivity)
		}
		return ci.agent.ID < cj.agent.ID
	})
	return cands[0].agent.clone(), true
}

func overlap(skills, required []string) int {
	n := 0
	for _, s := range required {
		if slices.Contains(skills, s) {
			n++
		}
	}
	return n
}

// Terminate stops the agent's process, marks it terminated and moves it to
// history. The terminated snapshot is returned.
func (r *Registry) Terminate(ctx context.Context, id string) (Agent, error) {
	snap, err := r.transition(id, StatusTerminated, func(a *Agent) {
		a.Connected = false
		a.CurrentTaskID = ""
		a.TerminatedAt = r.now()
	})
	if err != nil {
		return snap, err
	}

	r.mu.Lock()
	delete(r.agents, id)
	r.history = append(r.history, snap)
	if len(r.history) > historySize {
		r.history = r.history[len(r.history)-historySize:]
	}
	r.mu.Unlock()

	if err := r.launcher.Stop(ctx, id); err != nil && !errors.Is(err, launcher.ErrNotRunning) {
		r.logger.Warn("stop agent process", "agent_id", id, "error", err)
	}
	r.logger.Info("agent terminated", "agent_id", id)
	return snap, nil
}

// Restart re-runs the deploy lifecycle for id: the process is stopped and
// launched again, and the agent returns to ready or lands in error.
func (r *Registry) Restart(ctx context.Context, id string) (Agent, error) {
	if _, err := r.transition(id, StatusInitializing, func(a *Agent) {
		a.Restarts++
		a.Connected = false
		a.CurrentTaskID = ""
	}); err != nil {
		return Agent{}, err
	}

	if err := r.launcher.Stop(ctx, id); err != nil && !errors.Is(err, launcher.ErrNotRunning) {
		r.logger.Warn("stop agent process for restart", "agent_id", id, "error", err)
	}
	r.logger.Info("restarting agent", "agent_id", id)
	return r.launch(ctx, id)
}

// ClearRestarts resets the restart counter once an agent is healthy again.
func (r *Registry) ClearRestarts(id string) {
	_, _ = r.update(id, func(a *Agent) { a.Restarts = 0 })
}

// Get returns a snapshot of a live agent.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return a.clone(), true
}

// List returns snapshots of all live agents ordered by deploy time.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeployedAt.Equal(out[j].DeployedAt) {
			return out[i].DeployedAt.Before(out[j].DeployedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History returns recently terminated agents, oldest first.
func (r *Registry) History() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, len(r.history))
	copy(out, r.history)
	return out
}

// Counts tallies live agents by status.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c Counts
	for _, a := range r.agents {
		c.Total++
		switch a.Status {
		case StatusInitializing:
			c.Initializing++
		case StatusReady:
			c.Ready++
		case StatusBusy:
			c.Busy++
		case StatusIdle:
			c.Idle++
		case StatusDisconnected:
			c.Disconnected++
		case StatusError:
			c.Error++
		}
	}
	return c
}

// Capacity returns how many more agents may be deployed.
func (r *Registry) Capacity() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return max(0, r.maxAgents-r.liveLocked())
}

func (r *Registry) liveLocked() int {
	return len(r.agents)
}

// transition moves id to status "to", applying mutate under the lock.
func (r *Registry) transition(id string, to Status, mutate func(*Agent)) (Agent, error) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	from := a.Status
	if !CanTransition(from, to) {
		snap := a.clone()
		r.mu.Unlock()
		return snap, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	a.Status = to
	if mutate != nil {
		mutate(a)
	}
	snap := a.clone()
	r.mu.Unlock()

	r.logger.Debug("agent status changed", "agent_id", id, "from", from, "to", to)
	r.emit(snap, from)
	return snap, nil
}

// update applies mutate without a status change.
func (r *Registry) update(id string, mutate func(*Agent)) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	mutate(a)
	return a.clone(), nil
}

func (r *Registry) emit(a Agent, from Status) {
	data := map[string]any{
		"type":   string(a.Type),
		"status": string(a.Status),
	}
	if from != "" {
		data["from"] = string(from)
	}
	r.sink.Publish(events.New(events.AgentStatus, a.ID, data))
}
