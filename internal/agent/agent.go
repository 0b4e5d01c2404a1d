// ABOUTME: Agent record and lifecycle status table
// ABOUTME: Transitions not listed in the table are rejected

package agent

import (
	"slices"
	"time"

	"github.com/2389/coven-swarm/internal/profile"
)

// Status is an agent lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusBusy         Status = "busy"
	StatusIdle         Status = "idle"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusTerminated   Status = "terminated"
)

var transitions = map[Status][]Status{
	StatusInitializing: {StatusReady, StatusError, StatusTerminated},
	StatusReady:        {StatusBusy, StatusIdle, StatusDisconnected, StatusError, StatusInitializing, StatusTerminated},
	StatusBusy:         {StatusIdle, StatusDisconnected, StatusError, StatusInitializing, StatusTerminated},
	StatusIdle:         {StatusBusy, StatusDisconnected, StatusError, StatusInitializing, StatusTerminated},
	StatusDisconnected: {StatusIdle, StatusError, StatusInitializing, StatusTerminated},
	StatusError:        {StatusIdle, StatusInitializing, StatusTerminated},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Available reports whether an agent in status s may take a task.
func (s Status) Available() bool {
	return s == StatusReady || s == StatusIdle
}

// Live reports whether s counts toward the pool size.
func (s Status) Live() bool {
	return s != StatusTerminated
}

// Usage is an agent's last reported resource usage, in percent.
type Usage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Max returns the larger of the two usage figures.
func (u Usage) Max() float64 {
	return max(u.CPUPercent, u.MemoryPercent)
}

// Agent is a snapshot of one worker agent. Values returned by the Registry
// are copies and may be read freely.
type Agent struct {
	ID               string       `json:"id"`
	Type             profile.Type `json:"type"`
	Status           Status       `json:"status"`
	Connected        bool         `json:"connected"`
	TasksAssigned    int          `json:"tasks_assigned"`
	TasksCompleted   int          `json:"tasks_completed"`
	TasksFailed      int          `json:"tasks_failed"`
	CurrentTaskID    string       `json:"current_task_id,omitempty"`
	Capabilities     []string     `json:"capabilities,omitempty"`
	Version          string       `json:"version,omitempty"`
	Usage            Usage        `json:"usage"`
	HighUsageSamples int          `json:"high_usage_samples"`
	Restarts         int          `json:"restarts"`
	DeployedAt       time.Time    `json:"deployed_at"`
	LastHeartbeat    time.Time    `json:"last_heartbeat"`
	LastActivity     time.Time    `json:"last_activity"`
	TerminatedAt     time.Time    `json:"terminated_at,omitzero"`
}

// Skills returns the agent's profile skills plus any capabilities it
// registered itself.
func (a Agent) Skills() []string {
	p, _ := profile.Lookup(a.Type)
	skills := p.Skills
	for _, c := range a.Capabilities {
		if !slices.Contains(skills, c) {
			skills = append(skills, c)
		}
	}
	return skills
}

func (a *Agent) clone() Agent {
	out := *a
	out.Capabilities = slices.Clone(a.Capabilities)
	return out
}
