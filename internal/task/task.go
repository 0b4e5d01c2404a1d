// ABOUTME: Task model: priorities, lifecycle status, and submission validation
// ABOUTME: Tasks are owned by the Queue and mutated only through the Dispatcher

package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/2389/coven-swarm/internal/profile"
)

var (
	// ErrTaskNotFound indicates no active or recent task has the given id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTask indicates a submission that failed validation.
	ErrInvalidTask = errors.New("invalid task")

	// ErrAgentUnavailable indicates no capable agent could take a task yet.
	// It is informational: the task stays queued.
	ErrAgentUnavailable = errors.New("no capable agent available")

	// ErrTaskTimeout indicates a task ran past the task timeout.
	ErrTaskTimeout = errors.New("task timed out")

	// ErrRetryExhausted indicates a task failed more times than its retry limit.
	ErrRetryExhausted = errors.New("retries exhausted")

	// ErrNotAssigned indicates a report about a task from an agent that does not hold it.
	ErrNotAssigned = errors.New("task not assigned to agent")

	// ErrTaskFinished indicates an operation on a task that already reached a terminal status.
	ErrTaskFinished = errors.New("task already finished")

	// ErrDraining indicates the coordinator is shutting down and takes no new tasks.
	ErrDraining = errors.New("dispatcher draining")
)

// Priority orders pending tasks.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// priorities lists tiers from most to least urgent.
var priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority converts s to a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(strings.ToLower(s))
	if !slices.Contains(priorities, p) {
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, s)
	}
	return p, nil
}

// tier returns the index of p in priorities.
func (p Priority) tier() int {
	return slices.Index(priorities, p)
}

// Status is a task lifecycle state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAssigned        Status = "assigned"
	StatusInProgress      Status = "in-progress"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusFailedPermanent Status = "failed-permanent"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailedPermanent || s == StatusCancelled
}

// Active reports whether an agent holds a task in status s.
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusInProgress
}

// Task is a unit of work. Values returned by the Dispatcher are copies.
type Task struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	RequiredSkills []string        `json:"required_skills"`
	PreferredType  profile.Type    `json:"preferred_type,omitempty"`
	Priority       Priority        `json:"priority"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         Status          `json:"status"`
	AgentID        string          `json:"agent_id,omitempty"`

	RetryCount     int     `json:"retry_count"`
	MaxRetries     int     `json:"max_retries"`
	Attempts       int     `json:"attempts"`
	TotalSteps     int     `json:"total_steps,omitempty"`
	CompletedSteps int     `json:"completed_steps,omitempty"`
	Progress       float64 `json:"progress"`
	Message        string  `json:"message,omitempty"`

	Result    json.RawMessage `json:"result,omitempty"`
	LastError string          `json:"last_error,omitempty"`

	EstimatedManual time.Duration `json:"estimated_manual"`

	SubmittedAt   time.Time `json:"submitted_at"`
	AssignedAt    time.Time `json:"assigned_at,omitzero"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
	FailedAt      time.Time `json:"failed_at,omitzero"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`
}

func (t *Task) clone() Task {
	out := *t
	out.RequiredSkills = slices.Clone(t.RequiredSkills)
	out.Payload = slices.Clone(t.Payload)
	out.Result = slices.Clone(t.Result)
	return out
}

// SubmitRequest describes a task to enqueue.
type SubmitRequest struct {
	Type           string          `json:"type"`
	RequiredSkills []string        `json:"required_skills"`
	PreferredType  string          `json:"preferred_type,omitempty"`
	Priority       string          `json:"priority,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TotalSteps     int             `json:"total_steps,omitempty"`
	// MaxRetries lowers the configured retry limit when positive. It never
	// raises it.
	MaxRetries int `json:"max_retries,omitempty"`
}

// validate checks req against maxPayload and returns the parsed priority.
func (req SubmitRequest) validate(maxPayload int) (Priority, profile.Type, error) {
	if strings.TrimSpace(req.Type) == "" {
		return "", "", fmt.Errorf("%w: type is required", ErrInvalidTask)
	}
	if len(req.RequiredSkills) == 0 {
		return "", "", fmt.Errorf("%w: at least one required skill is needed", ErrInvalidTask)
	}
	for _, s := range req.RequiredSkills {
		if strings.TrimSpace(s) == "" {
			return "", "", fmt.Errorf("%w: empty skill tag", ErrInvalidTask)
		}
	}
	prio, err := ParsePriority(req.Priority)
	if err != nil {
		return "", "", err
	}
	var preferred profile.Type
	if req.PreferredType != "" {
		if preferred, err = profile.Parse(req.PreferredType); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidTask, err)
		}
	}
	if len(req.Payload) > 0 {
		if maxPayload > 0 && len(req.Payload) > maxPayload {
			return "", "", fmt.Errorf("%w: payload is %d bytes, limit %d", ErrInvalidTask, len(req.Payload), maxPayload)
		}
		if !json.Valid(req.Payload) {
			return "", "", fmt.Errorf("%w: payload is not valid JSON", ErrInvalidTask)
		}
	}
	if req.TotalSteps < 0 || req.MaxRetries < 0 {
		return "", "", fmt.Errorf("%w: negative counts", ErrInvalidTask)
	}
	return prio, preferred, nil
}
