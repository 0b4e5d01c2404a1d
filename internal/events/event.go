// ABOUTME: Swarm event type and the Sink interface components publish through
// ABOUTME: Includes a logging sink, a fan-out sink, and a recording sink for tests

package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event kinds.
const (
	AgentStatus         = "agent.status"
	AgentAlert          = "agent.alert"
	TaskSubmitted       = "task.submitted"
	TaskAssigned        = "task.assigned"
	TaskProgress        = "task.progress"
	TaskCompleted       = "task.completed"
	TaskRetry           = "task.retry"
	TaskFailedPermanent = "task.failed-permanent"
	TaskCancelled       = "task.cancelled"
	TaskTimeout         = "task.timeout"
	SwarmScaled         = "swarm.scaled"
	SwarmAgentRestarted = "swarm.agent-restarted"
	SwarmAgentUnhealthy = "swarm.agent-unhealthy"
	OperatorAction      = "operator.action"
)

// Event is a status change or notable occurrence in the swarm.
type Event struct {
	Kind    string         `json:"kind"`
	Subject string         `json:"subject"`
	Time    time.Time      `json:"time"`
	Data    map[string]any `json:"data,omitempty"`
}

// New builds an event stamped with the current time.
func New(kind, subject string, data map[string]any) Event {
	return Event{Kind: kind, Subject: subject, Time: time.Now().UTC(), Data: data}
}

// Sink receives swarm events. Publish must not block for long; it is
// called while coordinator state is being mutated.
type Sink interface {
	Publish(Event)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging at debug level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "events")}
}

// Publish logs the event.
func (s *LogSink) Publish(e Event) {
	s.logger.Debug("event", "kind", e.Kind, "subject", e.Subject, "data", e.Data)
}

// Multi fans an event out to several sinks.
type Multi []Sink

// Publish forwards e to every sink.
func (m Multi) Publish(e Event) {
	for _, s := range m {
		s.Publish(e)
	}
}

// Discard drops every event.
type Discard struct{}

// Publish does nothing.
func (Discard) Publish(Event) {}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records e.
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the recorded event kinds in order.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

// Has reports whether an event of kind for subject was recorded.
func (r *Recorder) Has(kind, subject string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind && e.Subject == subject {
			return true
		}
	}
	return false
}
