// ABOUTME: Dispatcher: the single serialized mutation path for tasks and agents.
// ABOUTME: Assigns pending tasks to capable agents, drives retries, timeouts and reassignment.

package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/channel"
	"github.com/2389/coven-swarm/internal/events"
	"github.com/2389/coven-swarm/internal/profile"
)

// maxRetryDelay caps the exponential retry backoff.
const maxRetryDelay = time.Hour

// Sender delivers messages to connected agents and drops their connections.
type Sender interface {
	SendToAgent(agentID string, m channel.Outbound) bool
	Disconnect(agentID, reason string) bool
}

// History persists finished tasks and terminated agents.
type History interface {
	SaveTask(ctx context.Context, t Task) error
	SaveAgent(ctx context.Context, a agent.Agent) error
}

// Config holds dispatcher policy.
type Config struct {
	MaxRetries      int
	RetryBase       time.Duration
	Timeout         time.Duration
	MaxPayloadBytes int
	HistorySize     int
	// OnDemand deploys one agent when a submission finds no capable agent.
	OnDemand bool
	// AutoRegister adopts agents that authenticate without a prior deploy.
	AutoRegister   bool
	HourlyRate     float64
	ManualEstimate func(taskType string) time.Duration
}

// Stats are the dispatcher's running totals.
type Stats struct {
	Pending         int           `json:"pending"`
	Retrying        int           `json:"retrying"`
	InProgress      int           `json:"in_progress"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	Cancelled       int           `json:"cancelled"`
	FailedAttempts  int           `json:"failed_attempts"`
	TotalCompletion time.Duration `json:"total_completion"`
	SavedTime       time.Duration `json:"saved_time"`
	Savings         float64       `json:"savings"`
}

// delivery is a message to send once the lock is released.
type delivery struct {
	agentID string
	taskID  string
	attempt int
	msg     channel.Outbound
}

// Dispatcher owns the queue and serializes every task and agent mutation.
type Dispatcher struct {
	cfg      Config
	registry *agent.Registry
	sender   Sender
	sink     events.Sink
	history  History
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	queue    *Queue
	timeouts map[string]*time.Timer
	retries  map[string]*time.Timer
	stats    Stats
	draining bool
	closed   bool
}

// NewDispatcher creates a dispatcher. history may be nil.
func NewDispatcher(cfg Config, registry *agent.Registry, sender Sender, sink events.Sink, history History, logger *slog.Logger) *Dispatcher {
	if cfg.ManualEstimate == nil {
		cfg.ManualEstimate = func(string) time.Duration { return 0 }
	}
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		sender:   sender,
		sink:     sink,
		history:  history,
		logger:   logger.With("component", "dispatcher"),
		now:      time.Now,
		queue:    NewQueue(cfg.HistorySize),
		timeouts: make(map[string]*time.Timer),
		retries:  make(map[string]*time.Timer),
	}
}

// Registry returns the agent registry the dispatcher mutates.
func (d *Dispatcher) Registry() *agent.Registry {
	return d.registry
}

// Submit validates and enqueues a task, assigning it immediately when a
// capable agent is free. With on-demand scaling, a submission that finds no
// capable agent deploys at most one agent of the inferred type. A task left
// pending is not an error.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (Task, error) {
	prio, preferred, err := req.validate(d.cfg.MaxPayloadBytes)
	if err != nil {
		return Task{}, err
	}

	maxRetries := d.cfg.MaxRetries
	if req.MaxRetries > 0 {
		maxRetries = min(req.MaxRetries, d.cfg.MaxRetries)
	}

	d.mu.Lock()
	if d.draining || d.closed {
		d.mu.Unlock()
		return Task{}, ErrDraining
	}
	t := &Task{
		ID:              uuid.New().String(),
		Type:            req.Type,
		RequiredSkills:  append([]string(nil), req.RequiredSkills...),
		PreferredType:   preferred,
		Priority:        prio,
		Payload:         req.Payload,
		Status:          StatusPending,
		MaxRetries:      maxRetries,
		TotalSteps:      req.TotalSteps,
		EstimatedManual: d.cfg.ManualEstimate(req.Type),
		SubmittedAt:     d.now(),
	}
	d.queue.add(t)
	d.emit(events.TaskSubmitted, t.ID, map[string]any{"type": t.Type, "priority": string(t.Priority)})
	d.logger.Info("task submitted", "task_id", t.ID, "type", t.Type, "priority", t.Priority, "skills", t.RequiredSkills)

	out := d.scheduleLocked()
	if t.Status == StatusPending && d.cfg.OnDemand {
		if d.scaleForLocked(ctx, t) {
			out = append(out, d.scheduleLocked()...)
		}
	}
	if t.Status == StatusPending {
		d.logger.Debug("task queued", "task_id", t.ID, "reason", ErrAgentUnavailable)
	}
	snap := t.clone()
	d.mu.Unlock()

	d.flush(out)
	return snap, nil
}

// scaleForLocked deploys one agent able to run t unless one is already
// on its way up. Reports whether an agent was deployed.
func (d *Dispatcher) scaleForLocked(ctx context.Context, t *Task) bool {
	typ, ok := profile.Infer(t.RequiredSkills)
	if !ok {
		return false
	}
	for _, a := range d.registry.List() {
		if a.Type == typ && !a.Connected && (a.Status == agent.StatusInitializing || a.Status == agent.StatusReady) {
			return false
		}
	}
	a, err := d.registry.Deploy(ctx, typ)
	if err != nil {
		d.logger.Info("on-demand scale-out skipped", "task_id", t.ID, "type", typ, "error", err)
		return false
	}
	d.emit(events.SwarmScaled, a.ID, map[string]any{"type": string(typ), "reason": "on-demand", "task_id": t.ID})
	return true
}

// scheduleLocked assigns pending tasks, highest priority first, to free
// capable agents and returns the deliveries to send.
func (d *Dispatcher) scheduleLocked() []delivery {
	if d.draining {
		return nil
	}
	var out []delivery
	for _, t := range d.queue.pending() {
		a, ok := d.registry.FindCapable(t.RequiredSkills, t.PreferredType, nil)
		if !ok {
			continue
		}
		if dl, ok := d.assignLocked(t, a); ok {
			out = append(out, dl)
		}
	}
	return out
}

func (d *Dispatcher) assignLocked(t *Task, a agent.Agent) (delivery, bool) {
	if _, err := d.registry.MarkBusy(a.ID, t.ID); err != nil {
		d.logger.Warn("cannot mark agent busy", "agent_id", a.ID, "error", err)
		return delivery{}, false
	}
	d.queue.unqueue(t)
	now := d.now()
	t.Status = StatusAssigned
	t.AgentID = a.ID
	t.AssignedAt = now
	t.StartedAt = time.Time{}
	t.Attempts++
	d.startTimeoutLocked(t)

	d.emit(events.TaskAssigned, t.ID, map[string]any{"agent_id": a.ID, "attempt": t.RetryCount + 1})
	d.logger.Info("task assigned", "task_id", t.ID, "agent_id", a.ID, "attempt", t.RetryCount+1)

	return delivery{
		agentID: a.ID,
		taskID:  t.ID,
		attempt: t.Attempts,
		msg: channel.TaskAssignment{
			TaskID:         t.ID,
			TaskType:       t.Type,
			RequiredSkills: t.RequiredSkills,
			Priority:       string(t.Priority),
			Payload:        t.Payload,
			Attempt:        t.RetryCount + 1,
			Deadline:       now.Add(d.cfg.Timeout).UnixMilli(),
		},
	}, true
}

// flush sends deliveries outside the lock. A task whose assignment cannot
// be delivered returns to the head of its tier without a retry penalty and
// its agent is marked disconnected; scheduling then runs again.
func (d *Dispatcher) flush(out []delivery) {
	for len(out) > 0 {
		var failed []delivery
		for _, dl := range out {
			if !d.sender.SendToAgent(dl.agentID, dl.msg) && dl.taskID != "" {
				failed = append(failed, dl)
			}
		}
		if len(failed) == 0 {
			return
		}

		d.mu.Lock()
		for _, dl := range failed {
			d.undeliverableLocked(dl)
		}
		out = d.scheduleLocked()
		d.mu.Unlock()
	}
}

func (d *Dispatcher) undeliverableLocked(dl delivery) {
	t, ok := d.queue.get(dl.taskID)
	if !ok || t.AgentID != dl.agentID || t.Attempts != dl.attempt || !t.Status.Active() {
		return
	}
	d.logger.Warn("task delivery failed", "task_id", t.ID, "agent_id", dl.agentID)
	if _, err := d.registry.MarkDisconnected(dl.agentID); err != nil {
		d.logger.Debug("mark disconnected", "agent_id", dl.agentID, "error", err)
	}
	d.requeueLocked(t)
}

// requeueLocked returns an active task to the head of its tier. The attempt
// does not count against the retry limit.
func (d *Dispatcher) requeueLocked(t *Task) {
	d.stopTimeoutLocked(t.ID)
	t.Status = StatusPending
	t.AgentID = ""
	t.AssignedAt = time.Time{}
	t.StartedAt = time.Time{}
	t.Progress = 0
	t.CompletedSteps = 0
	d.queue.pushFront(t)
}

// lookupHeld returns taskID if agentID currently holds it.
func (d *Dispatcher) lookupHeld(agentID, taskID string) (*Task, error) {
	t, ok := d.queue.get(taskID)
	if !ok {
		if _, known := d.queue.lookup(taskID); known {
			return nil, fmt.Errorf("%w: %s", ErrTaskFinished, taskID)
		}
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.AgentID != agentID || !t.Status.Active() {
		return nil, fmt.Errorf("%w: %s", ErrNotAssigned, taskID)
	}
	return t, nil
}

// HandleProgress records progress reported by agentID.
func (d *Dispatcher) HandleProgress(agentID string, m *channel.TaskProgress) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.lookupHeld(agentID, m.TaskID)
	if err != nil {
		return err
	}
	if t.Status == StatusAssigned {
		t.Status = StatusInProgress
		t.StartedAt = d.now()
	}
	t.Progress = min(max(m.Progress, 0), 100)
	t.Message = m.Message
	if m.TotalSteps != nil {
		t.TotalSteps = *m.TotalSteps
	}
	if m.CompletedSteps != nil {
		t.CompletedSteps = *m.CompletedSteps
	}
	d.emit(events.TaskProgress, t.ID, map[string]any{"progress": t.Progress, "completed_steps": t.CompletedSteps, "total_steps": t.TotalSteps})
	return nil
}

// HandleCompleted finishes a task reported done by agentID.
func (d *Dispatcher) HandleCompleted(agentID string, m *channel.TaskCompleted) error {
	d.mu.Lock()
	t, err := d.lookupHeld(agentID, m.TaskID)
	if err != nil {
		d.mu.Unlock()
		return err
	}

	d.stopTimeoutLocked(t.ID)
	now := d.now()
	t.Status = StatusCompleted
	t.CompletedAt = now
	t.Result = m.Result
	t.Progress = 100
	if t.TotalSteps > 0 {
		t.CompletedSteps = t.TotalSteps
	}

	actual := now.Sub(t.AssignedAt)
	saved := max(t.EstimatedManual-actual, 0)
	d.stats.Completed++
	d.stats.TotalCompletion += actual
	d.stats.SavedTime += saved
	d.stats.Savings += saved.Hours() * d.cfg.HourlyRate

	d.registry.RecordCompletion(agentID)
	d.freeAgentLocked(agentID)
	d.queue.finish(t)
	d.persistLocked(t)
	d.emit(events.TaskCompleted, t.ID, map[string]any{"agent_id": agentID, "duration_ms": actual.Milliseconds()})
	d.logger.Info("task completed", "task_id", t.ID, "agent_id", agentID, "duration", actual)

	out := d.scheduleLocked()
	d.mu.Unlock()

	d.flush(out)
	return nil
}

// HandleFailed records a failed attempt reported by agentID and schedules a
// retry or fails the task permanently.
func (d *Dispatcher) HandleFailed(agentID string, m *channel.TaskFailed) error {
	d.mu.Lock()
	t, err := d.lookupHeld(agentID, m.TaskID)
	if err != nil {
		d.mu.Unlock()
		return err
	}

	d.stopTimeoutLocked(t.ID)
	d.registry.RecordFailure(agentID)
	d.freeAgentLocked(agentID)
	retryable := m.Retryable == nil || *m.Retryable
	d.failLocked(t, m.Error, retryable)

	out := d.scheduleLocked()
	d.mu.Unlock()

	d.flush(out)
	return nil
}

// failLocked applies the retry policy to an active task. A retry waits
// RetryBase * 2^retries before the task is pending again.
func (d *Dispatcher) failLocked(t *Task, reason string, retryable bool) {
	now := d.now()
	t.LastError = reason
	t.FailedAt = now
	t.AgentID = ""
	d.stats.FailedAttempts++

	if !retryable || t.RetryCount >= t.MaxRetries {
		t.Status = StatusFailedPermanent
		if retryable {
			t.LastError = fmt.Errorf("%w after %d retries: %s", ErrRetryExhausted, t.RetryCount, reason).Error()
		}
		d.stats.Failed++
		d.queue.finish(t)
		d.persistLocked(t)
		d.emit(events.TaskFailedPermanent, t.ID, map[string]any{"error": t.LastError, "retries": t.RetryCount})
		d.logger.Warn("task failed permanently", "task_id", t.ID, "retries", t.RetryCount, "error", reason)
		return
	}

	delay := backoff(d.cfg.RetryBase, t.RetryCount)
	t.RetryCount++
	t.Status = StatusFailed
	t.NextAttemptAt = now.Add(delay)
	id := t.ID
	d.retries[id] = time.AfterFunc(delay, func() { d.retry(id) })

	d.emit(events.TaskRetry, t.ID, map[string]any{"error": reason, "retry": t.RetryCount, "delay_ms": delay.Milliseconds()})
	d.logger.Info("task will retry", "task_id", t.ID, "retry", t.RetryCount, "delay", delay, "error", reason)
}

// backoff returns base * 2^retry, saturating at maxRetryDelay.
func backoff(base time.Duration, retry int) time.Duration {
	if base <= 0 {
		return 0
	}
	if retry >= 32 || base > maxRetryDelay>>retry {
		return maxRetryDelay
	}
	return base << retry
}

// retry returns a task in backoff to the pending queue.
func (d *Dispatcher) retry(id string) {
	d.mu.Lock()
	delete(d.retries, id)
	t, ok := d.queue.get(id)
	if d.closed || !ok || t.Status != StatusFailed {
		d.mu.Unlock()
		return
	}
	t.Status = StatusPending
	t.NextAttemptAt = time.Time{}
	d.queue.pushBack(t)
	out := d.scheduleLocked()
	d.mu.Unlock()

	d.flush(out)
}

func (d *Dispatcher) startTimeoutLocked(t *Task) {
	if d.cfg.Timeout <= 0 {
		return
	}
	id, attempt := t.ID, t.Attempts
	d.timeouts[id] = time.AfterFunc(d.cfg.Timeout, func() { d.timeout(id, attempt) })
}

func (d *Dispatcher) stopTimeoutLocked(id string) {
	if tm, ok := d.timeouts[id]; ok {
		tm.Stop()
		delete(d.timeouts, id)
	}
}

// timeout force-fails an attempt still held past the task timeout.
func (d *Dispatcher) timeout(id string, attempt int) {
	d.mu.Lock()
	t, ok := d.queue.get(id)
	if d.closed || !ok || t.Attempts != attempt || !t.Status.Active() {
		d.mu.Unlock()
		return
	}
	delete(d.timeouts, id)
	agentID := t.AgentID

	d.logger.Warn("task timed out", "task_id", id, "agent_id", agentID, "timeout", d.cfg.Timeout)
	d.emit(events.TaskTimeout, id, map[string]any{"agent_id": agentID})
	d.registry.RecordFailure(agentID)
	d.freeAgentLocked(agentID)
	d.failLocked(t, ErrTaskTimeout.Error(), true)

	out := []delivery{{agentID: agentID, msg: channel.TaskCancel{TaskID: id, Reason: ErrTaskTimeout.Error()}}}
	out = append(out, d.scheduleLocked()...)
	d.mu.Unlock()

	d.flush(out)
}

// freeAgentLocked returns a busy agent to idle.
func (d *Dispatcher) freeAgentLocked(agentID string) {
	a, ok := d.registry.Get(agentID)
	if !ok || a.Status != agent.StatusBusy {
		return
	}
	if _, err := d.registry.MarkIdle(agentID); err != nil {
		d.logger.Warn("mark agent idle", "agent_id", agentID, "error", err)
	}
}

// releaseAgentLocked returns every task agentID holds to the queue.
func (d *Dispatcher) releaseAgentLocked(agentID string) {
	for _, t := range d.queue.heldBy(agentID) {
		d.logger.Info("reassigning task", "task_id", t.ID, "from_agent", agentID)
		d.requeueLocked(t)
	}
}

// AgentConnected binds an authenticated agent, adopting unknown ids when
// auto-registration is on, and schedules pending work onto it.
func (d *Dispatcher) AgentConnected(agentID string, typ profile.Type) error {
	d.mu.Lock()
	a, known := d.registry.Get(agentID)
	var err error
	switch {
	case !known && !d.cfg.AutoRegister:
		err = fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
	case !known:
		_, err = d.registry.Adopt(agentID, typ)
	case a.Type != typ:
		err = fmt.Errorf("agent %s is registered as %s", agentID, a.Type)
	}
	if err != nil {
		d.mu.Unlock()
		return err
	}

	// A reconnecting agent holds nothing; anything it had is reassigned.
	d.releaseAgentLocked(agentID)
	if a, _ := d.registry.Get(agentID); a.Status == agent.StatusBusy {
		_, _ = d.registry.MarkIdle(agentID)
	}
	if _, err := d.registry.Bind(agentID); err != nil {
		d.mu.Unlock()
		return err
	}
	out := d.scheduleLocked()
	d.mu.Unlock()

	d.flush(out)
	return nil
}

// AgentDisconnected stops assigning to agentID, then returns its tasks to
// the queue for other agents.
func (d *Dispatcher) AgentDisconnected(agentID, reason string) {
	d.mu.Lock()
	a, ok := d.registry.Get(agentID)
	if !ok {
		d.mu.Unlock()
		return
	}
	d.registry.Unbind(agentID)
	if agent.CanTransition(a.Status, agent.StatusDisconnected) {
		if _, err := d.registry.MarkDisconnected(agentID); err != nil {
			d.logger.Warn("mark disconnected", "agent_id", agentID, "error", err)
		}
	}
	d.logger.Info("agent disconnected", "agent_id", agentID, "reason", reason)
	d.releaseAgentLocked(agentID)
	out := d.scheduleLocked()
	d.mu.Unlock()

	d.flush(out)
}

// AgentHeartbeat refreshes liveness and usage for agentID.
func (d *Dispatcher) AgentHeartbeat(agentID string, usage *agent.Usage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registry.Heartbeat(agentID, usage)
}

// AgentRegistered stores announced capabilities and schedules work that
// may now match.
func (d *Dispatcher) AgentRegistered(agentID string, capabilities []string, version string) error {
	d.mu.Lock()
	if _, err := d.registry.Register(agentID, capabilities, version); err != nil {
		d.mu.Unlock()
		return err
	}
	out := d.scheduleLocked()
	d.mu.Unlock()

	d.flush(out)
	return nil
}

// AgentAlert records an alert. Critical alerts put the agent in error and
// reassign its work.
func (d *Dispatcher) AgentAlert(agentID string, m *channel.AgentAlert) error {
	d.mu.Lock()
	if _, ok := d.registry.Get(agentID); !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
	}
	d.emit(events.AgentAlert, agentID, map[string]any{"severity": m.Severity, "message": m.Message, "alert_type": m.AlertType})
	d.logger.Warn("agent alert", "agent_id", agentID, "severity", m.Severity, "alert_type", m.AlertType, "message", m.Message)

	var out []delivery
	if m.Severity == "critical" {
		d.markErrorLocked(agentID)
		out = d.scheduleLocked()
	}
	d.mu.Unlock()

	d.flush(out)
	return nil
}

// MarkAgentError puts agentID in error status and reassigns its tasks.
func (d *Dispatcher) MarkAgentError(agentID string) error {
	d.mu.Lock()
	err := d.markErrorLocked(agentID)
	out := d.scheduleLocked()
	d.mu.Unlock()

	d.flush(out)
	return err
}

func (d *Dispatcher) markErrorLocked(agentID string) error {
	if _, err := d.registry.MarkError(agentID); err != nil {
		return err
	}
	d.releaseAgentLocked(agentID)
	return nil
}

// DeployAgent deploys one agent of type typ.
func (d *Dispatcher) DeployAgent(ctx context.Context, typ profile.Type, reason string) (agent.Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, err := d.registry.Deploy(ctx, typ)
	if err != nil {
		return a, err
	}
	d.emit(events.SwarmScaled, a.ID, map[string]any{"type": string(typ), "reason": reason})
	return a, nil
}

// TerminateAgent removes agentID from the pool and reassigns its tasks.
func (d *Dispatcher) TerminateAgent(ctx context.Context, agentID string) (agent.Agent, error) {
	d.mu.Lock()
	a, err := d.registry.Terminate(ctx, agentID)
	if err != nil {
		d.mu.Unlock()
		return a, err
	}
	d.releaseAgentLocked(agentID)
	if d.history != nil {
		if err := d.history.SaveAgent(ctx, a); err != nil {
			d.logger.Warn("persist agent", "agent_id", agentID, "error", err)
		}
	}
	out := d.scheduleLocked()
	d.mu.Unlock()

	d.flush(out)
	return a, nil
}

// TerminateIfIdle terminates agentID only if it is still idle. Reports
// whether it was terminated.
func (d *Dispatcher) TerminateIfIdle(ctx context.Context, agentID string) bool {
	d.mu.Lock()
	a, ok := d.registry.Get(agentID)
	if !ok || a.Status != agent.StatusIdle {
		d.mu.Unlock()
		return false
	}
	snap, err := d.registry.Terminate(ctx, agentID)
	if err == nil && d.history != nil {
		if err := d.history.SaveAgent(ctx, snap); err != nil {
			d.logger.Warn("persist agent", "agent_id", agentID, "error", err)
		}
	}
	d.mu.Unlock()
	return err == nil
}

// RestartAgent reassigns agentID's tasks, drops its connection and re-runs
// its deploy lifecycle. The agent gets work again once it reconnects.
func (d *Dispatcher) RestartAgent(ctx context.Context, agentID string) (agent.Agent, error) {
	d.mu.Lock()
	d.releaseAgentLocked(agentID)
	a, err := d.registry.Restart(ctx, agentID)
	out := d.scheduleLocked()
	d.mu.Unlock()

	d.sender.Disconnect(agentID, "restarting")
	d.flush(out)
	return a, err
}

// Cancel withdraws a task that has not finished. An agent holding it is
// told to stop and freed.
func (d *Dispatcher) Cancel(id string) (Task, error) {
	d.mu.Lock()
	t, ok := d.queue.get(id)
	if !ok {
		_, known := d.queue.lookup(id)
		d.mu.Unlock()
		if known {
			return Task{}, fmt.Errorf("%w: %s", ErrTaskFinished, id)
		}
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	var out []delivery
	switch {
	case t.Status.Active():
		d.stopTimeoutLocked(id)
		out = append(out, delivery{agentID: t.AgentID, msg: channel.TaskCancel{TaskID: id, Reason: "cancelled"}})
		d.freeAgentLocked(t.AgentID)
	case t.Status == StatusFailed:
		if tm, ok := d.retries[id]; ok {
			tm.Stop()
			delete(d.retries, id)
		}
	}
	t.Status = StatusCancelled
	t.AgentID = ""
	d.stats.Cancelled++
	d.queue.finish(t)
	d.persistLocked(t)
	d.emit(events.TaskCancelled, id, nil)
	d.logger.Info("task cancelled", "task_id", id)

	snap := t.clone()
	out = append(out, d.scheduleLocked()...)
	d.mu.Unlock()

	d.flush(out)
	return snap, nil
}

// Status returns a snapshot of an active or recently finished task.
func (d *Dispatcher) Status(id string) (Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.queue.lookup(id)
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// List returns active tasks and recent history, optionally filtered by
// status. Active tasks come first in submission order.
func (d *Dispatcher) List(status Status) []Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Task
	for _, t := range d.queue.active {
		if status == "" || t.Status == status {
			out = append(out, t.clone())
		}
	}
	sortBySubmission(out)
	for i := len(d.queue.history) - 1; i >= 0; i-- {
		h := d.queue.history[i]
		if status == "" || h.Status == status {
			out = append(out, h.clone())
		}
	}
	return out
}

// Stats returns the current task counts and running totals.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.stats
	s.Pending, s.Retrying, s.InProgress = 0, 0, 0
	for _, t := range d.queue.active {
		switch {
		case t.Status == StatusPending:
			s.Pending++
		case t.Status == StatusFailed:
			s.Retrying++
		case t.Status.Active():
			s.InProgress++
		}
	}
	return s
}

// Drain stops accepting submissions and assigning work. Reports from agents
// finishing tasks they already hold are still processed.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.draining {
		d.draining = true
		d.logger.Info("dispatcher draining", "active_tasks", d.queue.Len())
	}
}

// Close stops all timers. Pending work is left in memory.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, tm := range d.timeouts {
		tm.Stop()
		delete(d.timeouts, id)
	}
	for id, tm := range d.retries {
		tm.Stop()
		delete(d.retries, id)
	}
}

func (d *Dispatcher) persistLocked(t *Task) {
	if d.history == nil {
		return
	}
	if err := d.history.SaveTask(context.Background(), t.clone()); err != nil {
		d.logger.Warn("persist task", "task_id", t.ID, "error", err)
	}
}

func (d *Dispatcher) emit(kind, subject string, data map[string]any) {
	d.sink.Publish(events.New(kind, subject, data))
}
