// ABOUTME: Tests for the Dispatcher: assignment policy, retries, timeouts and reassignment
// ABOUTME: A fake sender stands in for the message channel

package task

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/channel"
	"github.com/2389/coven-swarm/internal/events"
	"github.com/2389/coven-swarm/internal/launcher"
	"github.com/2389/coven-swarm/internal/profile"
)

type sent struct {
	agentID string
	msg     channel.Outbound
}

// fakeSender records deliveries and refuses agents listed in down.
type fakeSender struct {
	mu      sync.Mutex
	sent    []sent
	down    map[string]bool
	dropped []string
	onSend  func(agentID string, m channel.Outbound)
}

func newFakeSender() *fakeSender {
	return &fakeSender{down: make(map[string]bool)}
}

func (s *fakeSender) SendToAgent(agentID string, m channel.Outbound) bool {
	s.mu.Lock()
	if s.down[agentID] {
		s.mu.Unlock()
		return false
	}
	s.sent = append(s.sent, sent{agentID, m})
	hook := s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(agentID, m)
	}
	return true
}

func (s *fakeSender) Disconnect(agentID, _ string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, agentID)
	return true
}

func (s *fakeSender) disconnected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dropped...)
}

func (s *fakeSender) setDown(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[agentID] = true
}

func (s *fakeSender) assignments(agentID string) []channel.TaskAssignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []channel.TaskAssignment
	for _, m := range s.sent {
		if a, ok := m.msg.(channel.TaskAssignment); ok && (agentID == "" || m.agentID == agentID) {
			out = append(out, a)
		}
	}
	return out
}

func (s *fakeSender) cancels(agentID string) []channel.TaskCancel {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []channel.TaskCancel
	for _, m := range s.sent {
		if c, ok := m.msg.(channel.TaskCancel); ok && m.agentID == agentID {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	d        *Dispatcher
	registry *agent.Registry
	sender   *fakeSender
	events   *events.Recorder
}

func testConfig() Config {
	return Config{
		MaxRetries:      3,
		RetryBase:       5 * time.Millisecond,
		Timeout:         time.Minute,
		MaxPayloadBytes: 1024,
		HistorySize:     100,
		AutoRegister:    true,
		HourlyRate:      100,
		ManualEstimate:  func(string) time.Duration { return time.Hour },
	}
}

func newFixture(t *testing.T, cfg Config, maxAgents int) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := &events.Recorder{}
	reg := agent.NewRegistry(maxAgents, launcher.Noop{}, rec, logger)
	sender := newFakeSender()
	d := NewDispatcher(cfg, reg, sender, rec, nil, logger)
	t.Cleanup(d.Close)
	return &fixture{d: d, registry: reg, sender: sender, events: rec}
}

// connectAgent deploys and binds an agent of typ.
func (f *fixture) connectAgent(t *testing.T, typ profile.Type) string {
	t.Helper()
	a, err := f.d.DeployAgent(context.Background(), typ, "test")
	require.NoError(t, err)
	require.NoError(t, f.d.AgentConnected(a.ID, typ))
	return a.ID
}

func (f *fixture) submit(t *testing.T, skills ...string) Task {
	t.Helper()
	task, err := f.d.Submit(context.Background(), SubmitRequest{Type: "build", RequiredSkills: skills})
	require.NoError(t, err)
	return task
}

func (f *fixture) status(t *testing.T, id string) Task {
	t.Helper()
	task, err := f.d.Status(id)
	require.NoError(t, err)
	return task
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t, testConfig(), 5)

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing type", SubmitRequest{RequiredSkills: []string{"code"}}},
		{"no skills", SubmitRequest{Type: "build"}},
		{"blank skill", SubmitRequest{Type: "build", RequiredSkills: []string{" "}}},
		{"bad priority", SubmitRequest{Type: "build", RequiredSkills: []string{"code"}, Priority: "urgent"}},
		{"bad preferred type", SubmitRequest{Type: "build", RequiredSkills: []string{"code"}, PreferredType: "wizard"}},
		{"invalid payload", SubmitRequest{Type: "build", RequiredSkills: []string{"code"}, Payload: json.RawMessage(`{"a":`)}},
		{"payload too large", SubmitRequest{Type: "build", RequiredSkills: []string{"code"}, Payload: json.RawMessage(`"` + string(make([]byte, 2048)) + `"`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.d.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidTask)
		})
	}
	assert.Empty(t, f.d.List(""))
}

func TestSubmit_QueuesWithoutAgents(t *testing.T) {
	f := newFixture(t, testConfig(), 5)

	task := f.submit(t, "code")
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, PriorityNormal, task.Priority)
	assert.Equal(t, time.Hour, task.EstimatedManual)
	assert.True(t, f.events.Has(events.TaskSubmitted, task.ID))
	assert.Equal(t, 0, f.registry.Counts().Total, "on-demand is off")
}

func TestScenario_AtMostOneTaskPerAgent(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	a1 := f.connectAgent(t, profile.TypeCoder)
	a2 := f.connectAgent(t, profile.TypeCoder)
	f.connectAgent(t, profile.TypeReviewer)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.submit(t, "refactor").ID)
	}

	stats := f.d.Stats()
	assert.Equal(t, 2, stats.InProgress)
	assert.Equal(t, 3, stats.Pending)
	assert.Len(t, f.sender.assignments(a1), 1)
	assert.Len(t, f.sender.assignments(a2), 1)

	// Finishing one task frees its agent for the next pending task.
	first := f.sender.assignments(a1)[0]
	require.NoError(t, f.d.HandleCompleted(a1, &channel.TaskCompleted{TaskID: first.TaskID, Result: json.RawMessage(`"ok"`)}))

	stats = f.d.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 2, stats.InProgress)
	assert.Equal(t, 2, stats.Pending)
	assert.Len(t, f.sender.assignments(a1), 2)
	assert.Equal(t, ids[2], f.sender.assignments(a1)[1].TaskID, "pending tasks are served in FIFO order")
}

func TestPriorityOrder(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	a := f.connectAgent(t, profile.TypeCoder)

	busy := f.submit(t, "code")
	_, err := f.d.Submit(context.Background(), SubmitRequest{Type: "docs", RequiredSkills: []string{"code"}, Priority: "low"})
	require.NoError(t, err)
	crit, err := f.d.Submit(context.Background(), SubmitRequest{Type: "hotfix", RequiredSkills: []string{"code"}, Priority: "critical"})
	require.NoError(t, err)

	require.NoError(t, f.d.HandleCompleted(a, &channel.TaskCompleted{TaskID: busy.ID, Result: json.RawMessage(`{}`)}))
	got := f.sender.assignments(a)
	require.Len(t, got, 2)
	assert.Equal(t, crit.ID, got[1].TaskID)
	assert.Equal(t, "critical", got[1].Priority)
}

func TestProgressAndOwnership(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	a := f.connectAgent(t, profile.TypeCoder)
	other := f.connectAgent(t, profile.TypeTester)
	task := f.submit(t, "code")
	assert.Equal(t, StatusAssigned, f.status(t, task.ID).Status)

	steps, total := 2, 5
	require.NoError(t, f.d.HandleProgress(a, &channel.TaskProgress{TaskID: task.ID, Progress: 40, Status: "running", CompletedSteps: &steps, TotalSteps: &total}))
	got := f.status(t, task.ID)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, 2, got.CompletedSteps)
	assert.Equal(t, 5, got.TotalSteps)
	assert.False(t, got.StartedAt.IsZero())

	err := f.d.HandleProgress(other, &channel.TaskProgress{TaskID: task.ID, Progress: 90, Status: "running"})
	assert.ErrorIs(t, err, ErrNotAssigned)
	err = f.d.HandleCompleted(other, &channel.TaskCompleted{TaskID: task.ID, Result: json.RawMessage(`1`)})
	assert.ErrorIs(t, err, ErrNotAssigned)
	assert.Equal(t, 40.0, f.status(t, task.ID).Progress)

	err = f.d.HandleProgress(a, &channel.TaskProgress{TaskID: "nope", Progress: 1, Status: "x"})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCompletionSavings(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	a := f.connectAgent(t, profile.TypeCoder)
	task := f.submit(t, "code")

	require.NoError(t, f.d.HandleCompleted(a, &channel.TaskCompleted{TaskID: task.ID, Result: json.RawMessage(`{"ok":true}`)}))

	got := f.status(t, task.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))

	stats := f.d.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.InDelta(t, 100.0, stats.Savings, 0.5)
	assert.InDelta(t, time.Hour.Seconds(), stats.SavedTime.Seconds(), 1)

	ag, _ := f.registry.Get(a)
	assert.Equal(t, agent.StatusIdle, ag.Status)
	assert.Equal(t, 1, ag.TasksCompleted)

	err := f.d.HandleCompleted(a, &channel.TaskCompleted{TaskID: task.ID, Result: json.RawMessage(`1`)})
	assert.ErrorIs(t, err, ErrTaskFinished)
}

func TestRetryLimit(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	a := f.connectAgent(t, profile.TypeCoder)
	task := f.submit(t, "code")

	for attempt := 1; attempt <= 4; attempt++ {
		require.Eventually(t, func() bool {
			return len(f.sender.assignments(a)) == attempt
		}, 2*time.Second, time.Millisecond, "attempt %d never assigned", attempt)
		assert.Equal(t, attempt, f.sender.assignments(a)[attempt-1].Attempt)
		require.NoError(t, f.d.HandleFailed(a, &channel.TaskFailed{TaskID: task.ID, Error: "compile error"}))
	}

	got := f.status(t, task.ID)
	assert.Equal(t, StatusFailedPermanent, got.Status)
	assert.Equal(t, 3, got.RetryCount, "retry count never exceeds the limit")
	assert.Contains(t, got.LastError, ErrRetryExhausted.Error())
	assert.True(t, f.events.Has(events.TaskFailedPermanent, task.ID))

	// Backoff doubles from the base delay.
	var delays []int64
	for _, e := range f.events.Events() {
		if e.Kind == events.TaskRetry {
			delays = append(delays, e.Data["delay_ms"].(int64))
		}
	}
	assert.Equal(t, []int64{5, 10, 20}, delays)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.sender.assignments(a), 4, "no assignment after permanent failure")
	assert.Equal(t, 1, f.d.Stats().Failed)
}

func TestNonRetryableFailure(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	a := f.connectAgent(t, profile.TypeCoder)
	task := f.submit(t, "code")

	no := false
	require.NoError(t, f.d.HandleFailed(a, &channel.TaskFailed{TaskID: task.ID, Error: "bad input", Retryable: &no}))
	got := f.status(t, task.ID)
	assert.Equal(t, StatusFailedPermanent, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, "bad input", got.LastError)
}

func TestBackoffDelay(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBase = time.Hour
	f := newFixture(t, cfg, 5)
	a := f.connectAgent(t, profile.TypeCoder)
	task := f.submit(t, "code")

	require.NoError(t, f.d.HandleFailed(a, &channel.TaskFailed{TaskID: task.ID, Error: "flaky"}))
	got := f.status(t, task.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, time.Hour, got.NextAttemptAt.Sub(got.FailedAt))
	assert.Equal(t, 1, f.d.Stats().Retrying)

	// The freed agent does not pick the task up again before the backoff.
	assert.Len(t, f.sender.assignments(a), 1)
}

func TestSubmit_RetryOverrideNeverRaisesLimit(t *testing.T) {
	f := newFixture(t, testConfig(), 5)

	raised, err := f.d.Submit(context.Background(), SubmitRequest{Type: "build", RequiredSkills: []string{"code"}, MaxRetries: 100})
	require.NoError(t, err)
	assert.Equal(t, 3, raised.MaxRetries)

	lowered, err := f.d.Submit(context.Background(), SubmitRequest{Type: "build", RequiredSkills: []string{"code"}, MaxRetries: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, lowered.MaxRetries)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name  string
		base  time.Duration
		retry int
		want  time.Duration
	}{
		{"first retry", 5 * time.Millisecond, 0, 5 * time.Millisecond},
		{"doubles", 5 * time.Millisecond, 3, 40 * time.Millisecond},
		{"capped", time.Second, 12, maxRetryDelay},
		{"shift past 31 bits", time.Second, 31, maxRetryDelay},
		{"shift that would overflow", 5 * time.Millisecond, 34, maxRetryDelay},
		{"huge retry count", time.Millisecond, 1000, maxRetryDelay},
		{"no base", 0, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := backoff(tt.base, tt.retry)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, time.Duration(0))
		})
	}
}

func TestOnDemandScaleOut(t *testing.T) {
	cfg := testConfig()
	cfg.OnDemand = true
	f := newFixture(t, cfg, 3)

	first := f.submit(t, "coverage")
	assert.Equal(t, StatusPending, first.Status)
	agents := f.registry.List()
	require.Len(t, agents, 1)
	assert.Equal(t, profile.TypeTester, agents[0].Type)
	assert.True(t, f.events.Has(events.SwarmScaled, agents[0].ID))

	// A second submission waits for the agent already coming up.
	f.submit(t, "e2e")
	assert.Len(t, f.registry.List(), 1)

	// Once it connects it takes the oldest pending task.
	require.NoError(t, f.d.AgentConnected(agents[0].ID, profile.TypeTester))
	got := f.sender.assignments(agents[0].ID)
	require.Len(t, got, 1)
	assert.Equal(t, first.ID, got[0].TaskID)
}

func TestOnDemandBounded(t *testing.T) {
	cfg := testConfig()
	cfg.OnDemand = true
	f := newFixture(t, cfg, 2)

	f.submit(t, "code")
	f.submit(t, "test", "coverage")
	f.submit(t, "review")
	f.submit(t, "deploy")

	assert.Len(t, f.registry.List(), 2, "deploys stop at the registry limit")
	assert.Equal(t, 4, f.d.Stats().Pending)
}

func TestDisconnectReassigns(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	a := f.connectAgent(t, profile.TypeCoder)
	task := f.submit(t, "code")
	require.Len(t, f.sender.assignments(a), 1)

	b := f.connectAgent(t, profile.TypeCoder)
	f.d.AgentDisconnected(a, "heartbeat timeout")

	got := f.status(t, task.ID)
	assert.Equal(t, StatusAssigned, got.Status)
	assert.Equal(t, b, got.AgentID)
	assert.Equal(t, 0, got.RetryCount, "reassignment is not a retry")

	ag, _ := f.registry.Get(a)
	assert.Equal(t, agent.StatusDisconnected, ag.Status)

	// Late report from the old agent is refused.
	err := f.d.HandleCompleted(a, &channel.TaskCompleted{TaskID: task.ID, Result: json.RawMessage(`1`)})
	assert.ErrorIs(t, err, ErrNotAssigned)
}

func TestDisconnectWithoutReplacement(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	a := f.connectAgent(t, profile.TypeCoder)
	task := f.submit(t, "code")

	f.d.AgentDisconnected(a, "heartbeat timeout")
	got := f.status(t, task.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.AgentID)

	// Reconnect makes the agent idle and it gets the task again.
	require.NoError(t, f.d.AgentConnected(a, profile.TypeCoder))
	assert.Equal(t, StatusAssigned, f.status(t, task.ID).Status)
	assert.Len(t, f.sender.assignments(a), 2)
}

func TestDeliveryFailureRequeues(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	a := f.connectAgent(t, profile.TypeCoder)
	b := f.connectAgent(t, profile.TypeCoder)
	f.sender.setDown(a)

	task := f.submit(t, "code")
	got := f.status(t, task.ID)
	assert.Equal(t, b, got.AgentID)
	assert.Equal(t, 0, got.RetryCount)

	ag, _ := f.registry.Get(a)
	assert.Equal(t, agent.StatusDisconnected, ag.Status)
}

func TestTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	cfg.RetryBase = time.Hour
	f := newFixture(t, cfg, 5)
	a := f.connectAgent(t, profile.TypeCoder)
	task := f.submit(t, "code")

	require.Eventually(t, func() bool {
		return f.status(t, task.ID).Status == StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	got := f.status(t, task.ID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, ErrTaskTimeout.Error(), got.LastError)
	require.Len(t, f.sender.cancels(a), 1)
	assert.Equal(t, task.ID, f.sender.cancels(a)[0].TaskID)
	assert.True(t, f.events.Has(events.TaskTimeout, task.ID))

	ag, _ := f.registry.Get(a)
	assert.Equal(t, agent.StatusIdle, ag.Status)
}

func TestTimeoutIgnoresFinishedAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	f := newFixture(t, cfg, 5)
	a := f.connectAgent(t, profile.TypeCoder)
	task := f.submit(t, "code")
	require.NoError(t, f.d.HandleCompleted(a, &channel.TaskCompleted{TaskID: task.ID, Result: json.RawMessage(`1`)}))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StatusCompleted, f.status(t, task.ID).Status)
	assert.Empty(t, f.sender.cancels(a))
}

func TestCancel(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	a := f.connectAgent(t, profile.TypeCoder)
	active := f.submit(t, "code")
	pending := f.submit(t, "code")

	got, err := f.d.Cancel(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 0, f.d.Stats().Pending)

	_, err = f.d.Cancel(active.ID)
	require.NoError(t, err)
	require.Len(t, f.sender.cancels(a), 1)
	ag, _ := f.registry.Get(a)
	assert.Equal(t, agent.StatusIdle, ag.Status)

	_, err = f.d.Cancel(active.ID)
	assert.ErrorIs(t, err, ErrTaskFinished)
	_, err = f.d.Cancel("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCriticalAlertReassigns(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	a := f.connectAgent(t, profile.TypeCoder)
	task := f.submit(t, "code")
	b := f.connectAgent(t, profile.TypeCoder)

	require.NoError(t, f.d.AgentAlert(a, &channel.AgentAlert{Severity: "warning", Message: "slow disk"}))
	assert.Equal(t, a, f.status(t, task.ID).AgentID)

	require.NoError(t, f.d.AgentAlert(a, &channel.AgentAlert{Severity: "critical", Message: "out of memory"}))
	ag, _ := f.registry.Get(a)
	assert.Equal(t, agent.StatusError, ag.Status)
	assert.Equal(t, b, f.status(t, task.ID).AgentID)
	assert.True(t, f.events.Has(events.AgentAlert, a))
}

func TestAgentConnected_AutoRegister(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRegister = false
	f := newFixture(t, cfg, 5)

	err := f.d.AgentConnected("stranger", profile.TypeCoder)
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)

	f.d.cfg.AutoRegister = true
	require.NoError(t, f.d.AgentConnected("stranger", profile.TypeCoder))
	a, ok := f.registry.Get("stranger")
	require.True(t, ok)
	assert.True(t, a.Connected)

	assert.Error(t, f.d.AgentConnected("stranger", profile.TypeTester), "type must match the registered agent")
}

func TestTerminateAgentReassigns(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	a := f.connectAgent(t, profile.TypeCoder)
	task := f.submit(t, "code")

	_, err := f.d.TerminateAgent(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, f.status(t, task.ID).Status)
	assert.False(t, f.d.TerminateIfIdle(context.Background(), a))
}

func TestRestartAgentDropsConnection(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	a := f.connectAgent(t, profile.TypeCoder)
	task := f.submit(t, "code")

	_, err := f.d.RestartAgent(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, []string{a}, f.sender.disconnected())
	assert.Equal(t, StatusPending, f.status(t, task.ID).Status)

	// The dropped session is reported, then the agent reconnects and picks the task up.
	f.d.AgentDisconnected(a, "restarting")
	require.NoError(t, f.d.AgentConnected(a, profile.TypeCoder))
	got := f.status(t, task.ID)
	assert.Equal(t, StatusAssigned, got.Status)
	assert.Equal(t, a, got.AgentID)
}

func TestDrain(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	a := f.connectAgent(t, profile.TypeCoder)
	held := f.submit(t, "code")
	other := f.submit(t, "code")
	require.Equal(t, a, f.status(t, held.ID).AgentID)

	f.d.Drain()
	f.d.Drain()

	_, err := f.d.Submit(context.Background(), SubmitRequest{Type: "build", RequiredSkills: []string{"code"}})
	assert.ErrorIs(t, err, ErrDraining)

	// The holder may still finish, but nothing new is handed out.
	require.NoError(t, f.d.HandleCompleted(a, &channel.TaskCompleted{TaskID: held.ID, Result: json.RawMessage(`1`)}))
	assert.Equal(t, StatusCompleted, f.status(t, held.ID).Status)
	assert.Equal(t, StatusPending, f.status(t, other.ID).Status)

	b := f.connectAgent(t, profile.TypeCoder)
	assert.Empty(t, f.sender.assignments(b))
	assert.Len(t, f.sender.assignments(a), 1)
}

func TestDrainDoesNotReassignOnDisconnect(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	a := f.connectAgent(t, profile.TypeCoder)
	task := f.submit(t, "code")
	b := f.connectAgent(t, profile.TypeCoder)

	f.d.Drain()
	f.d.AgentDisconnected(a, "shutdown")

	assert.Equal(t, StatusPending, f.status(t, task.ID).Status)
	assert.Empty(t, f.sender.assignments(b))
}

// Agents complete work concurrently; no agent may ever hold two tasks.
func TestConcurrentDispatchInvariant(t *testing.T) {
	f := newFixture(t, testConfig(), 10)
	for i := 0; i < 4; i++ {
		f.connectAgent(t, profile.TypeCoder)
	}

	var mu sync.Mutex
	holding := make(map[string]string)
	var violations []string
	var wg sync.WaitGroup

	f.sender.onSend = func(agentID string, m channel.Outbound) {
		ta, ok := m.(channel.TaskAssignment)
		if !ok {
			return
		}
		mu.Lock()
		if prev, busy := holding[agentID]; busy {
			violations = append(violations, agentID+" got "+ta.TaskID+" while holding "+prev)
		}
		holding[agentID] = ta.TaskID
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			delete(holding, agentID)
			mu.Unlock()
			_ = f.d.HandleCompleted(agentID, &channel.TaskCompleted{TaskID: ta.TaskID, Result: json.RawMessage(`1`)})
		}()
	}

	var submitters sync.WaitGroup
	for i := 0; i < 5; i++ {
		submitters.Add(1)
		go func() {
			defer submitters.Done()
			for j := 0; j < 10; j++ {
				_, err := f.d.Submit(context.Background(), SubmitRequest{Type: "build", RequiredSkills: []string{"code"}})
				assert.NoError(t, err)
			}
		}()
	}
	submitters.Wait()

	require.Eventually(t, func() bool { return f.d.Stats().Completed == 50 }, 5*time.Second, 5*time.Millisecond)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, violations)
}
