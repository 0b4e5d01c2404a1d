// ABOUTME: Tests for the Agent Registry lifecycle, limits, and capable-agent selection.
// ABOUTME: Uses a scripted launcher to drive launch failures.

package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/2389/coven-swarm/internal/events"
	"github.com/2389/coven-swarm/internal/launcher"
	"github.com/2389/coven-swarm/internal/profile"
)

// fakeLauncher records launches and fails when failNext is set.
type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	stopped  []string
	failNext int
}

func (f *fakeLauncher) Launch(_ context.Context, req launcher.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("spawn failed")
	}
	f.launched = append(f.launched, req.AgentID)
	return nil
}

func (f *fakeLauncher) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func newTestRegistry(limit int) (*Registry, *fakeLauncher, *events.Recorder) {
	l := &fakeLauncher{}
	rec := &events.Recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(limit, l, rec, logger), l, rec
}

// withClock makes the registry clock advance one second per call.
func withClock(r *Registry) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	r.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		base = base.Add(time.Second)
		return base
	}
}

func mustDeploy(t *testing.T, r *Registry, typ profile.Type) Agent {
	t.Helper()
	a, err := r.Deploy(context.Background(), typ)
	if err != nil {
		t.Fatalf("deploy %s: %v", typ, err)
	}
	return a
}

func mustBind(t *testing.T, r *Registry, id string) {
	t.Helper()
	if _, err := r.Bind(id); err != nil {
		t.Fatalf("bind %s: %v", id, err)
	}
}

func TestDeploy(t *testing.T) {
	t.Run("launch success makes agent ready", func(t *testing.T) {
		r, l, rec := newTestRegistry(5)
		a := mustDeploy(t, r, profile.TypeCoder)

		if a.Status != StatusReady {
			t.Errorf("expected ready, got %s", a.Status)
		}
		if len(l.launched) != 1 || l.launched[0] != a.ID {
			t.Errorf("expected launcher to see %s, got %v", a.ID, l.launched)
		}
		if !rec.Has(events.AgentStatus, a.ID) {
			t.Error("expected agent.status event")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		r, _, _ := newTestRegistry(5)
		_, err := r.Deploy(context.Background(), profile.Type("wizard"))
		if !errors.Is(err, ErrUnknownType) {
			t.Errorf("expected ErrUnknownType, got %v", err)
		}
		if r.Counts().Total != 0 {
			t.Error("no agent should be recorded")
		}
	})

	t.Run("registry full", func(t *testing.T) {
		r, _, _ := newTestRegistry(2)
		mustDeploy(t, r, profile.TypeCoder)
		mustDeploy(t, r, profile.TypeTester)
		_, err := r.Deploy(context.Background(), profile.TypeCoder)
		if !errors.Is(err, ErrRegistryFull) {
			t.Errorf("expected ErrRegistryFull, got %v", err)
		}
		if r.Capacity() != 0 {
			t.Errorf("expected no capacity, got %d", r.Capacity())
		}
	})

	t.Run("launch failure leaves agent in error", func(t *testing.T) {
		r, l, _ := newTestRegistry(5)
		l.failNext = 1
		a, err := r.Deploy(context.Background(), profile.TypeCoder)
		if err == nil {
			t.Fatal("expected launch error")
		}
		if a.Status != StatusError {
			t.Errorf("expected error status, got %s", a.Status)
		}
		got, ok := r.Get(a.ID)
		if !ok || got.Status != StatusError {
			t.Errorf("agent should remain registered in error, got %+v", got)
		}
	})
}

func TestTransitions(t *testing.T) {
	r, _, _ := newTestRegistry(5)
	a := mustDeploy(t, r, profile.TypeCoder)

	if _, err := r.MarkBusy(a.ID, "t1"); err != nil {
		t.Fatalf("ready -> busy: %v", err)
	}
	got, _ := r.Get(a.ID)
	if got.CurrentTaskID != "t1" || got.TasksAssigned != 1 {
		t.Errorf("unexpected busy state: %+v", got)
	}

	if _, err := r.MarkIdle(a.ID); err != nil {
		t.Fatalf("busy -> idle: %v", err)
	}
	if _, err := r.MarkDisconnected(a.ID); err != nil {
		t.Fatalf("idle -> disconnected: %v", err)
	}

	_, err := r.MarkBusy(a.ID, "t2")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("disconnected -> busy should be rejected, got %v", err)
	}
	got, _ = r.Get(a.ID)
	if got.Status != StatusDisconnected || got.CurrentTaskID != "" {
		t.Errorf("rejected transition must not mutate: %+v", got)
	}

	// Reconnect brings it back as idle
	got, err = r.Bind(a.ID)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if got.Status != StatusIdle || !got.Connected {
		t.Errorf("expected connected idle agent, got %+v", got)
	}

	if _, err := r.MarkBusy("missing", "t"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestBindDuringLaunch(t *testing.T) {
	r, _, _ := newTestRegistry(5)
	r.mu.Lock()
	r.agents["a1"] = &Agent{ID: "a1", Type: profile.TypeCoder, Status: StatusInitializing}
	r.mu.Unlock()

	if _, err := r.Bind("a1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	snap, err := r.settle("a1", nil)
	if err != nil {
		t.Fatalf("settle after bind should not fail: %v", err)
	}
	if snap.Status != StatusReady || !snap.Connected {
		t.Errorf("expected connected ready agent, got %+v", snap)
	}
}

func TestAdopt(t *testing.T) {
	r, _, _ := newTestRegistry(1)

	a, err := r.Adopt("ext-1", profile.TypeReviewer)
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if a.Status != StatusReady {
		t.Errorf("expected ready, got %s", a.Status)
	}

	again, err := r.Adopt("ext-1", profile.TypeReviewer)
	if err != nil || again.ID != "ext-1" {
		t.Errorf("re-adopt should return existing agent, got %v %v", again, err)
	}
	if _, err := r.Adopt("ext-1", profile.TypeCoder); err == nil {
		t.Error("type mismatch should be rejected")
	}
	if _, err := r.Adopt("ext-2", profile.TypeReviewer); !errors.Is(err, ErrRegistryFull) {
		t.Errorf("expected ErrRegistryFull, got %v", err)
	}
}

func TestFindCapable(t *testing.T) {
	r, _, _ := newTestRegistry(10)
	withClock(r)

	coder := mustDeploy(t, r, profile.TypeCoder)
	general := mustDeploy(t, r, profile.TypeGeneralist)
	tester := mustDeploy(t, r, profile.TypeTester)
	for _, a := range []Agent{coder, general, tester} {
		mustBind(t, r, a.ID)
	}

	t.Run("unconnected agents skipped", func(t *testing.T) {
		devops := mustDeploy(t, r, profile.TypeDevOps)
		if _, ok := r.FindCapable([]string{"deploy"}, "", nil); ok {
			t.Error("agent without a connection must not be selected")
		}
		if _, err := r.Terminate(context.Background(), devops.ID); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("full coverage beats partial", func(t *testing.T) {
		// generalist covers code+test, coder covers only code
		a, ok := r.FindCapable([]string{"code", "test"}, "", nil)
		if !ok || a.ID != general.ID {
			t.Errorf("expected generalist, got %+v", a)
		}
	})

	t.Run("preferred type among full coverage", func(t *testing.T) {
		a, ok := r.FindCapable([]string{"code"}, profile.TypeGeneralist, nil)
		if !ok || a.ID != general.ID {
			t.Errorf("expected preferred generalist, got %+v", a)
		}
	})

	t.Run("least recently active wins ties", func(t *testing.T) {
		// coder was deployed first, so it has the oldest activity
		a, ok := r.FindCapable([]string{"code"}, "", nil)
		if !ok || a.ID != coder.ID {
			t.Errorf("expected coder, got %+v", a)
		}
		if _, err := r.MarkBusy(coder.ID, "t1"); err != nil {
			t.Fatal(err)
		}
		if _, err := r.MarkIdle(coder.ID); err != nil {
			t.Fatal(err)
		}
		a, _ = r.FindCapable([]string{"code"}, "", nil)
		if a.ID != general.ID {
			t.Errorf("after coder worked, generalist should be picked, got %s", a.ID)
		}
	})

	t.Run("busy and excluded agents skipped", func(t *testing.T) {
		if _, err := r.MarkBusy(tester.ID, "t2"); err != nil {
			t.Fatal(err)
		}
		a, ok := r.FindCapable([]string{"e2e"}, "", nil)
		if ok {
			t.Errorf("busy tester must not be selected, got %+v", a)
		}
		a, ok = r.FindCapable([]string{"code"}, "", func(id string) bool { return id == general.ID || id == coder.ID })
		if ok {
			t.Errorf("excluded agents must not be selected, got %+v", a)
		}
	})

	t.Run("registered capabilities extend skills", func(t *testing.T) {
		if _, err := r.Register(coder.ID, []string{"e2e"}, "1.0"); err != nil {
			t.Fatal(err)
		}
		a, ok := r.FindCapable([]string{"e2e"}, "", nil)
		if !ok || a.ID != coder.ID {
			t.Errorf("expected coder via registered capability, got %+v", a)
		}
	})

	t.Run("no overlap", func(t *testing.T) {
		if _, ok := r.FindCapable([]string{"deploy"}, "", nil); ok {
			t.Error("no agent has deploy skill")
		}
	})
}

func TestTerminate(t *testing.T) {
	r, l, _ := newTestRegistry(2)
	a := mustDeploy(t, r, profile.TypeCoder)

	snap, err := r.Terminate(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if snap.Status != StatusTerminated || snap.TerminatedAt.IsZero() {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if _, ok := r.Get(a.ID); ok {
		t.Error("terminated agent should leave the live pool")
	}
	if h := r.History(); len(h) != 1 || h[0].ID != a.ID {
		t.Errorf("expected agent in history, got %v", h)
	}
	if len(l.stopped) != 1 {
		t.Errorf("expected process stop, got %v", l.stopped)
	}
	if r.Capacity() != 2 {
		t.Errorf("terminated agents free capacity, got %d", r.Capacity())
	}
	if _, err := r.Terminate(context.Background(), a.ID); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestRestart(t *testing.T) {
	t.Run("success returns to ready", func(t *testing.T) {
		r, l, _ := newTestRegistry(2)
		a := mustDeploy(t, r, profile.TypeCoder)

		got, err := r.Restart(context.Background(), a.ID)
		if err != nil {
			t.Fatalf("restart: %v", err)
		}
		if got.Status != StatusReady || got.Restarts != 1 {
			t.Errorf("unexpected state after restart: %+v", got)
		}
		if len(l.launched) != 2 {
			t.Errorf("expected a second launch, got %v", l.launched)
		}
	})

	t.Run("failure leaves error", func(t *testing.T) {
		r, l, _ := newTestRegistry(2)
		a := mustDeploy(t, r, profile.TypeCoder)
		l.failNext = 1

		got, err := r.Restart(context.Background(), a.ID)
		if err == nil {
			t.Fatal("expected error")
		}
		if got.Status != StatusError {
			t.Errorf("expected error status, got %s", got.Status)
		}
		if _, ok := r.Get(a.ID); !ok {
			t.Error("failed agent must not be dropped")
		}
	})
}

func TestUsageSamples(t *testing.T) {
	r, _, _ := newTestRegistry(2)
	a := mustDeploy(t, r, profile.TypeCoder)

	if err := r.Heartbeat(a.ID, &Usage{CPUPercent: 95}); err != nil {
		t.Fatal(err)
	}
	if n := r.SampleUsage(a.ID, 90); n != 1 {
		t.Errorf("expected 1 sample, got %d", n)
	}
	if n := r.SampleUsage(a.ID, 90); n != 2 {
		t.Errorf("expected 2 samples, got %d", n)
	}
	if err := r.Heartbeat(a.ID, &Usage{CPUPercent: 20, MemoryPercent: 30}); err != nil {
		t.Fatal(err)
	}
	if n := r.SampleUsage(a.ID, 90); n != 0 {
		t.Errorf("expected reset, got %d", n)
	}
}

func TestCounts(t *testing.T) {
	r, _, _ := newTestRegistry(5)
	a := mustDeploy(t, r, profile.TypeCoder)
	b := mustDeploy(t, r, profile.TypeTester)
	mustDeploy(t, r, profile.TypeReviewer)
	if _, err := r.MarkBusy(a.ID, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.MarkIdle(b.ID); err != nil {
		t.Fatal(err)
	}

	c := r.Counts()
	if c.Total != 3 || c.Busy != 1 || c.Idle != 1 || c.Ready != 1 {
		t.Errorf("unexpected counts: %+v", c)
	}
}
