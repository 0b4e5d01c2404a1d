// ABOUTME: Minimal fake agent for E2E testing: connects over the swarm websocket and works tasks.
// ABOUTME: Reads SWARM_URL, SWARM_AGENT_ID, SWARM_AGENT_TYPE and SWARM_AGENT_TOKEN, or flags.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-swarm/internal/auth"
)

type options struct {
	url      string
	agentID  string
	typ      string
	token    string
	secret   string
	steps    int
	stepTime time.Duration
	failRate float64
	skills   []string
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	var o options
	flag.StringVar(&o.url, "url", envOr("SWARM_URL", "ws://127.0.0.1:8090/ws"), "coordinator websocket URL")
	flag.StringVar(&o.agentID, "id", envOr("SWARM_AGENT_ID", "e2e-fake-agent"), "agent ID")
	flag.StringVar(&o.typ, "type", envOr("SWARM_AGENT_TYPE", "generalist"), "agent type")
	flag.StringVar(&o.token, "token", os.Getenv("SWARM_AGENT_TOKEN"), "agent credential")
	flag.StringVar(&o.secret, "secret", "", "agent secret; derives the credential when -token is empty")
	flag.IntVar(&o.steps, "steps", 3, "progress steps per task")
	flag.DurationVar(&o.stepTime, "step-time", 200*time.Millisecond, "time per step")
	flag.Float64Var(&o.failRate, "fail-rate", 0, "fraction of tasks to fail (retryable)")
	flag.Parse()
	o.skills = flag.Args()

	if o.token == "" && o.secret != "" {
		o.token = auth.Credential([]byte(o.secret), o.agentID, o.typ)
	}
	if o.token == "" {
		log.Fatal("no credential: set SWARM_AGENT_TOKEN, -token or -secret")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, o); err != nil {
		log.Fatal(err)
	}
}

// agent serializes writes to the connection; gorilla allows one writer.
type agent struct {
	o  options
	ws *websocket.Conn

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func (a *agent) send(v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ws.WriteJSON(v)
}

func run(ctx context.Context, o options) error {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, o.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer ws.Close()

	a := &agent{o: o, ws: ws, cancels: make(map[string]context.CancelFunc)}

	if err := a.send(map[string]any{
		"type":      "authenticate",
		"token":     o.token,
		"agentId":   o.agentID,
		"agentType": o.typ,
	}); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	var ack struct {
		Type              string `json:"type"`
		Message           string `json:"message"`
		HeartbeatInterval int64  `json:"heartbeatInterval"`
	}
	if err := ws.ReadJSON(&ack); err != nil {
		return fmt.Errorf("waiting for auth: %w", err)
	}
	if ack.Type != "auth-success" {
		return fmt.Errorf("authentication rejected: %s %s", ack.Type, ack.Message)
	}
	log.Printf("authenticated as %s (%s)", o.agentID, o.typ)

	if len(o.skills) > 0 {
		if err := a.send(map[string]any{
			"type":         "agent-register",
			"agentId":      o.agentID,
			"agentType":    o.typ,
			"capabilities": o.skills,
			"version":      "fake-agent",
		}); err != nil {
			return err
		}
	}

	interval := time.Duration(ack.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go a.heartbeat(ctx, interval)

	go func() {
		<-ctx.Done()
		a.mu.Lock()
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent stopping"))
		a.mu.Unlock()
	}()

	for {
		var msg map[string]json.RawMessage
		if err := ws.ReadJSON(&msg); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) || ctx.Err() != nil {
				log.Printf("connection closed: %v", err)
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		var msgType string
		_ = json.Unmarshal(msg["type"], &msgType)

		switch msgType {
		case "task-assignment":
			var taskID string
			_ = json.Unmarshal(msg["taskId"], &taskID)
			a.start(ctx, taskID)
		case "task-cancel":
			var taskID string
			_ = json.Unmarshal(msg["taskId"], &taskID)
			a.cancel(taskID)
		case "shutdown":
			log.Printf("coordinator asked us to stop")
			return nil
		case "error":
			log.Printf("coordinator error: %s", msg["message"])
		}
	}
}

func (a *agent) heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			active := len(a.cancels)
			a.mu.Unlock()
			if err := a.send(map[string]any{
				"type":        "heartbeat",
				"timestamp":   time.Now().UnixMilli(),
				"cpuUsage":    10 + rand.Float64()*40,
				"memoryUsage": 20 + rand.Float64()*30,
				"activeTasks": active,
			}); err != nil {
				return
			}
		}
	}
}

func (a *agent) start(ctx context.Context, taskID string) {
	taskCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancels[taskID] = cancel
	a.mu.Unlock()

	go func() {
		defer a.cancel(taskID)
		if err := a.work(taskCtx, taskID); err != nil {
			log.Printf("task %s: %v", taskID, err)
		}
	}()
}

func (a *agent) cancel(taskID string) {
	a.mu.Lock()
	cancel, ok := a.cancels[taskID]
	delete(a.cancels, taskID)
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

func (a *agent) work(ctx context.Context, taskID string) error {
	log.Printf("working on %s", taskID)
	started := time.Now()
	for step := 1; step <= a.o.steps; step++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.o.stepTime):
		}
		if err := a.send(map[string]any{
			"type":           "task-progress",
			"taskId":         taskID,
			"progress":       float64(step) / float64(a.o.steps) * 100,
			"status":         "working",
			"completedSteps": step,
			"totalSteps":     a.o.steps,
		}); err != nil {
			return err
		}
	}

	if rand.Float64() < a.o.failRate {
		return a.send(map[string]any{
			"type":      "task-failed",
			"taskId":    taskID,
			"error":     "simulated failure",
			"retryable": true,
		})
	}
	return a.send(map[string]any{
		"type":     "task-completed",
		"taskId":   taskID,
		"result":   map[string]any{"agent": a.o.agentID, "summary": "done"},
		"duration": float64(time.Since(started).Milliseconds()),
	})
}
