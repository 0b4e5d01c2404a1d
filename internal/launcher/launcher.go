// ABOUTME: Bridges agent deployment to process bring-up
// ABOUTME: Noop leaves bring-up to an external supervisor; Exec starts one process per agent

package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/2389/coven-swarm/internal/auth"
)

// ErrNotRunning indicates Stop was called for an agent with no process.
var ErrNotRunning = errors.New("agent process not running")

// stopGrace is how long a process gets to exit after SIGTERM.
const stopGrace = 5 * time.Second

// Request describes the agent to bring up.
type Request struct {
	AgentID   string
	AgentType string
}

// Noop accepts every launch; the agent process is expected to be started
// elsewhere and to connect on its own.
type Noop struct{}

// Launch does nothing.
func (Noop) Launch(context.Context, Request) error { return nil }

// Stop does nothing.
func (Noop) Stop(context.Context, string) error { return nil }

// Exec starts a configured command for every launched agent. The process
// receives its identity and credential through SWARM_AGENT_* variables.
type Exec struct {
	command []string
	secret  []byte
	url     string
	logger  *slog.Logger

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewExec creates an exec launcher for command, handing agents the
// coordinator url and credentials derived from secret.
func NewExec(command []string, secret []byte, url string, logger *slog.Logger) (*Exec, error) {
	if len(command) == 0 {
		return nil, errors.New("launcher command is empty")
	}
	return &Exec{
		command: command,
		secret:  secret,
		url:     url,
		logger:  logger.With("component", "launcher"),
		procs:   make(map[string]*exec.Cmd),
	}, nil
}

// Launch starts the agent process. It returns once the process has started;
// readiness is signalled later by the agent authenticating.
func (e *Exec) Launch(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, running := e.procs[req.AgentID]; running {
		return fmt.Errorf("agent %s already has a process", req.AgentID)
	}

	cmd := exec.Command(e.command[0], e.command[1:]...)
	cmd.Env = append(os.Environ(),
		"SWARM_AGENT_ID="+req.AgentID,
		"SWARM_AGENT_TYPE="+req.AgentType,
		"SWARM_AGENT_TOKEN="+auth.Credential(e.secret, req.AgentID, req.AgentType),
		"SWARM_URL="+e.url,
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}
	e.procs[req.AgentID] = cmd
	e.logger.Info("agent process started", "agent_id", req.AgentID, "pid", cmd.Process.Pid)

	go e.wait(req.AgentID, cmd)
	return nil
}

func (e *Exec) wait(agentID string, cmd *exec.Cmd) {
	err := cmd.Wait()

	e.mu.Lock()
	if e.procs[agentID] == cmd {
		delete(e.procs, agentID)
	}
	e.mu.Unlock()

	e.logger.Info("agent process exited", "agent_id", agentID, "error", err)
}

// Stop terminates the agent's process, killing it if it ignores SIGTERM.
func (e *Exec) Stop(ctx context.Context, agentID string) error {
	e.mu.Lock()
	cmd, ok := e.procs[agentID]
	e.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	timer := time.NewTimer(stopGrace)
	defer timer.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !e.Running(agentID) {
			return nil
		}
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			return ctx.Err()
		case <-timer.C:
			_ = cmd.Process.Kill()
			return nil
		case <-ticker.C:
		}
	}
}

// Running reports whether agentID has a live process.
func (e *Exec) Running(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.procs[agentID]
	return ok
}

// Close stops every running process.
func (e *Exec) Close(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.procs))
	for id := range e.procs {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		_ = e.Stop(ctx, id)
	}
}
