// ABOUTME: Bridges validated agent channel messages onto the task dispatcher
// ABOUTME: Each inbound message type maps to exactly one dispatcher operation

package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/channel"
	"github.com/2389/coven-swarm/internal/profile"
	"github.com/2389/coven-swarm/internal/task"
)

// agentHandler implements channel.Handler.
type agentHandler struct {
	d      *task.Dispatcher
	logger *slog.Logger
}

var _ channel.Handler = (*agentHandler)(nil)

// Bind attaches an authenticated connection to its agent record.
func (h *agentHandler) Bind(_ context.Context, agentID, agentType string) error {
	typ, err := profile.Parse(agentType)
	if err != nil {
		return err
	}
	if err := h.d.AgentConnected(agentID, typ); err != nil {
		return err
	}
	h.logger.Info("agent bound", "agent_id", agentID, "type", typ)
	return nil
}

// HandleMessage routes one validated message from agentID.
func (h *agentHandler) HandleMessage(_ context.Context, agentID string, msg channel.Message) error {
	switch m := msg.(type) {
	case *channel.AgentRegister:
		if m.AgentID != agentID {
			return fmt.Errorf("agentId %q does not match the authenticated agent", m.AgentID)
		}
		return h.d.AgentRegistered(agentID, m.Capabilities, m.Version)
	case *channel.TaskProgress:
		return h.d.HandleProgress(agentID, m)
	case *channel.TaskCompleted:
		return h.d.HandleCompleted(agentID, m)
	case *channel.TaskFailed:
		return h.d.HandleFailed(agentID, m)
	case *channel.Heartbeat:
		return h.d.AgentHeartbeat(agentID, usageOf(m))
	case *channel.AgentAlert:
		return h.d.AgentAlert(agentID, m)
	default:
		return fmt.Errorf("unsupported message type %q", msg.MessageType())
	}
}

// Disconnected hands the agent's work back to the queue.
func (h *agentHandler) Disconnected(agentID, reason string) {
	h.d.AgentDisconnected(agentID, reason)
}

// usageOf extracts reported usage; nil when the heartbeat carries none.
func usageOf(m *channel.Heartbeat) *agent.Usage {
	if m.CPUUsage == nil && m.MemoryUsage == nil {
		return nil
	}
	var u agent.Usage
	if m.CPUUsage != nil {
		u.CPUPercent = *m.CPUUsage
	}
	if m.MemoryUsage != nil {
		u.MemoryPercent = *m.MemoryUsage
	}
	return &u
}
