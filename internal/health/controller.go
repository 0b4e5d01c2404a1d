// ABOUTME: Health and auto-scale controller: a fixed-interval sweep over the agent pool
// ABOUTME: All mutations go through the dispatcher so they serialize with task traffic

package health

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/events"
	"github.com/2389/coven-swarm/internal/profile"
	"github.com/2389/coven-swarm/internal/task"
)

// Config tunes the sweep.
type Config struct {
	Interval          time.Duration
	HeartbeatInterval time.Duration
	ResourceThreshold float64
	SustainedSamples  int

	Autoscale    bool
	MinAgents    int
	FallbackType profile.Type
	LowWater     float64
	IdleTimeout  time.Duration
}

// Report describes what one sweep did.
type Report struct {
	Restarted []string
	Unhealthy []string
	Recovered []string
	ScaledOut string
	ScaledIn  string
}

// Controller watches agent liveness and resource pressure and resizes the
// pool within its bounds.
type Controller struct {
	cfg      Config
	d        *task.Dispatcher
	registry *agent.Registry
	sink     events.Sink
	logger   *slog.Logger
	now      func() time.Time
}

// NewController creates a controller acting through d.
func NewController(cfg Config, d *task.Dispatcher, sink events.Sink, logger *slog.Logger) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.SustainedSamples <= 0 {
		cfg.SustainedSamples = 3
	}
	return &Controller{
		cfg:      cfg,
		d:        d,
		registry: d.Registry(),
		sink:     sink,
		logger:   logger.With("component", "health"),
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.logger.Info("health controller started", "interval", c.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("health controller stopped")
			return nil
		case <-ticker.C:
			rep := c.Sweep(ctx)
			if rep.ScaledOut != "" || rep.ScaledIn != "" || len(rep.Restarted) > 0 || len(rep.Unhealthy) > 0 {
				c.logger.Info("health sweep",
					"restarted", rep.Restarted,
					"unhealthy", rep.Unhealthy,
					"scaled_out", rep.ScaledOut,
					"scaled_in", rep.ScaledIn,
				)
			}
		}
	}
}

// Sweep runs one pass: liveness, then resource pressure, then pool size.
func (c *Controller) Sweep(ctx context.Context) Report {
	var rep Report
	c.checkLiveness(ctx, &rep)
	if !c.cfg.Autoscale {
		return rep
	}
	if c.checkPressure(ctx, &rep) {
		return rep
	}
	if c.checkFloor(ctx, &rep) {
		return rep
	}
	c.checkIdle(ctx, &rep)
	return rep
}

func (c *Controller) stale(a agent.Agent) bool {
	if c.cfg.HeartbeatInterval <= 0 {
		return false
	}
	return c.now().Sub(a.LastHeartbeat) > 2*c.cfg.HeartbeatInterval
}

// checkLiveness restarts an unresponsive agent once. An agent still stale
// after its restart, or whose restart fails, is marked error and kept.
func (c *Controller) checkLiveness(ctx context.Context, rep *Report) {
	for _, a := range c.registry.List() {
		switch a.Status {
		case agent.StatusInitializing, agent.StatusError, agent.StatusTerminated:
			continue
		}

		if !c.stale(a) {
			if a.Restarts > 0 && a.Connected {
				c.registry.ClearRestarts(a.ID)
				rep.Recovered = append(rep.Recovered, a.ID)
			}
			continue
		}

		if a.Restarts > 0 {
			c.unhealthy(a, agent.ErrUnresponsive.Error())
			rep.Unhealthy = append(rep.Unhealthy, a.ID)
			continue
		}

		c.logger.Warn("agent unresponsive, restarting", "agent_id", a.ID, "last_heartbeat", a.LastHeartbeat)
		if _, err := c.d.RestartAgent(ctx, a.ID); err != nil {
			c.logger.Error("restart agent", "agent_id", a.ID, "error", err)
			c.unhealthy(a, err.Error())
			rep.Unhealthy = append(rep.Unhealthy, a.ID)
			continue
		}
		c.sink.Publish(events.New(events.SwarmAgentRestarted, a.ID, map[string]any{
			"type":   string(a.Type),
			"reason": agent.ErrUnresponsive.Error(),
		}))
		rep.Restarted = append(rep.Restarted, a.ID)
	}
}

func (c *Controller) unhealthy(a agent.Agent, reason string) {
	if err := c.d.MarkAgentError(a.ID); err != nil {
		c.logger.Warn("mark agent error", "agent_id", a.ID, "error", err)
	}
	c.logger.Error("agent unhealthy", "agent_id", a.ID, "reason", reason)
	c.sink.Publish(events.New(events.SwarmAgentUnhealthy, a.ID, map[string]any{
		"type":   string(a.Type),
		"reason": reason,
	}))
}

// checkPressure samples usage on every working agent and scales out by one
// fallback agent when any has stayed over threshold long enough.
func (c *Controller) checkPressure(ctx context.Context, rep *Report) bool {
	var hot []string
	for _, a := range c.registry.List() {
		if !a.Connected || a.Status == agent.StatusError {
			continue
		}
		if c.registry.SampleUsage(a.ID, c.cfg.ResourceThreshold) >= c.cfg.SustainedSamples {
			hot = append(hot, a.ID)
		}
	}
	if len(hot) == 0 || c.registry.Capacity() == 0 {
		return false
	}

	a, err := c.d.DeployAgent(ctx, c.cfg.FallbackType, "resource-pressure")
	if err != nil {
		c.logger.Warn("scale out", "type", c.cfg.FallbackType, "error", err)
		return false
	}
	c.registry.ResetUsageSamples()
	c.logger.Info("scaled out under resource pressure", "agent_id", a.ID, "hot_agents", hot)
	rep.ScaledOut = a.ID
	return true
}

// checkFloor deploys one fallback agent while the pool is below its minimum.
func (c *Controller) checkFloor(ctx context.Context, rep *Report) bool {
	if c.registry.Counts().Total >= c.cfg.MinAgents || c.registry.Capacity() == 0 {
		return false
	}
	a, err := c.d.DeployAgent(ctx, c.cfg.FallbackType, "pool-floor")
	if err != nil {
		c.logger.Warn("deploy to pool floor", "type", c.cfg.FallbackType, "error", err)
		return false
	}
	rep.ScaledOut = a.ID
	return true
}

// checkIdle terminates the longest-idle agent when utilization is under the
// low-water mark. The pool never drops below its minimum.
func (c *Controller) checkIdle(ctx context.Context, rep *Report) {
	counts := c.registry.Counts()
	if counts.Total <= c.cfg.MinAgents || counts.Total == 0 {
		return
	}
	if float64(counts.Busy)/float64(counts.Total) >= c.cfg.LowWater {
		return
	}

	var idle []agent.Agent
	now := c.now()
	for _, a := range c.registry.List() {
		if a.Status == agent.StatusIdle && now.Sub(a.LastActivity) > c.cfg.IdleTimeout {
			idle = append(idle, a)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastActivity.Before(idle[j].LastActivity)
	})

	for _, a := range idle {
		if c.d.TerminateIfIdle(ctx, a.ID) {
			c.logger.Info("scaled in idle agent", "agent_id", a.ID, "idle_since", a.LastActivity)
			c.sink.Publish(events.New(events.SwarmScaled, a.ID, map[string]any{
				"type":   string(a.Type),
				"reason": "idle",
				"delta":  -1,
			}))
			rep.ScaledIn = a.ID
			return
		}
	}
}
