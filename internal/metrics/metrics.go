// ABOUTME: Swarm metrics derived from registry and dispatcher state
// ABOUTME: Compute is pure; the same inputs always give the same figures

package metrics

import (
	"time"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/profile"
	"github.com/2389/coven-swarm/internal/task"
)

// CostModel prices agent resources.
type CostModel struct {
	CPUHourRate float64
	GBHourRate  float64
}

// SwarmMetrics summarizes the swarm at one instant.
type SwarmMetrics struct {
	TotalAgents         int           `json:"total_agents"`
	BusyAgents          int           `json:"busy_agents"`
	IdleAgents          int           `json:"idle_agents"`
	TasksCompleted      int           `json:"tasks_completed"`
	TasksInProgress     int           `json:"tasks_in_progress"`
	TasksPending        int           `json:"tasks_pending"`
	TasksFailed         int           `json:"tasks_failed"`
	AvgCompletion       time.Duration `json:"avg_completion"`
	Utilization         float64       `json:"utilization"`
	EstimatedHourlyCost float64       `json:"estimated_hourly_cost"`
	Savings             float64       `json:"savings"`
	SavedTime           time.Duration `json:"saved_time"`
}

// Compute derives SwarmMetrics from live agents and dispatcher stats.
// Utilization is busy agents over live agents, as a percentage. Hourly cost
// prices each live agent's profile resources.
func Compute(agents []agent.Agent, stats task.Stats, cost CostModel) SwarmMetrics {
	m := SwarmMetrics{
		TasksCompleted:  stats.Completed,
		TasksInProgress: stats.InProgress,
		TasksPending:    stats.Pending + stats.Retrying,
		TasksFailed:     stats.Failed,
		Savings:         stats.Savings,
		SavedTime:       stats.SavedTime,
	}
	if stats.Completed > 0 {
		m.AvgCompletion = stats.TotalCompletion / time.Duration(stats.Completed)
	}

	for _, a := range agents {
		if !a.Status.Live() {
			continue
		}
		m.TotalAgents++
		switch a.Status {
		case agent.StatusBusy:
			m.BusyAgents++
		case agent.StatusIdle, agent.StatusReady:
			m.IdleAgents++
		}
		if p, ok := profile.Lookup(a.Type); ok {
			gb := float64(p.Resources.MemoryMB) / 1024
			m.EstimatedHourlyCost += p.Resources.CPU*cost.CPUHourRate + gb*cost.GBHourRate
		}
	}
	if m.TotalAgents > 0 {
		m.Utilization = float64(m.BusyAgents) / float64(m.TotalAgents) * 100
	}
	return m
}
