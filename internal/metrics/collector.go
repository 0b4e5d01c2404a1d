// ABOUTME: Prometheus collector exposing SwarmMetrics and per-status agent counts
// ABOUTME: Reads state on every scrape; it never mutates the swarm

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/task"
)

const namespace = "coven_swarm"

// Source supplies the state a scrape reads.
type Source interface {
	Agents() []agent.Agent
	Stats() task.Stats
}

// Collector implements prometheus.Collector over Compute.
type Collector struct {
	source Source
	cost   CostModel

	agents         *prometheus.Desc
	tasks          *prometheus.Desc
	utilization    *prometheus.Desc
	avgCompletion  *prometheus.Desc
	hourlyCost     *prometheus.Desc
	savings        *prometheus.Desc
	savedSeconds   *prometheus.Desc
	failedAttempts *prometheus.Desc
}

// NewCollector creates a collector reading from source.
func NewCollector(source Source, cost CostModel) *Collector {
	return &Collector{
		source: source,
		cost:   cost,
		agents: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "agents"),
			"Live agents by status.",
			[]string{"status"}, nil,
		),
		tasks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tasks"),
			"Tasks by state.",
			[]string{"state"}, nil,
		),
		utilization: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "utilization_percent"),
			"Busy agents as a percentage of live agents.",
			nil, nil,
		),
		avgCompletion: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "task_completion_seconds_avg"),
			"Average time from assignment to completion.",
			nil, nil,
		),
		hourlyCost: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "estimated_hourly_cost"),
			"Estimated hourly cost of live agents.",
			nil, nil,
		),
		savings: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "savings_total"),
			"Estimated savings versus manual effort.",
			nil, nil,
		),
		savedSeconds: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "saved_seconds_total"),
			"Estimated manual time saved.",
			nil, nil,
		),
		failedAttempts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "task_failed_attempts_total"),
			"Failed task attempts, including those that were retried.",
			nil, nil,
		),
	}
}

// MustRegister registers a collector for source with reg.
func MustRegister(reg prometheus.Registerer, source Source, cost CostModel) *Collector {
	c := NewCollector(source, cost)
	reg.MustRegister(c)
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.agents
	ch <- c.tasks
	ch <- c.utilization
	ch <- c.avgCompletion
	ch <- c.hourlyCost
	ch <- c.savings
	ch <- c.savedSeconds
	ch <- c.failedAttempts
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	agents := c.source.Agents()
	stats := c.source.Stats()
	m := Compute(agents, stats, c.cost)

	byStatus := map[agent.Status]int{
		agent.StatusInitializing: 0,
		agent.StatusReady:        0,
		agent.StatusBusy:         0,
		agent.StatusIdle:         0,
		agent.StatusDisconnected: 0,
		agent.StatusError:        0,
	}
	for _, a := range agents {
		if _, ok := byStatus[a.Status]; ok {
			byStatus[a.Status]++
		}
	}
	for status, n := range byStatus {
		ch <- prometheus.MustNewConstMetric(c.agents, prometheus.GaugeValue, float64(n), string(status))
	}

	for state, n := range map[string]int{
		"pending":          stats.Pending,
		"retrying":         stats.Retrying,
		"in_progress":      stats.InProgress,
		"completed":        stats.Completed,
		"failed_permanent": stats.Failed,
		"cancelled":        stats.Cancelled,
	} {
		ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.GaugeValue, float64(n), state)
	}

	ch <- prometheus.MustNewConstMetric(c.utilization, prometheus.GaugeValue, m.Utilization)
	ch <- prometheus.MustNewConstMetric(c.avgCompletion, prometheus.GaugeValue, m.AvgCompletion.Seconds())
	ch <- prometheus.MustNewConstMetric(c.hourlyCost, prometheus.GaugeValue, m.EstimatedHourlyCost)
	ch <- prometheus.MustNewConstMetric(c.savings, prometheus.CounterValue, m.Savings)
	ch <- prometheus.MustNewConstMetric(c.savedSeconds, prometheus.CounterValue, m.SavedTime.Seconds())
	ch <- prometheus.MustNewConstMetric(c.failedAttempts, prometheus.CounterValue, float64(stats.FailedAttempts))
}
