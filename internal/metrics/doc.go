// Package metrics derives swarm-level figures (utilization, cost, savings,
// task throughput) from the agent registry and dispatcher, and exports them
// to Prometheus.
package metrics
