// Package health runs the swarm's periodic control loop.
//
// Each sweep restarts agents whose heartbeats went stale (once; a second
// failure parks the agent in error), scales out when an agent stays above
// the resource threshold, keeps the pool at its minimum, and retires agents
// that have idled past the idle timeout while utilization is low.
package health
