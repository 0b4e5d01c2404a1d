// Package agent implements the Agent Registry.
//
// # Overview
//
// The Registry owns every agent record in the swarm. Agents are created by
// Deploy (or Adopt, for agents that connect without a prior deploy), move
// through a fixed lifecycle, and leave the live pool on Terminate:
//
//	initializing -> ready -> busy <-> idle -> disconnected | error -> terminated
//
// Transitions outside that table fail with ErrInvalidTransition and change
// nothing. Every status change is published as an agent.status event.
//
// # Deploy and Restart
//
// Deploy creates the record in initializing and hands bring-up to a
// Launcher. A successful launch moves the agent to ready; a failed one
// leaves it in error for the health controller or an operator. Restart runs
// the same lifecycle again for an existing id.
//
// # Selection
//
// FindCapable ranks ready and idle agents by skill coverage of the task's
// required tags, then by preferred type, then least recent activity so load
// spreads across the pool.
//
// # Thread Safety
//
// The Registry guards its map with a RWMutex and hands out copies. Multi-step
// operations that must be atomic with task state go through the task
// dispatcher, which serializes all mutations.
package agent
