// Package gateway orchestrates the coven-swarm coordinator components.
//
// # Overview
//
// The gateway package wires every other package together from a
// config.Config and owns their lifecycle: the SQLite history store, the
// event fan-out (log, stored history, live stream and NATS), the agent launcher, the
// agent registry, the task dispatcher, the websocket agent channel, the
// health controller and the HTTP server.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /api/tasks - Submit a task (202; a repeated Idempotency-Key returns the first task with 200)
//   - GET /api/tasks - List active, recent and stored tasks (?status=, ?limit=)
//   - GET /api/tasks/{id} - Task status, falling back to stored history
//   - DELETE /api/tasks/{id} - Cancel a task
//   - GET /api/swarm - Pool counts, task totals, utilization and cost
//   - GET /api/agents - List live agents (?history=true adds retired agents)
//   - POST /api/agents - Deploy agents ({"type": "coder", "count": 2})
//   - DELETE /api/agents/{id} - Terminate an agent
//   - POST /api/agents/{id}/restart - Restart an agent
//   - GET /api/events - Stored swarm events (?kind=, ?subject=, ?limit=)
//   - GET /api/events/stream - Live events as server-sent events (?kind= prefix)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (at least one connected agent)
//   - GET /metrics - Prometheus metrics
//   - GET /ws - Agent websocket channel
//
// When auth.jwt_secret is set, /api requires a bearer token. Viewer tokens
// may read; mutations need the operator role. Every mutation is recorded as
// an operator.action event carrying the caller as actor.
//
// # Agent Messages
//
// agentHandler maps validated channel messages onto the dispatcher:
// authentication binds the agent, agent-register stores capabilities,
// task reports drive the task lifecycle, heartbeats refresh liveness and
// usage, and alerts may put the agent into error.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel() // Run calls Shutdown with a fresh timeout
//
// Shutdown stops task intake and assignment, tells connected agents to stop,
// waits up to the channel shutdown grace, then closes the HTTP server, dispatcher timers, launched processes,
// event sinks and the store, in that order.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - api.go: HTTP handlers and route registration
//   - handler.go: channel message routing
//   - events.go: operator action events
package gateway
