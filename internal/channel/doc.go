// Package channel implements the real-time message channel between the
// coordinator and its agents.
//
// # Connection Lifecycle
//
// Agents connect over a websocket. Admission is refused with HTTP 503 when
// the server is at capacity and HTTP 429 when the remote address opened too
// many connections in the last minute. The first accepted frame must be
// authenticate; the credential is verified and the agent id is bound to the
// connection. Unauthenticated connections are closed after the auth timeout.
//
// # Message Validation
//
// Every inbound frame goes through Ingest, which enforces the size cap, JSON
// syntax, reserved-key rejection and the per-type schema before decoding into
// a typed Message. Rejected frames are answered with an error message and
// never reach the Handler.
//
// # Liveness
//
// The server pings each authenticated connection every heartbeat interval.
// A connection without a pong (or application heartbeat) for two intervals
// is closed with CloseHeartbeatTimeout and reported via Handler.Disconnected.
package channel
