// Package auth provides authentication for coven-swarm.
//
// # Agent Credentials
//
// Agents authenticate on the message channel with a credential derived from a
// secret shared between the coordinator and the agent launcher:
//
//	token = hex(HMAC-SHA256(secret, agentID + agentType))
//
// CredentialVerifier recomputes the digest and compares in constant time.
// Distribution of the secret is outside this package.
//
// # Operator Tokens
//
// The HTTP API is protected with HS256 JWTs when auth.jwt_secret is configured.
// Tokens carry a subject and a role:
//
//   - operator: may submit and cancel tasks, deploy and terminate agents
//   - viewer: read-only access to task and swarm status
//
// HTTPAuthMiddleware validates the bearer token and stores an AuthContext in
// the request context; RequireOperatorHTTP gates non-GET requests on the role.
package auth
