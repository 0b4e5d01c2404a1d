// ABOUTME: Operator audit events with actor attribution from AuthContext
// ABOUTME: Provides recordAction so API mutations land in the event history

package gateway

import (
	"context"

	"github.com/2389/coven-swarm/internal/auth"
	"github.com/2389/coven-swarm/internal/events"
)

// anonymousActor is recorded when the API runs without JWT auth.
const anonymousActor = "anonymous"

// actorOf returns the token subject of the caller, if any.
func actorOf(ctx context.Context) string {
	if authCtx := auth.FromContext(ctx); authCtx != nil && authCtx.Subject != "" {
		return authCtx.Subject
	}
	return anonymousActor
}

// recordAction publishes an operator.action event for an API mutation.
// Existing keys in data are kept; "action" and "actor" are set here.
//
// Actor attribution rules:
//   - JWT-authenticated caller: actor = token subject
//   - Auth disabled or no context: actor = "anonymous"
func (g *Gateway) recordAction(ctx context.Context, action, subject string, data map[string]any) {
	if data == nil {
		data = make(map[string]any, 2)
	}
	data["action"] = action
	data["actor"] = actorOf(ctx)
	g.sink.Publish(events.New(events.OperatorAction, subject, data))
}
