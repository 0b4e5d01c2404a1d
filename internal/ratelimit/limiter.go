// ABOUTME: Per-connection message rate limiting backed by golang.org/x/time/rate.
// ABOUTME: A token bucket refilled at the configured messages-per-second rate.

package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Messages throttles inbound messages on a single connection.
type Messages struct {
	limiter *rate.Limiter
}

// NewMessages allows perSecond messages per second with a burst of the same size.
func NewMessages(perSecond int) *Messages {
	return &Messages{limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
}

// Allow reports whether one more message may be processed now.
func (m *Messages) Allow() bool {
	return m.limiter.Allow()
}

// AllowAt is Allow evaluated at t.
func (m *Messages) AllowAt(t time.Time) bool {
	return m.limiter.AllowN(t, 1)
}
