// Package ratelimit provides the throttles guarding the agent message channel.
//
// Window is a sliding-log counter bounding new connections per remote
// address. Messages wraps golang.org/x/time/rate to bound inbound frames on
// a single connection.
package ratelimit
