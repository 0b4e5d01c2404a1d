// Package events carries swarm status changes to observers.
//
// Components publish Event values through a Sink. LogSink records them in
// the structured log; NATSSink publishes them as JSON on "<subject>.<kind>"
// so external tools can follow task and agent lifecycles. StartBus runs an
// embedded NATS server for single-binary deployments.
package events
