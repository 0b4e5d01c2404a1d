// ABOUTME: NATS publisher for swarm events and an optional embedded NATS server
// ABOUTME: Events are published as JSON to <subject>.<kind>

package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// NATSSink publishes events to a NATS server.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSSink connects to url and publishes under subject.
func NewNATSSink(url, subject string, logger *slog.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url, nats.Name("coven-swarm"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSSink{
		conn:    conn,
		subject: subject,
		logger:  logger.With("component", "events.nats"),
	}, nil
}

// Subject returns the subject an event of kind is published to.
func (s *NATSSink) Subject(kind string) string {
	return s.subject + "." + kind
}

// Publish encodes e as JSON and publishes it. Failures are logged; the
// swarm never blocks on event delivery.
func (s *NATSSink) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("marshal event", "kind", e.Kind, "error", err)
		return
	}
	if err := s.conn.Publish(s.Subject(e.Kind), data); err != nil {
		s.logger.Warn("publish event", "kind", e.Kind, "error", err)
	}
}

// Flush waits for buffered events to reach the server.
func (s *NATSSink) Flush() error {
	return s.conn.Flush()
}

// Close drains pending events and closes the connection.
func (s *NATSSink) Close() {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
}

// Bus is an in-process NATS server.
type Bus struct {
	server *natsserver.Server
}

// StartBus starts an embedded NATS server on port (0 picks a free port).
func StartBus(port int) (*Bus, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}
	if port == 0 {
		opts.Port = natsserver.RANDOM_PORT
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}
	return &Bus{server: ns}, nil
}

// ClientURL returns the URL clients connect to.
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Close stops the server.
func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
