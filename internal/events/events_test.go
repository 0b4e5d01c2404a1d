// ABOUTME: Tests for event sinks, including NATS delivery through an embedded server
// ABOUTME: Subscribes to the wildcard subject and checks the published JSON

package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	sink := Multi{a, b, Discard{}, NewLogSink(discardLogger())}

	sink.Publish(New(TaskSubmitted, "t1", nil))
	sink.Publish(New(TaskAssigned, "t1", map[string]any{"agent_id": "a1"}))

	assert.Equal(t, []string{TaskSubmitted, TaskAssigned}, a.Kinds())
	assert.Equal(t, a.Kinds(), b.Kinds())
	assert.True(t, a.Has(TaskAssigned, "t1"))
	assert.False(t, a.Has(TaskAssigned, "t2"))
}

func TestNATSSink_PublishesToKindSubject(t *testing.T) {
	bus, err := StartBus(0)
	require.NoError(t, err)
	defer bus.Close()

	sink, err := NewNATSSink(bus.ClientURL(), "swarm.events", discardLogger())
	require.NoError(t, err)
	defer sink.Close()

	sub, err := nats.Connect(bus.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	received := make(chan *nats.Msg, 1)
	_, err = sub.Subscribe("swarm.events.>", func(m *nats.Msg) { received <- m })
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	sink.Publish(New(TaskFailedPermanent, "t1", map[string]any{"error": "boom"}))
	require.NoError(t, sink.Flush())

	select {
	case m := <-received:
		assert.Equal(t, "swarm.events.task.failed-permanent", m.Subject)
		var e Event
		require.NoError(t, json.Unmarshal(m.Data, &e))
		assert.Equal(t, TaskFailedPermanent, e.Kind)
		assert.Equal(t, "t1", e.Subject)
		assert.Equal(t, "boom", e.Data["error"])
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNewNATSSink_ConnectError(t *testing.T) {
	_, err := NewNATSSink("nats://127.0.0.1:1", "swarm.events", discardLogger())
	assert.Error(t, err)
}
