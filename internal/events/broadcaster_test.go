// ABOUTME: Tests for the Broadcaster fan-out sink
// ABOUTME: Covers prefix filtering, slow subscribers, unsubscribe, context cancellation and close

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "")
	ch2, _ := b.Subscribe(t.Context(), "")

	b.Publish(New(TaskSubmitted, "t1", nil))

	assert.Equal(t, "t1", receive(t, ch1).Subject)
	assert.Equal(t, "t1", receive(t, ch2).Subject)
}

func TestBroadcaster_PrefixFilter(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	tasks, _ := b.Subscribe(t.Context(), "task.")
	b.Publish(New(AgentStatus, "a1", nil))
	b.Publish(New(TaskCompleted, "t1", nil))

	e := receive(t, tasks)
	assert.Equal(t, TaskCompleted, e.Kind)
	select {
	case e := <-tasks:
		t.Fatalf("unexpected event %v", e)
	default:
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "")
	done := make(chan struct{})
	go func() {
		for range subscriberBufferSize * 2 {
			b.Publish(New(TaskProgress, "t1", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, id := b.Subscribe(t.Context(), "")
	require.Equal(t, 1, b.Subscribers())

	b.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers())

	// Unknown ids are ignored.
	b.Unsubscribe(id)
}

func TestBroadcaster_ContextCancel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "")
	cancel()

	require.Eventually(t, func() bool { return b.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, _ := b.Subscribe(t.Context(), "")

	b.Close()
	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe(t.Context(), "")
	_, ok = <-late
	assert.False(t, ok)

	// Publishing after close is harmless.
	b.Publish(New(TaskSubmitted, "t1", nil))
}
