// ABOUTME: In-memory fan-out of swarm events to live subscribers
// ABOUTME: Backs the server-sent event stream; slow subscribers drop events

package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

type subscriber struct {
	prefix string
	ch     chan Event
}

// Broadcaster is a Sink that delivers every event to subscribers whose kind
// prefix matches. Publish never blocks.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]subscriber // subID -> subscriber
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]subscriber),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events whose kind starts with prefix ("" for all).
// The channel is closed when ctx is done, on Unsubscribe, or on Close.
func (b *Broadcaster) Subscribe(ctx context.Context, prefix string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "prefix", prefix)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish implements Sink.
func (b *Broadcaster) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if !strings.HasPrefix(e.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.logger.Debug("dropped event for slow subscriber", "sub_id", id, "kind", e.Kind)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.closed = true
}
