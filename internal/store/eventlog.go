// ABOUTME: Asynchronous events.Sink that batches swarm events into a Store
// ABOUTME: Publish never blocks; events are dropped and counted when the queue is full

package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-swarm/internal/events"
)

const (
	defaultEventQueue    = 4096
	defaultEventBatch    = 100
	defaultFlushInterval = 250 * time.Millisecond
	writeTimeout         = 5 * time.Second
)

// EventLog persists events off the publishing path.
type EventLog struct {
	store  Store
	logger *slog.Logger

	ch        chan events.Event
	flushReq  chan chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	batchSize     int
	flushInterval time.Duration

	dropped atomic.Int64
	written atomic.Int64
}

// NewEventLog starts a background writer into s.
func NewEventLog(s Store, logger *slog.Logger) *EventLog {
	l := &EventLog{
		store:         s,
		logger:        logger.With("component", "eventlog"),
		ch:            make(chan events.Event, defaultEventQueue),
		flushReq:      make(chan chan struct{}),
		done:          make(chan struct{}),
		batchSize:     defaultEventBatch,
		flushInterval: defaultFlushInterval,
	}
	go l.run()
	return l
}

// Publish implements events.Sink.
func (l *EventLog) Publish(e events.Event) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.ch <- e:
	default:
		if l.dropped.Add(1)%100 == 1 {
			l.logger.Warn("event log queue full, dropping events", "dropped", l.dropped.Load())
		}
	}
}

// Flush blocks until every event published before the call is written.
func (l *EventLog) Flush() {
	ack := make(chan struct{})
	select {
	case l.flushReq <- ack:
		<-ack
	case <-l.done:
	}
}

// Dropped returns how many events were discarded on a full queue.
func (l *EventLog) Dropped() int64 {
	return l.dropped.Load()
}

// Written returns how many events reached the store.
func (l *EventLog) Written() int64 {
	return l.written.Load()
}

// Close writes what is queued and stops the writer.
func (l *EventLog) Close() {
	l.closeOnce.Do(func() {
		ack := make(chan struct{})
		l.flushReq <- ack
		<-ack
		close(l.done)
	})
}

func (l *EventLog) run() {
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]events.Event, 0, l.batchSize)
	write := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := l.store.SaveEvents(ctx, batch); err != nil {
			l.logger.Error("writing events", "count", len(batch), "error", err)
		} else {
			l.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case e := <-l.ch:
				batch = append(batch, e)
				if len(batch) >= l.batchSize {
					write()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= l.batchSize {
				write()
			}
		case <-ticker.C:
			write()
		case ack := <-l.flushReq:
			drain()
			write()
			close(ack)
		case <-l.done:
			return
		}
	}
}
