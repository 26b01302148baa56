package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rb3e-bridge/rb3e-bridge/internal/metrics"
)

const (
	defaultBusBuffer        = 1000
	defaultSubscriberBuffer = 100
)

// Bus fans events out to subscribers without ever blocking the publisher.
// An event is dropped when the bus queue or a subscriber's channel is full.
// Stop closes every subscriber channel, so a reader ranging over one ends
// with the bus.
type Bus struct {
	queue  chan Event
	logger *slog.Logger
	drops  atomic.Uint64

	mu      sync.RWMutex
	subs    []chan Event
	stopped bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewBus creates a bus whose queue holds bufferSize events.
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBusBuffer
	}
	return &Bus{
		queue:  make(chan Event, bufferSize),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start dispatches queued events until Stop. It blocks.
func (b *Bus) Start() {
	for {
		select {
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub <- evt:
		default:
			b.dropped(evt, "subscriber buffer full")
		}
	}
}

// Stop ends dispatching and closes all subscriber channels. Publishing after
// Stop is a no-op.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		defer b.mu.Unlock()
		b.stopped = true
		for _, sub := range b.subs {
			close(sub)
		}
		b.subs = nil
	})
}

// Publish queues evt. A nil bus discards it so components can run without
// one.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	select {
	case <-b.done:
		return
	default:
	}

	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
	select {
	case b.queue <- evt:
	default:
		b.dropped(evt, "bus queue full")
	}
}

func (b *Bus) dropped(evt Event, why string) {
	total := b.drops.Add(1)
	metrics.EventBufferDrops.Inc()
	b.logger.Warn("dropping event",
		"event_type", string(evt.Type),
		"reason", why,
		"total_drops", total)
}

// Subscribe returns a channel receiving every event published from now on.
// The channel is closed by Unsubscribe or Stop; after Stop it is returned
// already closed.
func (b *Bus) Subscribe(bufferSize int) chan Event {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	ch := make(chan Event, bufferSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes ch. Unknown or already closed channels are
// ignored.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Drops returns how many events were dropped at either stage.
func (b *Bus) Drops() uint64 {
	return b.drops.Load()
}
