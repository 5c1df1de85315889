package events

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hivemind-dhcp/hivemind/internal/metrics"
)

const (
	defaultBusBuffer        = 10000
	defaultSubscriberBuffer = 1000
)

// Bus fans lease events out to subscribers without ever blocking the
// allocation path. Publish drops and counts an event when the bus buffer is
// full; dispatch drops it for any subscriber whose own buffer is full.
// A nil *Bus accepts and discards every event.
type Bus struct {
	ch     chan Event
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers []chan Event

	drops    atomic.Uint64
	done     chan struct{}
	stopOnce sync.Once
}

// NewBus creates a bus buffering up to size events; size <= 0 uses 10000.
func NewBus(size int, logger *slog.Logger) *Bus {
	if size <= 0 {
		size = defaultBusBuffer
	}
	return &Bus{
		ch:     make(chan Event, size),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start dispatches events until Stop. Call in a goroutine.
func (b *Bus) Start() {
	for {
		select {
		case evt := <-b.ch:
			b.dispatch(evt)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub <- evt:
		default:
			b.logger.Warn("subscriber buffer full, dropping event",
				"event_type", string(evt.Type))
		}
	}
}

// Stop ends dispatch. Publishing after Stop is a no-op; Stop may be called twice.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

// Publish queues evt for dispatch.
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
	case b.ch <- evt:
	default:
		total := b.drops.Add(1)
		metrics.EventBufferDrops.Inc()
		b.logger.Warn("event bus buffer full, dropping event",
			"event_type", string(evt.Type),
			"total_drops", total)
	}
}

// Subscribe attaches a new channel buffering up to size events (<= 0 uses 1000).
// The subscriber must keep reading it and release it with Unsubscribe.
// A nil *Bus returns nil, which never delivers.
func (b *Bus) Subscribe(size int) chan Event {
	if b == nil {
		return nil
	}
	if size <= 0 {
		size = defaultSubscriberBuffer
	}
	ch := make(chan Event, size)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	metrics.EventSubscribers.Inc()
	return ch
}

// Unsubscribe detaches ch and closes it. Unknown or nil channels are ignored.
func (b *Bus) Unsubscribe(ch chan Event) {
	if b == nil || ch == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.Index(b.subscribers, ch)
	if i < 0 {
		return
	}
	b.subscribers = slices.Delete(b.subscribers, i, i+1)
	close(ch)
	metrics.EventSubscribers.Dec()
}

// Drops returns how many events Publish has dropped.
func (b *Bus) Drops() uint64 {
	return b.drops.Load()
}
