package events

import (
	"sync"
	"time"

	"steve/internal/logging"
)

const (
	defaultClientBuffer = 64
	defaultMaxHistory   = 1000
)

// Bus fans lifecycle events out to subscribed clients. Slow clients drop
// events rather than block the emitter; a bounded history allows late
// subscribers to replay recent activity.
type Bus struct {
	mu      sync.RWMutex
	clients map[int]chan Event
	nextID  int

	historyMu sync.RWMutex
	history   []Event

	droppedMu sync.Mutex
	dropped   int64

	logger logging.Logger
	now    func() time.Time
}

// NewBus creates an event bus.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		clients: make(map[int]chan Event),
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

// Emit broadcasts an event to all subscribers and appends it to history.
// Never blocks: full client buffers drop the event for that client.
func (b *Bus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now()
	}

	b.historyMu.Lock()
	b.history = append(b.history, evt)
	if len(b.history) > defaultMaxHistory {
		b.history = b.history[len(b.history)-defaultMaxHistory:]
	}
	b.historyMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.clients {
		select {
		case ch <- evt:
		default:
			b.droppedMu.Lock()
			b.dropped++
			b.droppedMu.Unlock()
			b.logger.Debug("event dropped for slow client %d: %s", id, evt.Type)
		}
	}
}

// Subscribe registers a client. The returned cancel func must be called when
// the client disconnects.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, defaultClientBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.clients[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// History returns a copy of the retained event history.
func (b *Bus) History() []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Dropped returns the number of events dropped due to full client buffers.
func (b *Bus) Dropped() int64 {
	b.droppedMu.Lock()
	defer b.droppedMu.Unlock()
	return b.dropped
}
