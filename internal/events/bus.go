package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is one published occurrence.
type Event struct {
	Type    string         `json:"type"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks; a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]chan Event
	log  *zap.Logger

	dropped atomic.Uint64
}

// NewBus creates an empty bus. A nil logger disables logging.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subs: make(map[string]chan Event),
		log:  log,
	}
}

// Subscribe registers a new subscriber and returns its token and channel.
// The channel is closed by Unsubscribe.
func (b *Bus) Subscribe(buffer int) (string, <-chan Event) {
	if buffer <= 0 {
		buffer = 64
	}
	token := uuid.NewString()
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[token] = ch
	b.mu.Unlock()

	b.log.Debug("subscriber added", zap.String("token", token))
	return token, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(token string) {
	b.mu.Lock()
	ch, ok := b.subs[token]
	if ok {
		delete(b.subs, token)
	}
	b.mu.Unlock()

	if ok {
		close(ch)
	}
}

// Publish delivers an event to every subscriber that has room for it.
func (b *Bus) Publish(typ string, payload map[string]any) {
	ev := Event{Type: typ, Time: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for token, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.log.Debug("event dropped for slow subscriber",
				zap.String("token", token),
				zap.String("type", typ))
		}
	}
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many events were discarded for slow subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
