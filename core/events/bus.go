package events

import (
	"sync"

	"btcfi/core/types"
)

// Sink consumes committed, rendered events.
type Sink interface {
	Publish(events []*types.Event) error
}

// Bus fans committed events out to live subscribers. Slow subscribers lose
// events rather than block the ledger.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan *types.Event
	size   int
}

// NewBus constructs a bus whose subscriber channels hold size events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 64
	}
	return &Bus{subs: make(map[uint64]chan *types.Event), size: size}
}

// Subscribe registers a subscriber. The returned cancel func closes the channel.
func (b *Bus) Subscribe() (<-chan *types.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan *types.Event, b.size)
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish implements Sink.
func (b *Bus) Publish(batch []*types.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, evt := range batch {
		for _, ch := range b.subs {
			select {
			case ch <- evt.Clone():
			default:
			}
		}
	}
	return nil
}

// Subscribers reports the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
