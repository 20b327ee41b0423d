// Package events is the in-process pub/sub fabric for engine topics.
package events

import (
	"log"
	"sync"
	"sync/atomic"
)

// Bus fans events out to subscribers. Publishing never blocks; a slow
// subscriber loses messages rather than stalling the trading path.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[Event]map[int]chan any
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Event]map[int]chan any)}
}

// Subscribe registers a listener and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan any, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[e] == nil {
		b.subs[e] = make(map[int]chan any)
	}
	b.subs[e][id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[e][id]; ok {
				delete(b.subs[e], id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Publish delivers the payload to every subscriber of the topic. Full
// subscriber buffers drop the message and bump the drop counter.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			if n := b.dropped.Add(1); n%1000 == 1 {
				log.Printf("events: dropped %d messages to slow subscribers", n)
			}
		}
	}
}

// Dropped reports how many messages were lost to slow subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
