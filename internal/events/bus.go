package events

import (
	"sync"
)

// Bus is an in-process pub/sub broker. Publishing never blocks; a subscriber that falls
// behind loses messages instead of stalling settlement.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan any
	dropped map[Event]uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[Event][]chan any),
		dropped: make(map[Event]uint64),
	}
}

// Subscribe registers a listener for e and returns its channel plus an unsubscribe func.
// The unsubscribe func is safe to call more than once.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[e]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[e] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}
	return ch, unsub
}

// Publish fans the payload out to every subscriber of e.
func (b *Bus) Publish(e Event, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	var missed uint64
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			missed++
		}
	}
	b.mu.RUnlock()

	if missed > 0 {
		b.mu.Lock()
		b.dropped[e] += missed
		b.mu.Unlock()
	}
}

// Dropped returns how many deliveries of e were discarded for slow subscribers.
func (b *Bus) Dropped(e Event) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[e]
}
