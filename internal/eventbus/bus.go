// Package eventbus is an in-memory fanout that lets delivery and intake
// announce what they did without knowing who is listening.
package eventbus

import (
	"sync"
	"time"
)

// Event is a small in-process notification. Publish never blocks; a
// subscriber whose buffer is full simply misses the event, so listeners are
// observers, never participants.
type Event struct {
	Type string
	Data any
	Time time.Time
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (<-chan Event, func())
}

// New returns the in-memory bus. It owns no goroutines; Publish does the
// fanout inline.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]chan Event
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock: unsubscribe closes channels under
	// the write lock, so a send can never race a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}
