package eventbus

import (
	"sync"
	"sync/atomic"
)

// Bus is a typed, in-memory fanout of events of type E.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get buffered channels.
//   - Slow subscribers drop events (bounded backpressure); Dropped() counts them.
type Bus[E any] interface {
	Publish(e E)
	Subscribe(buffer int) (ch <-chan E, unsubscribe func())
	Dropped() uint64
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New[E any]() Bus[E] {
	return &memBus[E]{subs: map[uint64]chan E{}}
}

type memBus[E any] struct {
	mu      sync.RWMutex
	subs    map[uint64]chan E
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus[E]) Publish(e E) {
	// Hold the read lock while sending: sends are non-blocking, and unsubscribe
	// needs the write lock before it closes a channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus[E]) Subscribe(buffer int) (<-chan E, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan E, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

func (b *memBus[E]) Dropped() uint64 { return b.dropped.Load() }

// Nop discards every event. Useful as a default when no bus is wired.
func Nop[E any]() Bus[E] { return nopBus[E]{} }

type nopBus[E any] struct{}

func (nopBus[E]) Publish(E) {}
func (nopBus[E]) Subscribe(int) (<-chan E, func()) {
	ch := make(chan E)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
func (nopBus[E]) Dropped() uint64 { return 0 }
