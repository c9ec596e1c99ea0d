package events

import "sync"

// Publisher accepts progress events. Implementations must not block the caller
// for long: Publish is invoked from inside hardware stages.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Bus fans events out to any number of subscribers. A subscriber whose buffer
// is full misses the event rather than stalling the flash.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	buffer int
}

// NewBus creates a Bus whose subscriber channels hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns a channel of future events and a function that
// unsubscribes and closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
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

// Publish delivers e to every subscriber that has room for it.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

type multi []Publisher

func (m multi) Publish(e Event) {
	for _, p := range m {
		p.Publish(e)
	}
}

// Multi publishes every event to each non-nil publisher in order.
func Multi(ps ...Publisher) Publisher {
	var m multi
	for _, p := range ps {
		if p != nil {
			m = append(m, p)
		}
	}
	return m
}
