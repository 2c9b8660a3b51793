package signal

import (
	"sync"
)

// Handler receives diagnostic events.
type Handler func(Event)

// Bus delivers events to an ordered chain of handlers. The most recently
// subscribed handler runs first, then each earlier one in turn, so a new
// subscriber always passes the event on to whatever was registered before
// it. Handlers cannot stop the chain.
type Bus struct {
	mu       sync.RWMutex
	handlers []subscription
	nextID   uint64
}

type subscription struct {
	id uint64
	h  Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe adds h to the head of the chain. The returned function removes
// exactly this subscription; calling it more than once is harmless.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, subscription{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.handlers {
		if s.id == id {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Emit delivers ev to every handler, newest first. Handlers run on the
// caller's goroutine and may subscribe or unsubscribe without deadlocking;
// such changes take effect from the next Emit.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	chain := make([]Handler, len(b.handlers))
	for i, s := range b.handlers {
		chain[len(chain)-1-i] = s.h
	}
	b.mu.RUnlock()

	for _, h := range chain {
		h(ev)
	}
}

// Len returns the number of subscribed handlers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
