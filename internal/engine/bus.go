package engine

import (
	"fmt"
	"log/slog"
	"sync"
)

// Bus fans engine events out to listeners.
//
// Callback listeners run synchronously in the publishing goroutine, in
// subscription order. A panicking listener is recovered and logged; the
// remaining listeners still run. Channel subscribers get an unbounded
// mailbox drained by a pump goroutine, so a slow reader never blocks Publish.
//
// Thread-safety: all methods are safe for concurrent use.
type Bus struct {
	mu        sync.Mutex
	listeners []listener
	nextID    int
}

type listener struct {
	id int
	fn func(Event)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, l := range b.listeners {
				if l.id == id {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Channel returns a channel receiving every event published after the call.
// cancel unsubscribes and closes the channel once pending events are
// delivered or abandoned.
func (b *Bus) Channel() (events <-chan Event, cancel func()) {
	box := newMailbox()
	out := make(chan Event)
	done := make(chan struct{})
	unsubscribe := b.Subscribe(func(e Event) { box.Enqueue(e) })

	go func() {
		defer close(out)
		for {
			e, ok := box.TryDequeue()
			if ok {
				select {
				case out <- e:
					continue
				case <-done:
					return
				}
			}
			select {
			case _, open := <-box.Wait():
				if !open {
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			unsubscribe()
			box.Close()
			close(done)
		})
	}
}

// Publish delivers e to every listener.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	ls := make([]listener, len(b.listeners))
	copy(ls, b.listeners)
	b.mu.Unlock()

	slog.Debug("event", "event", e.Name())
	for _, l := range ls {
		deliver(l.fn, e)
	}
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

func deliver(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event listener panicked",
				"event", e.Name(),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn(e)
}
