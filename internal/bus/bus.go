// Package bus provides the process-wide publish/subscribe primitive shared
// by the session manager and the message router. It is always passed in as a
// dependency, never held as a package global, so tests can isolate listeners.
package bus

import "sync"

// Handler receives the payload of an emitted event.
type Handler func(payload any)

type subscription struct {
	name    string
	handler Handler
}

// Bus is an in-process event bus with exact-name subscriptions.
// Handlers for one subscriber run in emit order; no ordering holds across
// subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// On registers a handler for an event name and returns its unsubscribe
// function. Unsubscribing twice is a no-op.
func (b *Bus) On(name string, handler Handler) func() {
	sub := &subscription{name: name, handler: handler}

	b.mu.Lock()
	b.subs[name] = append(b.subs[name], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub) })
	}
}

// Emit delivers payload to every handler registered for name. Handlers run
// synchronously on the caller's goroutine, in subscription order.
func (b *Bus) Emit(name string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[name]))
	for _, sub := range b.subs[name] {
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}

// SubscriberCount reports the number of handlers registered for name.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.name]
	for i, s := range list {
		if s == sub {
			b.subs[sub.name] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.name]) == 0 {
		delete(b.subs, sub.name)
	}
}
