// Package eventbus is an in-process typed publish/subscribe dispatcher.
// Each Bus is instance scoped; there is no package-level default.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Topic names an event and fixes its payload type.
type Topic[T any] struct {
	name string
}

// NewTopic declares a topic. Topics with the same name share subscribers, so
// the name must be unique per payload type.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the topic tag.
func (t Topic[T]) Name() string {
	return t.name
}

type subscription struct {
	id uint64
	fn func(any)
}

// Bus dispatches published values to the subscribers of a topic, synchronously
// and in subscription order.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	// subscribers are copied on write so Publish can iterate without the lock
	subscribers map[string][]subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string][]subscription),
	}
}

// Subscribe registers fn for topic and returns its unsubscribe func.
// Calling the returned func more than once is a no-op.
func Subscribe[T any](b *Bus, topic Topic[T], fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	current := b.subscribers[topic.name]
	next := make([]subscription, len(current), len(current)+1)
	copy(next, current)
	next = append(next, subscription{
		id: id,
		fn: func(v any) { fn(v.(T)) },
	})
	b.subscribers[topic.name] = next
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic.name, id) })
	}
}

func (b *Bus) remove(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.subscribers[name]
	next := make([]subscription, 0, len(current))
	for _, s := range current {
		if s.id != id {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.subscribers, name)
		return
	}
	b.subscribers[name] = next
}

// Publish delivers v to every current subscriber of topic. A panicking
// subscriber is logged and does not stop delivery to the others.
func Publish[T any](b *Bus, topic Topic[T], v T) {
	b.mu.Lock()
	subs := b.subscribers[topic.name]
	b.mu.Unlock()

	for _, s := range subs {
		deliver(topic.name, s, v)
	}
}

func deliver(name string, s subscription, v any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("topic", name).
				Interface("panic", r).
				Msg("event subscriber panicked")
		}
	}()
	s.fn(v)
}

// Count returns the number of subscribers of topic.
func Count[T any](b *Bus, topic Topic[T]) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[topic.name])
}
