package eventbus

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

var (
	numbers = NewTopic[int]("numbers")
	words   = NewTopic[string]("words")
)

func TestPublishReachesAllSubscribersInOrder(t *testing.T) {
	bus := New()
	var got []string

	Subscribe(bus, words, func(w string) { got = append(got, "a:"+w) })
	Subscribe(bus, words, func(w string) { got = append(got, "b:"+w) })

	Publish(bus, words, "hi")
	assert.Equal(t, got, []string{"a:hi", "b:hi"})
}

func TestTopicsAreIndependent(t *testing.T) {
	bus := New()
	sum := 0
	Subscribe(bus, numbers, func(n int) { sum += n })

	Publish(bus, words, "ignored")
	Publish(bus, numbers, 3)
	Publish(bus, numbers, 4)
	assert.Equal(t, sum, 7)
}

func TestUnsubscribe(t *testing.T) {
	bus := New()
	calls := 0
	unsubscribe := Subscribe(bus, numbers, func(int) { calls++ })

	Publish(bus, numbers, 1)
	unsubscribe()
	unsubscribe()
	Publish(bus, numbers, 1)

	assert.Equal(t, calls, 1)
	assert.Equal(t, Count(bus, numbers), 0)
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	bus := New()
	calls := 0
	var unsubscribe func()
	unsubscribe = Subscribe(bus, numbers, func(int) {
		calls++
		unsubscribe()
	})
	Subscribe(bus, numbers, func(int) { calls++ })

	Publish(bus, numbers, 1)
	Publish(bus, numbers, 1)
	assert.Equal(t, calls, 3)
}

func TestPanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	bus := New()
	delivered := false
	Subscribe(bus, numbers, func(int) { panic("boom") })
	Subscribe(bus, numbers, func(int) { delivered = true })

	Publish(bus, numbers, 1)
	assert.Equal(t, delivered, true)
}

func TestBusesAreInstanceScoped(t *testing.T) {
	a, b := New(), New()
	calls := 0
	Subscribe(a, numbers, func(int) { calls++ })

	Publish(b, numbers, 1)
	assert.Equal(t, calls, 0)
}
