package client

import (
	"encoding/json"
	"sync"
)

type emitted struct {
	event   string
	payload json.RawMessage
	ack     AckFunc
}

// fakeTransport records emits; respond, when set, acks synchronously.
type fakeTransport struct {
	*Handlers
	respond func(event string, payload json.RawMessage) (json.RawMessage, bool)

	mu      sync.Mutex
	emits   []emitted
	emitted chan emitted
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		Handlers: NewHandlers(),
		emitted:  make(chan emitted, 64),
	}
}

func (t *fakeTransport) Emit(event string, payload json.RawMessage, ack AckFunc) error {
	e := emitted{event: event, payload: payload, ack: ack}
	t.mu.Lock()
	t.emits = append(t.emits, e)
	t.mu.Unlock()

	if t.respond != nil {
		if reply, ok := t.respond(event, payload); ok {
			ack(reply)
			return nil
		}
	}
	t.emitted <- e
	return nil
}

func (t *fakeTransport) count(event string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.emits {
		if e.event == event {
			n++
		}
	}
	return n
}

func okReply(val string) json.RawMessage {
	if val == "" {
		return json.RawMessage(`{"ok":true}`)
	}
	return json.RawMessage(`{"ok":true,"val":` + val + `}`)
}
