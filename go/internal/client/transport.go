package client

import (
	"encoding/json"

	"github.com/mcdev12/movex/go/internal/eventbus"
)

// AckFunc receives the single reply to an emitted event.
type AckFunc func(payload json.RawMessage)

// Transport is a connected duplex channel to the master. Emit sends a named
// event and arranges for ack to be called at most once with the reply; On and
// OnAny register inbound event handlers and return their removal funcs.
type Transport interface {
	Emit(event string, payload json.RawMessage, ack AckFunc) error
	On(event string, fn func(payload json.RawMessage)) (off func())
	OnAny(fn func(event string, payload json.RawMessage)) (off func())
}

// Inbound is one event received from the master.
type Inbound struct {
	Event   string
	Payload json.RawMessage
}

var topicAnyInbound = eventbus.NewTopic[Inbound]("inbound:*")

func inboundTopic(event string) eventbus.Topic[json.RawMessage] {
	return eventbus.NewTopic[json.RawMessage]("inbound:event:" + event)
}

// Handlers keeps the inbound handlers of a Transport implementation.
type Handlers struct {
	bus *eventbus.Bus
}

func NewHandlers() *Handlers {
	return &Handlers{bus: eventbus.New()}
}

// On registers fn for a single event name.
func (h *Handlers) On(event string, fn func(payload json.RawMessage)) func() {
	return eventbus.Subscribe(h.bus, inboundTopic(event), fn)
}

// OnAny registers fn for every event.
func (h *Handlers) OnAny(fn func(event string, payload json.RawMessage)) func() {
	return eventbus.Subscribe(h.bus, topicAnyInbound, func(in Inbound) {
		fn(in.Event, in.Payload)
	})
}

// Dispatch delivers an inbound event to the named handlers, then to the
// catch-all handlers.
func (h *Handlers) Dispatch(event string, payload json.RawMessage) {
	eventbus.Publish(h.bus, inboundTopic(event), payload)
	eventbus.Publish(h.bus, topicAnyInbound, Inbound{Event: event, Payload: payload})
}
