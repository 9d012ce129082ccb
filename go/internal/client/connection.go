package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/movex/go/internal/eventbus"
	"github.com/mcdev12/movex/go/internal/models"
	"github.com/mcdev12/movex/go/internal/protocol"
)

// DefaultWaitForResponse bounds how long a request waits for its ack.
const DefaultWaitForResponse = 15 * time.Second

// Clock is the time source for request timeouts.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
}

// Broadcast is an out-of-band application event with the wire prefix removed.
type Broadcast struct {
	Event   string
	Message json.RawMessage
}

// Topics published on the connection bus.
var (
	TopicConnected       = eventbus.NewTopic[Transport]("connected")
	TopicDisconnected    = eventbus.NewTopic[error]("disconnected")
	TopicResourceUpdated = eventbus.NewTopic[models.ResourceEnvelope]("resource_updated")
	TopicResourceRemoved = eventbus.NewTopic[models.ResourceEnvelope]("resource_removed")
	TopicBroadcast       = eventbus.NewTopic[Broadcast]("broadcast")
)

// ConnectionConfig tunes the request/ack layer.
type ConnectionConfig struct {
	WaitForResponse time.Duration
	Clock           Clock
}

// Connection multiplexes requests over whichever transport is currently
// live. Requests issued while disconnected wait for the next connection.
type Connection struct {
	clientID string
	wait     time.Duration
	clock    Clock
	bus      *eventbus.Bus

	mu         sync.Mutex
	promise    *ConnectionPromise
	offInbound []func()
}

func NewConnection(clientID string, config ConnectionConfig) *Connection {
	if config.WaitForResponse <= 0 {
		config.WaitForResponse = DefaultWaitForResponse
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	return &Connection{
		clientID: clientID,
		wait:     config.WaitForResponse,
		clock:    config.Clock,
		bus:      eventbus.New(),
		promise:  NewConnectionPromise(),
	}
}

// ClientID returns the subscriber id this connection identifies as.
func (c *Connection) ClientID() string { return c.clientID }

// Bus returns the connection's local event bus.
func (c *Connection) Bus() *eventbus.Bus { return c.bus }

// Promise returns the current connection promise.
func (c *Connection) Promise() *ConnectionPromise {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.promise
}

// HandleConnect attaches t. Inbound handlers are in place before the promise
// resolves, so nothing sent right after the handshake goes unhandled.
func (c *Connection) HandleConnect(t Transport) {
	offs := []func(){
		t.On(protocol.EventUpdateResource, c.pushHandler(TopicResourceUpdated)),
		t.On(protocol.EventRemoveResource, c.pushHandler(TopicResourceRemoved)),
		t.OnAny(c.onAnyEvent),
	}

	c.mu.Lock()
	stale := c.offInbound
	c.offInbound = offs
	if c.promise.Resolved() {
		c.promise = NewConnectionPromise()
	}
	promise := c.promise
	c.mu.Unlock()

	for _, off := range stale {
		off()
	}
	promise.Resolve(t)

	log.Info().Str("client_id", c.clientID).Msg("connected to master")
	eventbus.Publish(c.bus, TopicConnected, t)
}

// HandleDisconnect drops the inbound handlers of the dead transport and
// swaps in a pending promise.
func (c *Connection) HandleDisconnect() {
	c.mu.Lock()
	offs := c.offInbound
	c.offInbound = nil
	if c.promise.Resolved() {
		c.promise = NewConnectionPromise()
	}
	c.mu.Unlock()

	for _, off := range offs {
		off()
	}

	log.Warn().Str("client_id", c.clientID).Msg("connection to master lost")
	eventbus.Publish(c.bus, TopicDisconnected, ErrConnectionLost)
}

// Request emits name with payload once connected and waits for the ack. The
// call resolves exactly once: with the ack's val, an *ApplicationError, or
// ErrRequestTimeout. ctx bounds the whole call.
func (c *Connection) Request(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	requestID := ulid.Make().String()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", name, err)
	}

	transport, err := c.Promise().Wait(ctx)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("request_id", requestID).
		Str("client_id", c.clientID).
		Str("name", name).
		Msg("request")

	var settled atomic.Bool
	acked := make(chan json.RawMessage, 1)
	timer := c.clock.NewTimer(c.wait)

	ack := func(reply json.RawMessage) {
		if !settled.CompareAndSwap(false, true) {
			log.Debug().Str("request_id", requestID).Str("name", name).Msg("discarding late ack")
			return
		}
		timer.Stop()
		acked <- reply
	}

	if err := transport.Emit(name, data, ack); err != nil {
		if settled.CompareAndSwap(false, true) {
			timer.Stop()
			return nil, fmt.Errorf("emit %s: %w", name, err)
		}
		// the ack already arrived
	}

	select {
	case reply := <-acked:
		return c.resolve(requestID, name, reply)
	case <-timer.Chan():
		if settled.CompareAndSwap(false, true) {
			log.Warn().Str("request_id", requestID).Str("name", name).Dur("waited", c.wait).Msg("request timeout")
			return nil, fmt.Errorf("%s: %w", name, ErrRequestTimeout)
		}
		return c.resolve(requestID, name, <-acked)
	case <-ctx.Done():
		if settled.CompareAndSwap(false, true) {
			timer.Stop()
			return nil, ctx.Err()
		}
		return c.resolve(requestID, name, <-acked)
	}
}

func (c *Connection) resolve(requestID string, name string, reply json.RawMessage) (json.RawMessage, error) {
	result, err := protocol.DecodeResult(reply)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if !result.OK {
		appErr := newApplicationError(result.Val)
		log.Debug().
			Str("request_id", requestID).
			Str("name", name).
			Str("kind", string(appErr.Kind)).
			Msg("request failed")
		return nil, appErr
	}
	return result.Val, nil
}

func (c *Connection) pushHandler(topic eventbus.Topic[models.ResourceEnvelope]) func(json.RawMessage) {
	return func(payload json.RawMessage) {
		result, err := protocol.DecodeResult(payload)
		if err != nil || !result.OK {
			return
		}
		var envelope models.ResourceEnvelope
		if err := json.Unmarshal(result.Val, &envelope); err != nil {
			log.Warn().Err(err).Str("topic", topic.Name()).Msg("malformed resource push")
			return
		}
		eventbus.Publish(c.bus, topic, envelope)
	}
}

func (c *Connection) onAnyEvent(event string, payload json.RawMessage) {
	name, ok := protocol.ParseBroadcastEvent(event)
	if !ok {
		return
	}
	eventbus.Publish(c.bus, TopicBroadcast, Broadcast{Event: name, Message: payload})
}
