package master

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/movex/go/internal/eventbus"
	"github.com/mcdev12/movex/go/internal/models"
)

// ErrClientNotConnected is returned when no live sender exists for a subscriber.
var ErrClientNotConnected = errors.New("client not connected")

// Sender delivers a named event to one live connection. Implementations must
// not block.
type Sender interface {
	Send(event string, payload json.RawMessage) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(event string, payload json.RawMessage) error

func (f SenderFunc) Send(event string, payload json.RawMessage) error {
	return f(event, payload)
}

// ClientGone is published when the last connection of a subscriber is released.
type ClientGone struct {
	SubscriberID string
	Resources    []models.ResourceIdentifier
}

// TopicClientGone carries ClientGone events on the registry bus.
var TopicClientGone = eventbus.NewTopic[ClientGone]("client_gone")

// ClientHandle is the registry's record of one subscriber.
type ClientHandle struct {
	subscriberID string
	senders      map[uint64]Sender
	resources    map[models.ResourceIdentifier]struct{}
}

// SubscriberID returns the subscriber the handle addresses.
func (h *ClientHandle) SubscriberID() string {
	return h.subscriberID
}

// Registry maps subscriber ids to their live connections and tracks which
// resources each subscriber joined. It knows nothing about resource state.
type Registry struct {
	mu         sync.RWMutex
	clients    map[string]*ClientHandle
	nextSender uint64
	bus        *eventbus.Bus
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*ClientHandle),
		bus:     eventbus.New(),
	}
}

// Register attaches a connection to subscriberID. One subscriber may hold
// several connections; release detaches this one and, when it was the last,
// drops the handle and publishes ClientGone.
func (r *Registry) Register(subscriberID string, sender Sender) (*ClientHandle, func()) {
	r.mu.Lock()
	handle, exists := r.clients[subscriberID]
	if !exists {
		handle = &ClientHandle{
			subscriberID: subscriberID,
			senders:      make(map[uint64]Sender),
			resources:    make(map[models.ResourceIdentifier]struct{}),
		}
		r.clients[subscriberID] = handle
	}
	r.nextSender++
	senderID := r.nextSender
	handle.senders[senderID] = sender
	connections := len(handle.senders)
	r.mu.Unlock()

	log.Debug().
		Str("subscriber_id", subscriberID).
		Int("connections", connections).
		Msg("client registered")

	var once sync.Once
	release := func() {
		once.Do(func() { r.release(handle, senderID) })
	}
	return handle, release
}

func (r *Registry) release(handle *ClientHandle, senderID uint64) {
	r.mu.Lock()
	delete(handle.senders, senderID)
	if len(handle.senders) > 0 || r.clients[handle.subscriberID] != handle {
		r.mu.Unlock()
		return
	}
	delete(r.clients, handle.subscriberID)
	gone := ClientGone{
		SubscriberID: handle.subscriberID,
		Resources:    sortedIdentifiers(handle.resources),
	}
	r.mu.Unlock()

	log.Info().
		Str("subscriber_id", gone.SubscriberID).
		Int("resources", len(gone.Resources)).
		Msg("client gone")
	eventbus.Publish(r.bus, TopicClientGone, gone)
}

// OnClientGone registers fn for ClientGone events and returns its unsubscribe func.
func (r *Registry) OnClientGone(fn func(ClientGone)) func() {
	return eventbus.Subscribe(r.bus, TopicClientGone, fn)
}

// IsConnected reports whether subscriberID has at least one live connection.
func (r *Registry) IsConnected(subscriberID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[subscriberID]
	return ok
}

// SendToOne delivers the event to every connection of subscriberID.
func (r *Registry) SendToOne(subscriberID string, event string, payload json.RawMessage) error {
	senders := r.sendersOf(subscriberID)
	if len(senders) == 0 {
		return fmt.Errorf("%s: %w", subscriberID, ErrClientNotConnected)
	}

	var errs []error
	for _, sender := range senders {
		if err := sender.Send(event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	// delivered to at least one connection counts as sent
	if len(errs) == len(senders) {
		return fmt.Errorf("send %s to %s: %w", event, subscriberID, errors.Join(errs...))
	}
	return nil
}

// Broadcast sends each listed subscriber the message built for it. message
// returning ok=false skips that subscriber.
func (r *Registry) Broadcast(subscriberIDs []string, message func(subscriberID string) (event string, payload json.RawMessage, ok bool)) {
	for _, subscriberID := range subscriberIDs {
		event, payload, ok := message(subscriberID)
		if !ok {
			continue
		}
		if err := r.SendToOne(subscriberID, event, payload); err != nil {
			log.Debug().Err(err).Str("subscriber_id", subscriberID).Msg("broadcast not delivered")
		}
	}
}

// BroadcastAll sends the same event to every connected subscriber and returns
// how many were reached.
func (r *Registry) BroadcastAll(event string, payload json.RawMessage) int {
	reached := 0
	for _, subscriberID := range r.subscriberIDs() {
		if err := r.SendToOne(subscriberID, event, payload); err != nil {
			log.Debug().Err(err).Str("subscriber_id", subscriberID).Msg("broadcast not delivered")
			continue
		}
		reached++
	}
	return reached
}

// Track records that subscriberID joined rid. It returns false when the
// subscriber has no live connection.
func (r *Registry) Track(subscriberID string, rid models.ResourceIdentifier) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.clients[subscriberID]
	if !ok {
		return false
	}
	handle.resources[rid] = struct{}{}
	return true
}

// Untrack forgets that subscriberID joined rid.
func (r *Registry) Untrack(subscriberID string, rid models.ResourceIdentifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if handle, ok := r.clients[subscriberID]; ok {
		delete(handle.resources, rid)
	}
}

// Subscriptions lists the resources subscriberID is tracked on.
func (r *Registry) Subscriptions(subscriberID string) []models.ResourceIdentifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.clients[subscriberID]
	if !ok {
		return nil
	}
	return sortedIdentifiers(handle.resources)
}

// Stats returns connection counts for the stats endpoint.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connections := 0
	for _, handle := range r.clients {
		connections += len(handle.senders)
	}
	return map[string]interface{}{
		"total_clients":     len(r.clients),
		"total_connections": connections,
	}
}

func (r *Registry) sendersOf(subscriberID string) []Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.clients[subscriberID]
	if !ok {
		return nil
	}
	senders := make([]Sender, 0, len(handle.senders))
	for _, sender := range handle.senders {
		senders = append(senders, sender)
	}
	return senders
}

func (r *Registry) subscriberIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

func sortedIdentifiers(set map[models.ResourceIdentifier]struct{}) []models.ResourceIdentifier {
	out := make([]models.ResourceIdentifier, 0, len(set))
	for rid := range set {
		out = append(out, rid)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}
