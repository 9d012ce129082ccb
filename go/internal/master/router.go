package master

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/movex/go/internal/models"
	"github.com/mcdev12/movex/go/internal/protocol"
)

// RequestHandler serves one application-defined request name.
type RequestHandler func(ctx context.Context, subscriberID string, payload json.RawMessage) (any, error)

// Router turns inbound (name, payload) messages into store operations and
// keeps the registry's subscription tracking in step with the store.
type Router struct {
	store    *Store
	registry *Registry

	mu       sync.RWMutex
	handlers map[string]RequestHandler

	stopGone func()
}

// NewRouter wires store and registry together. Departed clients are dropped
// from every resource they joined.
func NewRouter(store *Store, registry *Registry) *Router {
	r := &Router{
		store:    store,
		registry: registry,
		handlers: make(map[string]RequestHandler),
	}
	r.stopGone = registry.OnClientGone(func(gone ClientGone) {
		// release runs on a connection goroutine; the shards may be busy fanning out to it
		go store.DropSubscriber(context.Background(), gone.SubscriberID, gone.Resources, func(rid models.ResourceIdentifier) bool {
			// a client that reconnected before the drop ran takes the subscription over
			return registry.Track(gone.SubscriberID, rid)
		})
	})
	return r
}

// Store returns the underlying store.
func (r *Router) Store() *Store { return r.store }

// Registry returns the underlying registry.
func (r *Router) Registry() *Registry { return r.registry }

// Close detaches the router from the registry.
func (r *Router) Close() {
	r.stopGone()
}

// HandleRequest registers fn for the application request name.
func (r *Router) HandleRequest(name string, fn RequestHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		return fmt.Errorf("request name cannot be empty")
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler already registered for request %q", name)
	}
	r.handlers[name] = fn
	return nil
}

// Handle serves one inbound request from subscriberID and returns the result
// to ack it with.
func (r *Router) Handle(ctx context.Context, subscriberID string, name string, payload json.RawMessage) protocol.Result {
	verb, ok := protocol.ParseVerb(name)
	if !ok {
		return protocol.Fail(fmt.Errorf("%w: unknown message %q", protocol.ErrBadRequest, name))
	}
	req, err := protocol.DecodeRequest(verb, payload)
	if err != nil {
		return protocol.Fail(fmt.Errorf("%w: %v", protocol.ErrBadRequest, err))
	}

	val, err := r.dispatch(ctx, subscriberID, req)
	if err != nil {
		log.Debug().
			Err(err).
			Str("verb", verb.String()).
			Str("subscriber_id", subscriberID).
			Msg("request failed")
		return protocol.Fail(err)
	}
	result, err := protocol.Ok(val)
	if err != nil {
		return protocol.Fail(err)
	}
	return result
}

func (r *Router) dispatch(ctx context.Context, subscriberID string, req protocol.Request) (any, error) {
	switch req := req.(type) {
	case protocol.CreateResourceRequest:
		envelope, err := r.store.Create(ctx, req.ResourceType, req.ResourceData, CreateOptions{
			ResourceID: req.ResourceID,
			Originator: subscriberID,
		})
		if err != nil {
			return nil, err
		}
		r.track(ctx, subscriberID, envelope.Identifier())
		return envelope, nil

	case protocol.GetResourceRequest:
		return r.store.Get(ctx, req.ResourceIdentifier, subscriberID)

	case protocol.UpdateResourceRequest:
		return r.store.Update(ctx, req.ResourceIdentifier, subscriberID, req.ResourceData)

	case protocol.RemoveResourceRequest:
		envelope, err := r.store.Remove(ctx, req.ResourceIdentifier, subscriberID)
		if err != nil {
			return nil, err
		}
		for _, sub := range envelope.Subscribers {
			r.registry.Untrack(sub, req.ResourceIdentifier)
		}
		return envelope, nil

	case protocol.ObserveResourceRequest:
		envelope, err := r.store.Observe(ctx, req.ResourceIdentifier, subscriberID)
		if err != nil {
			return nil, err
		}
		r.track(ctx, subscriberID, req.ResourceIdentifier)
		return envelope, nil

	case protocol.SubscribeToResourceRequest:
		if _, err := r.store.Subscribe(ctx, req.ResourceIdentifier, subscriberID); err != nil {
			return nil, err
		}
		r.track(ctx, subscriberID, req.ResourceIdentifier)
		return nil, nil

	case protocol.UnsubscribeFromResourceRequest:
		if _, err := r.store.Unsubscribe(ctx, req.ResourceIdentifier, subscriberID); err != nil {
			return nil, err
		}
		r.registry.Untrack(subscriberID, req.ResourceIdentifier)
		return nil, nil

	case protocol.DispatchActionRequest:
		checksum, err := r.store.ApplyAction(ctx, req.ResourceIdentifier, subscriberID, req.Action)
		if err != nil {
			return nil, err
		}
		return protocol.DispatchActionResponse{Checksum: checksum}, nil

	case protocol.AppRequest:
		r.mu.RLock()
		handler, ok := r.handlers[req.Name]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: no handler for request %q", protocol.ErrBadRequest, req.Name)
		}
		return handler(ctx, subscriberID, req.Payload)

	default:
		return nil, fmt.Errorf("%w: unsupported verb %s", protocol.ErrBadRequest, req.Verb())
	}
}

// track records the subscription, undoing it in the store when the client
// disconnected while the request was in flight.
func (r *Router) track(ctx context.Context, subscriberID string, rid models.ResourceIdentifier) {
	if r.registry.Track(subscriberID, rid) {
		return
	}
	log.Debug().
		Str("resource_type", rid.ResourceType).
		Str("resource_id", rid.ResourceID).
		Str("subscriber_id", subscriberID).
		Msg("subscriber left before tracking, dropping subscription")
	// the request ctx usually dies with the connection
	r.store.DropSubscriber(context.WithoutCancel(ctx), subscriberID, []models.ResourceIdentifier{rid}, nil)
}
