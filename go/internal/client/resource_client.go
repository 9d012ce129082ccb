package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/movex/go/internal/eventbus"
	"github.com/mcdev12/movex/go/internal/models"
	"github.com/mcdev12/movex/go/internal/protocol"
)

// ResourceClientOptions configure a ResourceClient.
type ResourceClientOptions struct {
	// ResubscribeOnReconnect re-issues subscribeToResource for every resource
	// subscribed or observed through this client after each reconnect. Off by
	// default; callers usually re-observe what they still need.
	ResubscribeOnReconnect bool
	// ChecksumTTL bounds how long a last known checksum is kept.
	ChecksumTTL time.Duration
}

// ResourceClient exposes the resource verbs over a Connection. Responses
// carrying a resource envelope are unwrapped to its item.
type ResourceClient struct {
	conn      *Connection
	checksums *ttlcache.Cache[models.ResourceIdentifier, string]

	mu         sync.Mutex
	subscribed map[models.ResourceIdentifier]struct{}

	unsubscribers []func()
	closeOnce     sync.Once
}

func NewResourceClient(conn *Connection, opts ResourceClientOptions) *ResourceClient {
	if opts.ChecksumTTL <= 0 {
		opts.ChecksumTTL = 10 * time.Minute
	}
	c := &ResourceClient{
		conn: conn,
		checksums: ttlcache.New[models.ResourceIdentifier, string](
			ttlcache.WithTTL[models.ResourceIdentifier, string](opts.ChecksumTTL),
		),
		subscribed: make(map[models.ResourceIdentifier]struct{}),
	}

	c.unsubscribers = append(c.unsubscribers,
		c.OnResourceUpdated(func(envelope models.ResourceEnvelope) {
			c.remember(envelope)
		}),
		c.OnResourceRemoved(func(envelope models.ResourceEnvelope) {
			rid := envelope.Identifier()
			c.checksums.Delete(rid)
			c.forget(rid)
		}),
	)
	if opts.ResubscribeOnReconnect {
		c.unsubscribers = append(c.unsubscribers, c.OnConnect(func() {
			go c.resubscribe()
		}))
	}

	// evicts expired checksums until Close
	go c.checksums.Start()
	return c
}

// Close detaches the client from its connection bus and stops the checksum
// cache. It is safe to call more than once.
func (c *ResourceClient) Close() {
	c.closeOnce.Do(func() {
		for _, unsubscribe := range c.unsubscribers {
			unsubscribe()
		}
		c.unsubscribers = nil
		c.checksums.Stop()
	})
}

// Connection returns the underlying request/ack layer.
func (c *ResourceClient) Connection() *Connection { return c.conn }

// CreateResource creates a resource; resourceID may be empty to let the
// master allocate one.
func (c *ResourceClient) CreateResource(ctx context.Context, resourceType string, data any, resourceID string) (models.Item, error) {
	resourceData, err := json.Marshal(data)
	if err != nil {
		return models.Item{}, fmt.Errorf("encode resource data: %w", err)
	}
	envelope, err := c.requestResource(ctx, protocol.VerbCreateResource, protocol.CreateResourceRequest{
		ResourceType: resourceType,
		ResourceData: resourceData,
		ResourceID:   resourceID,
	})
	if err != nil {
		return models.Item{}, err
	}
	c.track(envelope.Identifier())
	return envelope.Item, nil
}

// GetResource fetches the caller's current view of rid.
func (c *ResourceClient) GetResource(ctx context.Context, rid models.ResourceIdentifier) (models.Item, error) {
	envelope, err := c.requestResource(ctx, protocol.VerbGetResource, protocol.GetResourceRequest{ResourceIdentifier: rid})
	return envelope.Item, err
}

// UpdateResource merges partial into the public state of rid.
func (c *ResourceClient) UpdateResource(ctx context.Context, rid models.ResourceIdentifier, partial any) (models.Item, error) {
	resourceData, err := json.Marshal(partial)
	if err != nil {
		return models.Item{}, fmt.Errorf("encode resource data: %w", err)
	}
	envelope, err := c.requestResource(ctx, protocol.VerbUpdateResource, protocol.UpdateResourceRequest{
		ResourceIdentifier: rid,
		ResourceData:       resourceData,
	})
	return envelope.Item, err
}

// RemoveResource deletes rid and returns its last state.
func (c *ResourceClient) RemoveResource(ctx context.Context, rid models.ResourceIdentifier) (models.Item, error) {
	envelope, err := c.requestResource(ctx, protocol.VerbRemoveResource, protocol.RemoveResourceRequest{ResourceIdentifier: rid})
	if err != nil {
		return models.Item{}, err
	}
	c.checksums.Delete(rid)
	c.forget(rid)
	return envelope.Item, nil
}

// ObserveResource subscribes to rid and returns its current view.
func (c *ResourceClient) ObserveResource(ctx context.Context, rid models.ResourceIdentifier) (models.Item, error) {
	envelope, err := c.requestResource(ctx, protocol.VerbObserveResource, protocol.ObserveResourceRequest{ResourceIdentifier: rid})
	if err != nil {
		return models.Item{}, err
	}
	c.track(rid)
	return envelope.Item, nil
}

// SubscribeToResource registers for pushes about rid.
func (c *ResourceClient) SubscribeToResource(ctx context.Context, rid models.ResourceIdentifier) error {
	if _, err := c.conn.Request(ctx, protocol.VerbSubscribeToResource.Messages().Request, protocol.SubscribeToResourceRequest{ResourceIdentifier: rid}); err != nil {
		return err
	}
	c.track(rid)
	return nil
}

// UnsubscribeFromResource stops pushes about rid.
func (c *ResourceClient) UnsubscribeFromResource(ctx context.Context, rid models.ResourceIdentifier) error {
	if _, err := c.conn.Request(ctx, protocol.VerbUnsubscribeFromResource.Messages().Request, protocol.UnsubscribeFromResourceRequest{ResourceIdentifier: rid}); err != nil {
		return err
	}
	c.forget(rid)
	return nil
}

// DispatchAction forwards one action or an atomic batch and returns the
// master's checksum of the caller's resulting view.
func (c *ResourceClient) DispatchAction(ctx context.Context, rid models.ResourceIdentifier, actions ...models.Action) (string, error) {
	val, err := c.conn.Request(ctx, protocol.VerbDispatchAction.Messages().Request, protocol.DispatchActionRequest{
		ResourceIdentifier: rid,
		Action:             models.ActionBatch(actions),
	})
	if err != nil {
		return "", err
	}
	var response protocol.DispatchActionResponse
	if err := json.Unmarshal(val, &response); err != nil {
		return "", fmt.Errorf("decode dispatchAction response: %w", err)
	}
	c.checksums.Set(rid, response.Checksum, ttlcache.DefaultTTL)
	return response.Checksum, nil
}

// Request sends an application-defined request.
func (c *ResourceClient) Request(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return c.conn.Request(ctx, protocol.VerbRequest.Messages().Request, protocol.AppRequest{Name: name, Payload: data})
}

// PredictChecksum computes the checksum the master attaches to a view whose
// state is item.State. Pass its result to VerifyChecksum after applying an
// action locally.
func PredictChecksum(item models.Item) (string, error) {
	return protocol.ChecksumState(item.State)
}

// VerifyChecksum compares predicted with the last checksum the master
// reported for rid. On a mismatch, or when nothing is known, the resource is
// re-fetched and the fresh item returned with resynced=true.
func (c *ResourceClient) VerifyChecksum(ctx context.Context, rid models.ResourceIdentifier, predicted string) (item models.Item, resynced bool, err error) {
	if known := c.checksums.Get(rid); known != nil && known.Value() == predicted {
		return models.Item{}, false, nil
	}

	log.Info().
		Str("resource_type", rid.ResourceType).
		Str("resource_id", rid.ResourceID).
		Str("checksum", predicted).
		Msg("checksum diverged, resyncing")

	item, err = c.GetResource(ctx, rid)
	if err != nil {
		return models.Item{}, false, fmt.Errorf("resync %s: %w", rid, err)
	}
	return item, true, nil
}

// LastChecksum returns the most recent checksum the master reported for rid.
func (c *ResourceClient) LastChecksum(rid models.ResourceIdentifier) (string, bool) {
	if item := c.checksums.Get(rid); item != nil {
		return item.Value(), true
	}
	return "", false
}

// OnResourceUpdated registers fn for updateResource pushes.
func (c *ResourceClient) OnResourceUpdated(fn func(models.ResourceEnvelope)) func() {
	return eventbus.Subscribe(c.conn.Bus(), TopicResourceUpdated, fn)
}

// OnResourceRemoved registers fn for removeResource pushes.
func (c *ResourceClient) OnResourceRemoved(fn func(models.ResourceEnvelope)) func() {
	return eventbus.Subscribe(c.conn.Bus(), TopicResourceRemoved, fn)
}

// OnBroadcast registers fn for out-of-band application broadcasts.
func (c *ResourceClient) OnBroadcast(fn func(Broadcast)) func() {
	return eventbus.Subscribe(c.conn.Bus(), TopicBroadcast, fn)
}

// OnConnect registers fn for every (re)connection.
func (c *ResourceClient) OnConnect(fn func()) func() {
	return eventbus.Subscribe(c.conn.Bus(), TopicConnected, func(Transport) { fn() })
}

// OnDisconnect registers fn for every lost connection.
func (c *ResourceClient) OnDisconnect(fn func()) func() {
	return eventbus.Subscribe(c.conn.Bus(), TopicDisconnected, func(error) { fn() })
}

func (c *ResourceClient) requestResource(ctx context.Context, verb protocol.Verb, req protocol.Request) (models.ResourceEnvelope, error) {
	val, err := c.conn.Request(ctx, verb.Messages().Request, req)
	if err != nil {
		return models.ResourceEnvelope{}, err
	}
	var envelope models.ResourceEnvelope
	if err := json.Unmarshal(val, &envelope); err != nil {
		return models.ResourceEnvelope{}, fmt.Errorf("decode %s response: %w", verb, err)
	}
	c.remember(envelope)
	return envelope, nil
}

func (c *ResourceClient) remember(envelope models.ResourceEnvelope) {
	if envelope.Item.Checksum == "" {
		return
	}
	rid := envelope.Identifier()
	c.checksums.Set(rid, envelope.Item.Checksum, ttlcache.DefaultTTL)
}

func (c *ResourceClient) track(rid models.ResourceIdentifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[rid] = struct{}{}
}

func (c *ResourceClient) forget(rid models.ResourceIdentifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribed, rid)
}

// Subscribed lists the resources this client subscribed to or observed.
func (c *ResourceClient) Subscribed() []models.ResourceIdentifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ResourceIdentifier, 0, len(c.subscribed))
	for rid := range c.subscribed {
		out = append(out, rid)
	}
	return out
}

func (c *ResourceClient) resubscribe() {
	for _, rid := range c.Subscribed() {
		ctx, cancel := context.WithTimeout(context.Background(), c.conn.wait)
		err := c.SubscribeToResource(ctx, rid)
		cancel()
		if err != nil {
			log.Warn().
				Err(err).
				Str("resource_type", rid.ResourceType).
				Str("resource_id", rid.ResourceID).
				Msg("resubscribe after reconnect failed")
		}
	}
}
