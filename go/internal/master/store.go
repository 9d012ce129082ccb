package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/movex/go/internal/journal"
	"github.com/mcdev12/movex/go/internal/metrics"
	"github.com/mcdev12/movex/go/internal/models"
	"github.com/mcdev12/movex/go/internal/protocol"
)

// ErrStoreClosed is returned for operations submitted after Close.
var ErrStoreClosed = errors.New("store closed")

// Notifier delivers a push message to one subscriber. The Registry implements it.
type Notifier interface {
	SendToOne(subscriberID string, event string, payload json.RawMessage) error
}

// StoreConfig holds the shard layout of the store.
type StoreConfig struct {
	Workers   int // number of shards, each processed by one goroutine
	QueueSize int // pending ops buffered per shard
}

// DefaultStoreConfig returns the default shard layout.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Workers:   8,
		QueueSize: 256,
	}
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithJournal records committed changes to j.
func WithJournal(j journal.Journal) StoreOption {
	return func(s *Store) { s.journal = j }
}

// WithIDGenerator overrides resource id allocation.
func WithIDGenerator(newID func() string) StoreOption {
	return func(s *Store) { s.newID = newID }
}

// CreateOptions are the optional inputs of Create.
type CreateOptions struct {
	ResourceID string
	Originator string
}

// Store is the authoritative holder of resource state. Operations on one
// resource are serialized in arrival order on the shard that owns it; shards
// run concurrently.
type Store struct {
	reducers *ReducerRegistry
	notifier Notifier
	journal  journal.Journal
	newID    func() string

	mu        sync.RWMutex
	resources map[models.ResourceIdentifier]*resource

	shards    []chan func()
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStore creates a store and starts its shard workers.
func NewStore(config StoreConfig, reducers *ReducerRegistry, notifier Notifier, opts ...StoreOption) *Store {
	if config.Workers <= 0 {
		config.Workers = DefaultStoreConfig().Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultStoreConfig().QueueSize
	}
	if reducers == nil {
		reducers = NewReducerRegistry()
	}

	s := &Store{
		reducers:  reducers,
		notifier:  notifier,
		journal:   journal.Nop{},
		newID:     uuid.NewString,
		resources: make(map[models.ResourceIdentifier]*resource),
		shards:    make([]chan func(), config.Workers),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	for i := range s.shards {
		s.shards[i] = make(chan func(), config.QueueSize)
		s.wg.Add(1)
		go s.worker(i)
	}

	log.Info().Int("workers", config.Workers).Msg("resource store started")
	return s
}

// Close stops the shard workers. Pending operations fail with ErrStoreClosed.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		log.Info().Msg("resource store stopped")
	})
}

func (s *Store) worker(shard int) {
	defer s.wg.Done()
	ops := s.shards[shard]
	for {
		select {
		case <-s.done:
			return
		case op := <-ops:
			op()
		}
	}
}

func (s *Store) shardFor(rid models.ResourceIdentifier) chan func() {
	return s.shards[xxhash.Sum64String(rid.String())%uint64(len(s.shards))]
}

// run executes fn on the shard owning rid and waits for it. Once fn has been
// queued it runs to completion even if ctx is cancelled.
func (s *Store) run(ctx context.Context, op string, rid models.ResourceIdentifier, fn func() error) error {
	started := time.Now()
	result := make(chan error, 1)

	select {
	case s.shardFor(rid) <- func() { result <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStoreClosed
	}

	select {
	case err := <-result:
		metrics.ObserveStoreOp(op, rid.ResourceType, err, started)
		return err
	case <-s.done:
		return ErrStoreClosed
	}
}

func (s *Store) lookup(rid models.ResourceIdentifier) (*resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[rid]
	if !ok {
		return nil, fmt.Errorf("%s: %w", rid, protocol.ErrResourceNotFound)
	}
	return r, nil
}

// Create stores a new resource. The originator is subscribed automatically.
func (s *Store) Create(ctx context.Context, resourceType string, public json.RawMessage, opts CreateOptions) (models.ResourceEnvelope, error) {
	if resourceType == "" {
		return models.ResourceEnvelope{}, fmt.Errorf("%w: resource type is required", protocol.ErrBadRequest)
	}
	resourceID := opts.ResourceID
	if resourceID == "" {
		resourceID = s.newID()
	}
	rid := models.ResourceIdentifier{ResourceType: resourceType, ResourceID: resourceID}

	var envelope models.ResourceEnvelope
	err := s.run(ctx, "create", rid, func() error {
		s.mu.RLock()
		_, exists := s.resources[rid]
		s.mu.RUnlock()
		if exists {
			return fmt.Errorf("%s: %w", rid, protocol.ErrResourceExists)
		}

		r, err := newResource(rid, public, opts.Originator)
		if err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrBadRequest, err)
		}
		envelope, err = r.viewFor(opts.Originator)
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.resources[rid] = r
		s.mu.Unlock()
		metrics.ResourcesLive.Inc()

		s.record(rid, journal.OpCreate, opts.Originator, r.public, envelope.Item.Checksum)
		return nil
	})
	if err != nil {
		return models.ResourceEnvelope{}, err
	}

	log.Info().
		Str("resource_type", rid.ResourceType).
		Str("resource_id", rid.ResourceID).
		Str("subscriber_id", opts.Originator).
		Msg("resource created")
	return envelope, nil
}

// Get returns the view of requester: public state merged with its own private
// slice and the matching checksum.
func (s *Store) Get(ctx context.Context, rid models.ResourceIdentifier, requester string) (models.ResourceEnvelope, error) {
	var envelope models.ResourceEnvelope
	err := s.run(ctx, "get", rid, func() error {
		r, err := s.lookup(rid)
		if err != nil {
			return err
		}
		envelope, err = r.viewFor(requester)
		return err
	})
	return envelope, err
}

// GetState returns the raw public slice and requester's private slice.
func (s *Store) GetState(ctx context.Context, rid models.ResourceIdentifier, requester string) (json.RawMessage, json.RawMessage, error) {
	var public, private json.RawMessage
	err := s.run(ctx, "get_state", rid, func() error {
		r, err := s.lookup(rid)
		if err != nil {
			return err
		}
		public = r.public
		if r.isSubscribed(requester) {
			private = r.private[requester]
		}
		return nil
	})
	return public, private, err
}

// ApplyAction reduces batch against the resource, commits the result and
// pushes each subscriber its own view. It returns the originator's checksum.
// A failing reducer leaves the state untouched and nothing is pushed.
func (s *Store) ApplyAction(ctx context.Context, rid models.ResourceIdentifier, originator string, batch models.ActionBatch) (string, error) {
	if err := batch.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrBadRequest, err)
	}
	reducer, ok := s.reducers.Get(rid.ResourceType)
	if !ok {
		return "", fmt.Errorf("no reducer registered for resource type %q", rid.ResourceType)
	}

	var checksum string
	err := s.run(ctx, "apply_action", rid, func() error {
		r, err := s.lookup(rid)
		if err != nil {
			return err
		}

		next := r.state()
		for _, action := range batch {
			transition, err := reduce(reducer, next, action, originator)
			if err != nil {
				return fmt.Errorf("apply %s to %s: %w", action.Type, rid, err)
			}
			next = applyTransition(next, transition)
		}
		next.Private = s.retainSubscribed(r, next.Private)

		if err := r.commit(next); err != nil {
			return fmt.Errorf("commit %s: %w", rid, err)
		}
		checksum, err = r.checksumFor(originator)
		if err != nil {
			return err
		}

		s.fanOut(r, protocol.EventUpdateResource)
		payload, err := json.Marshal(batch)
		if err != nil {
			log.Error().
				Err(err).
				Str("resource_type", rid.ResourceType).
				Str("resource_id", rid.ResourceID).
				Msg("failed to encode action batch, not journaled")
			return nil
		}
		s.record(rid, journal.OpAction, originator, payload, checksum)
		return nil
	})
	if err != nil {
		log.Debug().
			Err(err).
			Str("resource_type", rid.ResourceType).
			Str("resource_id", rid.ResourceID).
			Str("subscriber_id", originator).
			Msg("action rejected")
		return "", err
	}
	return checksum, nil
}

// Update shallow-merges partial into the public state and pushes the result.
func (s *Store) Update(ctx context.Context, rid models.ResourceIdentifier, originator string, partial json.RawMessage) (models.ResourceEnvelope, error) {
	var envelope models.ResourceEnvelope
	err := s.run(ctx, "update", rid, func() error {
		r, err := s.lookup(rid)
		if err != nil {
			return err
		}
		public, err := protocol.MergePartial(r.public, partial)
		if err != nil {
			return err
		}
		next := r.state()
		next.Public = public
		if err := r.commit(next); err != nil {
			return fmt.Errorf("commit %s: %w", rid, err)
		}
		envelope, err = r.viewFor(originator)
		if err != nil {
			return err
		}

		s.fanOut(r, protocol.EventUpdateResource)
		s.record(rid, journal.OpUpdate, originator, partial, envelope.Item.Checksum)
		return nil
	})
	return envelope, err
}

// Remove deletes the resource and sends every subscriber a terminal
// removeResource push.
func (s *Store) Remove(ctx context.Context, rid models.ResourceIdentifier, originator string) (models.ResourceEnvelope, error) {
	var envelope models.ResourceEnvelope
	err := s.run(ctx, "remove", rid, func() error {
		r, err := s.lookup(rid)
		if err != nil {
			return err
		}
		envelope, err = r.viewFor(originator)
		if err != nil {
			return err
		}

		s.mu.Lock()
		delete(s.resources, rid)
		s.mu.Unlock()
		metrics.ResourcesLive.Dec()

		s.fanOut(r, protocol.EventRemoveResource)
		s.record(rid, journal.OpRemove, originator, nil, envelope.Item.Checksum)
		return nil
	})
	if err != nil {
		return models.ResourceEnvelope{}, err
	}

	log.Info().
		Str("resource_type", rid.ResourceType).
		Str("resource_id", rid.ResourceID).
		Str("subscriber_id", originator).
		Msg("resource removed")
	return envelope, nil
}

// Subscribe adds subscriberID to the resource. It reports whether the
// subscriber was newly added; repeating it changes nothing.
func (s *Store) Subscribe(ctx context.Context, rid models.ResourceIdentifier, subscriberID string) (bool, error) {
	var added bool
	err := s.run(ctx, "subscribe", rid, func() error {
		r, err := s.lookup(rid)
		if err != nil {
			return err
		}
		added, err = r.subscribe(subscriberID)
		return err
	})
	return added, err
}

// Observe subscribes and returns the subscriber's current view in one step.
func (s *Store) Observe(ctx context.Context, rid models.ResourceIdentifier, subscriberID string) (models.ResourceEnvelope, error) {
	var envelope models.ResourceEnvelope
	err := s.run(ctx, "observe", rid, func() error {
		r, err := s.lookup(rid)
		if err != nil {
			return err
		}
		if _, err := r.subscribe(subscriberID); err != nil {
			return err
		}
		envelope, err = r.viewFor(subscriberID)
		return err
	})
	return envelope, err
}

// Unsubscribe removes subscriberID and discards its private slice.
func (s *Store) Unsubscribe(ctx context.Context, rid models.ResourceIdentifier, subscriberID string) (bool, error) {
	var removed bool
	err := s.run(ctx, "unsubscribe", rid, func() error {
		r, err := s.lookup(rid)
		if err != nil {
			return err
		}
		removed = r.unsubscribe(subscriberID)
		return nil
	})
	return removed, err
}

// DropSubscriber unsubscribes a departed client from every listed resource.
// Resources removed in the meantime are skipped. When keep is set it is asked
// on the resource's shard, right before removal, and a true answer leaves the
// subscription in place.
func (s *Store) DropSubscriber(ctx context.Context, subscriberID string, rids []models.ResourceIdentifier, keep func(models.ResourceIdentifier) bool) {
	for _, rid := range rids {
		err := s.run(ctx, "drop_subscriber", rid, func() error {
			r, err := s.lookup(rid)
			if err != nil {
				return err
			}
			if keep != nil && keep(rid) {
				log.Debug().
					Str("resource_type", rid.ResourceType).
					Str("resource_id", rid.ResourceID).
					Str("subscriber_id", subscriberID).
					Msg("subscriber is back, keeping subscription")
				return nil
			}
			r.unsubscribe(subscriberID)
			return nil
		})
		if err != nil && !errors.Is(err, protocol.ErrResourceNotFound) {
			log.Warn().
				Err(err).
				Str("resource_type", rid.ResourceType).
				Str("resource_id", rid.ResourceID).
				Str("subscriber_id", subscriberID).
				Msg("failed to drop subscriber")
		}
	}
}

// Len returns the number of resources held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources)
}

// fanOut pushes every subscriber its own view. It runs inside the shard so
// all pushes of one change are handed off before the next op on the resource.
func (s *Store) fanOut(r *resource, event string) {
	if s.notifier == nil {
		return
	}
	for _, subscriberID := range r.subscriberList() {
		envelope, err := r.viewFor(subscriberID)
		if err != nil {
			log.Error().Err(err).Str("subscriber_id", subscriberID).Msg("failed to build subscriber view")
			continue
		}
		result, err := protocol.Ok(envelope)
		if err != nil {
			log.Error().Err(err).Str("subscriber_id", subscriberID).Msg("failed to encode subscriber view")
			continue
		}

		if err := s.notifier.SendToOne(subscriberID, event, result.Encode()); err != nil {
			metrics.FanoutMessagesTotal.WithLabelValues(event, "dropped").Inc()
			log.Warn().
				Err(err).
				Str("event", event).
				Str("resource_type", r.id.ResourceType).
				Str("resource_id", r.id.ResourceID).
				Str("subscriber_id", subscriberID).
				Msg("push not delivered")
			continue
		}
		metrics.FanoutMessagesTotal.WithLabelValues(event, "sent").Inc()
	}
}

// retainSubscribed drops private slices of ids that are not subscribers.
func (s *Store) retainSubscribed(r *resource, private map[string]json.RawMessage) map[string]json.RawMessage {
	for subscriberID := range private {
		if !r.isSubscribed(subscriberID) {
			log.Warn().
				Str("resource_type", r.id.ResourceType).
				Str("resource_id", r.id.ResourceID).
				Str("subscriber_id", subscriberID).
				Msg("discarding private state for non-subscriber")
			delete(private, subscriberID)
		}
	}
	return private
}

func (s *Store) record(rid models.ResourceIdentifier, op journal.Op, originator string, payload json.RawMessage, checksum string) {
	entry := journal.Entry{
		ResourceType: rid.ResourceType,
		ResourceID:   rid.ResourceID,
		Op:           op,
		Originator:   originator,
		Payload:      payload,
		Checksum:     checksum,
		CommittedAt:  time.Now().UTC(),
	}
	if err := s.journal.Append(context.Background(), entry); err != nil {
		log.Error().
			Err(err).
			Str("resource_type", rid.ResourceType).
			Str("resource_id", rid.ResourceID).
			Str("op", string(op)).
			Msg("failed to append journal entry")
	}
}

// reduce calls the reducer, turning a panic into an error.
func reduce(reducer Reducer, state State, action models.Action, originator string) (transition Transition, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reducer panicked: %v", r)
		}
	}()
	return reducer.Reduce(state, action, originator)
}

func applyTransition(state State, transition Transition) State {
	next := State{
		Public:  state.Public,
		Private: make(map[string]json.RawMessage, len(state.Private)+len(transition.Private)),
	}
	if transition.Public != nil {
		next.Public = transition.Public
	}
	for k, v := range state.Private {
		next.Private[k] = v
	}
	for k, v := range transition.Private {
		if protocol.IsEmptyState(v) {
			delete(next.Private, k)
			continue
		}
		next.Private[k] = v
	}
	return next
}
