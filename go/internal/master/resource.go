package master

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcdev12/movex/go/internal/models"
	"github.com/mcdev12/movex/go/internal/protocol"
)

// resource is the canonical state of one resource. It is only touched from
// the shard goroutine that owns its identifier.
type resource struct {
	id          models.ResourceIdentifier
	public      json.RawMessage
	private     map[string]json.RawMessage
	subscribers map[string]struct{}
	// checksums caches hash(public, private[s]) per subscriber, refreshed on commit
	checksums map[string]string
}

func newResource(id models.ResourceIdentifier, public json.RawMessage, creator string) (*resource, error) {
	canonical, err := protocol.Canonical(public)
	if err != nil {
		return nil, err
	}
	r := &resource{
		id:          id,
		public:      canonical,
		private:     make(map[string]json.RawMessage),
		subscribers: make(map[string]struct{}),
	}
	if creator != "" {
		r.subscribers[creator] = struct{}{}
	}
	if err := r.refreshChecksums(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *resource) isSubscribed(subscriberID string) bool {
	_, ok := r.subscribers[subscriberID]
	return ok
}

// subscribe reports whether the subscriber was newly added.
func (r *resource) subscribe(subscriberID string) (bool, error) {
	if r.isSubscribed(subscriberID) {
		return false, nil
	}
	r.subscribers[subscriberID] = struct{}{}
	checksum, err := protocol.Checksum(r.public, r.private[subscriberID])
	if err != nil {
		return false, err
	}
	r.checksums[subscriberID] = checksum
	return true, nil
}

// unsubscribe drops the subscriber and everything held for it.
func (r *resource) unsubscribe(subscriberID string) bool {
	if !r.isSubscribed(subscriberID) {
		return false
	}
	delete(r.subscribers, subscriberID)
	delete(r.private, subscriberID)
	delete(r.checksums, subscriberID)
	return true
}

func (r *resource) subscriberList() []string {
	out := make([]string, 0, len(r.subscribers))
	for id := range r.subscribers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *resource) state() State {
	private := make(map[string]json.RawMessage, len(r.private))
	for k, v := range r.private {
		private[k] = v
	}
	return State{Public: r.public, Private: private}
}

// commit replaces the canonical state. It only fails on encoding errors, in
// which case the resource is left unchanged.
func (r *resource) commit(next State) error {
	public, err := protocol.Canonical(next.Public)
	if err != nil {
		return err
	}
	private := make(map[string]json.RawMessage, len(next.Private))
	for subscriberID, slice := range next.Private {
		if protocol.IsEmptyState(slice) {
			continue
		}
		canonical, err := protocol.Canonical(slice)
		if err != nil {
			return fmt.Errorf("private state of %s: %w", subscriberID, err)
		}
		private[subscriberID] = canonical
	}

	prevPublic, prevPrivate := r.public, r.private
	r.public, r.private = public, private
	if err := r.refreshChecksums(); err != nil {
		r.public, r.private = prevPublic, prevPrivate
		return err
	}
	return nil
}

func (r *resource) refreshChecksums() error {
	checksums := make(map[string]string, len(r.subscribers))
	for subscriberID := range r.subscribers {
		checksum, err := protocol.Checksum(r.public, r.private[subscriberID])
		if err != nil {
			return err
		}
		checksums[subscriberID] = checksum
	}
	r.checksums = checksums
	return nil
}

func (r *resource) checksumFor(subscriberID string) (string, error) {
	if checksum, ok := r.checksums[subscriberID]; ok {
		return checksum, nil
	}
	return protocol.Checksum(r.public, nil)
}

// viewFor builds the envelope one subscriber is allowed to see. Non-subscribers
// only ever get the public slice.
func (r *resource) viewFor(subscriberID string) (models.ResourceEnvelope, error) {
	var private json.RawMessage
	if r.isSubscribed(subscriberID) {
		private = r.private[subscriberID]
	}
	state, err := protocol.MergeState(r.public, private)
	if err != nil {
		return models.ResourceEnvelope{}, err
	}
	checksum, err := r.checksumFor(subscriberID)
	if err != nil {
		return models.ResourceEnvelope{}, err
	}
	return models.ResourceEnvelope{
		Type: r.id.ResourceType,
		Item: models.Item{
			ID:       r.id.ResourceID,
			State:    state,
			Checksum: checksum,
		},
		Subscribers: r.subscriberList(),
	}, nil
}
