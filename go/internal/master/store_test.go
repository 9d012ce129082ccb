package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/mcdev12/movex/go/internal/journal"
	"github.com/mcdev12/movex/go/internal/models"
	"github.com/mcdev12/movex/go/internal/protocol"
)

func createCounter(t *testing.T, store *Store, creator string) models.ResourceIdentifier {
	t.Helper()
	envelope, err := store.Create(context.Background(), counterType, json.RawMessage(`{"count":0}`), CreateOptions{Originator: creator})
	assert.Equal(t, err, nil)
	return envelope.Identifier()
}

func TestCreateSubscribesCreator(t *testing.T) {
	store := newTestStore(t, &recorder{}, WithIDGenerator(func() string { return "c1" }))

	envelope, err := store.Create(context.Background(), counterType, json.RawMessage(`{ "count" : 0 }`), CreateOptions{Originator: "alice"})
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.Type, counterType)
	assert.Equal(t, envelope.Item.ID, "c1")
	assert.Equal(t, string(envelope.Item.State), `{"count":0}`)
	assert.Equal(t, envelope.Item.Checksum, mustChecksum(t, `{"count":0}`, ""))
	assert.Equal(t, envelope.Subscribers, []string{"alice"})
	assert.Equal(t, store.Len(), 1)
}

func TestCreateWithExistingIDFails(t *testing.T) {
	store := newTestStore(t, &recorder{})
	ctx := context.Background()

	_, err := store.Create(ctx, counterType, json.RawMessage(`{"count":0}`), CreateOptions{ResourceID: "fixed", Originator: "alice"})
	assert.Equal(t, err, nil)

	_, err = store.Create(ctx, counterType, json.RawMessage(`{"count":5}`), CreateOptions{ResourceID: "fixed", Originator: "bob"})
	assert.Equal(t, errors.Is(err, protocol.ErrResourceExists), true)

	envelope, err := store.Get(ctx, models.ResourceIdentifier{ResourceType: counterType, ResourceID: "fixed"}, "alice")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(envelope.Item.State), `{"count":0}`)
}

func TestCreateRejectsInvalidState(t *testing.T) {
	store := newTestStore(t, &recorder{})

	_, err := store.Create(context.Background(), counterType, json.RawMessage(`{"count":`), CreateOptions{Originator: "alice"})
	assert.Equal(t, errors.Is(err, protocol.ErrBadRequest), true)

	_, err = store.Create(context.Background(), "", json.RawMessage(`{}`), CreateOptions{Originator: "alice"})
	assert.Equal(t, errors.Is(err, protocol.ErrBadRequest), true)
	assert.Equal(t, store.Len(), 0)
}

func TestGetUnknownResource(t *testing.T) {
	store := newTestStore(t, &recorder{})

	_, err := store.Get(context.Background(), models.ResourceIdentifier{ResourceType: counterType, ResourceID: "missing"}, "alice")
	assert.Equal(t, errors.Is(err, protocol.ErrResourceNotFound), true)
	assert.Equal(t, protocol.ErrorPayloadFor(err).Kind, protocol.KindResourceNotFound)
}

func TestApplyActionFansOutToEverySubscriber(t *testing.T) {
	notifier := &recorder{}
	store := newTestStore(t, notifier)
	ctx := context.Background()

	rid := createCounter(t, store, "alice")
	_, err := store.Subscribe(ctx, rid, "bob")
	assert.Equal(t, err, nil)

	checksum, err := store.ApplyAction(ctx, rid, "alice", action("increment", `{"by":3}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, checksum, mustChecksum(t, `{"count":3}`, ""))

	pushes := notifier.all()
	assert.Equal(t, len(pushes), 2)
	assert.Equal(t, pushes[0].subscriberID, "alice")
	assert.Equal(t, pushes[1].subscriberID, "bob")
	for _, p := range pushes {
		assert.Equal(t, p.event, protocol.EventUpdateResource)
		assert.Equal(t, string(p.envelope.Item.State), `{"count":3}`)
		assert.Equal(t, p.envelope.Item.Checksum, checksum)
		assert.Equal(t, p.envelope.Subscribers, []string{"alice", "bob"})
	}
}

func TestPrivateStateIsIsolated(t *testing.T) {
	notifier := &recorder{}
	store := newTestStore(t, notifier)
	ctx := context.Background()

	rid := createCounter(t, store, "alice")
	_, err := store.Subscribe(ctx, rid, "bob")
	assert.Equal(t, err, nil)

	checksum, err := store.ApplyAction(ctx, rid, "alice", action("secret", `{"hand":"rock"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, checksum, mustChecksum(t, `{"count":0}`, `{"hand":"rock"}`))

	alice, ok := notifier.lastFor("alice")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(alice.envelope.Item.State), `{"count":0,"hand":"rock"}`)
	assert.Equal(t, alice.envelope.Item.Checksum, checksum)

	bob, ok := notifier.lastFor("bob")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(bob.envelope.Item.State), `{"count":0}`)
	assert.Equal(t, bob.envelope.Item.Checksum, mustChecksum(t, `{"count":0}`, ""))

	public, private, err := store.GetState(ctx, rid, "bob")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(public), `{"count":0}`)
	assert.Equal(t, len(private), 0)

	_, private, err = store.GetState(ctx, rid, "alice")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(private), `{"hand":"rock"}`)

	// an outsider only ever sees the public slice
	view, err := store.Get(ctx, rid, "mallory")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(view.Item.State), `{"count":0}`)
}

func TestPrivateStateForNonSubscriberIsDropped(t *testing.T) {
	store := newTestStore(t, &recorder{})
	ctx := context.Background()

	rid := createCounter(t, store, "alice")
	_, err := store.ApplyAction(ctx, rid, "alice", action("leak", ""))
	assert.Equal(t, err, nil)

	_, err = store.Subscribe(ctx, rid, "stranger")
	assert.Equal(t, err, nil)
	_, private, err := store.GetState(ctx, rid, "stranger")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(private), 0)
}

func TestClearingPrivateState(t *testing.T) {
	store := newTestStore(t, &recorder{})
	ctx := context.Background()

	rid := createCounter(t, store, "alice")
	_, err := store.ApplyAction(ctx, rid, "alice", action("secret", `{"hand":"paper"}`))
	assert.Equal(t, err, nil)

	checksum, err := store.ApplyAction(ctx, rid, "alice", action("forget", ""))
	assert.Equal(t, err, nil)
	assert.Equal(t, checksum, mustChecksum(t, `{"count":0}`, ""))
}

func TestActionsApplyInArrivalOrder(t *testing.T) {
	store := newTestStore(t, &recorder{})
	ctx := context.Background()
	rid := createCounter(t, store, "alice")

	expected := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		entry := fmt.Sprintf("e%d", i)
		expected = append(expected, entry)
		_, err := store.ApplyAction(ctx, rid, "alice", action("append", fmt.Sprintf("%q", entry)))
		assert.Equal(t, err, nil)
	}

	public, _, err := store.GetState(ctx, rid, "alice")
	assert.Equal(t, err, nil)
	var state counterState
	assert.Equal(t, json.Unmarshal(public, &state), nil)
	assert.Equal(t, state.Log, expected)
}

func TestConcurrentActionsAreSerialized(t *testing.T) {
	store := newTestStore(t, &recorder{})
	ctx := context.Background()
	rid := createCounter(t, store, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ApplyAction(ctx, rid, "alice", action("increment", `{"by":1}`))
			assert.Equal(t, err, nil)
		}()
	}
	wg.Wait()

	view, err := store.Get(ctx, rid, "alice")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(view.Item.State), `{"count":50}`)
}

func TestFailedActionLeavesStateUnchanged(t *testing.T) {
	notifier := &recorder{}
	store := newTestStore(t, notifier)
	ctx := context.Background()
	rid := createCounter(t, store, "alice")

	before, err := store.Get(ctx, rid, "alice")
	assert.Equal(t, err, nil)

	_, err = store.ApplyAction(ctx, rid, "alice", action("fail", ""))
	assert.NotEqual(t, err, nil)
	assert.Equal(t, protocol.ErrorPayloadFor(err).Kind, protocol.KindApplicationError)

	after, err := store.Get(ctx, rid, "alice")
	assert.Equal(t, err, nil)
	assert.Equal(t, after.Item.Checksum, before.Item.Checksum)
	assert.Equal(t, len(notifier.all()), 0)
}

func TestBatchIsAtomic(t *testing.T) {
	notifier := &recorder{}
	store := newTestStore(t, notifier)
	ctx := context.Background()
	rid := createCounter(t, store, "alice")

	batch := models.ActionBatch{
		{Type: "increment", Payload: json.RawMessage(`{"by":2}`)},
		{Type: "fail"},
	}
	_, err := store.ApplyAction(ctx, rid, "alice", batch)
	assert.NotEqual(t, err, nil)

	view, err := store.Get(ctx, rid, "alice")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(view.Item.State), `{"count":0}`)
	assert.Equal(t, len(notifier.all()), 0)

	batch = models.ActionBatch{
		{Type: "increment", Payload: json.RawMessage(`{"by":2}`)},
		{Type: "increment", Payload: json.RawMessage(`{"by":5}`)},
	}
	checksum, err := store.ApplyAction(ctx, rid, "alice", batch)
	assert.Equal(t, err, nil)
	assert.Equal(t, checksum, mustChecksum(t, `{"count":7}`, ""))
	// one push per subscriber per batch
	assert.Equal(t, len(notifier.all()), 1)
}

func TestReducerPanicIsRecovered(t *testing.T) {
	store := newTestStore(t, &recorder{})
	ctx := context.Background()
	rid := createCounter(t, store, "alice")

	_, err := store.ApplyAction(ctx, rid, "alice", action("panic", ""))
	assert.NotEqual(t, err, nil)

	// the shard keeps serving
	_, err = store.ApplyAction(ctx, rid, "alice", action("increment", `{"by":1}`))
	assert.Equal(t, err, nil)
}

func TestApplyActionValidation(t *testing.T) {
	store := newTestStore(t, &recorder{})
	ctx := context.Background()
	rid := createCounter(t, store, "alice")

	_, err := store.ApplyAction(ctx, rid, "alice", nil)
	assert.Equal(t, errors.Is(err, protocol.ErrBadRequest), true)

	_, err = store.ApplyAction(ctx, models.ResourceIdentifier{ResourceType: counterType, ResourceID: "missing"}, "alice", action("increment", `{"by":1}`))
	assert.Equal(t, errors.Is(err, protocol.ErrResourceNotFound), true)

	_, err = store.ApplyAction(ctx, models.ResourceIdentifier{ResourceType: "unknown", ResourceID: "x"}, "alice", action("increment", `{"by":1}`))
	assert.NotEqual(t, err, nil)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	store := newTestStore(t, &recorder{})
	ctx := context.Background()
	rid := createCounter(t, store, "alice")

	added, err := store.Subscribe(ctx, rid, "bob")
	assert.Equal(t, err, nil)
	assert.Equal(t, added, true)

	added, err = store.Subscribe(ctx, rid, "bob")
	assert.Equal(t, err, nil)
	assert.Equal(t, added, false)

	added, err = store.Subscribe(ctx, rid, "alice")
	assert.Equal(t, err, nil)
	assert.Equal(t, added, false)

	view, err := store.Get(ctx, rid, "bob")
	assert.Equal(t, err, nil)
	assert.Equal(t, view.Subscribers, []string{"alice", "bob"})
}

func TestUnsubscribeDiscardsPrivateState(t *testing.T) {
	notifier := &recorder{}
	store := newTestStore(t, notifier)
	ctx := context.Background()
	rid := createCounter(t, store, "alice")

	_, err := store.Subscribe(ctx, rid, "bob")
	assert.Equal(t, err, nil)
	_, err = store.ApplyAction(ctx, rid, "bob", action("secret", `{"hand":"scissors"}`))
	assert.Equal(t, err, nil)

	removed, err := store.Unsubscribe(ctx, rid, "bob")
	assert.Equal(t, err, nil)
	assert.Equal(t, removed, true)

	notifier.reset()
	_, err = store.ApplyAction(ctx, rid, "alice", action("increment", `{"by":1}`))
	assert.Equal(t, err, nil)
	_, ok := notifier.lastFor("bob")
	assert.Equal(t, ok, false)

	view, err := store.Observe(ctx, rid, "bob")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(view.Item.State), `{"count":1}`)
	assert.Equal(t, view.Subscribers, []string{"alice", "bob"})

	removed, err = store.Unsubscribe(ctx, rid, "carol")
	assert.Equal(t, err, nil)
	assert.Equal(t, removed, false)
}

func TestUpdateMergesPublicState(t *testing.T) {
	notifier := &recorder{}
	store := newTestStore(t, notifier)
	ctx := context.Background()
	rid := createCounter(t, store, "alice")

	envelope, err := store.Update(ctx, rid, "alice", json.RawMessage(`{"label":"game"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, string(envelope.Item.State), `{"count":0,"label":"game"}`)

	p, ok := notifier.lastFor("alice")
	assert.Equal(t, ok, true)
	assert.Equal(t, p.event, protocol.EventUpdateResource)

	_, err = store.Update(ctx, rid, "alice", json.RawMessage(`[1,2]`))
	assert.Equal(t, errors.Is(err, protocol.ErrBadRequest), true)
}

func TestRemoveNotifiesAndForgets(t *testing.T) {
	notifier := &recorder{}
	store := newTestStore(t, notifier)
	ctx := context.Background()
	rid := createCounter(t, store, "alice")
	_, err := store.Subscribe(ctx, rid, "bob")
	assert.Equal(t, err, nil)

	envelope, err := store.Remove(ctx, rid, "alice")
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.Subscribers, []string{"alice", "bob"})

	pushes := notifier.all()
	assert.Equal(t, len(pushes), 2)
	for _, p := range pushes {
		assert.Equal(t, p.event, protocol.EventRemoveResource)
	}

	_, err = store.Get(ctx, rid, "alice")
	assert.Equal(t, errors.Is(err, protocol.ErrResourceNotFound), true)
	_, err = store.ApplyAction(ctx, rid, "alice", action("increment", `{"by":1}`))
	assert.Equal(t, errors.Is(err, protocol.ErrResourceNotFound), true)
	_, err = store.Remove(ctx, rid, "alice")
	assert.Equal(t, errors.Is(err, protocol.ErrResourceNotFound), true)
	assert.Equal(t, store.Len(), 0)
}

func TestDropSubscriberSkipsRemovedResources(t *testing.T) {
	store := newTestStore(t, &recorder{})
	ctx := context.Background()

	kept := createCounter(t, store, "alice")
	gone := createCounter(t, store, "alice")
	_, err := store.Subscribe(ctx, kept, "bob")
	assert.Equal(t, err, nil)
	_, err = store.Remove(ctx, gone, "alice")
	assert.Equal(t, err, nil)

	store.DropSubscriber(ctx, "bob", []models.ResourceIdentifier{kept, gone}, nil)

	view, err := store.Get(ctx, kept, "alice")
	assert.Equal(t, err, nil)
	assert.Equal(t, view.Subscribers, []string{"alice"})
}

func TestDropSubscriberKeepsWhatKeepClaims(t *testing.T) {
	store := newTestStore(t, &recorder{})
	ctx := context.Background()

	kept := createCounter(t, store, "alice")
	dropped := createCounter(t, store, "alice")
	for _, rid := range []models.ResourceIdentifier{kept, dropped} {
		_, err := store.Subscribe(ctx, rid, "bob")
		assert.Equal(t, err, nil)
	}

	var asked []models.ResourceIdentifier
	store.DropSubscriber(ctx, "bob", []models.ResourceIdentifier{kept, dropped}, func(rid models.ResourceIdentifier) bool {
		asked = append(asked, rid)
		return rid == kept
	})
	assert.Equal(t, asked, []models.ResourceIdentifier{kept, dropped})

	view, err := store.Get(ctx, kept, "alice")
	assert.Equal(t, err, nil)
	assert.Equal(t, view.Subscribers, []string{"alice", "bob"})
	view, err = store.Get(ctx, dropped, "alice")
	assert.Equal(t, err, nil)
	assert.Equal(t, view.Subscribers, []string{"alice"})
}

func TestJournalRecordsCommits(t *testing.T) {
	entries := journal.NewMemory()
	store := newTestStore(t, &recorder{}, WithJournal(entries))
	ctx := context.Background()

	rid := createCounter(t, store, "alice")
	checksum, err := store.ApplyAction(ctx, rid, "alice", action("increment", `{"by":1}`))
	assert.Equal(t, err, nil)
	_, err = store.ApplyAction(ctx, rid, "alice", action("fail", ""))
	assert.NotEqual(t, err, nil)
	_, err = store.Remove(ctx, rid, "alice")
	assert.Equal(t, err, nil)

	recorded := entries.Entries()
	assert.Equal(t, len(recorded), 3)
	assert.Equal(t, recorded[0].Op, journal.OpCreate)
	assert.Equal(t, recorded[1].Op, journal.OpAction)
	assert.Equal(t, recorded[1].Checksum, checksum)
	assert.Equal(t, recorded[1].Originator, "alice")
	assert.Equal(t, string(recorded[1].Payload), `{"type":"increment","payload":{"by":1}}`)
	assert.Equal(t, recorded[2].Op, journal.OpRemove)
	assert.Equal(t, recorded[2].ResourceID, rid.ResourceID)
}

func TestUnencodableBatchIsCommittedButNotJournaled(t *testing.T) {
	entries := journal.NewMemory()
	store := newTestStore(t, &recorder{}, WithJournal(entries))
	ctx := context.Background()

	rid := createCounter(t, store, "alice")
	// forget ignores its payload, so the reducer accepts one that cannot be re-encoded
	checksum, err := store.ApplyAction(ctx, rid, "alice", action("forget", `{`))
	assert.Equal(t, err, nil)
	assert.Equal(t, checksum, mustChecksum(t, `{"count":0}`, ""))

	recorded := entries.Entries()
	assert.Equal(t, len(recorded), 1)
	assert.Equal(t, recorded[0].Op, journal.OpCreate)
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	store := newTestStore(t, &recorder{})
	rid := createCounter(t, store, "alice")
	store.Close()

	_, err := store.Get(context.Background(), rid, "alice")
	assert.Equal(t, errors.Is(err, ErrStoreClosed), true)
}

func TestCancelledContextWhileQueued(t *testing.T) {
	store := newTestStore(t, &recorder{})
	rid := createCounter(t, store, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// the op may still be queued if the shard has room; either way it must not hang
	_, err := store.Get(ctx, rid, "alice")
	if err != nil {
		assert.Equal(t, errors.Is(err, context.Canceled), true)
	}
}
