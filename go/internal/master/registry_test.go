package master

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/mcdev12/movex/go/internal/models"
)

type message struct {
	event   string
	payload string
}

type fakeSender struct {
	mu       sync.Mutex
	messages []message
	err      error
}

func (s *fakeSender) Send(event string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, message{event: event, payload: string(payload)})
	return nil
}

func (s *fakeSender) received() []message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message(nil), s.messages...)
}

func TestRegistrySendsToEveryConnection(t *testing.T) {
	registry := NewRegistry()
	first := &fakeSender{}
	second := &fakeSender{}

	handle, releaseFirst := registry.Register("alice", first)
	_, releaseSecond := registry.Register("alice", second)
	defer releaseSecond()
	assert.Equal(t, handle.SubscriberID(), "alice")

	err := registry.SendToOne("alice", "updateResource", json.RawMessage(`{"ok":true}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(first.received()), 1)
	assert.Equal(t, len(second.received()), 1)

	releaseFirst()
	err = registry.SendToOne("alice", "updateResource", json.RawMessage(`{"ok":true}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(first.received()), 1)
	assert.Equal(t, len(second.received()), 2)
}

func TestRegistrySendToUnknownClient(t *testing.T) {
	registry := NewRegistry()

	err := registry.SendToOne("nobody", "updateResource", nil)
	assert.Equal(t, errors.Is(err, ErrClientNotConnected), true)
}

func TestRegistrySendFailsWhenEveryConnectionFails(t *testing.T) {
	registry := NewRegistry()
	broken := &fakeSender{err: errors.New("buffer full")}
	_, release := registry.Register("alice", broken)
	defer release()

	err := registry.SendToOne("alice", "updateResource", nil)
	assert.NotEqual(t, err, nil)

	healthy := &fakeSender{}
	_, releaseHealthy := registry.Register("alice", healthy)
	defer releaseHealthy()
	err = registry.SendToOne("alice", "updateResource", nil)
	assert.Equal(t, err, nil)
}

func TestRegistryClientGoneAfterLastRelease(t *testing.T) {
	registry := NewRegistry()
	var gone []ClientGone
	stop := registry.OnClientGone(func(g ClientGone) { gone = append(gone, g) })
	defer stop()

	_, releaseFirst := registry.Register("alice", &fakeSender{})
	_, releaseSecond := registry.Register("alice", &fakeSender{})

	rid := models.ResourceIdentifier{ResourceType: "game", ResourceID: "1"}
	other := models.ResourceIdentifier{ResourceType: "game", ResourceID: "0"}
	assert.Equal(t, registry.Track("alice", rid), true)
	assert.Equal(t, registry.Track("alice", other), true)

	releaseFirst()
	releaseFirst()
	assert.Equal(t, len(gone), 0)
	assert.Equal(t, registry.IsConnected("alice"), true)

	releaseSecond()
	assert.Equal(t, len(gone), 1)
	assert.Equal(t, gone[0].SubscriberID, "alice")
	assert.Equal(t, gone[0].Resources, []models.ResourceIdentifier{other, rid})
	assert.Equal(t, registry.IsConnected("alice"), false)
	assert.Equal(t, registry.Subscriptions("alice") == nil, true)
}

func TestRegistryTracking(t *testing.T) {
	registry := NewRegistry()
	rid := models.ResourceIdentifier{ResourceType: "game", ResourceID: "1"}

	assert.Equal(t, registry.Track("ghost", rid), false)

	_, release := registry.Register("alice", &fakeSender{})
	defer release()
	assert.Equal(t, registry.Track("alice", rid), true)
	assert.Equal(t, registry.Track("alice", rid), true)
	assert.Equal(t, registry.Subscriptions("alice"), []models.ResourceIdentifier{rid})

	registry.Untrack("alice", rid)
	assert.Equal(t, len(registry.Subscriptions("alice")), 0)
}

func TestRegistryBroadcast(t *testing.T) {
	registry := NewRegistry()
	alice := &fakeSender{}
	bob := &fakeSender{}
	_, releaseAlice := registry.Register("alice", alice)
	defer releaseAlice()
	_, releaseBob := registry.Register("bob", bob)
	defer releaseBob()

	registry.Broadcast([]string{"alice", "bob", "carol"}, func(subscriberID string) (string, json.RawMessage, bool) {
		if subscriberID == "bob" {
			return "", nil, false
		}
		return "updateResource", json.RawMessage(`"` + subscriberID + `"`), true
	})
	assert.Equal(t, alice.received(), []message{{event: "updateResource", payload: `"alice"`}})
	assert.Equal(t, len(bob.received()), 0)

	reached := registry.BroadcastAll("broadcast::tick", json.RawMessage(`{}`))
	assert.Equal(t, reached, 2)
	assert.Equal(t, len(alice.received()), 2)
	assert.Equal(t, bob.received()[0].event, "broadcast::tick")

	stats := registry.Stats()
	assert.Equal(t, stats["total_clients"], 2)
	assert.Equal(t, stats["total_connections"], 2)
}
