package master

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/mcdev12/movex/go/internal/models"
	"github.com/mcdev12/movex/go/internal/protocol"
)

const counterType = "counter"

type counterState struct {
	Count int      `json:"count"`
	Log   []string `json:"log,omitempty"`
}

// counterReducer is a small reducer covering every transition shape the store
// has to handle.
func counterReducer() Reducer {
	return ReducerFunc(func(state State, action models.Action, originator string) (Transition, error) {
		var public counterState
		if err := json.Unmarshal(state.Public, &public); err != nil {
			return Transition{}, err
		}

		switch action.Type {
		case "increment":
			var p struct {
				By int `json:"by"`
			}
			if err := json.Unmarshal(action.Payload, &p); err != nil {
				return Transition{}, err
			}
			public.Count += p.By
		case "append":
			var entry string
			if err := json.Unmarshal(action.Payload, &entry); err != nil {
				return Transition{}, err
			}
			public.Log = append(public.Log, entry)
		case "secret":
			return Transition{Private: map[string]json.RawMessage{originator: action.Payload}}, nil
		case "forget":
			return Transition{Private: map[string]json.RawMessage{originator: json.RawMessage("null")}}, nil
		case "leak":
			return Transition{Private: map[string]json.RawMessage{"stranger": json.RawMessage(`{"x":1}`)}}, nil
		case "fail":
			return Transition{}, errors.New("action refused")
		case "panic":
			panic("reducer bug")
		default:
			return Transition{}, errors.New("unknown action")
		}

		encoded, err := json.Marshal(public)
		if err != nil {
			return Transition{}, err
		}
		return Transition{Public: encoded}, nil
	})
}

type push struct {
	subscriberID string
	event        string
	envelope     models.ResourceEnvelope
}

// recorder is a Notifier that keeps every push.
type recorder struct {
	mu     sync.Mutex
	pushes []push
}

func (r *recorder) SendToOne(subscriberID string, event string, payload json.RawMessage) error {
	result, err := protocol.DecodeResult(payload)
	if err != nil {
		return err
	}
	var envelope models.ResourceEnvelope
	if err := json.Unmarshal(result.Val, &envelope); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, push{subscriberID: subscriberID, event: event, envelope: envelope})
	return nil
}

func (r *recorder) all() []push {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]push(nil), r.pushes...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = nil
}

func (r *recorder) lastFor(subscriberID string) (push, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.pushes) - 1; i >= 0; i-- {
		if r.pushes[i].subscriberID == subscriberID {
			return r.pushes[i], true
		}
	}
	return push{}, false
}

func newTestStore(t *testing.T, notifier Notifier, opts ...StoreOption) *Store {
	t.Helper()
	reducers := NewReducerRegistry()
	assert.Equal(t, reducers.Register(counterType, counterReducer()), nil)
	store := NewStore(StoreConfig{Workers: 4, QueueSize: 16}, reducers, notifier, opts...)
	t.Cleanup(store.Close)
	return store
}

func action(actionType string, payload string) models.ActionBatch {
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	return models.ActionBatch{{Type: actionType, Payload: raw}}
}

func mustChecksum(t *testing.T, public, private string) string {
	t.Helper()
	var priv json.RawMessage
	if private != "" {
		priv = json.RawMessage(private)
	}
	checksum, err := protocol.Checksum(json.RawMessage(public), priv)
	assert.Equal(t, err, nil)
	return checksum
}
