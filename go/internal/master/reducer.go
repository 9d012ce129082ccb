package master

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mcdev12/movex/go/internal/models"
)

// State is what a reducer sees of a resource: the public slice and every
// subscriber's private slice.
type State struct {
	Public  json.RawMessage
	Private map[string]json.RawMessage
}

// Transition is a reducer's output. A nil Public leaves the public slice
// unchanged. Private holds per-subscriber replacements; a JSON null value
// clears that subscriber's slice.
type Transition struct {
	Public  json.RawMessage
	Private map[string]json.RawMessage
}

// Reducer applies one action. It must be pure and deterministic, and must
// not retain or mutate the maps it is given.
type Reducer interface {
	Reduce(state State, action models.Action, originator string) (Transition, error)
}

// ReducerFunc adapts a function to Reducer.
type ReducerFunc func(state State, action models.Action, originator string) (Transition, error)

func (f ReducerFunc) Reduce(state State, action models.Action, originator string) (Transition, error) {
	return f(state, action, originator)
}

// ReducerRegistry maps resource types to the reducer that owns them.
type ReducerRegistry struct {
	mu       sync.RWMutex
	reducers map[string]Reducer
}

func NewReducerRegistry() *ReducerRegistry {
	return &ReducerRegistry{reducers: make(map[string]Reducer)}
}

// Register binds resourceType to reducer.
func (r *ReducerRegistry) Register(resourceType string, reducer Reducer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if resourceType == "" {
		return fmt.Errorf("resource type cannot be empty")
	}
	if reducer == nil {
		return fmt.Errorf("reducer for %q cannot be nil", resourceType)
	}
	if _, exists := r.reducers[resourceType]; exists {
		return fmt.Errorf("reducer already registered for resource type %q", resourceType)
	}
	r.reducers[resourceType] = reducer
	return nil
}

// Get returns the reducer for resourceType.
func (r *ReducerRegistry) Get(resourceType string) (Reducer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reducer, ok := r.reducers[resourceType]
	return reducer, ok
}

var (
	available   = make(map[string]Reducer)
	availableMu sync.RWMutex
)

// RegisterReducer makes a reducer implementation available under key so that
// configuration can bind resource types to it. Call it from an init function.
func RegisterReducer(key string, reducer Reducer) error {
	availableMu.Lock()
	defer availableMu.Unlock()
	if key == "" {
		return fmt.Errorf("reducer key cannot be empty")
	}
	if _, exists := available[key]; exists {
		return fmt.Errorf("reducer already registered for key %q", key)
	}
	available[key] = reducer
	return nil
}

// LookupReducer retrieves a reducer registered with RegisterReducer.
func LookupReducer(key string) (Reducer, error) {
	availableMu.RLock()
	defer availableMu.RUnlock()
	reducer, exists := available[key]
	if !exists {
		return nil, fmt.Errorf("no reducer registered for key %q", key)
	}
	return reducer, nil
}
