package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Action is a single instruction applied to a resource by its reducer.
type Action struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ActionBatch is an ordered sequence of actions applied atomically.
// On the wire it is either a single action object or an array of them.
type ActionBatch []Action

// UnmarshalJSON accepts either `{...}` or `[{...}, ...]`.
func (b *ActionBatch) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*b = nil
		return nil
	}

	if trimmed[0] == '[' {
		var actions []Action
		if err := json.Unmarshal(trimmed, &actions); err != nil {
			return fmt.Errorf("decode action batch: %w", err)
		}
		*b = actions
		return nil
	}

	var action Action
	if err := json.Unmarshal(trimmed, &action); err != nil {
		return fmt.Errorf("decode action: %w", err)
	}
	*b = ActionBatch{action}
	return nil
}

// MarshalJSON encodes a batch of one as a bare action object.
func (b ActionBatch) MarshalJSON() ([]byte, error) {
	if len(b) == 1 {
		return json.Marshal(b[0])
	}
	return json.Marshal([]Action(b))
}

// Validate rejects empty batches and actions without a type.
func (b ActionBatch) Validate() error {
	if len(b) == 0 {
		return fmt.Errorf("action batch is empty")
	}
	for i, action := range b {
		if action.Type == "" {
			return fmt.Errorf("action %d has no type", i)
		}
	}
	return nil
}
