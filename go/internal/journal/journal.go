// Package journal keeps an append-only audit trail of committed resource
// changes. It is not used to restore resource state.
package journal

import (
	"context"
	"encoding/json"
	"time"
)

// Op names the kind of committed change.
type Op string

const (
	OpCreate Op = "create"
	OpAction Op = "action"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
)

// Entry is one committed change.
type Entry struct {
	ResourceType string
	ResourceID   string
	Op           Op
	Originator   string
	Payload      json.RawMessage
	Checksum     string
	CommittedAt  time.Time
}

// Journal receives entries after the store commits them.
type Journal interface {
	Append(ctx context.Context, entry Entry) error
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Append(context.Context, Entry) error { return nil }
