package client

import (
	"encoding/json"
	"errors"

	"github.com/mcdev12/movex/go/internal/protocol"
)

var (
	// ErrRequestTimeout is returned when no ack arrives within the response window.
	// It is produced locally; the master never sends it.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrConnectionLost is published on the Disconnected topic. In-flight
	// requests are not failed with it; they keep their own timeout.
	ErrConnectionLost = errors.New("connection lost")
)

// ApplicationError is a failed result returned by the master.
type ApplicationError struct {
	Kind    protocol.ErrorKind
	Message string
	Detail  json.RawMessage
}

func newApplicationError(val json.RawMessage) *ApplicationError {
	var payload protocol.ErrorPayload
	if err := json.Unmarshal(val, &payload); err != nil || payload.Kind == "" {
		return &ApplicationError{Kind: protocol.KindApplicationError, Detail: val}
	}
	return &ApplicationError{Kind: payload.Kind, Message: payload.Message, Detail: payload.Detail}
}

func (e *ApplicationError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap exposes the protocol sentinel for known kinds so errors.Is works.
func (e *ApplicationError) Unwrap() error {
	return protocol.ErrorPayload{Kind: e.Kind}.Sentinel()
}
