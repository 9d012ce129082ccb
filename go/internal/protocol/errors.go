package protocol

import (
	"encoding/json"
	"errors"
)

// ErrorKind classifies a failed result on the wire.
type ErrorKind string

const (
	KindResourceNotFound ErrorKind = "ResourceNotFound"
	KindResourceExists   ErrorKind = "ResourceExists"
	KindBadRequest       ErrorKind = "BadRequest"
	KindApplicationError ErrorKind = "ApplicationError"
)

var (
	// ErrResourceNotFound is returned for operations on an unknown identifier.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrResourceExists is returned when create is given an identifier already in use.
	ErrResourceExists = errors.New("resource already exists")
	// ErrBadRequest is returned for malformed or unknown requests.
	ErrBadRequest = errors.New("bad request")
)

// ErrorPayload is the val of a failed Result.
type ErrorPayload struct {
	Kind    ErrorKind       `json:"kind"`
	Message string          `json:"message,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// DetailedError lets application code attach an opaque detail to a failure.
type DetailedError interface {
	error
	Detail() json.RawMessage
}

// ErrorPayloadFor maps err onto the wire error kinds.
func ErrorPayloadFor(err error) ErrorPayload {
	payload := ErrorPayload{Kind: KindApplicationError}
	if err == nil {
		return payload
	}
	payload.Message = err.Error()

	switch {
	case errors.Is(err, ErrResourceNotFound):
		payload.Kind = KindResourceNotFound
	case errors.Is(err, ErrResourceExists):
		payload.Kind = KindResourceExists
	case errors.Is(err, ErrBadRequest):
		payload.Kind = KindBadRequest
	}

	var detailed DetailedError
	if errors.As(err, &detailed) {
		payload.Detail = detailed.Detail()
	}
	return payload
}

// Sentinel returns the sentinel error matching the payload kind, or nil.
func (p ErrorPayload) Sentinel() error {
	switch p.Kind {
	case KindResourceNotFound:
		return ErrResourceNotFound
	case KindResourceExists:
		return ErrResourceExists
	case KindBadRequest:
		return ErrBadRequest
	default:
		return nil
	}
}
