package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mcdev12/movex/go/internal/models"
)

// Request is implemented by every typed request payload.
type Request interface {
	Verb() Verb
}

// CreateResourceRequest is the payload of createResource.
type CreateResourceRequest struct {
	ResourceType string          `json:"resourceType"`
	ResourceData json.RawMessage `json:"resourceData"`
	ResourceID   string          `json:"resourceId,omitempty"`
}

func (CreateResourceRequest) Verb() Verb { return VerbCreateResource }

// GetResourceRequest is the payload of getResource.
type GetResourceRequest struct {
	ResourceIdentifier models.ResourceIdentifier `json:"resourceIdentifier"`
}

func (GetResourceRequest) Verb() Verb { return VerbGetResource }

// UpdateResourceRequest carries a partial public state to merge.
type UpdateResourceRequest struct {
	ResourceIdentifier models.ResourceIdentifier `json:"resourceIdentifier"`
	ResourceData       json.RawMessage           `json:"resourceData"`
}

func (UpdateResourceRequest) Verb() Verb { return VerbUpdateResource }

// RemoveResourceRequest is the payload of removeResource.
type RemoveResourceRequest struct {
	ResourceIdentifier models.ResourceIdentifier `json:"resourceIdentifier"`
}

func (RemoveResourceRequest) Verb() Verb { return VerbRemoveResource }

// ObserveResourceRequest is the payload of observeResource.
type ObserveResourceRequest struct {
	ResourceIdentifier models.ResourceIdentifier `json:"resourceIdentifier"`
}

func (ObserveResourceRequest) Verb() Verb { return VerbObserveResource }

// SubscribeToResourceRequest is the payload of subscribeToResource.
type SubscribeToResourceRequest struct {
	ResourceIdentifier models.ResourceIdentifier `json:"resourceIdentifier"`
}

func (SubscribeToResourceRequest) Verb() Verb { return VerbSubscribeToResource }

// UnsubscribeFromResourceRequest is the payload of unsubscribeFromResource.
type UnsubscribeFromResourceRequest struct {
	ResourceIdentifier models.ResourceIdentifier `json:"resourceIdentifier"`
}

func (UnsubscribeFromResourceRequest) Verb() Verb { return VerbUnsubscribeFromResource }

// DispatchActionRequest forwards an action (or batch) to the master.
type DispatchActionRequest struct {
	ResourceIdentifier models.ResourceIdentifier `json:"resourceIdentifier"`
	Action             models.ActionBatch        `json:"action"`
}

func (DispatchActionRequest) Verb() Verb { return VerbDispatchAction }

// DispatchActionResponse returns the originator's checksum after the action.
type DispatchActionResponse struct {
	Checksum string `json:"checksum"`
}

// AppRequest is an application-defined request routed by name.
type AppRequest struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (AppRequest) Verb() Verb { return VerbRequest }

// DecodeRequest decodes payload into the typed request for verb.
func DecodeRequest(verb Verb, payload json.RawMessage) (Request, error) {
	var (
		req Request
		err error
	)

	switch verb {
	case VerbCreateResource:
		var r CreateResourceRequest
		err = decode(payload, &r)
		if err == nil && r.ResourceType == "" {
			err = fmt.Errorf("resourceType is required")
		}
		req = r
	case VerbGetResource:
		var r GetResourceRequest
		err = decodeIdentified(payload, &r, &r.ResourceIdentifier)
		req = r
	case VerbUpdateResource:
		var r UpdateResourceRequest
		err = decodeIdentified(payload, &r, &r.ResourceIdentifier)
		req = r
	case VerbRemoveResource:
		var r RemoveResourceRequest
		err = decodeIdentified(payload, &r, &r.ResourceIdentifier)
		req = r
	case VerbObserveResource:
		var r ObserveResourceRequest
		err = decodeIdentified(payload, &r, &r.ResourceIdentifier)
		req = r
	case VerbSubscribeToResource:
		var r SubscribeToResourceRequest
		err = decodeIdentified(payload, &r, &r.ResourceIdentifier)
		req = r
	case VerbUnsubscribeFromResource:
		var r UnsubscribeFromResourceRequest
		err = decodeIdentified(payload, &r, &r.ResourceIdentifier)
		req = r
	case VerbDispatchAction:
		var r DispatchActionRequest
		err = decodeIdentified(payload, &r, &r.ResourceIdentifier)
		if err == nil {
			err = r.Action.Validate()
		}
		req = r
	case VerbRequest:
		var r AppRequest
		err = decode(payload, &r)
		if err == nil && r.Name == "" {
			err = fmt.Errorf("request name is required")
		}
		req = r
	default:
		return nil, fmt.Errorf("unknown verb %d", int(verb))
	}

	if err != nil {
		return nil, fmt.Errorf("decode %s request: %w", verb, err)
	}
	return req, nil
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(payload, v)
}

func decodeIdentified(payload json.RawMessage, v any, rid *models.ResourceIdentifier) error {
	if err := decode(payload, v); err != nil {
		return err
	}
	return rid.Validate()
}
