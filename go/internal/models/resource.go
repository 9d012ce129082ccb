package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResourceIdentifier uniquely addresses a resource across the store.
type ResourceIdentifier struct {
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
}

// String returns the "type:id" form used as a map key and in logs.
func (r ResourceIdentifier) String() string {
	return r.ResourceType + ":" + r.ResourceID
}

// Validate checks both parts of the identifier are present.
func (r ResourceIdentifier) Validate() error {
	if r.ResourceType == "" {
		return fmt.Errorf("resource type is required")
	}
	if r.ResourceID == "" {
		return fmt.Errorf("resource id is required")
	}
	return nil
}

// ParseResourceIdentifier parses the "type:id" form produced by String.
func ParseResourceIdentifier(s string) (ResourceIdentifier, error) {
	resourceType, resourceID, ok := strings.Cut(s, ":")
	if !ok {
		return ResourceIdentifier{}, fmt.Errorf("invalid resource identifier %q", s)
	}
	rid := ResourceIdentifier{ResourceType: resourceType, ResourceID: resourceID}
	if err := rid.Validate(); err != nil {
		return ResourceIdentifier{}, err
	}
	return rid, nil
}

// Item is what a single subscriber sees of a resource: the public state merged
// with that subscriber's own private slice, plus the checksum of that slice.
type Item struct {
	ID       string          `json:"id"`
	State    json.RawMessage `json:"state"`
	Checksum string          `json:"checksum"`
}

// ResourceEnvelope is the master's response shape for resource verbs and the
// payload of updateResource/removeResource pushes.
type ResourceEnvelope struct {
	Type        string   `json:"type"`
	Item        Item     `json:"item"`
	Subscribers []string `json:"subscribers"`
}

// Identifier returns the resource the envelope describes.
func (e ResourceEnvelope) Identifier() ResourceIdentifier {
	return ResourceIdentifier{ResourceType: e.Type, ResourceID: e.Item.ID}
}
