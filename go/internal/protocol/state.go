package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Canonical re-encodes a JSON value with sorted object keys and no
// insignificant whitespace. Empty input is treated as null.
func Canonical(v json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(v)) == 0 {
		return json.RawMessage("null"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("canonicalize state: %w", err)
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("canonicalize state: %w", err)
	}
	return out, nil
}

// Checksum digests the view one subscriber sees, that is
// MergeState(public, private). A client holding only the merged state gets
// the same value from ChecksumState.
func Checksum(public, private json.RawMessage) (string, error) {
	view, err := MergeState(public, private)
	if err != nil {
		return "", err
	}
	return ChecksumState(view)
}

// ChecksumState digests a state value regardless of key order or formatting.
func ChecksumState(state json.RawMessage) (string, error) {
	canonical, err := Canonical(state)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(canonical)), nil
}

// IsEmptyState reports whether v carries no value.
func IsEmptyState(v json.RawMessage) bool {
	trimmed := bytes.TrimSpace(v)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// MergeState builds the view one subscriber sees. When both slices are JSON
// objects the private keys overlay the public ones; otherwise the two are
// nested under "public" and "private".
func MergeState(public, private json.RawMessage) (json.RawMessage, error) {
	if IsEmptyState(private) {
		return Canonical(public)
	}

	pub, pubIsObject := asObject(public)
	priv, privIsObject := asObject(private)
	if pubIsObject && privIsObject {
		for k, v := range priv {
			pub[k] = v
		}
		return marshalCanonical(pub)
	}

	return marshalCanonical(map[string]json.RawMessage{
		"public":  orNull(public),
		"private": private,
	})
}

// MergePartial shallow-merges a partial object into an object state.
func MergePartial(state, partial json.RawMessage) (json.RawMessage, error) {
	base, ok := asObject(state)
	if !ok {
		if !IsEmptyState(state) {
			return nil, fmt.Errorf("%w: state is not an object", ErrBadRequest)
		}
		base = map[string]json.RawMessage{}
	}
	patch, ok := asObject(partial)
	if !ok {
		return nil, fmt.Errorf("%w: resourceData must be an object", ErrBadRequest)
	}
	for k, v := range patch {
		base[k] = v
	}
	return marshalCanonical(base)
}

func asObject(v json.RawMessage) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false
	}
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}
	return obj, true
}

func marshalCanonical(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return Canonical(data)
}

func orNull(v json.RawMessage) json.RawMessage {
	if IsEmptyState(v) {
		return json.RawMessage("null")
	}
	return v
}
