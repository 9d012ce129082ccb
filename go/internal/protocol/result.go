package protocol

import (
	"encoding/json"
	"fmt"
)

// Result is the generic response envelope: ok=false carries an ErrorPayload in val.
type Result struct {
	OK  bool            `json:"ok"`
	Val json.RawMessage `json:"val,omitempty"`
}

// Ok builds a successful result. A nil v yields an empty val.
func Ok(v any) (Result, error) {
	if v == nil {
		return Result{OK: true}, nil
	}
	val, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("marshal result value: %w", err)
	}
	return Result{OK: true, Val: val}, nil
}

// Fail builds a failed result from an error.
func Fail(err error) Result {
	payload := ErrorPayloadFor(err)
	val, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		val = []byte(`{"kind":"ApplicationError"}`)
	}
	return Result{OK: false, Val: val}
}

// Encode marshals the result for the wire.
func (r Result) Encode() json.RawMessage {
	data, err := json.Marshal(r)
	if err != nil {
		return json.RawMessage(`{"ok":false}`)
	}
	return data
}

// DecodeResult parses an ack or push payload as a Result.
func DecodeResult(data json.RawMessage) (Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("decode result envelope: %w", err)
	}
	return r, nil
}
