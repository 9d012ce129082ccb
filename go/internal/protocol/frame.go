package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FrameKind distinguishes named events from acknowledgments on the socket.
type FrameKind string

const (
	FrameEvent FrameKind = "event"
	FrameAck   FrameKind = "ack"
)

// Frame is one websocket text message. Events carrying an AckID expect exactly
// one ack frame with the same id in return.
type Frame struct {
	Kind    FrameKind       `json:"kind"`
	Name    string          `json:"name,omitempty"`
	AckID   string          `json:"ackId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeFrame parses and validates a wire frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Kind {
	case FrameEvent:
		if f.Name == "" {
			return Frame{}, fmt.Errorf("event frame without name")
		}
	case FrameAck:
		if f.AckID == "" {
			return Frame{}, fmt.Errorf("ack frame without id")
		}
	default:
		return Frame{}, fmt.Errorf("unknown frame kind %q", f.Kind)
	}
	return f, nil
}

// BroadcastPrefix marks out-of-band application broadcasts on the event channel.
const BroadcastPrefix = "broadcast::"

// BroadcastEventName prefixes an application event name for the wire.
func BroadcastEventName(event string) string {
	return BroadcastPrefix + event
}

// ParseBroadcastEvent strips the broadcast prefix. ok is false for any other event.
func ParseBroadcastEvent(name string) (event string, ok bool) {
	if !strings.HasPrefix(name, BroadcastPrefix) {
		return "", false
	}
	return name[len(BroadcastPrefix):], true
}
