package channel

import (
	"encoding/json"
	"fmt"
	"io"
)

// FrameAck is the frame type used to answer a frame that carried an id.
const FrameAck = "ack"

// Frame is the JSON envelope carried by stream transports. A frame with a
// non-zero ID expects an ack frame with the same ID.
type Frame struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{ID: %d, Type: %s, Payload.Size: %d, Error: %q}", f.ID, f.Type, len(f.Payload), f.Error)
}

func NewAck(id int64, payload json.RawMessage) *Frame {
	return &Frame{ID: id, Type: FrameAck, Payload: payload}
}

func NewNack(id int64, reason string) *Frame {
	return &Frame{ID: id, Type: FrameAck, Error: reason}
}

func EncodeFrame(w io.Writer, f *Frame) error {
	if err := json.NewEncoder(w).Encode(f); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return nil
}

func DecodeFrame(r io.Reader, f *Frame) error {
	if err := json.NewDecoder(r).Decode(f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// ackResult converts an ack frame into the values returned by Emit.
func ackResult(event string, f *Frame) (json.RawMessage, error) {
	if f.Error != "" {
		return nil, &RejectedError{Event: event, Reason: f.Error}
	}
	return f.Payload, nil
}
