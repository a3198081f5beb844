package protocol

import (
	"encoding/json"
	"fmt"
)

// Op is the transport-level frame operation.
type Op string

const (
	OpConnect     Op = "CONNECT"
	OpConnected   Op = "CONNECTED"
	OpSubscribe   Op = "SUBSCRIBE"
	OpUnsubscribe Op = "UNSUBSCRIBE"
	OpSend        Op = "SEND"
	OpMessage     Op = "MESSAGE"
	OpError       Op = "ERROR"
)

const (
	// PresenceTopic is the shared presence channel.
	PresenceTopic = "/topic/presence"
	// AppDestination receives every client command.
	AppDestination = "/app/chat"
)

// UserQueue returns the private per-user message queue destination.
func UserQueue(userID string) string {
	return "/user/" + userID + "/queue/messages"
}

// Frame is the envelope exchanged over the websocket. Commands and events
// travel in Body.
type Frame struct {
	Op          Op              `json:"op"`
	ID          string          `json:"id,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Token       string          `json:"token,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Marshal encodes the frame.
func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// ParseFrame decodes a frame, rejecting frames without an op.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Op == "" {
		return Frame{}, fmt.Errorf("%w: frame without op", ErrMalformed)
	}
	return f, nil
}

// SendFrame wraps a command for the application destination.
func SendFrame(cmd Command) (Frame, error) {
	body, err := cmd.Encode()
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", cmd.Type, err)
	}
	return Frame{Op: OpSend, Destination: AppDestination, Body: body}, nil
}
