package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants on the state feed.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"
	TypeStateSnapshot MessageType = "state_snapshot"
	TypeErrorEvent    MessageType = "error_event"
)

// Client control actions.
const (
	ActionStop   = "stop"
	ActionResume = "resume"
)

var ErrUnsupportedMessage = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	Action    string      `json:"action"`
	SessionID string      `json:"session_id,omitempty"`
}

// StateSnapshot wraps a controller state for delivery over the feed. State is
// pre-encoded by the sender.
type StateSnapshot struct {
	Type  MessageType     `json:"type"`
	Seq   int64           `json:"seq"`
	State json.RawMessage `json:"state"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

// ParseClientMessage decodes an inbound websocket message.
func ParseClientMessage(raw []byte) (ClientControl, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientControl{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type != TypeClientControl {
		return ClientControl{}, ErrUnsupportedMessage
	}

	var msg ClientControl
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientControl{}, err
	}
	switch msg.Action {
	case ActionStop:
	case ActionResume:
	default:
		return ClientControl{}, fmt.Errorf("invalid client_control action %q", msg.Action)
	}
	return msg, nil
}
