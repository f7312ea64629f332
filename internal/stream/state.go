package stream

import (
	"encoding/json"

	"github.com/ent0n29/coachstream/internal/protocol"
)

// Mode is the transport a stream runs on.
type Mode string

const (
	ModeNone     Mode = ""
	ModeActor    Mode = "actor"
	ModeDirect   Mode = "direct"
	ModeBlocking Mode = "blocking"
	// ModeResumed marks a streaming session restored from the ledger that has
	// no connection in this process.
	ModeResumed Mode = "resumed"
)

// StructuredItem is a structured payload as seen by observers.
type StructuredItem struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt int64           `json:"received_at"`
}

// ReconnectInfo describes the reconnection in progress, if any.
type ReconnectInfo struct {
	Attempt int `json:"attempt"`
	Max     int `json:"max"`
}

// StreamState is the observable state of the current stream. Values handed
// to observers are deep copies.
type StreamState struct {
	IsStreaming        bool                  `json:"is_streaming"`
	StreamedContent    string                `json:"streamed_content"`
	StructuredData     []StructuredItem      `json:"structured_data"`
	Error              string                `json:"error,omitempty"`
	CurrentStep        int                   `json:"current_step"`
	CurrentStepMessage string                `json:"current_step_message"`
	TotalLength        int                   `json:"total_length"`
	DurationMs         int64                 `json:"duration_ms"`
	RequestID          string                `json:"request_id,omitempty"`
	RetryAfter         int                   `json:"retry_after,omitempty"`
	WorkerStatus       protocol.WorkerStatus `json:"worker_status"`
	SessionID          string                `json:"session_id,omitempty"`
	Mode               Mode                  `json:"mode,omitempty"`
	Reconnect          *ReconnectInfo        `json:"reconnect,omitempty"`
}

func initialState() StreamState {
	return StreamState{
		StructuredData: []StructuredItem{},
		WorkerStatus:   protocol.StatusIdle,
	}
}

func (s StreamState) clone() StreamState {
	out := s
	out.StructuredData = make([]StructuredItem, len(s.StructuredData))
	for i, item := range s.StructuredData {
		item.Data = append(json.RawMessage(nil), item.Data...)
		out.StructuredData[i] = item
	}
	if s.Reconnect != nil {
		r := *s.Reconnect
		out.Reconnect = &r
	}
	return out
}
