package protocol

import (
	"encoding/json"
	"strings"
)

// EventType identifies messages emitted by the stream actor to its host.
type EventType string

const (
	EventChunk          EventType = "CHUNK"
	EventStep           EventType = "STEP"
	EventStructuredData EventType = "STRUCTURED_DATA"
	EventDone           EventType = "DONE"
	EventError          EventType = "ERROR"
	EventTimeout        EventType = "TIMEOUT"
	EventRateLimit      EventType = "RATE_LIMIT"
	EventStatus         EventType = "STATUS"
	EventReconnecting   EventType = "RECONNECTING"
)

// Terminal reports whether the event ends a stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventDone, EventError, EventTimeout, EventRateLimit:
		return true
	default:
		return false
	}
}

// WorkerStatus is the connection status reported by STATUS events.
type WorkerStatus string

const (
	StatusIdle         WorkerStatus = "idle"
	StatusConnected    WorkerStatus = "connected"
	StatusDisconnected WorkerStatus = "disconnected"
	StatusReconnecting WorkerStatus = "reconnecting"
	StatusError        WorkerStatus = "error"
)

const (
	defaultDataType        = "unknown"
	defaultErrorMessage    = "unknown error"
	defaultRateLimitNotice = "service busy, please retry later"
)

// Event is a single actor-to-host message. Only the fields relevant to Type
// are populated.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`

	Content     string          `json:"content,omitempty"`
	Step        int             `json:"step,omitempty"`
	StepMessage string          `json:"step_message,omitempty"`
	DataType    string          `json:"data_type,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`

	TotalLength int    `json:"total_length,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
	RequestID   string `json:"request_id,omitempty"`

	Error      string `json:"error,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`

	Status      WorkerStatus `json:"status,omitempty"`
	Attempt     int          `json:"attempt,omitempty"`
	MaxAttempts int          `json:"max_attempts,omitempty"`
}

// EventFromFrame maps a wire frame to the event the host sees. The second
// return value is false for frames that produce no event: fallback frames,
// empty chunks, step frames without a step number, structured data without
// a payload.
func EventFromFrame(sessionID string, f Frame) (Event, bool) {
	ev := Event{SessionID: sessionID}
	switch f.Type {
	case FrameChunk:
		if f.Content == "" {
			return Event{}, false
		}
		ev.Type = EventChunk
		ev.Content = f.Content
	case FrameStep:
		if f.Step == nil {
			return Event{}, false
		}
		ev.Type = EventStep
		ev.Step = *f.Step
		ev.StepMessage = f.Message
	case FrameStructuredData:
		if len(f.Data) == 0 || string(f.Data) == "null" {
			return Event{}, false
		}
		ev.Type = EventStructuredData
		ev.DataType = f.DataType
		if strings.TrimSpace(ev.DataType) == "" {
			ev.DataType = defaultDataType
		}
		ev.Data = append(json.RawMessage(nil), f.Data...)
	case FrameDone:
		ev.Type = EventDone
		ev.TotalLength = f.TotalLength
		ev.DurationMs = f.DurationMs
		ev.RequestID = f.RequestID
	case FrameError:
		ev.Type = EventError
		ev.Error = f.Error
		if strings.TrimSpace(ev.Error) == "" {
			ev.Error = defaultErrorMessage
		}
	case FrameRateLimit:
		ev.Type = EventRateLimit
		ev.Error = f.Message
		if strings.TrimSpace(ev.Error) == "" {
			ev.Error = defaultRateLimitNotice
		}
		ev.RetryAfter = f.RetryAfter
	default:
		return Event{}, false
	}
	return ev, true
}
