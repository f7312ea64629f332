package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// FrameType identifies the server-sent frame variants of the chat stream.
type FrameType string

const (
	FrameStep           FrameType = "step"
	FrameChunk          FrameType = "chunk"
	FrameStructuredData FrameType = "structured_data"
	FrameDone           FrameType = "done"
	FrameError          FrameType = "error"
	FrameRateLimit      FrameType = "rate_limit"
	FrameFallback       FrameType = "fallback"
)

// DoneMarker is the literal payload some backends send after the done frame.
const DoneMarker = "[DONE]"

var (
	// ErrNotData is returned for lines that do not carry a data payload
	// (blank separators, comments, event/id fields).
	ErrNotData = errors.New("not a data line")
	// ErrDoneMarker is returned for the inert [DONE] marker.
	ErrDoneMarker = errors.New("done marker")

	ErrUnsupportedType = errors.New("unsupported frame type")
)

// Frame is one JSON object carried on a `data: ` line.
type Frame struct {
	Type        FrameType       `json:"type"`
	Step        *int            `json:"step,omitempty"`
	Message     string          `json:"message,omitempty"`
	Content     string          `json:"content,omitempty"`
	DataType    string          `json:"data_type,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	TotalLength int             `json:"total_length,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	RetryAfter  int             `json:"retry_after,omitempty"`
}

// ParseFrame decodes a single line of the stream body.
//
// Lines without a `data:` prefix return ErrNotData and the [DONE] marker
// returns ErrDoneMarker; callers skip both. Malformed JSON and unknown frame
// types return descriptive errors that callers log and skip.
func ParseFrame(line string) (Frame, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "data:") {
		return Frame{}, ErrNotData
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" {
		return Frame{}, ErrNotData
	}
	if payload == DoneMarker {
		return Frame{}, ErrDoneMarker
	}

	var f Frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	switch f.Type {
	case FrameStep, FrameChunk, FrameStructuredData, FrameDone, FrameError, FrameRateLimit, FrameFallback:
		return f, nil
	case "":
		return Frame{}, errors.New("invalid frame: missing type")
	default:
		return Frame{}, fmt.Errorf("%w: %s", ErrUnsupportedType, f.Type)
	}
}

// WriteFrame encodes f as one SSE event.
func WriteFrame(w io.Writer, f Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", raw)
	return err
}

// WriteDoneMarker writes the trailing [DONE] marker.
func WriteDoneMarker(w io.Writer) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", DoneMarker)
	return err
}
