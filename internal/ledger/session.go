package ledger

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a ledger session.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusTimeout
}

const (
	// SessionTimeout is the inactivity after which a streaming session is stale.
	SessionTimeout = 30 * time.Minute
	// FreshCompletedWindow bounds how long a completed session stays resumable.
	FreshCompletedWindow = 5 * time.Minute
	// DefaultRetention is the default age cutoff for CleanupExpiredSessions.
	DefaultRetention = 30 * time.Minute
	// DefaultMaxSessionsPerUser caps the records kept for one user.
	DefaultMaxSessionsPerUser = 50

	timeoutMessage = "session timed out"
)

var (
	ErrNotFound = errors.New("ledger: session not found")
	ErrExists   = errors.New("ledger: session already exists")
	ErrClosed   = errors.New("ledger: store closed")
)

// StructuredItem is one structured payload received during a stream.
type StructuredItem struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt int64           `json:"received_at"`
}

// Session is the durable record of one streamed request. Timestamps are Unix
// milliseconds.
type Session struct {
	SessionID      string           `json:"session_id"`
	UserID         string           `json:"user_id"`
	TopicID        string           `json:"topic_id,omitempty"`
	Query          string           `json:"query"`
	Content        string           `json:"content"`
	StructuredData []StructuredItem `json:"structured_data"`
	CurrentStep    int              `json:"current_step"`
	StepMessage    string           `json:"step_message"`
	Status         Status           `json:"status"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
	CompletedAt    int64            `json:"completed_at,omitempty"`
}

// FinishedAt is CompletedAt when set, otherwise UpdatedAt.
func (s Session) FinishedAt() int64 {
	if s.CompletedAt > 0 {
		return s.CompletedAt
	}
	return s.UpdatedAt
}

// IsSessionTimeout reports whether a streaming session has been idle longer
// than SessionTimeout at now.
func IsSessionTimeout(s Session, now time.Time) bool {
	if s.Status != StatusStreaming {
		return false
	}
	return now.UnixMilli()-s.UpdatedAt > SessionTimeout.Milliseconds()
}

func clone(s Session) Session {
	out := s
	if s.StructuredData != nil {
		out.StructuredData = make([]StructuredItem, len(s.StructuredData))
		for i, item := range s.StructuredData {
			item.Data = append(json.RawMessage(nil), item.Data...)
			out.StructuredData[i] = item
		}
	}
	return out
}

func encode(s Session) ([]byte, error) {
	if s.StructuredData == nil {
		s.StructuredData = []StructuredItem{}
	}
	return json.Marshal(s)
}

func decode(raw []byte) (Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, err
	}
	return s, nil
}
