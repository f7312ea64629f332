package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ledger applies the session lifecycle rules on top of a Store.
type Ledger struct {
	store      Store
	now        func() time.Time
	log        zerolog.Logger
	maxPerUser int
}

type Option func(*Ledger)

// WithClock overrides the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) {
		l.log = logger
	}
}

// WithMaxSessionsPerUser bounds the records kept per user. Only terminal
// sessions are evicted.
func WithMaxSessionsPerUser(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxPerUser = n
		}
	}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		now:        time.Now,
		log:        log.With().Str("component", "ledger").Logger(),
		maxPerUser: DefaultMaxSessionsPerUser,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store exposes the underlying backend.
func (l *Ledger) Store() Store {
	return l.store
}

func (l *Ledger) nowMs() int64 {
	return l.now().UnixMilli()
}

type createOptions struct {
	topicID string
}

type CreateOption func(*createOptions)

// WithTopic associates the session with a conversation topic.
func WithTopic(topicID string) CreateOption {
	return func(o *createOptions) {
		o.topicID = strings.TrimSpace(topicID)
	}
}

// CreateSession inserts a new streaming session. It fails with ErrExists
// when the id is taken.
func (l *Ledger) CreateSession(ctx context.Context, sessionID, userID, query string, opts ...CreateOption) (Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Session{}, errors.New("session id is required")
	}
	var co createOptions
	for _, opt := range opts {
		opt(&co)
	}
	now := l.nowMs()
	s := Session{
		SessionID:      sessionID,
		UserID:         userID,
		TopicID:        co.topicID,
		Query:          query,
		StructuredData: []StructuredItem{},
		Status:         StatusStreaming,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.Insert(ctx, s); err != nil {
		return Session{}, err
	}
	l.log.Debug().Str("session_id", sessionID).Str("user_id", userID).Msg("session created")

	if err := l.trimUser(ctx, userID); err != nil {
		l.log.Warn().Err(err).Str("user_id", userID).Msg("trim user sessions failed")
	}
	return s, nil
}

// AppendContent appends a text fragment. Terminal sessions are left
// untouched and a warning is logged.
func (l *Ledger) AppendContent(ctx context.Context, sessionID, chunk string) error {
	_, err := l.store.Update(ctx, sessionID, func(s *Session) error {
		if s.Status != StatusStreaming {
			l.log.Warn().Str("session_id", sessionID).Str("status", string(s.Status)).Msg("append to non-streaming session ignored")
			return ErrUnchanged
		}
		s.Content += chunk
		s.UpdatedAt = l.nowMs()
		return nil
	})
	return err
}

// AppendStructuredData records a structured payload in arrival order.
func (l *Ledger) AppendStructuredData(ctx context.Context, sessionID, dataType string, data json.RawMessage) error {
	_, err := l.store.Update(ctx, sessionID, func(s *Session) error {
		if s.Status.Terminal() {
			l.log.Warn().Str("session_id", sessionID).Str("data_type", dataType).Msg("structured data for terminal session ignored")
			return ErrUnchanged
		}
		now := l.nowMs()
		s.StructuredData = append(s.StructuredData, StructuredItem{
			Type:       dataType,
			Data:       append(json.RawMessage(nil), data...),
			ReceivedAt: now,
		})
		s.UpdatedAt = now
		return nil
	})
	return err
}

func (l *Ledger) UpdateStep(ctx context.Context, sessionID string, step int, message string) error {
	_, err := l.store.Update(ctx, sessionID, func(s *Session) error {
		if s.Status.Terminal() {
			return ErrUnchanged
		}
		s.CurrentStep = step
		s.StepMessage = message
		s.UpdatedAt = l.nowMs()
		return nil
	})
	return err
}

func (l *Ledger) MarkCompleted(ctx context.Context, sessionID string) error {
	_, err := l.finish(ctx, sessionID, StatusCompleted, "")
	return err
}

func (l *Ledger) MarkError(ctx context.Context, sessionID, message string) error {
	_, err := l.finish(ctx, sessionID, StatusError, message)
	return err
}

func (l *Ledger) MarkTimeout(ctx context.Context, sessionID string) error {
	_, err := l.finish(ctx, sessionID, StatusTimeout, timeoutMessage)
	return err
}

// finish moves a streaming session into a terminal status and reports
// whether it did. Already-terminal sessions keep their status.
func (l *Ledger) finish(ctx context.Context, sessionID string, status Status, message string) (bool, error) {
	changed := false
	_, err := l.store.Update(ctx, sessionID, func(s *Session) error {
		changed = false
		if s.Status != StatusStreaming {
			return ErrUnchanged
		}
		now := l.nowMs()
		s.Status = status
		s.UpdatedAt = now
		if status == StatusCompleted {
			s.CompletedAt = now
		} else {
			s.ErrorMessage = message
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		l.log.Debug().Str("session_id", sessionID).Str("status", string(status)).Msg("session finished")
	}
	return changed, nil
}

// CloseStreamingSessions marks every streaming session of userID other than
// except as failed with message and returns how many it closed.
func (l *Ledger) CloseStreamingSessions(ctx context.Context, userID, except, message string) (int, error) {
	sessions, err := l.store.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, s := range sessions {
		if s.Status != StatusStreaming || s.SessionID == except {
			continue
		}
		changed, err := l.finish(ctx, s.SessionID, StatusError, message)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return closed, fmt.Errorf("close %s: %w", s.SessionID, err)
		}
		if changed {
			closed++
		}
	}
	return closed, nil
}

func (l *Ledger) GetSession(ctx context.Context, sessionID string) (Session, error) {
	return l.store.Get(ctx, sessionID)
}

// GetLatestSession returns the user's newest session by creation time.
func (l *Ledger) GetLatestSession(ctx context.Context, userID string) (Session, bool, error) {
	sessions, err := l.store.ListByUser(ctx, userID)
	if err != nil {
		return Session{}, false, err
	}
	if len(sessions) == 0 {
		return Session{}, false, nil
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt > sessions[j].CreatedAt
	})
	return sessions[0], true, nil
}

// GetActiveSession picks the session a returning user should see: the most
// recently updated streaming session, otherwise the most recently finished
// completed session within FreshCompletedWindow.
func (l *Ledger) GetActiveSession(ctx context.Context, userID string) (Session, bool, error) {
	sessions, err := l.store.ListByUser(ctx, userID)
	if err != nil {
		return Session{}, false, err
	}

	var streaming, recent []Session
	now := l.nowMs()
	for _, s := range sessions {
		switch s.Status {
		case StatusStreaming:
			streaming = append(streaming, s)
		case StatusCompleted:
			if now-s.FinishedAt() < FreshCompletedWindow.Milliseconds() {
				recent = append(recent, s)
			}
		}
	}
	if len(streaming) > 0 {
		sort.Slice(streaming, func(i, j int) bool {
			return streaming[i].UpdatedAt > streaming[j].UpdatedAt
		})
		return streaming[0], true, nil
	}
	if len(recent) > 0 {
		sort.Slice(recent, func(i, j int) bool {
			return recent[i].FinishedAt() > recent[j].FinishedAt()
		})
		return recent[0], true, nil
	}
	return Session{}, false, nil
}

// IsSessionTimeout evaluates IsSessionTimeout against the ledger clock.
func (l *Ledger) IsSessionTimeout(s Session) bool {
	return IsSessionTimeout(s, l.now())
}

// CheckAndMarkTimeoutSessions marks every stale streaming session of the user
// as timed out and returns how many it moved. A session finished by someone
// else in the meantime is not counted.
func (l *Ledger) CheckAndMarkTimeoutSessions(ctx context.Context, userID string) (int, error) {
	sessions, err := l.store.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, s := range sessions {
		if !l.IsSessionTimeout(s) {
			continue
		}
		changed, err := l.finish(ctx, s.SessionID, StatusTimeout, timeoutMessage)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return marked, fmt.Errorf("mark timeout %s: %w", s.SessionID, err)
		}
		if changed {
			marked++
		}
	}
	if marked > 0 {
		l.log.Info().Str("user_id", userID).Int("count", marked).Msg("marked timed out sessions")
	}
	return marked, nil
}

// CleanupExpiredSessions deletes sessions not updated within maxAge, whatever
// their status. A non-positive maxAge means DefaultRetention.
func (l *Ledger) CleanupExpiredSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	cutoff := l.nowMs() - maxAge.Milliseconds()
	ids, err := l.store.ListUpdatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := l.store.Delete(ctx, ids...)
	if err != nil {
		return n, err
	}
	l.log.Info().Int("count", n).Dur("max_age", maxAge).Msg("expired sessions removed")
	return n, nil
}

func (l *Ledger) DeleteSession(ctx context.Context, sessionID string) error {
	n, err := l.store.Delete(ctx, sessionID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTopic removes every session attached to topicID.
func (l *Ledger) DeleteTopic(ctx context.Context, topicID string) (int, error) {
	if strings.TrimSpace(topicID) == "" {
		return 0, errors.New("topic id is required")
	}
	ids, err := l.store.ListByTopic(ctx, topicID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return l.store.Delete(ctx, ids...)
}

// trimUser evicts the oldest terminal sessions once the user holds more than
// maxPerUser records.
func (l *Ledger) trimUser(ctx context.Context, userID string) error {
	sessions, err := l.store.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	excess := len(sessions) - l.maxPerUser
	if excess <= 0 {
		return nil
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt < sessions[j].CreatedAt
	})
	var victims []string
	for _, s := range sessions {
		if len(victims) == excess {
			break
		}
		if s.Status.Terminal() {
			victims = append(victims, s.SessionID)
		}
	}
	if len(victims) == 0 {
		return nil
	}
	n, err := l.store.Delete(ctx, victims...)
	if err != nil {
		return err
	}
	l.log.Debug().Str("user_id", userID).Int("count", n).Msg("trimmed old sessions")
	return nil
}
