package ledger

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Insert(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.sessions[s.SessionID]; ok {
		return ErrExists
	}
	m.sessions[s.SessionID] = clone(s)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Session{}, ErrClosed
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) Update(_ context.Context, sessionID string, fn func(*Session) error) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Session{}, ErrClosed
	}
	current, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	next := clone(current)
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return clone(current), nil
		}
		return Session{}, err
	}
	m.sessions[sessionID] = clone(next)
	return next, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Session, 0)
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, clone(s))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListUpdatedBefore(_ context.Context, cutoffMs int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var ids []string
	for id, s := range m.sessions {
		if s.UpdatedAt < cutoffMs {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) ListByTopic(_ context.Context, topicID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var ids []string
	for id, s := range m.sessions {
		if s.TopicID == topicID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionIDs ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, id := range sessionIDs {
		if _, ok := m.sessions[id]; ok {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
