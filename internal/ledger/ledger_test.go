package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now), WithLogger(zerolog.Nop())}, opts...)
	return New(NewMemoryStore(), opts...), clock
}

func TestCreateSessionStartsStreaming(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	s, err := l.CreateSession(ctx, "s1", "u1", "plan my week", WithTopic("t1"))
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	assert.Equal(t, StatusStreaming, s.Status)
	assert.Equal(t, clock.Now().UnixMilli(), s.CreatedAt)
	assert.Equal(t, s.CreatedAt, s.UpdatedAt)
	assert.Equal(t, "t1", s.TopicID)

	_, err = l.CreateSession(ctx, "s1", "u1", "again")
	assert.ErrorIs(t, err, ErrExists)
}

func TestAppendContentAccumulatesInOrder(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateSession(ctx, "s1", "u1", "hi")
	require.NoError(t, err)

	for _, chunk := range []string{"Hel", "lo", " world"} {
		clock.Advance(time.Second)
		require.NoError(t, l.AppendContent(ctx, "s1", chunk))
	}
	s, err := l.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Hello world", s.Content)
	assert.Equal(t, clock.Now().UnixMilli(), s.UpdatedAt)
}

func TestTerminalSessionRejectsFurtherWrites(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateSession(ctx, "s1", "u1", "hi")
	require.NoError(t, err)
	require.NoError(t, l.AppendContent(ctx, "s1", "done text"))
	require.NoError(t, l.MarkCompleted(ctx, "s1"))

	before, err := l.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, before.Status)
	require.Equal(t, before.UpdatedAt, before.CompletedAt)

	clock.Advance(time.Minute)
	require.NoError(t, l.AppendContent(ctx, "s1", " more"))
	require.NoError(t, l.AppendStructuredData(ctx, "s1", "plan", json.RawMessage(`{}`)))
	require.NoError(t, l.UpdateStep(ctx, "s1", 4, "late"))
	require.NoError(t, l.MarkError(ctx, "s1", "late failure"))
	require.NoError(t, l.MarkTimeout(ctx, "s1"))
	require.NoError(t, l.MarkCompleted(ctx, "s1"))

	after, err := l.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestMarkErrorAndTimeoutMessages(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateSession(ctx, "s1", "u1", "a")
	require.NoError(t, err)
	_, err = l.CreateSession(ctx, "s2", "u1", "b")
	require.NoError(t, err)

	require.NoError(t, l.MarkError(ctx, "s1", "backend exploded"))
	require.NoError(t, l.MarkTimeout(ctx, "s2"))

	s1, _ := l.GetSession(ctx, "s1")
	s2, _ := l.GetSession(ctx, "s2")
	assert.Equal(t, StatusError, s1.Status)
	assert.Equal(t, "backend exploded", s1.ErrorMessage)
	assert.Zero(t, s1.CompletedAt)
	assert.Equal(t, StatusTimeout, s2.Status)
	assert.Equal(t, "session timed out", s2.ErrorMessage)
}

func TestStructuredDataAndStep(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateSession(ctx, "s1", "u1", "plan")
	require.NoError(t, err)

	require.NoError(t, l.UpdateStep(ctx, "s1", 2, "drafting"))
	require.NoError(t, l.AppendStructuredData(ctx, "s1", "training_plan", json.RawMessage(`{"days":3}`)))
	require.NoError(t, l.AppendStructuredData(ctx, "s1", "nutrition", json.RawMessage(`{"kcal":2200}`)))

	s, err := l.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, s.CurrentStep)
	assert.Equal(t, "drafting", s.StepMessage)
	require.Len(t, s.StructuredData, 2)
	assert.Equal(t, "training_plan", s.StructuredData[0].Type)
	assert.Equal(t, "nutrition", s.StructuredData[1].Type)
	assert.JSONEq(t, `{"kcal":2200}`, string(s.StructuredData[1].Data))
}

func TestMissingSessionReportsNotFound(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	assert.ErrorIs(t, l.AppendContent(ctx, "nope", "x"), ErrNotFound)
	assert.ErrorIs(t, l.MarkCompleted(ctx, "nope"), ErrNotFound)
	_, err := l.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, l.DeleteSession(ctx, "nope"), ErrNotFound)
}

func TestGetLatestSession(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	_, ok, err := l.GetLatestSession(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, id := range []string{"a", "b", "c"} {
		_, err := l.CreateSession(ctx, id, "u1", id)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	_, err = l.CreateSession(ctx, "other", "u2", "x")
	require.NoError(t, err)

	s, ok, err := l.GetLatestSession(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c", s.SessionID)
}

func TestGetActiveSessionPrefersStreaming(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := l.CreateSession(ctx, "old-stream", "u1", "q")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = l.CreateSession(ctx, "new-stream", "u1", "q")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = l.CreateSession(ctx, "done", "u1", "q")
	require.NoError(t, err)
	require.NoError(t, l.MarkCompleted(ctx, "done"))

	// Touch the older stream so it becomes the most recently updated.
	clock.Advance(time.Second)
	require.NoError(t, l.AppendContent(ctx, "old-stream", "x"))

	s, ok, err := l.GetActiveSession(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old-stream", s.SessionID)
}

func TestGetActiveSessionRecentCompletedWindow(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := l.CreateSession(ctx, "first", "u1", "q")
	require.NoError(t, err)
	require.NoError(t, l.MarkCompleted(ctx, "first"))
	clock.Advance(time.Minute)
	_, err = l.CreateSession(ctx, "second", "u1", "q")
	require.NoError(t, err)
	require.NoError(t, l.MarkCompleted(ctx, "second"))
	_, err = l.CreateSession(ctx, "failed", "u1", "q")
	require.NoError(t, err)
	require.NoError(t, l.MarkError(ctx, "failed", "boom"))

	s, ok, err := l.GetActiveSession(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", s.SessionID)

	clock.Advance(FreshCompletedWindow)
	_, ok, err = l.GetActiveSession(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok, "completed sessions older than the window are not active")
}

func TestTimeoutSweep(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := l.CreateSession(ctx, "stale", "u1", "q")
	require.NoError(t, err)
	clock.Advance(31 * time.Minute)
	_, err = l.CreateSession(ctx, "fresh", "u1", "q")
	require.NoError(t, err)

	stale, _ := l.GetSession(ctx, "stale")
	fresh, _ := l.GetSession(ctx, "fresh")
	assert.True(t, l.IsSessionTimeout(stale))
	assert.False(t, l.IsSessionTimeout(fresh))

	n, err := l.CheckAndMarkTimeoutSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale, _ = l.GetSession(ctx, "stale")
	assert.Equal(t, StatusTimeout, stale.Status)
	assert.False(t, l.IsSessionTimeout(stale), "terminal sessions never time out")

	n, err = l.CheckAndMarkTimeoutSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStaleStreamingSessionIsNotActiveAfterSweep(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := l.CreateSession(ctx, "s1", "u1", "q")
	require.NoError(t, err)
	clock.Advance(31 * time.Minute)

	_, err = l.CheckAndMarkTimeoutSessions(ctx, "u1")
	require.NoError(t, err)
	_, ok, err := l.GetActiveSession(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// snapshotListStore answers ListByUser from a frozen snapshot so a sweep sees
// sessions that were finished after the listing.
type snapshotListStore struct {
	*MemoryStore
	snapshot []Session
}

func (s *snapshotListStore) ListByUser(context.Context, string) ([]Session, error) {
	return s.snapshot, nil
}

func TestTimeoutSweepSkipsSessionsFinishedMeanwhile(t *testing.T) {
	clock := newFakeClock()
	mem := NewMemoryStore()
	store := &snapshotListStore{MemoryStore: mem}
	l := New(store, WithClock(clock.Now), WithLogger(zerolog.Nop()))
	ctx := context.Background()

	_, err := l.CreateSession(ctx, "racing", "u1", "q")
	require.NoError(t, err)
	_, err = l.CreateSession(ctx, "stale", "u1", "q")
	require.NoError(t, err)
	clock.Advance(31 * time.Minute)

	store.snapshot, err = mem.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, l.MarkCompleted(ctx, "racing"))

	n, err := l.CheckAndMarkTimeoutSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	racing, err := l.GetSession(ctx, "racing")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, racing.Status)
}

func TestCloseStreamingSessions(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "keep"} {
		_, err := l.CreateSession(ctx, id, "u1", "q")
		require.NoError(t, err)
	}
	require.NoError(t, l.MarkCompleted(ctx, "b"))
	_, err := l.CreateSession(ctx, "other-user", "u2", "q")
	require.NoError(t, err)

	n, err := l.CloseStreamingSessions(ctx, "u1", "keep", "replaced")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, _ := l.GetSession(ctx, "a")
	assert.Equal(t, StatusError, a.Status)
	assert.Equal(t, "replaced", a.ErrorMessage)
	b, _ := l.GetSession(ctx, "b")
	assert.Equal(t, StatusCompleted, b.Status)
	keep, _ := l.GetSession(ctx, "keep")
	assert.Equal(t, StatusStreaming, keep.Status)
	other, _ := l.GetSession(ctx, "other-user")
	assert.Equal(t, StatusStreaming, other.Status)

	n, err = l.CloseStreamingSessions(ctx, "u1", "", "replaced")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCleanupExpiredSessions(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := l.CreateSession(ctx, "old", "u1", "q")
	require.NoError(t, err)
	clock.Advance(40 * time.Minute)
	_, err = l.CreateSession(ctx, "new", "u1", "q")
	require.NoError(t, err)

	n, err := l.CleanupExpiredSessions(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = l.GetSession(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.GetSession(ctx, "new")
	assert.NoError(t, err)
}

func TestDeleteTopic(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateSession(ctx, "a", "u1", "q", WithTopic("legs"))
	require.NoError(t, err)
	_, err = l.CreateSession(ctx, "b", "u1", "q", WithTopic("legs"))
	require.NoError(t, err)
	_, err = l.CreateSession(ctx, "c", "u1", "q", WithTopic("arms"))
	require.NoError(t, err)

	n, err := l.DeleteTopic(ctx, "legs")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sessions, err := l.Store().ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "c", sessions[0].SessionID)

	_, err = l.DeleteTopic(ctx, " ")
	assert.Error(t, err)
}

func TestCapacityBoundEvictsOldestTerminal(t *testing.T) {
	l, clock := newTestLedger(t, WithMaxSessionsPerUser(3))
	ctx := context.Background()

	_, err := l.CreateSession(ctx, "live", "u1", "q")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		id := fmt.Sprintf("done-%d", i)
		_, err := l.CreateSession(ctx, id, "u1", "q")
		require.NoError(t, err)
		require.NoError(t, l.MarkCompleted(ctx, id))
	}
	clock.Advance(time.Second)
	_, err = l.CreateSession(ctx, "latest", "u1", "q")
	require.NoError(t, err)

	sessions, err := l.Store().ListByUser(ctx, "u1")
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, s := range sessions {
		ids[s.SessionID] = true
	}
	assert.Len(t, ids, 3)
	assert.True(t, ids["live"], "streaming sessions are never evicted")
	assert.True(t, ids["latest"])
	assert.True(t, ids["done-3"])
}

func TestIsSessionTimeoutBoundary(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := Session{Status: StatusStreaming, UpdatedAt: now.Add(-SessionTimeout).UnixMilli()}
	assert.False(t, IsSessionTimeout(s, now), "exactly 30 minutes is not yet stale")
	s.UpdatedAt--
	assert.True(t, IsSessionTimeout(s, now))
}
