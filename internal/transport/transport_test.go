package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/coachstream/internal/actor"
	"github.com/ent0n29/coachstream/internal/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) emit(ev protocol.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []protocol.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func TestSplitRunes(t *testing.T) {
	assert.Nil(t, SplitRunes("", 50))
	assert.Equal(t, []string{"abc"}, SplitRunes("abc", 50))
	assert.Equal(t, []string{"ab", "cd", "e"}, SplitRunes("abcde", 2))
	assert.Equal(t, []string{"ab", "cd"}, SplitRunes("abcd", 2))

	mixed := "训练计划很好"
	parts := SplitRunes(mixed, 4)
	assert.Equal(t, []string{"训练计划", "很好"}, parts)
	assert.Equal(t, mixed, strings.Join(parts, ""))
}

func TestDirectRunsConnectionLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"type\":\"chunk\",\"content\":\"hi\"}\n\ndata: {\"type\":\"done\"}\n\n"))
	}))
	defer srv.Close()

	rec := &recorder{}
	d := NewDirect(actor.Options{Logger: nopLogger()})
	d.Run(context.Background(), actor.StartRequest{URL: srv.URL, SessionID: "s1", Body: map[string]string{"query": "x"}}, rec.emit)

	assert.Equal(t, []protocol.EventType{protocol.EventStatus, protocol.EventChunk, protocol.EventDone}, rec.types())
}

func TestBlockingReplaysReplyAsChunks(t *testing.T) {
	reply := strings.Repeat("a", 120)
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"response": reply}})
	}))
	defer srv.Close()

	rec := &recorder{}
	b := NewBlocking(BlockingOptions{URL: srv.URL, ChunkDelay: time.Millisecond, Logger: nopLogger()})
	b.Run(context.Background(), actor.StartRequest{
		URL:       "http://ignored.invalid",
		SessionID: "s1",
		Body:      map[string]string{"user_id": "u1", "query": "legs?"},
	}, rec.emit)

	require.Equal(t, []protocol.EventType{
		protocol.EventStatus,
		protocol.EventChunk,
		protocol.EventChunk,
		protocol.EventChunk,
		protocol.EventDone,
	}, rec.types())
	assert.Len(t, rec.events[1].Content, 50)
	assert.Len(t, rec.events[3].Content, 20)
	assert.Equal(t, 120, rec.events[4].TotalLength)
	assert.Equal(t, "legs?", body["query"])
}

func TestBlockingDefaultsEmptyReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	rec := &recorder{}
	NewBlocking(BlockingOptions{URL: srv.URL, Logger: nopLogger()}).
		Run(context.Background(), actor.StartRequest{SessionID: "s1", Body: map[string]string{}}, rec.emit)

	require.NotEmpty(t, rec.events)
	assert.Equal(t, fallbackReply, rec.events[1].Content)
}

func TestBlockingReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := &recorder{}
	NewBlocking(BlockingOptions{URL: srv.URL, Logger: nopLogger()}).
		Run(context.Background(), actor.StartRequest{SessionID: "s1", Body: map[string]string{}}, rec.emit)

	require.Equal(t, []protocol.EventType{protocol.EventError}, rec.types())
	assert.Contains(t, rec.events[0].Error, "500")
}

func TestBlockingStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"response":"` + strings.Repeat("z", 500) + `"}}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	emit := func(ev protocol.Event) {
		rec.emit(ev)
		if ev.Type == protocol.EventChunk {
			cancel()
		}
	}
	NewBlocking(BlockingOptions{URL: srv.URL, ChunkDelay: time.Second, Logger: nopLogger()}).
		Run(ctx, actor.StartRequest{SessionID: "s1", Body: map[string]string{}}, emit)

	assert.Equal(t, []protocol.EventType{protocol.EventStatus, protocol.EventChunk}, rec.types())
}
