// Package mockchat serves a deterministic stand-in for the chat backend so the
// engine can run and be tested without one.
package mockchat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/coachstream/internal/protocol"
	"github.com/ent0n29/coachstream/internal/reliability"
)

const (
	StreamPath = "/api/v1/chat/stream"
	ChatPath   = "/v1/chat"
)

type Options struct {
	// ChunkDelay is the pause between streamed frames.
	ChunkDelay time.Duration
	Logger     *zerolog.Logger
}

type Server struct {
	chunkDelay time.Duration
	log        zerolog.Logger
}

func New(opts Options) *Server {
	s := &Server{
		chunkDelay: opts.ChunkDelay,
		log:        log.With().Str("component", "mock_chat").Logger(),
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	return s
}

type chatRequest struct {
	UserID    string `json:"user_id"`
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	TopicID   string `json:"topic_id"`
	Domain    string `json:"domain"`
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post(StreamPath, s.handleStream)
	r.Post(ChatPath, s.handleChat)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Reply builds the deterministic answer for query.
func Reply(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		query = "nothing yet"
	}
	return fmt.Sprintf("I heard you: %s", query)
}

func wantsPlan(query string) bool {
	return strings.Contains(strings.ToLower(query), "plan")
}

type trainingPlan struct {
	Days []planDay `json:"days"`
}

type planDay struct {
	Day   string `json:"day"`
	Focus string `json:"focus"`
}

func samplePlan() trainingPlan {
	return trainingPlan{Days: []planDay{
		{Day: "monday", Focus: "lower body strength"},
		{Day: "wednesday", Focus: "upper body strength"},
		{Day: "friday", Focus: "conditioning"},
	}}
}

func decodeRequest(r *http.Request) (chatRequest, error) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return chatRequest{}, fmt.Errorf("decode request: %w", err)
	}
	if strings.TrimSpace(req.Query) == "" {
		return chatRequest{}, fmt.Errorf("query is required")
	}
	return req, nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	started := time.Now()
	requestID := uuid.NewString()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	send := func(f protocol.Frame) bool {
		if err := protocol.WriteFrame(w, f); err != nil {
			return false
		}
		flusher.Flush()
		return reliability.Sleep(ctx, s.chunkDelay) == nil
	}
	step := func(n int, msg string) protocol.Frame {
		return protocol.Frame{Type: protocol.FrameStep, Step: &n, Message: msg}
	}

	if !send(step(1, "Understanding your question")) {
		return
	}
	if wantsPlan(req.Query) {
		raw, _ := json.Marshal(samplePlan())
		if !send(protocol.Frame{Type: protocol.FrameStructuredData, DataType: "training_plan", Data: raw}) {
			return
		}
	}
	if !send(step(2, "Writing the answer")) {
		return
	}

	reply := Reply(req.Query)
	for _, word := range strings.SplitAfter(reply, " ") {
		if !send(protocol.Frame{Type: protocol.FrameChunk, Content: word}) {
			s.log.Debug().Str("session_id", req.SessionID).Msg("client went away mid-stream")
			return
		}
	}
	_ = protocol.WriteFrame(w, protocol.Frame{
		Type:        protocol.FrameDone,
		TotalLength: utf8.RuneCountInString(reply),
		DurationMs:  time.Since(started).Milliseconds(),
		RequestID:   requestID,
	})
	_ = protocol.WriteDoneMarker(w)
	flusher.Flush()
	s.log.Debug().Str("session_id", req.SessionID).Str("request_id", requestID).Msg("mock stream served")
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": map[string]any{
			"response":   Reply(req.Query),
			"session_id": req.SessionID,
		},
	})
}
