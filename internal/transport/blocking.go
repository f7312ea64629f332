package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/coachstream/internal/actor"
	"github.com/ent0n29/coachstream/internal/protocol"
	"github.com/ent0n29/coachstream/internal/reliability"
)

const (
	DefaultChunkSize  = 50
	DefaultChunkDelay = 50 * time.Millisecond

	fallbackReply = "Sorry, I can't answer that right now."
)

// BlockingOptions configures the non-streaming transport.
type BlockingOptions struct {
	URL        string
	Client     *http.Client
	ChunkSize  int
	ChunkDelay time.Duration
	Logger     *zerolog.Logger
}

// Blocking fetches the whole reply in one request and replays it as paced
// chunks so hosts render it the same way as a live stream.
type Blocking struct {
	url        string
	client     *http.Client
	chunkSize  int
	chunkDelay time.Duration
	log        zerolog.Logger
}

func NewBlocking(opts BlockingOptions) *Blocking {
	b := &Blocking{
		url:        strings.TrimSpace(opts.URL),
		client:     opts.Client,
		chunkSize:  opts.ChunkSize,
		chunkDelay: opts.ChunkDelay,
		log:        log.With().Str("component", "blocking_transport").Logger(),
	}
	if b.client == nil {
		b.client = &http.Client{Timeout: 120 * time.Second}
	}
	if b.chunkSize <= 0 {
		b.chunkSize = DefaultChunkSize
	}
	if b.chunkDelay < 0 {
		b.chunkDelay = 0
	}
	if opts.Logger != nil {
		b.log = *opts.Logger
	}
	return b
}

type chatResponse struct {
	Data struct {
		Response string `json:"response"`
	} `json:"data"`
}

// Run ignores req.URL; the request goes to the configured endpoint.
func (b *Blocking) Run(ctx context.Context, req actor.StartRequest, emit func(protocol.Event)) {
	started := time.Now()
	text, err := b.fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		b.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("blocking chat request failed")
		emit(protocol.Event{Type: protocol.EventError, SessionID: req.SessionID, Error: err.Error()})
		return
	}
	emit(protocol.Event{Type: protocol.EventStatus, SessionID: req.SessionID, Status: protocol.StatusConnected})

	chunks := SplitRunes(text, b.chunkSize)
	for i, chunk := range chunks {
		emit(protocol.Event{Type: protocol.EventChunk, SessionID: req.SessionID, Content: chunk})
		if i == len(chunks)-1 {
			break
		}
		if err := reliability.Sleep(ctx, b.chunkDelay); err != nil {
			return
		}
	}
	emit(protocol.Event{
		Type:        protocol.EventDone,
		SessionID:   req.SessionID,
		TotalLength: utf8.RuneCountInString(text),
		DurationMs:  time.Since(started).Milliseconds(),
	})
}

func (b *Blocking) fetch(ctx context.Context, req actor.StartRequest) (string, error) {
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AuthToken)
	}

	res, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &reliability.HTTPStatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out chatResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(out.Data.Response) == "" {
		return fallbackReply, nil
	}
	return out.Data.Response, nil
}

// SplitRunes cuts s into pieces of at most n runes.
func SplitRunes(s string, n int) []string {
	if s == "" {
		return nil
	}
	if n <= 0 {
		return []string{s}
	}
	out := make([]string, 0, utf8.RuneCountInString(s)/n+1)
	start, count := 0, 0
	for i := range s {
		if count == n {
			out = append(out, s[start:i])
			start, count = i, 0
		}
		count++
	}
	return append(out, s[start:])
}
