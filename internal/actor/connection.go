package actor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/coachstream/internal/protocol"
	"github.com/ent0n29/coachstream/internal/reliability"
)

const (
	DefaultInactivityTimeout  = 60 * time.Second
	DefaultMaxReconnects      = 3
	DefaultMaxTotalReconnects = 10
	DefaultReconnectDelay     = 2 * time.Second
)

// StartRequest describes one streamed chat request.
type StartRequest struct {
	URL       string
	SessionID string
	AuthToken string
	// Body is JSON-encoded as the POST payload.
	Body any
}

// Options tunes the connection loop. Zero values pick the defaults above; a
// negative MaxReconnects disables retries. MaxTotalReconnects caps reconnects
// per run even when connects succeed in between.
type Options struct {
	Client             *http.Client
	InactivityTimeout  time.Duration
	MaxReconnects      int
	MaxTotalReconnects int
	ReconnectDelay     time.Duration
	Logger             *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Client == nil {
		// No client timeout; the inactivity timer bounds every read.
		o.Client = &http.Client{}
	}
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = DefaultInactivityTimeout
	}
	switch {
	case o.MaxReconnects == 0:
		o.MaxReconnects = DefaultMaxReconnects
	case o.MaxReconnects < 0:
		o.MaxReconnects = 0
	}
	if o.MaxTotalReconnects <= 0 {
		o.MaxTotalReconnects = DefaultMaxTotalReconnects
	}
	if o.MaxTotalReconnects < o.MaxReconnects {
		o.MaxTotalReconnects = o.MaxReconnects
	}
	if o.ReconnectDelay < 0 {
		o.ReconnectDelay = 0
	}
	return o
}

func (o Options) logger() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return log.With().Str("component", "stream_connection").Logger()
}

type outcome int

const (
	outcomeTerminal outcome = iota
	outcomeCancelled
	outcomeFailed
)

// Run executes req until a terminal event has been emitted or ctx is
// cancelled. Failed attempts are retried up to MaxReconnects times with a
// fixed delay, each retry announced by a RECONNECTING event. The counter
// resets after every successful connect, but a run never reconnects more than
// MaxTotalReconnects times in total. Cancellation emits nothing.
func Run(ctx context.Context, opts Options, req StartRequest, emit func(protocol.Event)) {
	opts = opts.withDefaults()
	logger := opts.logger().With().Str("session_id", req.SessionID).Logger()

	if strings.TrimSpace(req.URL) == "" || req.Body == nil {
		emit(protocol.Event{Type: protocol.EventError, SessionID: req.SessionID, Error: "missing request parameters"})
		return
	}
	payload, err := json.Marshal(req.Body)
	if err != nil {
		emit(protocol.Event{Type: protocol.EventError, SessionID: req.SessionID, Error: fmt.Sprintf("encode request: %v", err)})
		return
	}

	policy := reliability.RetryPolicy{MaxAttempts: opts.MaxReconnects, Delay: opts.ReconnectDelay}
	attempt, total := 0, 0
	for {
		res, connected, err := runOnce(ctx, opts, logger, req, payload, emit)
		switch res {
		case outcomeTerminal, outcomeCancelled:
			return
		}
		if connected {
			attempt = 0
		}

		if !reliability.IsRetryable(err) {
			logger.Warn().Err(err).Msg("stream failed, not retryable")
			emit(protocol.Event{Type: protocol.EventError, SessionID: req.SessionID, Error: err.Error()})
			return
		}
		attempt++
		total++
		delay, ok := policy.Next(attempt)
		if ok && total > opts.MaxTotalReconnects {
			logger.Warn().Err(err).Int("reconnects", opts.MaxTotalReconnects).Msg("stream keeps dropping, giving up")
			emit(protocol.Event{
				Type:      protocol.EventError,
				SessionID: req.SessionID,
				Error:     fmt.Sprintf("connection dropped %d times: %v", opts.MaxTotalReconnects, err),
			})
			return
		}
		if !ok {
			logger.Warn().Err(err).Int("retries", opts.MaxReconnects).Msg("stream failed, retries exhausted")
			emit(protocol.Event{
				Type:      protocol.EventError,
				SessionID: req.SessionID,
				Error:     fmt.Sprintf("connection failed after %d retries: %v", opts.MaxReconnects, err),
			})
			return
		}

		logger.Info().Err(err).Int("attempt", attempt).Int("max", opts.MaxReconnects).Msg("stream reconnecting")
		emit(protocol.Event{
			Type:        protocol.EventReconnecting,
			SessionID:   req.SessionID,
			Status:      protocol.StatusReconnecting,
			Attempt:     attempt,
			MaxAttempts: opts.MaxReconnects,
		})
		if err := reliability.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

// runOnce performs a single POST and consumes the body. connected reports
// whether the backend accepted the request.
func runOnce(ctx context.Context, opts Options, logger zerolog.Logger, req StartRequest, payload []byte, emit func(protocol.Event)) (outcome, bool, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	timer := time.AfterFunc(opts.InactivityTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	fail := func(err error) (outcome, bool, error) {
		switch {
		case timedOut.Load():
			emit(protocol.Event{
				Type:      protocol.EventTimeout,
				SessionID: req.SessionID,
				Error:     fmt.Sprintf("no data received for %s", opts.InactivityTimeout),
			})
			return outcomeTerminal, false, nil
		case ctx.Err() != nil:
			return outcomeCancelled, false, nil
		default:
			return outcomeFailed, false, err
		}
	}

	httpReq, err := http.NewRequestWithContext(connCtx, http.MethodPost, req.URL, bytes.NewReader(payload))
	if err != nil {
		return outcomeFailed, false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if req.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AuthToken)
	}

	res, err := opts.Client.Do(httpReq)
	if err != nil {
		return fail(fmt.Errorf("send request: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fail(&reliability.HTTPStatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))})
	}

	emit(protocol.Event{Type: protocol.EventStatus, SessionID: req.SessionID, Status: protocol.StatusConnected})
	timer.Reset(opts.InactivityTimeout)

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		frame, err := protocol.ParseFrame(scanner.Text())
		switch {
		case errors.Is(err, protocol.ErrNotData):
			continue
		case errors.Is(err, protocol.ErrDoneMarker):
			timer.Reset(opts.InactivityTimeout)
			continue
		case err != nil:
			logger.Warn().Err(err).Msg("skipping malformed frame")
			continue
		}
		timer.Reset(opts.InactivityTimeout)

		ev, ok := protocol.EventFromFrame(req.SessionID, frame)
		if !ok {
			continue
		}
		emit(ev)
		if ev.Type.Terminal() {
			return outcomeTerminal, true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		out, _, err := fail(fmt.Errorf("stream read: %w", err))
		return out, true, err
	}
	if timedOut.Load() {
		out, _, err := fail(nil)
		return out, true, err
	}
	if ctx.Err() != nil {
		return outcomeCancelled, true, nil
	}

	// Body closed without a done frame.
	emit(protocol.Event{Type: protocol.EventDone, SessionID: req.SessionID, Status: protocol.StatusDisconnected})
	return outcomeTerminal, true, nil
}
