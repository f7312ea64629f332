package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/coachstream/internal/actor"
	"github.com/ent0n29/coachstream/internal/ledger"
	"github.com/ent0n29/coachstream/internal/observability"
	"github.com/ent0n29/coachstream/internal/protocol"
	"github.com/ent0n29/coachstream/internal/redact"
	"github.com/ent0n29/coachstream/internal/transport"
)

var (
	ErrInvalidParams = errors.New("stream: user id and query are required")
	ErrClosed        = errors.New("stream: controller closed")
	ErrBusy          = errors.New("stream: another session is streaming")
)

const (
	DefaultDomain = "fitness"

	stoppedMessage        = "stopped by user"
	supersededMessage     = "replaced by a new question"
	responseTimeoutNotice = "response timed out, please resend"
	sessionTimeoutNotice  = "session timed out"
	abnormalEndNotice     = "session ended abnormally"

	queryPreviewRunes  = 80
	ledgerWriteTimeout = 5 * time.Second
)

// StartParams describes one question sent to the chat backend.
type StartParams struct {
	UserID    string
	Query     string
	SessionID string
	TopicID   string
	Domain    string
	AuthToken string
}

// ChatRequest is the JSON body posted to the chat backend.
type ChatRequest struct {
	UserID    string `json:"user_id"`
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	TopicID   string `json:"topic_id,omitempty"`
	Domain    string `json:"domain"`
}

// Options wires a Controller. Actor is owned by the controller once passed in
// and is closed by Close. A nil Actor runs streams on Direct.
type Options struct {
	StreamURL     string
	DefaultDomain string
	// ForceBlocking selects the non-streaming transport for every session.
	ForceBlocking bool

	Actor    *actor.Actor
	Direct   transport.Transport
	Blocking transport.Transport

	Metrics *observability.Metrics
	Logger  *zerolog.Logger
	Now     func() time.Time
}

type activeRun struct {
	sessionID string
	mode      Mode
	cancel    context.CancelFunc
	started   time.Time
	durable   atomic.Bool

	// guarded by Controller.mu
	connected bool
	gotChunk  bool

	done     chan struct{}
	doneOnce sync.Once
}

func (r *activeRun) finish() {
	r.doneOnce.Do(func() { close(r.done) })
}

// Controller runs at most one stream at a time for a host, records it in the
// ledger and fans state out to subscribers.
type Controller struct {
	opts   Options
	ledger *ledger.Ledger
	log    zerolog.Logger
	now    func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	pumpDone   chan struct{}

	// lifecycle serializes start, stop, resume and close.
	lifecycle sync.Mutex

	mu         sync.Mutex
	state      StreamState
	run        *activeRun
	subs       map[uint64]func(StreamState)
	nextSub    uint64
	lastActive time.Time
	closed     bool

	// notifyMu keeps deliveries to subscribers in state order.
	notifyMu sync.Mutex
}

func New(l *ledger.Ledger, opts Options) (*Controller, error) {
	if l == nil {
		return nil, errors.New("stream: ledger is required")
	}
	if opts.Actor == nil && opts.Direct == nil && opts.Blocking == nil {
		return nil, errors.New("stream: no transport configured")
	}
	if strings.TrimSpace(opts.DefaultDomain) == "" {
		opts.DefaultDomain = DefaultDomain
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := log.With().Str("component", "stream_controller").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:       opts,
		ledger:     l,
		log:        logger,
		now:        opts.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		pumpDone:   make(chan struct{}),
		state:      initialState(),
		subs:       make(map[uint64]func(StreamState)),
		lastActive: opts.Now(),
	}
	if opts.Actor != nil {
		go c.pump(opts.Actor.Events())
	} else {
		close(c.pumpDone)
	}
	return c, nil
}

func (c *Controller) pump(events <-chan protocol.Event) {
	defer close(c.pumpDone)
	for ev := range events {
		c.mu.Lock()
		run := c.run
		current := run != nil && run.mode == ModeActor && run.sessionID == ev.SessionID
		c.mu.Unlock()
		if current {
			c.handle(run, ev)
		}
	}
}

func newSessionID() string {
	return "stream_" + uuid.NewString()
}

// StartStream aborts any running stream and starts a new one. Sessions of the
// user still marked streaming in the ledger are closed as superseded. It
// returns the session id once the ledger record exists; progress arrives via
// subscribers.
func (c *Controller) StartStream(ctx context.Context, p StartParams) (string, error) {
	p.UserID = strings.TrimSpace(p.UserID)
	p.Query = strings.TrimSpace(p.Query)
	if p.UserID == "" || p.Query == "" {
		return "", ErrInvalidParams
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.isClosed() {
		return "", ErrClosed
	}
	c.stopLocked(supersededMessage, true)

	sessionID := strings.TrimSpace(p.SessionID)
	if sessionID == "" {
		sessionID = newSessionID()
	}
	if n, err := c.ledger.CloseStreamingSessions(ctx, p.UserID, sessionID, supersededMessage); err != nil {
		c.log.Warn().Err(err).Str("user_id", p.UserID).Msg("close orphaned sessions")
	} else if n > 0 {
		c.log.Info().Int("sessions", n).Str("user_id", p.UserID).Msg("closed orphaned sessions")
	}
	domain := strings.TrimSpace(p.Domain)
	if domain == "" {
		domain = c.opts.DefaultDomain
	}

	run := &activeRun{
		sessionID: sessionID,
		mode:      c.pickMode(),
		started:   c.now(),
		done:      make(chan struct{}),
	}
	run.durable.Store(true)

	if _, err := c.ledger.CreateSession(ctx, sessionID, p.UserID, p.Query, ledger.WithTopic(p.TopicID)); err != nil {
		if errors.Is(err, ledger.ErrExists) {
			return "", fmt.Errorf("session %s: %w", sessionID, err)
		}
		c.log.Error().Err(err).Str("session_id", sessionID).Msg("ledger create failed; session kept in memory only")
		c.opts.Metrics.ObserveLedgerError("create")
		run.durable.Store(false)
	}

	req := actor.StartRequest{
		URL:       c.opts.StreamURL,
		SessionID: sessionID,
		AuthToken: p.AuthToken,
		Body: ChatRequest{
			UserID:    p.UserID,
			Query:     p.Query,
			SessionID: sessionID,
			TopicID:   p.TopicID,
			Domain:    domain,
		},
	}

	c.mu.Lock()
	c.state = initialState()
	c.state.IsStreaming = true
	c.state.SessionID = sessionID
	c.state.Mode = run.mode
	c.run = run
	c.lastActive = c.now()
	c.mu.Unlock()
	c.publish()
	c.opts.Metrics.StreamStarted()

	if run.mode == ModeActor {
		err := c.opts.Actor.Start(req)
		if err == nil {
			c.log.Info().Str("session_id", sessionID).Str("mode", string(run.mode)).Str("query", redact.Preview(p.Query, queryPreviewRunes)).Msg("stream started")
			return sessionID, nil
		}
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("stream actor unavailable; using direct transport")
		c.mu.Lock()
		run.mode = ModeDirect
		c.state.Mode = ModeDirect
		c.mu.Unlock()
		if c.opts.Direct == nil {
			c.handle(run, protocol.Event{Type: protocol.EventError, SessionID: sessionID, Error: "no stream transport available"})
			return sessionID, nil
		}
	}

	t := c.opts.Direct
	if run.mode == ModeBlocking {
		t = c.opts.Blocking
	}
	runCtx, cancel := context.WithCancel(c.baseCtx)
	run.cancel = cancel
	go func() {
		defer cancel()
		t.Run(runCtx, req, func(ev protocol.Event) { c.handle(run, ev) })
	}()
	c.log.Info().Str("session_id", sessionID).Str("mode", string(run.mode)).Str("query", redact.Preview(p.Query, queryPreviewRunes)).Msg("stream started")
	return sessionID, nil
}

func (c *Controller) pickMode() Mode {
	switch {
	case c.opts.ForceBlocking && c.opts.Blocking != nil:
		return ModeBlocking
	case c.opts.Actor != nil:
		return ModeActor
	case c.opts.Direct != nil:
		return ModeDirect
	default:
		return ModeBlocking
	}
}

// handle applies one event of run to the state, writes it to the ledger and
// notifies subscribers. Events of a run that is no longer current are dropped.
func (c *Controller) handle(run *activeRun, ev protocol.Event) {
	c.mu.Lock()
	if c.run != run {
		c.mu.Unlock()
		return
	}
	now := c.now()
	elapsed := now.Sub(run.started)
	st := &c.state

	switch ev.Type {
	case protocol.EventStatus:
		st.WorkerStatus = ev.Status
		if ev.Status == protocol.StatusConnected {
			st.Reconnect = nil
			if !run.connected {
				run.connected = true
				c.opts.Metrics.ObserveConnected(elapsed)
			}
		}
	case protocol.EventReconnecting:
		st.WorkerStatus = protocol.StatusReconnecting
		st.Reconnect = &ReconnectInfo{Attempt: ev.Attempt, Max: ev.MaxAttempts}
		c.opts.Metrics.ObserveReconnect()
	case protocol.EventChunk:
		st.StreamedContent += ev.Content
		if !run.gotChunk {
			run.gotChunk = true
			c.opts.Metrics.ObserveFirstChunk(elapsed)
		}
	case protocol.EventStep:
		st.CurrentStep = ev.Step
		st.CurrentStepMessage = ev.StepMessage
	case protocol.EventStructuredData:
		st.StructuredData = append(st.StructuredData, StructuredItem{
			Type:       ev.DataType,
			Data:       ev.Data,
			ReceivedAt: now.UnixMilli(),
		})
	case protocol.EventDone:
		st.IsStreaming = false
		st.WorkerStatus = protocol.StatusDisconnected
		st.Reconnect = nil
		st.TotalLength = ev.TotalLength
		if st.TotalLength == 0 {
			st.TotalLength = utf8.RuneCountInString(st.StreamedContent)
		}
		st.DurationMs = ev.DurationMs
		if st.DurationMs == 0 {
			st.DurationMs = elapsed.Milliseconds()
		}
		st.RequestID = ev.RequestID
	case protocol.EventError:
		st.IsStreaming = false
		st.WorkerStatus = protocol.StatusError
		st.Reconnect = nil
		st.Error = ev.Error
	case protocol.EventTimeout:
		st.IsStreaming = false
		st.WorkerStatus = protocol.StatusError
		st.Reconnect = nil
		st.Error = responseTimeoutNotice
	case protocol.EventRateLimit:
		st.IsStreaming = false
		st.WorkerStatus = protocol.StatusError
		st.Reconnect = nil
		st.Error = ev.Error
		st.RetryAfter = ev.RetryAfter
	}
	c.opts.Metrics.ObserveEvent(string(ev.Type))

	terminal := ev.Type.Terminal()
	if terminal {
		c.run = nil
	}
	content := st.StreamedContent
	mode := run.mode
	c.lastActive = now
	c.mu.Unlock()

	c.persist(run, mode, ev, content)
	c.publish()

	if terminal {
		c.opts.Metrics.StreamFinished(outcomeFor(ev.Type), string(mode), elapsed)
		c.log.Info().
			Str("session_id", run.sessionID).
			Str("event", string(ev.Type)).
			Dur("elapsed", elapsed).
			Msg("stream finished")
		run.finish()
	}
}

func outcomeFor(t protocol.EventType) string {
	switch t {
	case protocol.EventDone:
		return "completed"
	case protocol.EventTimeout:
		return "timeout"
	case protocol.EventRateLimit:
		return "rate_limited"
	default:
		return "error"
	}
}

// persist mirrors ev into the ledger. The first failed write switches the
// run to memory-only.
func (c *Controller) persist(run *activeRun, mode Mode, ev protocol.Event, content string) {
	if !run.durable.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()

	var (
		op  string
		err error
	)
	switch ev.Type {
	case protocol.EventChunk:
		if mode == ModeBlocking {
			return
		}
		op, err = "append_content", c.ledger.AppendContent(ctx, run.sessionID, ev.Content)
	case protocol.EventStep:
		op, err = "update_step", c.ledger.UpdateStep(ctx, run.sessionID, ev.Step, ev.StepMessage)
	case protocol.EventStructuredData:
		op, err = "append_structured_data", c.ledger.AppendStructuredData(ctx, run.sessionID, ev.DataType, ev.Data)
	case protocol.EventDone:
		if mode == ModeBlocking && content != "" {
			if err = c.ledger.AppendContent(ctx, run.sessionID, content); err != nil {
				op = "append_content"
				break
			}
		}
		op, err = "mark_completed", c.ledger.MarkCompleted(ctx, run.sessionID)
	case protocol.EventError, protocol.EventRateLimit:
		op, err = "mark_error", c.ledger.MarkError(ctx, run.sessionID, ev.Error)
	case protocol.EventTimeout:
		op, err = "mark_timeout", c.ledger.MarkTimeout(ctx, run.sessionID)
	default:
		return
	}
	if err != nil {
		run.durable.Store(false)
		c.opts.Metrics.ObserveLedgerError(op)
		c.log.Error().Err(err).Str("session_id", run.sessionID).Str("op", op).Msg("ledger write failed; session kept in memory only")
	}
}

// StopStream aborts the running stream, if any, and records it as stopped
// by the user. Calling it with nothing running is a no-op.
func (c *Controller) StopStream() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stopLocked(stoppedMessage, true)
}

func (c *Controller) stopLocked(reason string, record bool) bool {
	c.mu.Lock()
	run := c.run
	if run == nil {
		c.mu.Unlock()
		return false
	}
	c.run = nil
	c.state.IsStreaming = false
	c.state.WorkerStatus = protocol.StatusIdle
	c.state.Reconnect = nil
	c.lastActive = c.now()
	elapsed := c.now().Sub(run.started)
	c.mu.Unlock()

	if run.mode == ModeActor {
		if err := c.opts.Actor.Stop(); err != nil && !errors.Is(err, actor.ErrClosed) {
			c.log.Warn().Err(err).Str("session_id", run.sessionID).Msg("stop stream actor")
		}
	} else if run.cancel != nil {
		run.cancel()
	}

	if record && run.durable.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
		if err := c.ledger.MarkError(ctx, run.sessionID, reason); err != nil {
			c.opts.Metrics.ObserveLedgerError("mark_error")
			c.log.Error().Err(err).Str("session_id", run.sessionID).Msg("record stopped session")
		}
		cancel()
	}

	if run.mode != ModeResumed {
		c.opts.Metrics.StreamFinished("stopped", string(run.mode), elapsed)
	}
	c.log.Info().Str("session_id", run.sessionID).Str("mode", string(run.mode)).Msg("stream stopped")
	c.publish()
	run.finish()
	return true
}

// Wait blocks until the current stream reaches a terminal state or is
// stopped. It returns at once when nothing is running or when the session was
// resumed without a connection.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()
	if run == nil || run.mode == ModeResumed {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResumeSession restores the observable state of a recorded session. It
// reports false when the ledger has no such session. Resuming never opens a
// new connection to the chat backend. A session still streaming is held as
// the current run so StopStream and StartStream finish it in the ledger.
func (c *Controller) ResumeSession(ctx context.Context, sessionID string) (bool, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.isClosed() {
		return false, ErrClosed
	}

	c.mu.Lock()
	held := c.run
	c.mu.Unlock()
	if held != nil {
		if held.sessionID == sessionID {
			c.publish()
			return true, nil
		}
		if held.mode != ModeResumed {
			return false, ErrBusy
		}
	}

	s, err := c.ledger.GetSession(ctx, sessionID)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	st := initialState()
	st.SessionID = s.SessionID
	st.StreamedContent = s.Content
	st.CurrentStep = s.CurrentStep
	st.CurrentStepMessage = s.StepMessage
	for _, item := range s.StructuredData {
		st.StructuredData = append(st.StructuredData, StructuredItem{
			Type:       item.Type,
			Data:       item.Data,
			ReceivedAt: item.ReceivedAt,
		})
	}

	var orphan *activeRun
	switch s.Status {
	case ledger.StatusStreaming:
		if c.ledger.IsSessionTimeout(s) {
			if err := c.ledger.MarkTimeout(ctx, sessionID); err != nil {
				c.log.Warn().Err(err).Str("session_id", sessionID).Msg("mark resumed session timed out")
			}
			st.Error = sessionTimeoutNotice
			st.WorkerStatus = protocol.StatusError
		} else {
			st.IsStreaming = true
			st.WorkerStatus = protocol.StatusConnected
			st.Mode = ModeResumed
			orphan = &activeRun{
				sessionID: sessionID,
				mode:      ModeResumed,
				started:   c.now(),
				done:      make(chan struct{}),
			}
			orphan.durable.Store(true)
		}
	case ledger.StatusCompleted:
		st.WorkerStatus = protocol.StatusDisconnected
		st.TotalLength = utf8.RuneCountInString(s.Content)
		if s.CompletedAt > 0 {
			st.DurationMs = s.CompletedAt - s.CreatedAt
		}
	default:
		st.Error = s.ErrorMessage
		if st.Error == "" {
			st.Error = abnormalEndNotice
		}
		st.WorkerStatus = protocol.StatusError
	}

	c.mu.Lock()
	c.state = st
	c.run = orphan
	c.lastActive = c.now()
	c.mu.Unlock()
	if held != nil {
		held.finish()
	}
	c.publish()
	c.log.Info().Str("session_id", sessionID).Str("status", string(s.Status)).Msg("session resumed")
	return true, nil
}

// TryResumeActiveSession sweeps stale sessions of userID and resumes the one
// still streaming, if any.
func (c *Controller) TryResumeActiveSession(ctx context.Context, userID string) bool {
	if n, err := c.ledger.CheckAndMarkTimeoutSessions(ctx, userID); err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("timeout sweep failed")
	} else if n > 0 {
		c.opts.Metrics.ObserveSweep("timeout", n)
	}

	s, ok, err := c.ledger.GetActiveSession(ctx, userID)
	if err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("load active session")
		return false
	}
	if !ok {
		latest, found, err := c.ledger.GetLatestSession(ctx, userID)
		if err != nil || !found || latest.Status != ledger.StatusStreaming {
			return false
		}
		s = latest
	}

	resumed, err := c.ResumeSession(ctx, s.SessionID)
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", s.SessionID).Msg("resume active session")
		return false
	}
	return resumed
}

// State returns a copy of the current state.
func (c *Controller) State() StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Subscribe registers fn for state changes and calls it once with the
// current state before returning. fn runs on the goroutine that produced the
// change and must not call back into the controller synchronously.
func (c *Controller) Subscribe(fn func(StreamState)) (unsubscribe func()) {
	c.notifyMu.Lock()
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	snap := c.state.clone()
	c.mu.Unlock()
	c.deliver(fn, snap)
	c.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.lastActive = c.now()
			c.mu.Unlock()
		})
	}
}

// SubscribeChan delivers states on a channel. When the reader falls behind
// older states are dropped so the latest one always gets through. The
// channel is closed by the returned cancel func.
func (c *Controller) SubscribeChan(buffer int) (<-chan StreamState, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan StreamState, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsubscribe := c.Subscribe(func(st StreamState) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		for {
			select {
			case ch <- st:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	})
	return ch, func() {
		unsubscribe()
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		mu.Unlock()
	}
}

func (c *Controller) publish() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	snap := c.state.clone()
	subs := make([]func(StreamState), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		c.deliver(fn, snap.clone())
	}
}

func (c *Controller) deliver(fn func(StreamState), st StreamState) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("state subscriber panicked")
		}
	}()
	fn(st)
}

func (c *Controller) touch() {
	c.mu.Lock()
	c.lastActive = c.now()
	c.mu.Unlock()
}

// retireIfIdle marks the controller closed when it has had no live stream,
// no subscriber and no activity for maxIdle. A caller holding the lifecycle
// lock counts as activity. The caller must follow a true result with
// shutdown.
func (c *Controller) retireIfIdle(now time.Time, maxIdle time.Duration) bool {
	if !c.lifecycle.TryLock() {
		return false
	}
	defer c.lifecycle.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	live := c.run != nil && c.run.mode != ModeResumed
	if live || len(c.subs) > 0 || now.Sub(c.lastActive) < maxIdle {
		return false
	}
	c.closed = true
	return true
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close aborts the running stream without recording it as stopped, so the
// session stays resumable, then shuts down the actor.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.shutdown()
}

func (c *Controller) shutdown() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stopLocked("", false)
	c.baseCancel()
	if c.opts.Actor != nil {
		c.opts.Actor.Close()
	}
	<-c.pumpDone
}
