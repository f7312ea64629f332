package actor

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/coachstream/internal/protocol"
)

var ErrClosed = errors.New("stream actor closed")

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdStatus
)

type command struct {
	kind commandKind
	req  StartRequest
}

// Actor owns one streaming connection at a time. Hosts talk to it only by
// commands and read its events in order from Events.
type Actor struct {
	opts   Options
	log    zerolog.Logger
	cmds   chan command
	events chan protocol.Event
	done   chan struct{}
	exited chan struct{}

	closeOnce sync.Once
}

// New starts the actor goroutine.
func New(opts Options) *Actor {
	logger := log.With().Str("component", "stream_actor").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	opts.Logger = &logger
	a := &Actor{
		opts:   opts,
		log:    logger,
		cmds:   make(chan command, 8),
		events: make(chan protocol.Event, 256),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go a.loop()
	return a
}

// Events is closed after Close once the actor has stopped.
func (a *Actor) Events() <-chan protocol.Event {
	return a.events
}

// Start aborts any running stream and begins req.
func (a *Actor) Start(req StartRequest) error {
	return a.send(command{kind: cmdStart, req: req})
}

// Stop aborts the running stream, if any.
func (a *Actor) Stop() error {
	return a.send(command{kind: cmdStop})
}

// Status asks the actor to report its connection status.
func (a *Actor) Status() error {
	return a.send(command{kind: cmdStatus})
}

func (a *Actor) send(cmd command) error {
	select {
	case <-a.done:
		return ErrClosed
	default:
	}
	select {
	case a.cmds <- cmd:
		return nil
	case <-a.done:
		return ErrClosed
	}
}

// Close stops the actor and waits for it to exit.
func (a *Actor) Close() {
	a.closeOnce.Do(func() { close(a.done) })
	<-a.exited
}

type run struct {
	sessionID string
	cancel    context.CancelFunc
	finished  chan struct{}
}

func (a *Actor) loop() {
	defer close(a.exited)
	defer close(a.events)

	var current *run
	// stop aborts the running stream and returns its session id.
	stop := func() (string, bool) {
		if current == nil {
			return "", false
		}
		current.cancel()
		<-current.finished
		sessionID := current.sessionID
		a.log.Debug().Str("session_id", sessionID).Msg("stream stopped")
		current = nil
		return sessionID, true
	}

	for {
		var finished chan struct{}
		if current != nil {
			finished = current.finished
		}
		select {
		case <-a.done:
			stop()
			return
		case <-finished:
			current = nil
		case cmd := <-a.cmds:
			switch cmd.kind {
			case cmdStart:
				if sessionID, ok := stop(); ok {
					a.publish(protocol.Event{Type: protocol.EventStatus, SessionID: sessionID, Status: protocol.StatusDisconnected})
				}
				current = a.launch(cmd.req)
			case cmdStop:
				sessionID, _ := stop()
				a.publish(protocol.Event{Type: protocol.EventStatus, SessionID: sessionID, Status: protocol.StatusDisconnected})
			case cmdStatus:
				status := protocol.StatusIdle
				sessionID := ""
				if current != nil {
					status = protocol.StatusConnected
					sessionID = current.sessionID
				}
				a.publish(protocol.Event{Type: protocol.EventStatus, SessionID: sessionID, Status: status})
			}
		}
	}
}

func (a *Actor) launch(req StartRequest) *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{sessionID: req.SessionID, cancel: cancel, finished: make(chan struct{})}
	a.log.Debug().Str("session_id", req.SessionID).Str("url", req.URL).Msg("stream starting")

	go func() {
		defer close(r.finished)
		Run(ctx, a.opts, req, func(ev protocol.Event) {
			// Events produced after Stop are discarded.
			if ctx.Err() != nil {
				return
			}
			select {
			case a.events <- ev:
			case <-ctx.Done():
			}
		})
	}()
	return r
}

// publish emits a control event from the actor loop without blocking it
// forever when the host has stopped reading.
func (a *Actor) publish(ev protocol.Event) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}
