package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/coachstream/internal/protocol"
	"github.com/ent0n29/coachstream/internal/stream"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleStreamWS feeds every state change of the user's controller to the
// socket as state_snapshot messages and accepts client_control stop/resume.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	c, err := s.hub.Get(userID)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	states, unsubscribe := c.SubscribeChan(16)
	defer unsubscribe()
	errorsOut := make(chan protocol.ErrorEvent, 8)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeStates(ctx, cancel, conn, states, errorsOut)
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.queueError(errorsOut, "invalid_client_message", err.Error())
			continue
		}
		s.metrics.ObserveWSMessage("inbound", string(msg.Type))
		s.applyControl(ctx, c, userID, msg, errorsOut)
	}

	cancel()
	<-writerDone
}

func (s *Server) applyControl(ctx context.Context, c *stream.Controller, userID string, msg protocol.ClientControl, errorsOut chan<- protocol.ErrorEvent) {
	switch msg.Action {
	case protocol.ActionStop:
		c.StopStream()
	case protocol.ActionResume:
		if id := strings.TrimSpace(msg.SessionID); id != "" {
			resumed, err := c.ResumeSession(ctx, id)
			if err != nil {
				s.queueError(errorsOut, "resume_failed", err.Error())
			} else if !resumed {
				s.queueError(errorsOut, "session_not_found", "session not found")
			}
			return
		}
		if !c.TryResumeActiveSession(ctx, userID) {
			s.queueError(errorsOut, "no_active_session", "no active session to resume")
		}
	}
}

// queueError hands an error event to the writer, dropping it when the queue
// is full so the socket keeps a single writer.
func (s *Server) queueError(out chan<- protocol.ErrorEvent, code, detail string) {
	select {
	case out <- protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: code, Detail: detail}:
	default:
		s.log.Debug().Str("code", code).Msg("websocket error event dropped")
	}
}

func (s *Server) writeStates(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, states <-chan stream.StreamState, errorsOut <-chan protocol.ErrorEvent) {
	// Closing unblocks the reader when the write side fails first.
	defer conn.Close()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	var seq int64
	write := func(v any, msgType protocol.MessageType) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(v); err != nil {
			s.log.Debug().Err(err).Msg("websocket write failed")
			cancel()
			return false
		}
		s.metrics.ObserveWSMessage("outbound", string(msgType))
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			raw, err := json.Marshal(st)
			if err != nil {
				s.log.Error().Err(err).Msg("encode stream state")
				continue
			}
			seq++
			if !write(protocol.StateSnapshot{Type: protocol.TypeStateSnapshot, Seq: seq, State: raw}, protocol.TypeStateSnapshot) {
				return
			}
		case ev := <-errorsOut:
			if !write(ev, protocol.TypeErrorEvent) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				cancel()
				return
			}
		}
	}
}
