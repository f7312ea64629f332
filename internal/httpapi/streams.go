package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/coachstream/internal/ledger"
	"github.com/ent0n29/coachstream/internal/stream"
)

type startStreamRequest struct {
	UserID    string `json:"user_id"`
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	TopicID   string `json:"topic_id"`
	Domain    string `json:"domain"`
}

type streamResponse struct {
	SessionID string             `json:"session_id,omitempty"`
	Resumed   *bool              `json:"resumed,omitempty"`
	State     stream.StreamState `json:"state"`
}

type userRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

func (s *Server) controllerFor(w http.ResponseWriter, userID string) (*stream.Controller, bool) {
	if strings.TrimSpace(userID) == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return nil, false
	}
	c, err := s.hub.Get(userID)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return nil, false
	}
	return c, true
}

// handleStartStream starts a stream and answers at once with 202. With
// ?wait=true it answers with the final state instead.
func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	var req startStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}

	var sessionID string
	c, err := s.hub.Do(req.UserID, func(c *stream.Controller) error {
		var err error
		sessionID, err = c.StartStream(r.Context(), stream.StartParams{
			UserID:    req.UserID,
			Query:     req.Query,
			SessionID: req.SessionID,
			TopicID:   req.TopicID,
			Domain:    req.Domain,
			AuthToken: bearerToken(r),
		})
		return err
	})
	switch {
	case errors.Is(err, stream.ErrInvalidParams):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case errors.Is(err, ledger.ErrExists):
		respondError(w, http.StatusConflict, "session_exists", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusServiceUnavailable, "stream_start_failed", err.Error())
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if err := c.Wait(r.Context()); err != nil {
			respondError(w, http.StatusGatewayTimeout, "wait_aborted", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, streamResponse{SessionID: sessionID, State: c.State()})
		return
	}
	respondJSON(w, http.StatusAccepted, streamResponse{SessionID: sessionID, State: c.State()})
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	c, found := s.hub.Lookup(req.UserID)
	if !found {
		respondError(w, http.StatusNotFound, "stream_not_found", "no stream for user")
		return
	}
	c.StopStream()
	respondJSON(w, http.StatusOK, streamResponse{State: c.State()})
}

// handleResumeStream resumes session_id when given, otherwise the user's
// active session.
func (s *Server) handleResumeStream(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	c, ok := s.controllerFor(w, req.UserID)
	if !ok {
		return
	}

	var resumed bool
	if id := strings.TrimSpace(req.SessionID); id != "" {
		var err error
		c, err = s.hub.Do(req.UserID, func(c *stream.Controller) error {
			var err error
			resumed, err = c.ResumeSession(r.Context(), id)
			return err
		})
		switch {
		case errors.Is(err, stream.ErrBusy):
			respondError(w, http.StatusConflict, "stream_active", err.Error())
			return
		case err != nil:
			respondError(w, http.StatusInternalServerError, "resume_failed", err.Error())
			return
		case !resumed:
			respondError(w, http.StatusNotFound, "session_not_found", "session not found")
			return
		}
	} else {
		resumed = c.TryResumeActiveSession(r.Context(), req.UserID)
	}
	respondJSON(w, http.StatusOK, streamResponse{Resumed: &resumed, State: c.State()})
}

func (s *Server) handleStreamState(w http.ResponseWriter, r *http.Request) {
	c, found := s.hub.Lookup(r.URL.Query().Get("user_id"))
	if !found {
		respondError(w, http.StatusNotFound, "stream_not_found", "no stream for user")
		return
	}
	respondJSON(w, http.StatusOK, streamResponse{State: c.State()})
}
