package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/coachstream/internal/ledger"
)

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.ledger.GetSession(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ledger_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	err := s.ledger.DeleteSession(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ledger_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLatestSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sess, ok, err := s.ledger.GetLatestSession(r.Context(), userID)
	s.respondLookup(w, sess, ok, err)
}

// handleActiveSession sweeps the user's stale sessions before looking up the
// active one.
func (s *Server) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if n, err := s.ledger.CheckAndMarkTimeoutSessions(r.Context(), userID); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("timeout sweep failed")
	} else if n > 0 {
		s.metrics.ObserveSweep("timeout", n)
	}
	sess, ok, err := s.ledger.GetActiveSession(r.Context(), userID)
	s.respondLookup(w, sess, ok, err)
}

func (s *Server) respondLookup(w http.ResponseWriter, sess ledger.Session, ok bool, err error) {
	switch {
	case err != nil:
		respondError(w, http.StatusInternalServerError, "ledger_error", err.Error())
	case !ok:
		respondError(w, http.StatusNotFound, "session_not_found", "no matching session")
	default:
		respondJSON(w, http.StatusOK, sess)
	}
}

func (s *Server) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	n, err := s.ledger.DeleteTopic(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ledger_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"topic_id": id, "deleted": n})
}
