package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/coachstream/internal/config"
	"github.com/ent0n29/coachstream/internal/ledger"
	"github.com/ent0n29/coachstream/internal/observability"
	"github.com/ent0n29/coachstream/internal/stream"
)

type Server struct {
	cfg      config.Config
	hub      *stream.Hub
	ledger   *ledger.Ledger
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

type Option func(*Server)

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func New(cfg config.Config, hub *stream.Hub, l *ledger.Ledger, metrics *observability.Metrics, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		hub:     hub,
		ledger:  l,
		metrics: metrics,
		log:     log.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only attach from the same origin unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.gatherer != nil {
			observability.MetricsHandlerFor(s.gatherer).ServeHTTP(w, r)
			return
		}
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/streams", s.handleStartStream)
	r.Post("/v1/streams/stop", s.handleStopStream)
	r.Post("/v1/streams/resume", s.handleResumeStream)
	r.Get("/v1/streams/state", s.handleStreamState)
	r.Get("/v1/streams/ws", s.handleStreamWS)

	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Delete("/v1/sessions/{id}", s.handleDeleteSession)
	r.Get("/v1/users/{userID}/sessions/latest", s.handleLatestSession)
	r.Get("/v1/users/{userID}/sessions/active", s.handleActiveSession)
	r.Delete("/v1/topics/{id}", s.handleDeleteTopic)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"ledger_backend": s.cfg.LedgerBackend,
		"stream_mode":    s.cfg.StreamMode,
		"controllers":    s.hub.Len(),
	})
}

const readyProbeID = "__readyz__"

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.ledger.GetSession(ctx, readyProbeID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		respondError(w, http.StatusServiceUnavailable, "ledger_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"ledger_backend": s.cfg.LedgerBackend,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// bearerToken returns the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
