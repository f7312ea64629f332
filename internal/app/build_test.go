package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/coachstream/internal/config"
	"github.com/ent0n29/coachstream/internal/ledger"
	"github.com/ent0n29/coachstream/internal/mockchat"
	"github.com/ent0n29/coachstream/internal/stream"
)

func testConfig(backendURL, mode string) config.Config {
	return config.Config{
		MetricsNamespace:   "test_app",
		ChatBackendURL:     backendURL,
		StreamPath:         mockchat.StreamPath,
		ChatPath:           mockchat.ChatPath,
		DefaultDomain:      "fitness",
		StreamMode:         mode,
		InactivityTimeout:  5 * time.Second,
		MaxReconnects:      3,
		ReconnectDelay:     10 * time.Millisecond,
		FallbackChunkSize:  8,
		FallbackChunkDelay: time.Millisecond,
		LedgerBackend:      config.LedgerMemory,
		SessionRetention:   time.Hour,
		SweepInterval:      time.Minute,
		MaxSessionsPerUser: 10,
	}
}

func mockBackend(t *testing.T) *httptest.Server {
	t.Helper()
	nop := zerolog.Nop()
	srv := httptest.NewServer(mockchat.New(mockchat.Options{Logger: &nop}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildServesStreamsInEveryMode(t *testing.T) {
	backend := mockBackend(t)
	for _, mode := range []string{config.StreamModeAuto, config.StreamModeActor, config.StreamModeDirect, config.StreamModeBlocking} {
		t.Run(mode, func(t *testing.T) {
			res, err := Build(context.Background(), testConfig(backend.URL, mode), WithRegistry(prometheus.NewRegistry()))
			require.NoError(t, err)
			defer func() { require.NoError(t, res.Cleanup()) }()

			ts := httptest.NewServer(res.API.Router())
			defer ts.Close()

			body, _ := json.Marshal(map[string]string{"user_id": "u1", "query": "hip hinge drills"})
			httpRes, err := http.Post(ts.URL+"/v1/streams?wait=true", "application/json", bytes.NewReader(body))
			require.NoError(t, err)
			defer httpRes.Body.Close()
			require.Equal(t, http.StatusOK, httpRes.StatusCode)

			var out struct {
				SessionID string             `json:"session_id"`
				State     stream.StreamState `json:"state"`
			}
			require.NoError(t, json.NewDecoder(httpRes.Body).Decode(&out))
			assert.Equal(t, mockchat.Reply("hip hinge drills"), out.State.StreamedContent)

			sess, err := res.Ledger.GetSession(context.Background(), out.SessionID)
			require.NoError(t, err)
			assert.Equal(t, ledger.StatusCompleted, sess.Status)
			assert.Equal(t, out.State.StreamedContent, sess.Content)
		})
	}
}

func TestBuildOpensSQLiteLedger(t *testing.T) {
	cfg := testConfig("http://unused.invalid", config.StreamModeDirect)
	cfg.LedgerBackend = config.LedgerSQLite
	cfg.SQLitePath = t.TempDir() + "/ledger.db"

	res, err := Build(context.Background(), cfg, WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer func() { require.NoError(t, res.Cleanup()) }()

	_, err = res.Ledger.CreateSession(context.Background(), "s1", "u1", "hi")
	require.NoError(t, err)
	_, ok, err := res.Ledger.GetActiveSession(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweeperRemovesExpiredSessions(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), ledger.WithLogger(zerolog.Nop()))
	_, err := l.CreateSession(context.Background(), "old", "u1", "hi")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	s, err := NewSweeper(l, nil, nil, time.Millisecond, time.Minute)
	require.NoError(t, err)
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExpiredSessions)

	_, err = l.GetSession(context.Background(), "old")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSweeperScheduleStartsAndStops(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), ledger.WithLogger(zerolog.Nop()))
	s, err := NewSweeper(l, stream.NewHub(nil), nil, time.Minute, time.Second)
	require.NoError(t, err)
	s.Start()
	s.Stop()
}

func TestActorOptionsDisableRetriesAtZero(t *testing.T) {
	cfg := testConfig("", config.StreamModeActor)
	cfg.MaxReconnects = 0
	assert.Equal(t, -1, ActorOptions(cfg, zerolog.Nop()).MaxReconnects)
	cfg.MaxReconnects = 2
	assert.Equal(t, 2, ActorOptions(cfg, zerolog.Nop()).MaxReconnects)
	cfg.MaxTotalReconnects = 7
	assert.Equal(t, 7, ActorOptions(cfg, zerolog.Nop()).MaxTotalReconnects)
}
