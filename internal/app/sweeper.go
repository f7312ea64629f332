package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/coachstream/internal/ledger"
	"github.com/ent0n29/coachstream/internal/observability"
	"github.com/ent0n29/coachstream/internal/stream"
)

const sweepTimeout = 30 * time.Second

// SweepResult counts what one sweep removed.
type SweepResult struct {
	ExpiredSessions int
	IdleControllers int
}

// Sweeper periodically deletes ledger sessions past retention and closes
// idle per-user controllers.
type Sweeper struct {
	cron      *cron.Cron
	ledger    *ledger.Ledger
	hub       *stream.Hub
	metrics   *observability.Metrics
	retention time.Duration
	log       zerolog.Logger
}

func NewSweeper(l *ledger.Ledger, hub *stream.Hub, metrics *observability.Metrics, retention, interval time.Duration) (*Sweeper, error) {
	if retention <= 0 {
		retention = ledger.DefaultRetention
	}
	if interval <= 0 {
		interval = time.Minute
	}
	logger := log.With().Str("component", "sweeper").Logger()
	cl := cronLogger{log: logger}
	s := &Sweeper{
		cron:      cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		ledger:    l,
		hub:       hub,
		metrics:   metrics,
		retention: retention,
		log:       logger,
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), s.run); err != nil {
		return nil, fmt.Errorf("schedule ledger sweep: %w", err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Error().Err(err).Msg("ledger sweep failed")
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if s.hub != nil {
		res.IdleControllers = s.hub.EvictIdle(time.Now(), s.retention)
	}
	n, err := s.ledger.CleanupExpiredSessions(ctx, s.retention)
	if err != nil {
		return res, err
	}
	res.ExpiredSessions = n
	s.metrics.ObserveSweep("retention", n)
	if n > 0 || res.IdleControllers > 0 {
		s.log.Info().
			Int("expired_sessions", n).
			Int("idle_controllers", res.IdleControllers).
			Msg("sweep finished")
	}
	return res, nil
}

// cronLogger routes cron's logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
