package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/coachstream/internal/actor"
	"github.com/ent0n29/coachstream/internal/config"
	"github.com/ent0n29/coachstream/internal/httpapi"
	"github.com/ent0n29/coachstream/internal/ledger"
	"github.com/ent0n29/coachstream/internal/observability"
	"github.com/ent0n29/coachstream/internal/stream"
	"github.com/ent0n29/coachstream/internal/transport"
)

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Hub     *stream.Hub
	Ledger  *ledger.Ledger
	Metrics *observability.Metrics
	Sweeper *Sweeper

	// Cleanup should be called on shutdown to close controllers and the ledger store.
	Cleanup func() error
}

type buildOptions struct {
	registry *prometheus.Registry
	store    ledger.Store
}

type BuildOption func(*buildOptions)

// WithRegistry registers metrics with reg and serves them from it.
func WithRegistry(reg *prometheus.Registry) BuildOption {
	return func(o *buildOptions) { o.registry = reg }
}

// WithStore uses s instead of opening the configured backend.
func WithStore(s ledger.Store) BuildOption {
	return func(o *buildOptions) { o.store = s }
}

func Build(ctx context.Context, cfg config.Config, opts ...BuildOption) (*BuildResult, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	var (
		metrics *observability.Metrics
		apiOpts []httpapi.Option
	)
	if bo.registry != nil {
		metrics = observability.NewMetricsWith(bo.registry, cfg.MetricsNamespace)
		apiOpts = append(apiOpts, httpapi.WithGatherer(bo.registry))
	} else {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	store := bo.store
	if store == nil {
		var err error
		store, err = OpenStore(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("ledger store init failed: %w", err)
		}
	}
	l := ledger.New(store,
		ledger.WithMaxSessionsPerUser(cfg.MaxSessionsPerUser),
		ledger.WithLogger(log.With().Str("component", "ledger").Logger()),
	)

	hub := stream.NewHub(func(userID string) (*stream.Controller, error) {
		return NewController(cfg, l, metrics, userID)
	})

	sweeper, err := NewSweeper(l, hub, metrics, cfg.SessionRetention, cfg.SweepInterval)
	if err != nil {
		hub.Close()
		_ = store.Close()
		return nil, err
	}

	api := httpapi.New(cfg, hub, l, metrics, apiOpts...)

	cleanup := func() error {
		var errs []string
		sweeper.Stop()
		hub.Close()
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Hub:     hub,
		Ledger:  l,
		Metrics: metrics,
		Sweeper: sweeper,
		Cleanup: cleanup,
	}, nil
}

// OpenStore opens the ledger backend selected by cfg.
func OpenStore(ctx context.Context, cfg config.Config) (ledger.Store, error) {
	return ledger.NewStore(ctx, ledger.StoreConfig{
		Backend:     cfg.LedgerBackend,
		SQLitePath:  cfg.SQLitePath,
		DatabaseURL: cfg.DatabaseURL,
		Redis: ledger.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		},
	})
}

// NewController builds a stream controller wired for cfg.StreamMode.
func NewController(cfg config.Config, l *ledger.Ledger, metrics *observability.Metrics, userID string) (*stream.Controller, error) {
	logger := log.With().Str("component", "stream").Str("user_id", userID).Logger()
	actorOpts := ActorOptions(cfg, logger)

	opts := stream.Options{
		StreamURL:     cfg.StreamURL(),
		DefaultDomain: cfg.DefaultDomain,
		Direct:        transport.NewDirect(actorOpts),
		Blocking: transport.NewBlocking(transport.BlockingOptions{
			URL:        cfg.ChatURL(),
			ChunkSize:  cfg.FallbackChunkSize,
			ChunkDelay: cfg.FallbackChunkDelay,
			Logger:     &logger,
		}),
		Metrics: metrics,
		Logger:  &logger,
	}
	switch cfg.StreamMode {
	case config.StreamModeBlocking:
		opts.ForceBlocking = true
	case config.StreamModeDirect:
	default:
		opts.Actor = actor.New(actorOpts)
	}
	return stream.New(l, opts)
}

// ActorOptions maps the stream settings of cfg onto the connection loop.
func ActorOptions(cfg config.Config, logger zerolog.Logger) actor.Options {
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1
	}
	return actor.Options{
		InactivityTimeout:  cfg.InactivityTimeout,
		MaxReconnects:      maxReconnects,
		MaxTotalReconnects: cfg.MaxTotalReconnects,
		ReconnectDelay:     cfg.ReconnectDelay,
		Logger:             &logger,
	}
}
