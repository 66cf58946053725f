// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tagpipe/hashtag-importer/internal/archive"
	"github.com/tagpipe/hashtag-importer/internal/clock/system"
	"github.com/tagpipe/hashtag-importer/internal/config"
	"github.com/tagpipe/hashtag-importer/internal/health"
	"github.com/tagpipe/hashtag-importer/internal/id/uuid"
	"github.com/tagpipe/hashtag-importer/internal/importer"
	"github.com/tagpipe/hashtag-importer/internal/logging"
	"github.com/tagpipe/hashtag-importer/internal/publisher"
	"github.com/tagpipe/hashtag-importer/internal/ratelimit"
	"github.com/tagpipe/hashtag-importer/internal/sink/memory"
	"github.com/tagpipe/hashtag-importer/internal/sink/postgres"
	"github.com/tagpipe/hashtag-importer/internal/sink/sqlite"
	"github.com/tagpipe/hashtag-importer/internal/source/mastodon"
	"github.com/tagpipe/hashtag-importer/internal/source/rss"
)

// App holds the shared, long-lived services of the daemon. It is built
// once at startup and torn down by Close.
type App struct {
	Logger    *zap.Logger
	Pump      *importer.Pump
	Health    *health.Controller
	Ops       *health.Server
	Config    config.Config
	sink      importer.Sink
	publisher importer.Publisher
}

// New assembles all providers named by the configuration. It fails
// fast when any dependency cannot be reached.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	runID, err := uuid.NewUUIDGenerator().NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	logger = logger.With(zap.String("run_id", runID))
	logger.Info("initializing services",
		zap.String("source", cfg.Source.Provider),
		zap.String("sink", cfg.Sink.Provider),
		zap.String("publisher", cfg.Publisher.Provider),
		zap.String("archive", cfg.Archive.Provider),
	)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.RPS,
		DefaultBurst: cfg.RateLimit.Burst,
	})

	arch, err := buildArchiver(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	source, err := buildSource(cfg, limiter, arch, logger)
	if err != nil {
		return nil, err
	}

	sink, cursors, err := buildSink(ctx, cfg, runID)
	if err != nil {
		return nil, err
	}

	pub, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		sink.Close()
		return nil, err
	}

	clk := system.New()
	normalizer := importer.NewNormalizer(clk)
	backoff := importer.NewBackoff(cfg.Importer.BackoffBase(), cfg.Importer.BackoffMax())

	var pump *importer.Pump
	controller := health.NewController(func() importer.ImportState {
		return pump.State()
	})
	pump = importer.NewPump(
		source,
		normalizer,
		sink,
		cursors,
		pub,
		controller,
		backoff,
		clk,
		importer.PumpConfig{
			Interval:               cfg.Importer.Interval(),
			PageSize:               cfg.Importer.PageSize,
			MaxConsecutiveFailures: cfg.Importer.MaxConsecutiveFailures,
		},
		logger.Named("pump"),
	)

	return &App{
		Logger:    logger,
		Pump:      pump,
		Health:    controller,
		Ops:       health.NewServer(controller, logger.Named("ops")),
		Config:    cfg,
		sink:      sink,
		publisher: pub,
	}, nil
}

func buildSource(cfg config.Config, limiter *ratelimit.Limiter, arch importer.Archiver, logger *zap.Logger) (importer.Source, error) {
	switch cfg.Source.Provider {
	case "mastodon":
		return mastodon.New(mastodon.Config{
			BaseURL:     cfg.Source.BaseURL,
			AccessToken: cfg.Source.AccessToken,
			UserAgent:   cfg.Source.UserAgent,
			Timeout:     cfg.Source.SourceTimeout(),
		}, limiter, arch, logger.Named("source"))
	case "rss":
		return rss.New(rss.Config{
			FeedURLs:  cfg.Source.FeedURLs,
			UserAgent: cfg.Source.UserAgent,
			Timeout:   cfg.Source.SourceTimeout(),
		}, limiter, logger.Named("source"))
	default:
		return nil, fmt.Errorf("unknown source provider: %s", cfg.Source.Provider)
	}
}

func buildSink(ctx context.Context, cfg config.Config, owner string) (importer.Sink, importer.CursorStore, error) {
	switch cfg.Sink.Provider {
	case "postgres":
		lifetime, err := cfg.Sink.Postgres.ConnLifetime()
		if err != nil {
			return nil, nil, err
		}
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.Sink.Postgres.DSN,
			MaxConns:        cfg.Sink.Postgres.MaxConns,
			MinConns:        cfg.Sink.Postgres.MinConns,
			MaxConnLifetime: lifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres sink: %w", err)
		}
		cursors, err := postgres.NewCursorStore(store, owner)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, cursors, nil
	case "sqlite":
		store, err := sqlite.Open(cfg.Sink.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("init sqlite sink: %w", err)
		}
		cursors, err := sqlite.NewCursorStore(store, owner)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, cursors, nil
	case "memory":
		return memory.New(), memory.NewCursorStore(), nil
	default:
		return nil, nil, fmt.Errorf("unknown sink provider: %s", cfg.Sink.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (importer.Publisher, error) {
	switch cfg.Publisher.Provider {
	case "pubsub":
		pub, err := publisher.NewPubSubPublisher(ctx, cfg.Publisher.ProjectID, cfg.Publisher.TopicName, logger.Named("publisher"))
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		return pub, nil
	case "noop":
		return publisher.NewNoopPublisher(), nil
	default:
		return nil, fmt.Errorf("unknown publisher provider: %s", cfg.Publisher.Provider)
	}
}

func buildArchiver(ctx context.Context, cfg config.Config, logger *zap.Logger) (importer.Archiver, error) {
	switch cfg.Archive.Provider {
	case "gcs":
		arch, err := archive.NewGCSArchiver(ctx, cfg.Archive.GCSBucket, logger.Named("archive"))
		if err != nil {
			return nil, fmt.Errorf("init gcs archiver: %w", err)
		}
		return arch, nil
	case "noop":
		return archive.NewNoopArchiver(), nil
	default:
		return nil, fmt.Errorf("unknown archive provider: %s", cfg.Archive.Provider)
	}
}

// Close tears down services and flushes the logger.
func (a *App) Close() {
	a.Logger.Info("shutting down services")
	a.sink.Close()
	if err := a.publisher.Close(); err != nil {
		a.Logger.Warn("close publisher", zap.Error(err))
	}
	if err := a.Logger.Sync(); err != nil {
		// Best effort; stderr may not be syncable.
		_ = err
	}
}
