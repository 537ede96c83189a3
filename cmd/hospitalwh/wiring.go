package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/hospitalwh/internal/config"
	"github.com/ehr/hospitalwh/internal/domain/capacity"
	"github.com/ehr/hospitalwh/internal/domain/dimension"
	"github.com/ehr/hospitalwh/internal/domain/fact"
	"github.com/ehr/hospitalwh/internal/pipeline"
	"github.com/ehr/hospitalwh/internal/platform/alerts"
	"github.com/ehr/hospitalwh/internal/platform/blobstore"
	"github.com/ehr/hospitalwh/internal/platform/db"
	"github.com/ehr/hospitalwh/internal/platform/publish"
	"github.com/ehr/hospitalwh/internal/platform/quality"
	"github.com/ehr/hospitalwh/internal/platform/rawstore"
	"github.com/ehr/hospitalwh/internal/platform/telemetry"
	"github.com/ehr/hospitalwh/internal/platform/webhook"
	"github.com/ehr/hospitalwh/migrations"
)

// pipelineOptions turns the configuration into runner and engine options.
// A configured AS_OF_DATE pins every run; otherwise each run uses its start.
func pipelineOptions(cfg *config.Config) (pipeline.Options, capacity.Options, error) {
	start, err := cfg.CalendarStart()
	if err != nil {
		return pipeline.Options{}, capacity.Options{}, err
	}
	var asOf time.Time
	if cfg.AsOfDate != "" {
		if asOf, err = cfg.AsOf(time.Now()); err != nil {
			return pipeline.Options{}, capacity.Options{}, err
		}
	}
	bands, err := capacity.ThresholdsFrom(cfg.OccupancyBandThresholds)
	if err != nil {
		return pipeline.Options{}, capacity.Options{}, fmt.Errorf("occupancy bands: %w", err)
	}
	tiers, err := capacity.ThresholdsFrom(cfg.SurgeTierThresholds)
	if err != nil {
		return pipeline.Options{}, capacity.Options{}, fmt.Errorf("surge tiers: %w", err)
	}

	opts := pipeline.Options{
		Dimensions: dimension.Options{
			CalendarStart:  start,
			HorizonDays:    cfg.CalendarHorizonDays,
			ConflictPolicy: cfg.PatientConflictPolicy,
		},
		Facts: fact.Options{
			ReadmissionWindowDays: cfg.ReadmissionWindowDays,
			LongStayThresholdDays: cfg.LongStayThresholdDays,
			Workers:               cfg.Workers,
		},
		AsOf: asOf,
	}
	engine := capacity.Options{
		BandThresholds:         bands,
		TierThresholds:         tiers,
		SurgeWindowDays:        cfg.SurgeWindowDays,
		AllocationLookbackDays: cfg.AllocationLookbackDays,
	}
	return opts, engine, nil
}

func csvLoader(cfg *config.Config, logger zerolog.Logger) pipeline.LoaderFunc {
	return func(rec *quality.Recorder) pipeline.Loader {
		return rawstore.NewCSVSource(cfg.InputDir, rec, logger)
	}
}

// backends holds the external connections of one process. Every field is
// optional and only set when configured.
type backends struct {
	pool   *pgxpool.Pool
	redis  *redis.Client
	sqlite *publish.SQLitePublisher
	blobs  blobstore.BlobStore

	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// connect opens every configured backend. PostgreSQL is migrated before use.
func connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.pool = pool
		b.closers = append(b.closers, pool.Close)
		n, err := db.NewMigrator(pool, migrations.FS, "").Up(ctx)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("migrating database: %w", err)
		}
		logger.Info().Int("applied", n).Msg("connected to database")
	}

	if cfg.RedisURL != "" {
		client, err := alerts.Connect(ctx, cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.redis = client
		b.closers = append(b.closers, func() { _ = client.Close() })
		logger.Info().Msg("connected to redis")
	}

	if cfg.SQLitePath != "" {
		p, err := publish.OpenSQLite(cfg.SQLitePath, logger)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.sqlite = p
		b.closers = append(b.closers, func() { _ = p.Close() })
	}

	if cfg.S3Bucket != "" {
		store, err := blobstore.NewS3BlobStore(ctx, blobstore.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			Prefix:    cfg.S3Prefix,
		})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.blobs = store
		logger.Info().Str("bucket", cfg.S3Bucket).Msg("artifact uploads enabled")
	}
	return b, nil
}

// publisher assembles the configured publishers. Parquet is always on; the
// SQL publishers follow it in the order they make data visible.
func (b *backends) publisher(cfg *config.Config, logger zerolog.Logger) *publish.Multi {
	pubs := []publish.Publisher{publish.NewParquetPublisher(cfg.OutputDir, b.blobs, logger)}
	if b.pool != nil {
		pubs = append(pubs, publish.NewPostgresPublisher(b.pool, logger))
	}
	if b.sqlite != nil {
		pubs = append(pubs, b.sqlite)
	}
	return publish.NewMulti(logger, pubs...)
}

// alertStore is Redis when configured, memory otherwise, and announces
// changes to ALERT_WEBHOOK_URL when that is set.
func (b *backends) alertStore(cfg *config.Config, logger zerolog.Logger) (capacity.AlertStore, error) {
	var store capacity.AlertStore = alerts.NewMemoryStore()
	if b.redis != nil {
		store = alerts.NewRedisStore(b.redis, "", logger)
	}
	if cfg.AlertWebhookURL == "" {
		return store, nil
	}
	n, err := webhook.NewNotifier(cfg.AlertWebhookURL, cfg.AlertWebhookSecret, logger)
	if err != nil {
		return nil, err
	}
	return webhook.NewStore(store, n, 0), nil
}

// startWebhooks delivers queued alert notifications in the background when
// store announces changes. The returned func stops accepting events and waits
// up to grace for the queue to drain.
func startWebhooks(ctx context.Context, store capacity.AlertStore, logger zerolog.Logger) func(grace time.Duration) {
	ws, ok := store.(*webhook.Store)
	if !ok {
		return func(time.Duration) {}
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ws.Run(runCtx)
	}()
	return func(grace time.Duration) {
		ws.Close()
		select {
		case <-done:
		case <-time.After(grace):
			logger.Warn().Int("pending", ws.Pending()).Msg("alert notifications not delivered before exit")
		}
		cancel()
		<-done
	}
}

// pingers lists the backends the health endpoint checks.
func (b *backends) pingers() map[string]db.Pinger {
	out := make(map[string]db.Pinger)
	if b.pool != nil {
		out["postgres"] = b.pool
	}
	if b.redis != nil {
		client := b.redis
		out["redis"] = db.PingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}
	if b.sqlite != nil {
		out["sqlite"] = b.sqlite
	}
	return out
}

type runnerConfig struct {
	publish bool
	alerts  capacity.AlertStore
}

// newRunner wires one runner. Batch commands that only inspect results run
// without publishers or the alert sink.
func newRunner(cfg *config.Config, b *backends, metrics *telemetry.Metrics, rc runnerConfig, logger zerolog.Logger) (*pipeline.Runner, error) {
	opts, engineOpts, err := pipelineOptions(cfg)
	if err != nil {
		return nil, err
	}
	deps := pipeline.Deps{
		Loader: csvLoader(cfg, logger),
		Engine: capacity.NewEngine(engineOpts, logger),
	}
	if metrics != nil {
		deps.Metrics = metrics
	}
	if rc.publish {
		deps.Publisher = b.publisher(cfg, logger)
	}
	if rc.alerts != nil {
		deps.Alerts = rc.alerts
	}
	return pipeline.NewRunner(opts, deps, logger), nil
}
