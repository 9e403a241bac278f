// Package bootstrap assembles the config-selected infrastructure this
// module's services run on — storage backend, lock backend, analytics
// transport/sink, payment provider, Temporal client — the same
// branch-on-config-and-fall-back shape internal/cache.Initialize
// already uses for the cache, generalized to every other pluggable
// backend cmd/server needs to dial.
package bootstrap

import (
	"context"

	"go.temporal.io/sdk/client"

	"github.com/flowbill/entitlements/internal/analytics"
	"github.com/flowbill/entitlements/internal/cache"
	"github.com/flowbill/entitlements/internal/config"
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/lock"
	"github.com/flowbill/entitlements/internal/logger"
	"github.com/flowbill/entitlements/internal/paymentprovider"
	"github.com/flowbill/entitlements/internal/postgres"
	"github.com/flowbill/entitlements/internal/redis"
	"github.com/flowbill/entitlements/internal/storage"
	"github.com/flowbill/entitlements/internal/workflow"
)

// Infra bundles every backend a running server or worker process
// needs, already selected per cfg. Fields are exported so cmd/server's
// fx providers can project each one into its own type.
type Infra struct {
	Postgres *postgres.Client // nil unless some selected backend needs it
	Redis    *redis.Client    // nil unless cache.type is redis

	Cache              cache.Cache
	EntitlementStorage storage.EntitlementStorage
	SubscriptionLock   lock.SubscriptionLock
	Pipeline           *analytics.Pipeline
	Provider           paymentprovider.Provider
	Temporal           client.Client // nil if Temporal is unreachable at boot; worker/driver callers must check
}

// New dials only the backends the configuration actually selects —
// a Postgres pool is opened if either entitlement storage or the
// subscription lock is configured for it, never unconditionally.
func New(ctx context.Context, cfg *config.Configuration, log *logger.Logger) (*Infra, error) {
	infra := &Infra{}

	needsPostgres := cfg.EntitlementStorage.Variant == config.StorageVariantPostgres ||
		cfg.SubscriptionLock.Variant == config.StorageVariantPostgres
	if needsPostgres {
		pgClient, err := postgres.NewClient(cfg, log)
		if err != nil {
			return nil, ierr.WithError(err).WithHint("failed to connect to postgres").Mark(ierr.ErrSystem)
		}
		infra.Postgres = pgClient
	}

	if cfg.Cache.Type == config.CacheBackendRedis {
		redisClient, err := redis.NewClient(redis.Config{
			Host: cfg.Redis.Host, Port: cfg.Redis.Port, Password: cfg.Redis.Password,
			DB: cfg.Redis.DB, UseTLS: cfg.Redis.UseTLS, PoolSize: cfg.Redis.PoolSize,
			Timeout: cfg.Redis.Timeout,
		}, log)
		if err != nil {
			log.Errorw("failed to connect to redis, cache falls back to in-memory", "error", err)
		} else {
			infra.Redis = redisClient
		}
	}
	infra.Cache = cache.Initialize(cfg, log, infra.Redis)

	entStorage, err := newEntitlementStorage(ctx, cfg, infra.Postgres)
	if err != nil {
		return nil, err
	}
	infra.EntitlementStorage = entStorage

	infra.SubscriptionLock = newSubscriptionLock(cfg, infra.Postgres)

	sink, err := newAnalyticsSink(ctx, cfg)
	if err != nil {
		return nil, err
	}
	quarantine, err := newQuarantine(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pipeline, err := newPipeline(cfg, log, sink, quarantine)
	if err != nil {
		return nil, err
	}
	infra.Pipeline = pipeline

	provider, err := paymentprovider.New(cfg, log)
	if err != nil {
		return nil, err
	}
	infra.Provider = provider

	temporalClient, err := workflow.NewTemporalClient(cfg)
	if err != nil {
		log.Errorw("failed to connect to temporal, renewal/invoicing workflows are unavailable", "error", err)
	} else {
		infra.Temporal = temporalClient
	}

	return infra, nil
}

func newEntitlementStorage(ctx context.Context, cfg *config.Configuration, pg *postgres.Client) (storage.EntitlementStorage, error) {
	switch cfg.EntitlementStorage.Variant {
	case config.StorageVariantPostgres:
		return storage.NewPostgresStorage(pg), nil
	case config.StorageVariantDynamoDB:
		return storage.NewDynamoDBStorage(ctx, cfg)
	case config.StorageVariantInMemory:
		fallthrough
	default:
		return storage.NewInMemoryStorage(), nil
	}
}

func newSubscriptionLock(cfg *config.Configuration, pg *postgres.Client) lock.SubscriptionLock {
	switch cfg.SubscriptionLock.Variant {
	case config.StorageVariantPostgres:
		return lock.NewPostgresLock(pg)
	case config.StorageVariantInMemory:
		fallthrough
	default:
		return lock.NewInMemoryLock()
	}
}

func newAnalyticsSink(ctx context.Context, cfg *config.Configuration) (analytics.Sink, error) {
	switch cfg.Analytics.SinkType {
	case config.AnalyticsSinkClickHouse:
		return analytics.NewClickHouseSink(cfg)
	case config.AnalyticsSinkNoop:
		fallthrough
	default:
		return analytics.NoopSink{}, nil
	}
}

func newQuarantine(ctx context.Context, cfg *config.Configuration) (analytics.Quarantine, error) {
	if cfg.Analytics.QuarantineBucket == "" {
		return analytics.NoopQuarantine{}, nil
	}
	return analytics.NewS3Quarantine(ctx, cfg)
}

func newPipeline(cfg *config.Configuration, log *logger.Logger, sink analytics.Sink, quarantine analytics.Quarantine) (*analytics.Pipeline, error) {
	if cfg.Analytics.Transport == config.AnalyticsTransportInProcess {
		return analytics.NewInProcessPipeline(cfg, log, sink, quarantine), nil
	}
	return analytics.NewPipeline(cfg, log, sink, quarantine)
}

// Close releases every dialed backend, best-effort, logging failures
// rather than returning the first one so a partial shutdown doesn't
// skip closing the rest.
func (i *Infra) Close(log *logger.Logger) {
	if i.Pipeline != nil {
		if err := i.Pipeline.Close(); err != nil {
			log.Errorw("failed to close analytics pipeline", "error", err)
		}
	}
	if i.Temporal != nil {
		i.Temporal.Close()
	}
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			log.Errorw("failed to close redis client", "error", err)
		}
	}
	if i.Postgres != nil {
		if err := i.Postgres.Close(); err != nil {
			log.Errorw("failed to close postgres client", "error", err)
		}
	}
}
