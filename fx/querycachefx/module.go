// Package querycachefx provides an fx module for a configured querycache client.
//
// The backend is Redis when the configuration names a Redis address and the
// in-process memory backend otherwise.
package querycachefx

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nestwell/querycache"
	"github.com/nestwell/querycache/internal/backend"
	"github.com/nestwell/querycache/internal/backend/memory"
	"github.com/nestwell/querycache/internal/backend/redisbackend"
	"github.com/nestwell/querycache/internal/codec/codecs"
	"github.com/nestwell/querycache/internal/config"
	"github.com/nestwell/querycache/internal/stats"
	"github.com/nestwell/querycache/internal/stats/logger"
	promstats "github.com/nestwell/querycache/internal/stats/prometheus"
)

// Module provides a *querycache.Client and its backend.Backend.
// Requires a *config.Config and a *zap.Logger to be provided. A
// prometheus.Registerer is used when one is provided.
var Module = fx.Module("querycache",
	fx.Provide(
		newStatsCollector,
		newBackend,
		newClient,
	),
)

// CollectorParams holds dependencies for the stats collector.
type CollectorParams struct {
	fx.In

	Logger     *zap.Logger
	Registerer prometheus.Registerer `optional:"true"`
}

func newStatsCollector(p CollectorParams) stats.Collector {
	log := logger.New(p.Logger.Named("querycache.stats"))
	if p.Registerer == nil {
		return log
	}
	return stats.Multi{log, promstats.New(p.Registerer)}
}

// BackendParams holds dependencies for the cache backend.
type BackendParams struct {
	fx.In

	Config    *config.Config
	Logger    *zap.Logger
	Collector stats.Collector
}

func newBackend(p BackendParams) (backend.Backend, error) {
	cfg := p.Config
	if cfg.Redis.Addr == "" {
		p.Logger.Info("using memory cache backend", zap.Int("capacity", cfg.MemoryCapacity))
		return memory.New(cfg.MemoryCapacity, memory.WithCollector(p.Collector))
	}

	p.Logger.Info("using redis cache backend", zap.String("addr", cfg.Redis.Addr), zap.Int("db", cfg.Redis.DB))
	b, err := redisbackend.New(redisbackend.Config{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
		PoolSize:    cfg.Redis.PoolSize,
	},
		redisbackend.WithLogger(p.Logger.Named("redis")),
		redisbackend.WithCollector(p.Collector),
		redisbackend.WithOpTimeout(cfg.Redis.OpTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("creating redis backend: %w", err)
	}
	return b, nil
}

// Params holds dependencies for creating the client.
type Params struct {
	fx.In

	Config    *config.Config
	Backend   backend.Backend
	Logger    *zap.Logger
	Collector stats.Collector
	Lifecycle fx.Lifecycle
}

// Result holds the provided client.
type Result struct {
	fx.Out

	Client *querycache.Client
}

func newClient(p Params) (Result, error) {
	opts, err := ClientOptions(p.Config)
	if err != nil {
		return Result{}, err
	}
	opts = append(opts,
		querycache.WithBackend(p.Backend),
		querycache.WithStats(p.Collector),
		querycache.WithLogger(p.Logger.Named("querycache")),
	)

	client, err := querycache.New(opts...)
	if err != nil {
		return Result{}, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return Result{Client: client}, nil
}

// ClientOptions translates cfg into client options. The backend, stats
// collector and logger are left to the caller.
func ClientOptions(cfg *config.Config) ([]querycache.Option, error) {
	framer, err := codecs.NewFramer(cfg.Compression.Codec, cfg.Compression.MinSize)
	if err != nil {
		return nil, err
	}
	opts := []querycache.Option{
		querycache.WithPrefix(cfg.Prefix),
		querycache.WithDefaultTTL(cfg.DefaultTTL),
		querycache.WithTTLs(cfg.TTLs),
		querycache.WithSlowQueryThreshold(cfg.SlowQueryThreshold),
		querycache.WithHealthCheckInterval(cfg.HealthCheckInterval),
		querycache.WithFramer(framer),
	}
	if cfg.AsyncWrites {
		opts = append(opts, querycache.WithAsyncWrites())
	}
	return opts, nil
}
