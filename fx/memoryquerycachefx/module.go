// Package memoryquerycachefx provides an fx module for a querycache client
// backed by process memory. It needs no configuration and suits tests and
// single-instance deployments.
package memoryquerycachefx

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nestwell/querycache"
	"github.com/nestwell/querycache/internal/backend/memory"
	"github.com/nestwell/querycache/internal/stats"
	"github.com/nestwell/querycache/internal/stats/logger"
)

// DefaultCapacity is the entry capacity of the memory backend.
const DefaultCapacity = 10000

// Module provides a memory-backed querycache client.
// Requires a *zap.Logger to be provided.
var Module = fx.Module("memoryquerycache",
	fx.Provide(
		newStatsCollector,
		newMemBackend,
		newClient,
	),
)

func newStatsCollector(log *zap.Logger) stats.Collector {
	return logger.New(log.Named("querycache.stats"))
}

func newMemBackend(c stats.Collector) (*memory.Backend, error) {
	return memory.New(DefaultCapacity, memory.WithCollector(c))
}

// Params holds dependencies for creating the client.
type Params struct {
	fx.In

	Logger    *zap.Logger
	Collector stats.Collector
	Backend   *memory.Backend
	Lifecycle fx.Lifecycle
}

// Result holds the provided client.
type Result struct {
	fx.Out

	Client *querycache.Client
}

func newClient(p Params) (Result, error) {
	client, err := querycache.New(
		querycache.WithBackend(p.Backend),
		querycache.WithStats(p.Collector),
		querycache.WithLogger(p.Logger.Named("querycache")),
	)
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
