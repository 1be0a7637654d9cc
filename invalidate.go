package querycache

import (
	"context"

	"go.uber.org/zap"

	"github.com/nestwell/querycache/internal/keys"
	"github.com/nestwell/querycache/internal/stats"
)

// Invalidate removes cached entries after a write to the system of record.
// With an id it deletes the parameterless entry for that id; with an empty
// id it deletes every entry in category. It returns how many keys were
// removed. Cache writes of values read from the source before the call
// are discarded, including pending background writes. Failures are logged
// and otherwise ignored so they never fail the write that triggered them.
func (c *Client) Invalidate(ctx context.Context, category, id string) int64 {
	if err := keys.CheckCategory(category); err != nil {
		c.logger.Warn("cache invalidation skipped", zap.Error(err))
		return 0
	}
	ctx = context.WithoutCancel(ctx)
	c.invalidateMu.Lock()
	defer c.invalidateMu.Unlock()
	c.epoch.Add(1)

	if id != "" {
		key := c.ns.Join(category, id, "")
		if !c.backend.Delete(ctx, key) {
			c.logger.Warn("cache invalidation failed", zap.String("key", key))
			return 0
		}
		c.stats.IncCounter(stats.MetricInvalidations, 1)
		return 1
	}

	prefix := c.ns.CategoryPrefix(category)
	n, ok := c.backend.DeleteByPrefix(ctx, prefix)
	if !ok {
		c.logger.Warn("cache invalidation failed",
			zap.String("prefix", prefix),
			zap.Int64("deleted", n),
		)
	}
	c.stats.IncCounter(stats.MetricInvalidations, n)
	c.logger.Debug("category invalidated",
		zap.String("category", category),
		zap.Int64("deleted", n),
	)
	return n
}

// Flush removes every key in the namespace: entries, counters and
// leaderboards.
func (c *Client) Flush(ctx context.Context) int64 {
	c.invalidateMu.Lock()
	defer c.invalidateMu.Unlock()
	c.epoch.Add(1)

	n, ok := c.backend.DeleteByPrefix(context.WithoutCancel(ctx), c.ns.All())
	if !ok {
		c.logger.Warn("cache flush failed", zap.Int64("deleted", n))
	}
	c.stats.IncCounter(stats.MetricInvalidations, n)
	return n
}
