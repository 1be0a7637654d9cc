package querycache

import (
	"context"

	"github.com/nestwell/querycache/internal/perf"
)

// QueryStat aggregates the executions of one query shape.
type QueryStat = perf.QueryStat

// QueryStats summarizes every query shape seen by a Client.
type QueryStats = perf.Stats

// Counters are the persistent hit and miss counts of a category.
type Counters struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

// CacheStats is the report served by the stats endpoint.
type CacheStats struct {
	Backend    string              `json:"backend"`
	Prefix     string              `json:"prefix"`
	Categories map[string]Counters `json:"categories"`
	Queries    QueryStats          `json:"queries"`
}

// QueryStats returns the in-process statistics of this client.
func (c *Client) QueryStats() QueryStats {
	return c.recorder.Snapshot()
}

// QueryStat returns the statistics of one query identity.
func (c *Client) QueryStat(id string) (QueryStat, bool) {
	return c.recorder.Get(id)
}

// ResetStats discards the in-process statistics. Backend counters are kept.
func (c *Client) ResetStats() {
	c.recorder.Reset()
}

// Counters returns the backend counters of category. They are shared by
// every client using the same backend and prefix.
func (c *Client) Counters(ctx context.Context, category string) Counters {
	hits, _ := c.backend.IncrBy(ctx, c.ns.Counter(category, CounterCacheHits), 0)
	misses, _ := c.backend.IncrBy(ctx, c.ns.Counter(category, CounterCacheMisses), 0)
	out := Counters{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		out.HitRate = float64(hits) / float64(total)
	}
	return out
}

// Stats reports backend state, per-category counters and query statistics.
func (c *Client) Stats(ctx context.Context) CacheStats {
	out := CacheStats{
		Backend:    c.backend.State().String(),
		Prefix:     c.ns.Prefix(),
		Categories: make(map[string]Counters),
		Queries:    c.recorder.Snapshot(),
	}
	for _, category := range c.Categories() {
		out.Categories[category] = c.Counters(ctx, category)
	}
	return out
}
