package querycache

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nestwell/querycache/internal/keys"
	"github.com/nestwell/querycache/internal/perf"
	"github.com/nestwell/querycache/internal/stats"
)

// BulkFetchFunc loads the entities for ids from the system of record.
// Ids it cannot find are simply absent from the returned map.
type BulkFetchFunc[T any] func(ctx context.Context, ids []string) (map[string]T, error)

// BatchGet returns the entities for ids, serving what it can from the cache
// and loading the rest with a single call to fetch. Each fetched entity is
// cached individually under (category, id).
//
// Duplicate ids are collapsed. Ids the source does not know are missing
// from the result, as are entities fetch returns for ids that were not
// requested. An error from fetch is returned unchanged with a nil map.
func BatchGet[T any](ctx context.Context, c *Client, category string, ids []string, fetch BulkFetchFunc[T], opts ...FetchOption) (map[string]T, error) {
	if err := keys.CheckCategory(category); err != nil {
		return nil, err
	}
	o := c.fetchOptions(category, opts)

	requested := dedupe(ids)
	out := make(map[string]T, len(requested))
	if len(requested) == 0 {
		return out, nil
	}

	ctx, span := c.tracer.Start(ctx, "querycache.BatchGet", trace.WithAttributes(
		attribute.String("querycache.category", category),
		attribute.Int("querycache.requested", len(requested)),
	))
	defer span.End()

	var missing []string
	for _, id := range requested {
		if o.ttl > 0 {
			if v, ok := lookup[T](ctx, c, c.ns.Join(category, id, "")); ok {
				out[id] = v
				continue
			}
		}
		missing = append(missing, id)
	}

	span.SetAttributes(attribute.Int("querycache.missing", len(missing)))
	c.stats.IncCounter(stats.MetricBatchRequested, int64(len(requested)))
	c.stats.IncCounter(stats.MetricBatchMissing, int64(len(missing)))
	if o.ttl > 0 {
		c.bumpCounter(ctx, category, CounterCacheHits, int64(len(out)))
		c.bumpCounter(ctx, category, CounterCacheMisses, int64(len(missing)))
	}

	params := keys.P("ids", nil)
	queryID := keys.QueryID(category, params)
	meta := perf.Meta{Category: category, Shape: keys.Shape(params)}

	if len(missing) == 0 {
		c.recorder.Record(queryID, meta, 0, true, nil)
		return out, nil
	}

	epoch := c.epoch.Load()
	start := time.Now()
	fresh, err := fetch(ctx, missing)
	c.recorder.Record(queryID, meta, time.Since(start), false, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	wanted := make(map[string]struct{}, len(missing))
	for _, id := range missing {
		wanted[id] = struct{}{}
	}

	var encErrs []error
	for id, v := range fresh {
		if _, ok := wanted[id]; !ok {
			continue
		}
		out[id] = v
		if o.ttl > 0 && !isEmpty(v) {
			if err := c.store(ctx, epoch, c.ns.Join(category, id, ""), category, id, "", v, o.ttl); err != nil {
				encErrs = append(encErrs, err)
			}
		}
	}
	return out, errors.Join(encErrs...)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
