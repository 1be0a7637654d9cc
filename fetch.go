package querycache

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/nestwell/querycache/internal/keys"
	"github.com/nestwell/querycache/internal/perf"
	"github.com/nestwell/querycache/internal/stats"
)

// Backend counter names, stored under prefix:counter:<category>:<name>.
const (
	CounterCacheHits   = "cache_hits"
	CounterCacheMisses = "cache_misses"
)

// Result is the outcome of a Fetch.
type Result[T any] struct {
	Value T
	// FromCache is true when Value was served from the cache.
	FromCache bool
	// Elapsed is the time spent in the fetch function. It is zero for
	// cache hits.
	Elapsed time.Duration
}

// FetchOption configures a single Fetch or BatchGet call.
type FetchOption interface {
	applyFetch(*fetchOptions)
}

type fetchOptions struct {
	ttl      time.Duration
	noFlight bool
}

type fetchOptionFunc func(*fetchOptions)

// Compile-time check that fetchOptionFunc implements FetchOption.
var _ FetchOption = fetchOptionFunc(nil)

func (f fetchOptionFunc) applyFetch(o *fetchOptions) { f(o) }

// WithTTL overrides the category TTL for one call.
// A TTL of zero or less bypasses the cache entirely.
func WithTTL(d time.Duration) FetchOption {
	return fetchOptionFunc(func(o *fetchOptions) {
		o.ttl = d
	})
}

// WithoutSingleflight lets concurrent misses for the same key each run
// the fetch function instead of sharing one execution.
func WithoutSingleflight() FetchOption {
	return fetchOptionFunc(func(o *fetchOptions) {
		o.noFlight = true
	})
}

func (c *Client) fetchOptions(category string, opts []FetchOption) fetchOptions {
	o := fetchOptions{ttl: c.TTL(category)}
	for _, opt := range opts {
		opt.applyFetch(&o)
	}
	return o
}

// execution is the shared outcome of one fetch function run.
type execution[T any] struct {
	value   T
	elapsed time.Duration
	encErr  error
}

// Fetch returns the cached result for (category, id, params), or runs fn
// and caches its result.
//
// The value and error of fn are returned unchanged. Cache failures never
// surface; the only errors Fetch adds are keys.ErrInvalidCategory for a
// category that cannot be a key segment, a *keys.SerializationError when
// params cannot be hashed and an *EncodeError when the result cannot be
// stored. Concurrent misses for the same key share one execution of fn
// unless WithoutSingleflight is given.
func Fetch[T any](ctx context.Context, c *Client, category, id string, params keys.Params, fn func(context.Context) (T, error), opts ...FetchOption) (Result[T], error) {
	if err := keys.CheckCategory(category); err != nil {
		return Result[T]{}, err
	}
	o := c.fetchOptions(category, opts)

	var hash string
	if len(params) > 0 {
		h, err := keys.Hash(params)
		if err != nil {
			return Result[T]{}, err
		}
		hash = h
	}
	key := c.ns.Join(category, id, hash)
	queryID := keys.QueryID(category, params)
	meta := perf.Meta{Category: category, Shape: keys.Shape(params)}

	ctx, span := c.tracer.Start(ctx, "querycache.Fetch", trace.WithAttributes(
		attribute.String("querycache.category", category),
		attribute.String("querycache.key", key),
	))
	defer span.End()

	if o.ttl > 0 {
		if v, ok := lookup[T](ctx, c, key); ok {
			c.recorder.Record(queryID, meta, 0, true, nil)
			c.bumpCounter(ctx, category, CounterCacheHits, 1)
			span.SetAttributes(attribute.Bool("querycache.hit", true))
			return Result[T]{Value: v, FromCache: true}, nil
		}
		c.stats.IncCounter(stats.MetricCacheMisses, 1)
		c.bumpCounter(ctx, category, CounterCacheMisses, 1)
	}
	span.SetAttributes(attribute.Bool("querycache.hit", false))

	run := func() (execution[T], error) {
		epoch := c.epoch.Load()
		start := time.Now()
		v, err := fn(ctx)
		ex := execution[T]{value: v, elapsed: time.Since(start)}
		c.recorder.Record(queryID, meta, ex.elapsed, false, err)
		if err != nil {
			return ex, err
		}
		if o.ttl > 0 && !isEmpty(v) {
			ex.encErr = c.store(ctx, epoch, key, category, id, hash, v, o.ttl)
		}
		return ex, nil
	}

	var (
		ex  execution[T]
		err error
	)
	if o.noFlight {
		ex, err = run()
	} else {
		ex, err = shared(ctx, c, key, queryID, meta, run)
	}

	res := Result[T]{Value: ex.value, Elapsed: ex.elapsed}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if ex.encErr != nil {
		return res, ex.encErr
	}
	return res, nil
}

// PanicError carries a panic raised by a fetch function shared between
// concurrent callers. Every caller waiting on that execution re-panics
// with it in its own goroutine.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("querycache: fetch function panicked: %v\n\n%s", e.Value, e.Stack)
}

// shared runs run at most once per key among concurrent callers. Callers
// that did not run it are recorded as coalesced. Each caller stops waiting
// when its own ctx is done. A context error produced under another
// caller's ctx is not handed to a caller whose ctx is still live; that
// caller joins or starts a new execution instead.
func shared[T any](ctx context.Context, c *Client, key, queryID string, meta perf.Meta, run func() (execution[T], error)) (execution[T], error) {
	for {
		leader := false
		ch := c.flights.DoChan(key, func() (v any, err error) {
			leader = true
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Value: r, Stack: debug.Stack()}
				}
			}()
			ex, err := run()
			return ex, err
		})

		var r singleflight.Result
		select {
		case <-ctx.Done():
			return execution[T]{}, ctx.Err()
		case r = <-ch:
		}

		var pe *PanicError
		if errors.As(r.Err, &pe) {
			panic(pe)
		}
		if !leader {
			if isContextErr(r.Err) && ctx.Err() == nil {
				continue
			}
			c.recorder.RecordCoalesced(queryID, meta)
		}
		ex, ok := r.Val.(execution[T])
		if !ok {
			// Same key fetched as a different type.
			return run()
		}
		return ex, r.Err
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
