package querycache

import (
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nestwell/querycache/internal/backend"
	"github.com/nestwell/querycache/internal/backend/redisbackend"
	"github.com/nestwell/querycache/internal/codec"
	"github.com/nestwell/querycache/internal/codec/gzipcodec"
	"github.com/nestwell/querycache/internal/codec/noopcodec"
	"github.com/nestwell/querycache/internal/keys"
	"github.com/nestwell/querycache/internal/perf"
	"github.com/nestwell/querycache/internal/stats"
)

// DefaultHealthCheckInterval is how often the backend is pinged.
const DefaultHealthCheckInterval = 30 * time.Second

// Option configures a Client.
type Option interface {
	apply(*options)
}

// options holds the client configuration.
type options struct {
	backend        backend.Backend
	prefix         string
	defaultTTL     time.Duration
	ttls           map[string]time.Duration
	slowThreshold  time.Duration
	healthInterval time.Duration
	asyncWrites    bool
	framer         *codec.Framer
	stats          stats.Collector
	logger         *zap.Logger
	tracerProvider trace.TracerProvider
}

// defaultOptions returns the default configuration.
func defaultOptions() options {
	return options{
		prefix:         keys.DefaultPrefix,
		defaultTTL:     DefaultTTL,
		ttls:           map[string]time.Duration{},
		slowThreshold:  perf.DefaultSlowThreshold,
		healthInterval: DefaultHealthCheckInterval,
		framer:         codec.NewFramer(noopcodec.New(), 0, gzipcodec.New()),
		stats:          stats.NewNoop(),
		logger:         zap.NewNop(),
	}
}

// optionFunc wraps a function to implement Option.
type optionFunc func(*options)

// Compile-time check that optionFunc implements Option.
var _ Option = optionFunc(nil)

func (f optionFunc) apply(o *options) { f(o) }

// WithBackend sets the cache backend. It is required.
func WithBackend(b backend.Backend) Option {
	return optionFunc(func(o *options) {
		o.backend = b
	})
}

// WithRedis creates a Redis backend from cfg and uses it.
// Pass redisbackend.WithLogger and WithCollector to instrument it.
func WithRedis(cfg redisbackend.Config, opts ...redisbackend.Option) (Option, error) {
	b, err := redisbackend.New(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating redis backend: %w", err)
	}
	return WithBackend(b), nil
}

// WithPrefix sets the key namespace prefix. Default is "qc".
func WithPrefix(prefix string) Option {
	return optionFunc(func(o *options) {
		o.prefix = prefix
	})
}

// WithDefaultTTL sets the TTL for categories without one of their own.
func WithDefaultTTL(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.defaultTTL = d
	})
}

// WithCategoryTTL overrides the TTL of a single category.
func WithCategoryTTL(category string, d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.ttls[category] = d
	})
}

// WithTTLs overrides the TTLs of several categories at once.
// Categories not named keep their defaults.
func WithTTLs(ttls map[string]time.Duration) Option {
	return optionFunc(func(o *options) {
		maps.Copy(o.ttls, ttls)
	})
}

// WithSlowQueryThreshold sets the execution time above which a query is
// logged as slow. Default is one second.
func WithSlowQueryThreshold(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.slowThreshold = d
	})
}

// WithHealthCheckInterval sets how often the backend is pinged.
// Zero disables the health check.
func WithHealthCheckInterval(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.healthInterval = d
	})
}

// WithAsyncWrites makes cache writes and counter updates run in the
// background. Close waits for pending writes. A pending write never lands
// after an Invalidate or Flush that started after its value was read.
func WithAsyncWrites() Option {
	return optionFunc(func(o *options) {
		o.asyncWrites = true
	})
}

// WithFramer sets how entries are compressed and tagged.
// If not set, entries are stored uncompressed.
func WithFramer(f *codec.Framer) Option {
	return optionFunc(func(o *options) {
		o.framer = f
	})
}

// WithStats sets the stats collector.
// If not set, a no-op collector is used.
func WithStats(c stats.Collector) Option {
	return optionFunc(func(o *options) {
		o.stats = c
	})
}

// WithLogger sets the logger.
// If not set or nil, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(o *options) {
		if l == nil {
			l = zap.NewNop()
		}
		o.logger = l
	})
}

// WithTracerProvider sets the provider for Fetch and BatchGet spans.
// If not set, the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return optionFunc(func(o *options) {
		o.tracerProvider = tp
	})
}

func (o *options) tracer() trace.Tracer {
	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer("github.com/nestwell/querycache")
}
