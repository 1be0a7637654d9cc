// Package querycache wraps expensive reads in a cache-aside layer.
//
// Results are cached per category with category-specific TTLs, keyed by a
// deterministic hash of the query parameters. Every execution is timed and
// aggregated per query shape so slow and frequently cached queries can be
// reported. The cache is advisory: when the backend is unreachable reads
// fall through to the source and writes are dropped.
//
// Example usage:
//
//	client, err := querycache.New(
//	    querycache.WithBackend(redisBackend),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	res, err := querycache.Fetch(ctx, client, querycache.CategoryApartments, "123", nil,
//	    func(ctx context.Context) (Apartment, error) {
//	        return db.Apartment(ctx, "123")
//	    })
package querycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nestwell/querycache/internal/backend"
	"github.com/nestwell/querycache/internal/codec"
	"github.com/nestwell/querycache/internal/keys"
	"github.com/nestwell/querycache/internal/perf"
	"github.com/nestwell/querycache/internal/stats"
)

// Sentinel errors for well-defined error conditions.
var (
	// ErrNoBackend indicates no backend was provided.
	ErrNoBackend = errors.New("querycache: no backend provided")

	// ErrClosed indicates the client has been closed.
	ErrClosed = errors.New("querycache: client closed")
)

// Client is a cache-aside layer over a Backend.
// A Client is safe for concurrent use by multiple goroutines.
type Client struct {
	backend    backend.Backend
	ns         keys.Namespace
	defaultTTL time.Duration
	ttls       map[string]time.Duration
	recorder   *perf.Recorder
	framer     *codec.Framer
	stats      stats.Collector
	logger     *zap.Logger
	tracer     trace.Tracer

	flights singleflight.Group

	// epoch advances on every invalidation. Entry writes hold
	// invalidateMu for reading and are dropped if the epoch moved since
	// their value was read from the source.
	epoch        atomic.Uint64
	invalidateMu sync.RWMutex

	asyncWrites bool
	writeMu     sync.RWMutex
	draining    bool
	writes      sync.WaitGroup

	healthInterval time.Duration
	lastState      atomic.Int32
	stop           chan struct{}
	healthDone     chan struct{}

	closed atomic.Bool
}

// New creates a new Client with the given options.
// A backend is required; everything else has defaults.
func New(opts ...Option) (*Client, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	if cfg.backend == nil {
		return nil, ErrNoBackend
	}

	ttls := DefaultTTLs()
	for category, d := range cfg.ttls {
		ttls[category] = d
	}

	c := &Client{
		backend:    cfg.backend,
		ns:         keys.NewNamespace(cfg.prefix),
		defaultTTL: cfg.defaultTTL,
		ttls:       ttls,
		recorder: perf.NewRecorder(
			perf.WithSlowThreshold(cfg.slowThreshold),
			perf.WithLogger(cfg.logger.Named("perf")),
			perf.WithCollector(cfg.stats),
		),
		framer:         cfg.framer,
		stats:          cfg.stats,
		logger:         cfg.logger,
		tracer:         cfg.tracer(),
		asyncWrites:    cfg.asyncWrites,
		healthInterval: cfg.healthInterval,
	}
	c.lastState.Store(int32(c.backend.State()))

	if c.healthInterval > 0 {
		c.stop = make(chan struct{})
		c.healthDone = make(chan struct{})
		go c.healthLoop()
	}

	c.logger.Debug("client initialized",
		zap.String("prefix", c.ns.Prefix()),
		zap.Duration("defaultTTL", c.defaultTTL),
		zap.Duration("slowQueryThreshold", c.recorder.Threshold()),
		zap.Bool("asyncWrites", c.asyncWrites),
	)

	return c, nil
}

// Ping checks that the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.backend.Ping(ctx)
}

// Close stops the health check, waits for pending background writes and
// releases the backend. Calling Close more than once is a no-op.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if c.stop != nil {
		close(c.stop)
		<-c.healthDone
	}

	c.writeMu.Lock()
	c.draining = true
	c.writeMu.Unlock()
	c.writes.Wait()

	if err := c.backend.Close(); err != nil {
		return fmt.Errorf("closing backend: %w", err)
	}
	return nil
}

// Backend returns the cache backend used by this client.
func (c *Client) Backend() backend.Backend {
	return c.backend
}

// Namespace returns the key namespace used by this client.
func (c *Client) Namespace() keys.Namespace {
	return c.ns
}

// detach runs fn with a context that outlives the caller's cancellation.
// With async writes enabled fn runs in the background unless the client
// is closing, in which case it is dropped.
func (c *Client) detach(ctx context.Context, fn func(context.Context)) {
	ctx = context.WithoutCancel(ctx)
	if !c.asyncWrites {
		fn(ctx)
		return
	}

	c.writeMu.RLock()
	defer c.writeMu.RUnlock()
	if c.draining {
		return
	}
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		fn(ctx)
	}()
}

func (c *Client) healthLoop() {
	defer close(c.healthDone)

	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.checkHealth()
		}
	}
}

func (c *Client) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), c.healthInterval)
	defer cancel()

	err := c.backend.Ping(ctx)
	state := c.backend.State()
	c.stats.SetGauge(stats.MetricBackendState, int64(state))

	prev := backend.State(c.lastState.Swap(int32(state)))
	switch {
	case err != nil && prev != state:
		c.logger.Warn("cache backend unhealthy",
			zap.Stringer("state", state),
			zap.Error(err),
		)
	case err == nil && prev != state:
		c.logger.Info("cache backend state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", state),
		)
	}
}
