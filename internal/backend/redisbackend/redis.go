// Package redisbackend implements backend.Backend on top of Redis.
package redisbackend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nestwell/querycache/internal/backend"
	"github.com/nestwell/querycache/internal/stats"
)

// Compile-time check that Backend implements backend.Backend.
var _ backend.Backend = (*Backend)(nil)

const (
	defaultOpTimeout   = 2 * time.Second
	defaultDialTimeout = 2 * time.Second
	defaultPoolSize    = 10
	scanBatch          = 500
)

// Config holds Redis connection parameters.
type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	PoolSize    int
}

// Backend is a fail-open Redis backend.
//
// The client is created on first use. A failed command moves the backend to
// StateDisconnected; further commands return absent without touching the
// network until an exponential backoff delay has passed, after which the next
// command doubles as the reconnection check.
type Backend struct {
	options   *redis.Options
	opTimeout time.Duration
	logger    *zap.Logger
	collector stats.Collector
	now       func() time.Time

	mu          sync.Mutex
	client      *redis.Client
	backoff     *backoff.ExponentialBackOff
	nextAttempt time.Time

	state  atomic.Int32
	closed atomic.Bool
}

// Option configures a Backend.
type Option func(*Backend) error

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) error {
		if l == nil {
			l = zap.NewNop()
		}
		b.logger = l
		return nil
	}
}

// WithCollector sets the stats collector.
func WithCollector(c stats.Collector) Option {
	return func(b *Backend) error {
		b.collector = c
		return nil
	}
}

// WithOpTimeout bounds every Redis command. Default is 2s.
func WithOpTimeout(d time.Duration) Option {
	return func(b *Backend) error {
		if d <= 0 {
			return fmt.Errorf("op timeout must be positive, got %s", d)
		}
		b.opTimeout = d
		return nil
	}
}

// WithBackoff sets the reconnection backoff bounds.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(b *Backend) error {
		if initial <= 0 || maxDelay < initial {
			return fmt.Errorf("invalid backoff bounds %s..%s", initial, maxDelay)
		}
		b.backoff.InitialInterval = initial
		b.backoff.MaxInterval = maxDelay
		b.backoff.Reset()
		return nil
	}
}

// WithClock overrides the time source used for backoff scheduling.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) error {
		b.now = now
		return nil
	}
}

// New creates a Redis backend. No connection is made until the first command.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redisbackend: address is required")
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.Reset()

	b := &Backend{
		opTimeout: defaultOpTimeout,
		logger:    zap.NewNop(),
		collector: stats.NewNoop(),
		now:       time.Now,
		backoff:   bo,
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, fmt.Errorf("redisbackend: %w", err)
		}
	}

	b.options = &redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		DialTimeout:           dialTimeout,
		ReadTimeout:           b.opTimeout,
		WriteTimeout:          b.opTimeout,
		PoolSize:              poolSize,
		MaxRetries:            -1,
		ContextTimeoutEnabled: true,
	}

	return b, nil
}

// Get returns the value at key.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool) {
	c, ok := b.acquire()
	if !ok {
		return nil, false
	}
	opCtx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	val, err := c.Get(opCtx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		b.succeeded()
		return nil, false
	}
	if !b.done(ctx, "get", err) {
		return nil, false
	}
	return val, true
}

// Set stores value at key with the given ttl.
func (b *Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	c, ok := b.acquire()
	if !ok {
		return false
	}
	opCtx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	return b.done(ctx, "set", c.Set(opCtx, key, value, ttl).Err())
}

// Delete removes key.
func (b *Backend) Delete(ctx context.Context, key string) bool {
	c, ok := b.acquire()
	if !ok {
		return false
	}
	opCtx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	return b.done(ctx, "del", c.Del(opCtx, key).Err())
}

// DeleteByPrefix removes every key under prefix using SCAN and UNLINK.
// Each round trip gets its own timeout so large namespaces are not cut short.
func (b *Backend) DeleteByPrefix(ctx context.Context, prefix string) (int64, bool) {
	c, ok := b.acquire()
	if !ok {
		return 0, false
	}

	pattern := escapeGlob(prefix) + "*"
	var (
		cursor  uint64
		deleted int64
	)
	for {
		opCtx, cancel := context.WithTimeout(ctx, b.opTimeout)
		keys, next, err := c.Scan(opCtx, cursor, pattern, scanBatch).Result()
		cancel()
		if !b.done(ctx, "scan", err) {
			return deleted, false
		}

		if len(keys) > 0 {
			opCtx, cancel := context.WithTimeout(ctx, b.opTimeout)
			n, err := c.Unlink(opCtx, keys...).Result()
			cancel()
			if !b.done(ctx, "unlink", err) {
				return deleted, false
			}
			deleted += n
		}

		cursor = next
		if cursor == 0 {
			return deleted, true
		}
	}
}

// IncrBy increments the counter at name.
func (b *Backend) IncrBy(ctx context.Context, name string, delta int64) (int64, bool) {
	c, ok := b.acquire()
	if !ok {
		return 0, false
	}
	opCtx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	val, err := c.IncrBy(opCtx, name, delta).Result()
	if !b.done(ctx, "incrby", err) {
		return 0, false
	}
	return val, true
}

// ZAdd sets member's score in set.
func (b *Backend) ZAdd(ctx context.Context, set string, score float64, member string) bool {
	c, ok := b.acquire()
	if !ok {
		return false
	}
	opCtx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	return b.done(ctx, "zadd", c.ZAdd(opCtx, set, redis.Z{Score: score, Member: member}).Err())
}

// ZRevRangeWithScores returns members by descending score.
func (b *Backend) ZRevRangeWithScores(ctx context.Context, set string, start, stop int64) ([]backend.ScoredMember, bool) {
	c, ok := b.acquire()
	if !ok {
		return nil, false
	}
	opCtx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	zs, err := c.ZRevRangeWithScores(opCtx, set, start, stop).Result()
	if !b.done(ctx, "zrevrange", err) {
		return nil, false
	}

	out := make([]backend.ScoredMember, len(zs))
	for i, z := range zs {
		out[i] = backend.ScoredMember{Member: fmt.Sprint(z.Member), Score: z.Score}
	}
	return out, true
}

// ZRangeByScore returns the members whose score equals score.
func (b *Backend) ZRangeByScore(ctx context.Context, set string, score float64) ([]string, bool) {
	c, ok := b.acquire()
	if !ok {
		return nil, false
	}
	opCtx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	s := strconv.FormatFloat(score, 'g', -1, 64)
	members, err := c.ZRangeByScore(opCtx, set, &redis.ZRangeBy{Min: s, Max: s}).Result()
	if !b.done(ctx, "zrangebyscore", err) {
		return nil, false
	}
	return members, true
}

// Ping checks connectivity. It returns backend.ErrUnavailable while the
// backend is backing off or when the server does not answer.
func (b *Backend) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return backend.ErrClosed
	}
	c, ok := b.acquire()
	if !ok {
		return fmt.Errorf("%w: retrying after %s", backend.ErrUnavailable, b.retryAt().Format(time.RFC3339))
	}
	opCtx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	if err := c.Ping(opCtx).Err(); err != nil {
		b.done(ctx, "ping", err)
		return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}
	b.succeeded()
	return nil
}

// State reports the lifecycle state.
func (b *Backend) State() backend.State {
	return backend.State(b.state.Load())
}

// Close releases the connection pool. Subsequent calls return nil.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.Store(int32(backend.StateDisconnected))
	if b.client == nil {
		return nil
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	return nil
}

// acquire returns the client when a command may be attempted.
func (b *Backend) acquire() (*redis.Client, bool) {
	if b.closed.Load() {
		return nil, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil {
		b.client = redis.NewClient(b.options)
	}

	if b.State() == backend.StateDisconnected {
		if b.now().Before(b.nextAttempt) {
			b.collector.IncCounter(stats.MetricBackendShortCircuits, 1)
			return nil, false
		}
		b.setState(backend.StateConnecting)
	}
	return b.client, true
}

// done classifies the result of a command and reports whether it succeeded.
// Server error replies mean the connection works; transport failures and
// timeouts mark the backend disconnected. A caller cancelling its own
// context says nothing about the backend and is ignored.
func (b *Backend) done(ctx context.Context, op string, err error) bool {
	if err == nil {
		b.succeeded()
		return true
	}

	b.collector.IncCounter(stats.MetricBackendErrors, 1)

	if ctx.Err() != nil {
		return false
	}

	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		b.succeeded()
		b.logger.Warn("redis command rejected", zap.String("op", op), zap.Error(err))
		return false
	}

	b.failed(op, err)
	return false
}

func (b *Backend) succeeded() {
	if b.State() == backend.StateConnected {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return
	}
	b.backoff.Reset()
	b.nextAttempt = time.Time{}
	b.setState(backend.StateConnected)
}

func (b *Backend) failed(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasDown := b.State() == backend.StateDisconnected
	delay := b.backoff.NextBackOff()
	b.nextAttempt = b.now().Add(delay)
	b.setState(backend.StateDisconnected)

	if !wasDown {
		b.logger.Warn("redis unavailable, serving without cache",
			zap.String("op", op),
			zap.Duration("retryIn", delay),
			zap.Error(err),
		)
	}
}

func (b *Backend) setState(s backend.State) {
	prev := backend.State(b.state.Swap(int32(s)))
	if prev != s {
		b.logger.Debug("redis state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", s),
		)
		b.collector.SetGauge(stats.MetricBackendState, int64(s))
	}
}

func (b *Backend) retryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextAttempt
}

// escapeGlob escapes the characters SCAN MATCH treats as wildcards.
func escapeGlob(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
