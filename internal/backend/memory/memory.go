// Package memory implements an in-process backend.
//
// Entries live in a bounded LRU with per-entry expiry. Counters and sorted
// sets are kept in plain maps and are not subject to eviction. The backend is
// useful for single-instance deployments and tests; it is never unreachable.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nestwell/querycache/internal/backend"
	"github.com/nestwell/querycache/internal/stats"
)

// Compile-time check that Backend implements backend.Backend.
var _ backend.Backend = (*Backend)(nil)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 10000

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Backend is a thread-safe in-memory backend.
type Backend struct {
	entries   *lru.Cache[string, entry]
	collector stats.Collector
	now       func() time.Time

	mu       sync.Mutex
	counters map[string]int64
	sets     map[string]map[string]float64

	closed atomic.Bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithCollector sets the stats collector.
func WithCollector(c stats.Collector) Option {
	return func(b *Backend) {
		b.collector = c
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// New creates a memory backend holding at most capacity entries.
func New(capacity int, opts ...Option) (*Backend, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	entries, err := lru.New[string, entry](capacity)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		entries:   entries,
		collector: stats.NewNoop(),
		now:       time.Now,
		counters:  make(map[string]int64),
		sets:      make(map[string]map[string]float64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Get returns the value at key if present and not expired.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool) {
	if b.closed.Load() {
		return nil, false
	}
	e, ok := b.entries.Get(key)
	if !ok {
		return nil, false
	}
	if !b.now().Before(e.expiresAt) {
		b.entries.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Set stores a copy of value at key for ttl.
func (b *Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if b.closed.Load() || ttl <= 0 {
		return false
	}
	copied := make([]byte, len(value))
	copy(copied, value)
	b.entries.Add(key, entry{value: copied, expiresAt: b.now().Add(ttl)})
	b.collector.SetGauge(stats.MetricMemoryEntries, int64(b.entries.Len()))
	return true
}

// Delete removes key.
func (b *Backend) Delete(ctx context.Context, key string) bool {
	if b.closed.Load() {
		return false
	}
	b.entries.Remove(key)
	b.mu.Lock()
	delete(b.counters, key)
	delete(b.sets, key)
	b.mu.Unlock()
	return true
}

// DeleteByPrefix removes every entry, counter and sorted set under prefix.
func (b *Backend) DeleteByPrefix(ctx context.Context, prefix string) (int64, bool) {
	if b.closed.Load() {
		return 0, false
	}

	var deleted int64
	for _, key := range b.entries.Keys() {
		if strings.HasPrefix(key, prefix) && b.entries.Remove(key) {
			deleted++
		}
	}

	b.mu.Lock()
	for key := range b.counters {
		if strings.HasPrefix(key, prefix) {
			delete(b.counters, key)
			deleted++
		}
	}
	for key := range b.sets {
		if strings.HasPrefix(key, prefix) {
			delete(b.sets, key)
			deleted++
		}
	}
	b.mu.Unlock()

	b.collector.SetGauge(stats.MetricMemoryEntries, int64(b.entries.Len()))
	return deleted, true
}

// IncrBy adds delta to the counter at name.
func (b *Backend) IncrBy(ctx context.Context, name string, delta int64) (int64, bool) {
	if b.closed.Load() {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[name] += delta
	return b.counters[name], true
}

// ZAdd sets member's score in set.
func (b *Backend) ZAdd(ctx context.Context, set string, score float64, member string) bool {
	if b.closed.Load() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.sets[set]
	if !ok {
		members = make(map[string]float64)
		b.sets[set] = members
	}
	members[member] = score
	return true
}

// ZRevRangeWithScores returns members ranked start..stop by descending score.
// Equal scores are ordered by descending member, matching Redis.
func (b *Backend) ZRevRangeWithScores(ctx context.Context, set string, start, stop int64) ([]backend.ScoredMember, bool) {
	if b.closed.Load() {
		return nil, false
	}

	b.mu.Lock()
	ranked := make([]backend.ScoredMember, 0, len(b.sets[set]))
	for member, score := range b.sets[set] {
		ranked = append(ranked, backend.ScoredMember{Member: member, Score: score})
	}
	b.mu.Unlock()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Member > ranked[j].Member
	})

	lo, hi, ok := clampRange(start, stop, int64(len(ranked)))
	if !ok {
		return []backend.ScoredMember{}, true
	}
	return ranked[lo : hi+1], true
}

// ZRangeByScore returns the members whose score equals score, ascending.
func (b *Backend) ZRangeByScore(ctx context.Context, set string, score float64) ([]string, bool) {
	if b.closed.Load() {
		return nil, false
	}
	b.mu.Lock()
	var members []string
	for member, s := range b.sets[set] {
		if s == score {
			members = append(members, member)
		}
	}
	b.mu.Unlock()
	sort.Strings(members)
	return members, true
}

// Ping reports whether the backend is open.
func (b *Backend) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return backend.ErrClosed
	}
	return nil
}

// State is always connected until Close.
func (b *Backend) State() backend.State {
	if b.closed.Load() {
		return backend.StateDisconnected
	}
	return backend.StateConnected
}

// Close drops all data. Subsequent calls are no-ops.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.entries.Purge()
	b.mu.Lock()
	b.counters = make(map[string]int64)
	b.sets = make(map[string]map[string]float64)
	b.mu.Unlock()
	return nil
}

// Len returns the number of cached entries, including expired ones not yet
// reclaimed.
func (b *Backend) Len() int {
	return b.entries.Len()
}

// clampRange resolves Redis-style inclusive indexes, where negative values
// count from the end.
func clampRange(start, stop, n int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return 0, 0, false
	}
	return start, stop, true
}
