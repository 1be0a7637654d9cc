// Package perf aggregates per-query execution statistics.
package perf

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nestwell/querycache/internal/stats"
)

// DefaultSlowThreshold is the execution time above which a query is slow.
const DefaultSlowThreshold = time.Second

// topN is the length of the ranked lists in Stats.
const topN = 10

// QueryStat aggregates executions of one query identity.
type QueryStat struct {
	ID        string        `json:"id"`
	Category  string        `json:"category"`
	Shape     string        `json:"shape,omitempty"`
	Count     int64         `json:"count"`
	TotalTime time.Duration `json:"totalTime"`
	AvgTime   time.Duration `json:"avgTime"`
	CacheHits int64         `json:"cacheHits"`
	Errors    int64         `json:"errors"`
	SlowCount int64         `json:"slowCount"`
	Coalesced int64         `json:"coalesced"`
	LastSeen  time.Time     `json:"lastSeen"`
}

// Stats is a point-in-time summary across all query identities.
type Stats struct {
	TotalQueries     int64       `json:"totalQueries"`
	DistinctQueries  int         `json:"distinctQueries"`
	SlowQueries      int         `json:"slowQueries"`
	SlowThreshold    string      `json:"slowThreshold"`
	TopSlowQueries   []QueryStat `json:"topSlowQueries"`
	TopCachedQueries []QueryStat `json:"topCachedQueries"`
}

// Meta describes a query identity the first time it is recorded.
type Meta struct {
	Category string
	Shape    string
}

// Recorder holds QueryStats keyed by query identity.
// It is safe for concurrent use.
type Recorder struct {
	threshold time.Duration
	logger    *zap.Logger
	collector stats.Collector
	now       func() time.Time

	mu    sync.Mutex
	stats map[string]*QueryStat
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSlowThreshold sets the slow-query threshold.
func WithSlowThreshold(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.threshold = d
		}
	}
}

// WithLogger sets the logger used for slow-query warnings.
func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) {
		if l == nil {
			l = zap.NewNop()
		}
		r.logger = l
	}
}

// WithCollector sets the stats collector.
func WithCollector(c stats.Collector) Option {
	return func(r *Recorder) {
		r.collector = c
	}
}

// WithClock overrides the time source for LastSeen.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// NewRecorder creates an empty Recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		threshold: DefaultSlowThreshold,
		logger:    zap.NewNop(),
		collector: stats.NewNoop(),
		now:       time.Now,
		stats:     make(map[string]*QueryStat),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Threshold returns the slow-query threshold.
func (r *Recorder) Threshold() time.Duration {
	return r.threshold
}

// Record adds one execution of query id. Cached executions count towards
// Count and CacheHits but not TotalTime. err marks a failed execution.
func (r *Recorder) Record(id string, meta Meta, elapsed time.Duration, fromCache bool, err error) {
	slow := !fromCache && elapsed > r.threshold

	r.mu.Lock()
	s := r.get(id, meta)
	s.Count++
	s.LastSeen = r.now()
	if fromCache {
		s.CacheHits++
	} else {
		s.TotalTime += elapsed
	}
	if err != nil {
		s.Errors++
	}
	if slow {
		s.SlowCount++
	}
	s.AvgTime = avg(s.TotalTime, s.Count-s.CacheHits)
	r.mu.Unlock()

	r.collector.IncCounter(stats.MetricFetches, 1)
	if fromCache {
		r.collector.IncCounter(stats.MetricCacheHits, 1)
	} else {
		r.collector.ObserveHistogram(stats.MetricFetchSeconds, elapsed.Seconds())
	}
	if err != nil {
		r.collector.IncCounter(stats.MetricSourceErrors, 1)
	}
	if slow {
		r.collector.IncCounter(stats.MetricSlowQueries, 1)
		r.logger.Warn("slow query",
			zap.String("query", id),
			zap.String("category", meta.Category),
			zap.String("shape", meta.Shape),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", r.threshold),
		)
	}
}

// RecordCoalesced notes a caller that shared another caller's execution.
func (r *Recorder) RecordCoalesced(id string, meta Meta) {
	r.mu.Lock()
	r.get(id, meta).Coalesced++
	r.mu.Unlock()
	r.collector.IncCounter(stats.MetricCoalesced, 1)
}

// Get returns a copy of the stat for id.
func (r *Recorder) Get(id string) (QueryStat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[id]
	if !ok {
		return QueryStat{}, false
	}
	return *s, true
}

// Snapshot summarizes all recorded queries.
func (r *Recorder) Snapshot() Stats {
	r.mu.Lock()
	all := make([]QueryStat, 0, len(r.stats))
	for _, s := range r.stats {
		all = append(all, *s)
	}
	r.mu.Unlock()

	out := Stats{
		DistinctQueries: len(all),
		SlowThreshold:   r.threshold.String(),
	}
	for _, s := range all {
		out.TotalQueries += s.Count
		if s.AvgTime > r.threshold {
			out.SlowQueries++
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].AvgTime != all[j].AvgTime {
			return all[i].AvgTime > all[j].AvgTime
		}
		return all[i].ID < all[j].ID
	})
	out.TopSlowQueries = head(all)

	sort.Slice(all, func(i, j int) bool {
		if all[i].CacheHits != all[j].CacheHits {
			return all[i].CacheHits > all[j].CacheHits
		}
		return all[i].ID < all[j].ID
	})
	out.TopCachedQueries = head(all)

	return out
}

// Reset discards all statistics.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.stats = make(map[string]*QueryStat)
	r.mu.Unlock()
}

// get returns the stat for id, creating it. r.mu must be held.
func (r *Recorder) get(id string, meta Meta) *QueryStat {
	s, ok := r.stats[id]
	if !ok {
		s = &QueryStat{ID: id, Category: meta.Category, Shape: meta.Shape}
		r.stats[id] = s
	}
	return s
}

func avg(total time.Duration, n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	return total / time.Duration(n)
}

func head(s []QueryStat) []QueryStat {
	n := min(len(s), topN)
	out := make([]QueryStat, n)
	copy(out, s[:n])
	return out
}
