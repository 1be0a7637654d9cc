package querycache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nestwell/querycache/internal/backend"
	"github.com/nestwell/querycache/internal/backend/memory"
	"github.com/nestwell/querycache/internal/codec"
	"github.com/nestwell/querycache/internal/codec/zstdcodec"
	"github.com/nestwell/querycache/internal/keys"
)

type apartment struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

var loft = apartment{ID: "123", Title: "Loft"}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *memory.Backend, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	mem, err := memory.New(1000, memory.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("memory.New() error = %v", err)
	}
	base := []Option{WithBackend(mem), WithHealthCheckInterval(0)}
	c, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, mem, clock
}

// fakeBackend is unreachable while down is set.
type fakeBackend struct {
	down  atomic.Bool
	pings atomic.Int32
	gets  atomic.Int32
}

var _ backend.Backend = (*fakeBackend)(nil)

func (f *fakeBackend) Get(context.Context, string) ([]byte, bool) {
	f.gets.Add(1)
	return nil, false
}
func (f *fakeBackend) Set(context.Context, string, []byte, time.Duration) bool { return false }
func (f *fakeBackend) Delete(context.Context, string) bool                     { return false }
func (f *fakeBackend) DeleteByPrefix(context.Context, string) (int64, bool)    { return 0, false }
func (f *fakeBackend) IncrBy(context.Context, string, int64) (int64, bool)     { return 0, false }
func (f *fakeBackend) ZAdd(context.Context, string, float64, string) bool      { return false }
func (f *fakeBackend) ZRevRangeWithScores(context.Context, string, int64, int64) ([]backend.ScoredMember, bool) {
	return nil, false
}
func (f *fakeBackend) ZRangeByScore(context.Context, string, float64) ([]string, bool) {
	return nil, false
}
func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) Ping(context.Context) error {
	f.pings.Add(1)
	if f.down.Load() {
		return backend.ErrUnavailable
	}
	return nil
}

func (f *fakeBackend) State() backend.State {
	if f.down.Load() {
		return backend.StateDisconnected
	}
	return backend.StateConnected
}

func loadLoft(calls *atomic.Int32) func(context.Context) (apartment, error) {
	return func(context.Context) (apartment, error) {
		calls.Add(1)
		return loft, nil
	}
}

func TestNew_RequiresBackend(t *testing.T) {
	_, err := New()
	if !errors.Is(err, ErrNoBackend) {
		t.Errorf("New() error = %v, want ErrNoBackend", err)
	}
}

func TestNew_WithBackend(t *testing.T) {
	c, mem, _ := newTestClient(t, WithPrefix("app"))
	if c.Backend() != mem {
		t.Error("Backend() returned unexpected backend")
	}
	if got := c.Namespace().Prefix(); got != "app" {
		t.Errorf("Namespace().Prefix() = %q, want app", got)
	}
}

func TestNew_NilLogger(t *testing.T) {
	c, _, _ := newTestClient(t, WithLogger(nil), WithSlowQueryThreshold(time.Nanosecond))

	_, err := Fetch(context.Background(), c, CategoryApartments, "123", nil, func(context.Context) (apartment, error) {
		time.Sleep(time.Millisecond)
		return loft, nil
	})
	if err != nil {
		t.Errorf("Fetch() error = %v", err)
	}
}

func TestFetch_InvalidCategory(t *testing.T) {
	c, mem, _ := newTestClient(t)
	var calls atomic.Int32

	for _, category := range []string{"", "a:b", "counter", "leaderboard"} {
		_, err := Fetch(context.Background(), c, category, "c", nil, loadLoft(&calls))
		if !errors.Is(err, keys.ErrInvalidCategory) {
			t.Errorf("Fetch(%q) error = %v, want ErrInvalidCategory", category, err)
		}
	}
	if calls.Load() != 0 || mem.Len() != 0 {
		t.Errorf("invalid categories ran the source %d times and stored %d entries", calls.Load(), mem.Len())
	}
}

func TestClient_Close(t *testing.T) {
	c, _, _ := newTestClient(t)

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() second call error = %v, want nil", err)
	}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping() after close error = %v, want ErrClosed", err)
	}
}

func TestClient_TTL(t *testing.T) {
	c, _, _ := newTestClient(t,
		WithDefaultTTL(2*time.Minute),
		WithCategoryTTL(CategoryUsers, time.Minute),
		WithTTLs(map[string]time.Duration{"reviews": time.Hour}),
	)

	tests := []struct {
		category string
		want     time.Duration
	}{
		{CategoryListings, 15 * time.Minute},
		{CategoryApartments, 15 * time.Minute},
		{CategoryUsers, time.Minute},
		{CategorySearch, 5 * time.Minute},
		{CategoryGeocoding, time.Hour},
		{CategoryPlaces, 30 * time.Minute},
		{CategoryAnalytics, time.Minute},
		{CategorySessions, 24 * time.Hour},
		{CategoryStatic, 7 * 24 * time.Hour},
		{"reviews", time.Hour},
		{"unknown", 2 * time.Minute},
	}
	for _, tt := range tests {
		if got := c.TTL(tt.category); got != tt.want {
			t.Errorf("TTL(%q) = %s, want %s", tt.category, got, tt.want)
		}
	}
}

func TestFetch_ApartmentScenario(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()
	var calls atomic.Int32
	fn := loadLoft(&calls)

	first, err := Fetch(ctx, c, CategoryApartments, "123", nil, fn, WithTTL(300*time.Second))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if first.FromCache {
		t.Error("first Fetch() should not come from cache")
	}

	second, err := Fetch(ctx, c, CategoryApartments, "123", nil, fn, WithTTL(300*time.Second))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !second.FromCache {
		t.Error("second Fetch() should come from cache")
	}
	if second.Elapsed != 0 {
		t.Errorf("cached Elapsed = %s, want 0", second.Elapsed)
	}
	if diff := cmp.Diff(first.Value, second.Value); diff != "" {
		t.Errorf("cached value mismatch (-fresh +cached):\n%s", diff)
	}

	c.Invalidate(ctx, CategoryApartments, "")

	third, err := Fetch(ctx, c, CategoryApartments, "123", nil, fn, WithTTL(300*time.Second))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if third.FromCache {
		t.Error("Fetch() after invalidation should not come from cache")
	}
	if calls.Load() != 2 {
		t.Errorf("fetch function ran %d times, want 2", calls.Load())
	}
}

func TestFetch_SourceErrorNotCached(t *testing.T) {
	c, mem, _ := newTestClient(t)
	ctx := context.Background()
	errDB := errors.New("db down")

	res, err := Fetch(ctx, c, CategoryListings, "1", nil, func(context.Context) (apartment, error) {
		return apartment{}, errDB
	})
	if err != errDB {
		t.Fatalf("Fetch() error = %v, want the source error unchanged", err)
	}
	if res.FromCache {
		t.Error("failed Fetch() should not come from cache")
	}
	if mem.Len() != 0 {
		t.Errorf("backend holds %d entries after a failed fetch, want 0", mem.Len())
	}

	var calls atomic.Int32
	res, err = Fetch(ctx, c, CategoryListings, "1", nil, loadLoft(&calls))
	if err != nil || res.FromCache || calls.Load() != 1 {
		t.Errorf("retry: FromCache = %v, err = %v, calls = %d; want a fresh fetch", res.FromCache, err, calls.Load())
	}
}

func TestFetch_NonPositiveTTLBypassesCache(t *testing.T) {
	c, mem, _ := newTestClient(t)
	ctx := context.Background()
	var calls atomic.Int32

	for i := 0; i < 2; i++ {
		res, err := Fetch(ctx, c, CategoryListings, "1", nil, loadLoft(&calls), WithTTL(0))
		if err != nil || res.FromCache {
			t.Fatalf("Fetch() = %+v, %v; want uncached", res, err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("fetch function ran %d times, want 2", calls.Load())
	}
	if mem.Len() != 0 {
		t.Errorf("backend holds %d entries, want 0", mem.Len())
	}
}

func TestFetch_EmptyResultNotCached(t *testing.T) {
	c, mem, _ := newTestClient(t)
	ctx := context.Background()

	Fetch(ctx, c, CategorySearch, "q", nil, func(context.Context) ([]apartment, error) {
		return nil, nil
	})
	Fetch(ctx, c, CategorySearch, "q2", nil, func(context.Context) ([]apartment, error) {
		return []apartment{}, nil
	})
	Fetch(ctx, c, CategorySearch, "q3", nil, func(context.Context) (map[string]int, error) {
		return map[string]int{}, nil
	})
	Fetch(ctx, c, CategorySearch, "q4", nil, func(context.Context) (string, error) {
		return "", nil
	})

	if mem.Len() != 0 {
		t.Errorf("backend holds %d entries, want empty results skipped", mem.Len())
	}
}

func TestFetch_CategoryTTLExpiry(t *testing.T) {
	c, _, clock := newTestClient(t)
	ctx := context.Background()
	var calls atomic.Int32

	Fetch(ctx, c, CategoryListings, "1", nil, loadLoft(&calls))
	clock.Advance(14 * time.Minute)
	if res, _ := Fetch(ctx, c, CategoryListings, "1", nil, loadLoft(&calls)); !res.FromCache {
		t.Error("entry should be live within the listings TTL")
	}
	clock.Advance(2 * time.Minute)
	if res, _ := Fetch(ctx, c, CategoryListings, "1", nil, loadLoft(&calls)); res.FromCache {
		t.Error("entry should expire after the listings TTL")
	}

	Fetch(ctx, c, "widgets", "1", nil, loadLoft(&calls))
	clock.Advance(6 * time.Minute)
	if res, _ := Fetch(ctx, c, "widgets", "1", nil, loadLoft(&calls)); res.FromCache {
		t.Error("unknown category should use the default TTL")
	}
}

func TestFetch_ParamsOrderIndependent(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()
	var calls atomic.Int32

	Fetch(ctx, c, CategorySearch, "list", keys.P("city", "Berlin", "rooms", 2), loadLoft(&calls))
	res, err := Fetch(ctx, c, CategorySearch, "list", keys.P("rooms", 2, "city", "Berlin"), loadLoft(&calls))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !res.FromCache {
		t.Error("reordered params should hit the same entry")
	}

	res, _ = Fetch(ctx, c, CategorySearch, "list", keys.P("rooms", 3, "city", "Berlin"), loadLoft(&calls))
	if res.FromCache {
		t.Error("different param values should miss")
	}
}

func TestFetch_SerializationError(t *testing.T) {
	c, _, _ := newTestClient(t)
	var calls atomic.Int32

	_, err := Fetch(context.Background(), c, CategorySearch, "x", keys.P("f", func() {}), loadLoft(&calls))
	var serr *keys.SerializationError
	if !errors.As(err, &serr) {
		t.Fatalf("Fetch() error = %v, want *keys.SerializationError", err)
	}
	if calls.Load() != 0 {
		t.Error("fetch function should not run when params cannot be hashed")
	}
}

func TestFetch_EncodeError(t *testing.T) {
	c, mem, _ := newTestClient(t)

	res, err := Fetch(context.Background(), c, CategoryAnalytics, "x", nil, func(context.Context) (map[string]any, error) {
		return map[string]any{"ch": make(chan int)}, nil
	})
	var eerr *EncodeError
	if !errors.As(err, &eerr) {
		t.Fatalf("Fetch() error = %v, want *EncodeError", err)
	}
	if eerr.Category != CategoryAnalytics {
		t.Errorf("EncodeError.Category = %q", eerr.Category)
	}
	if res.Value == nil {
		t.Error("Fetch() should still return the fetched value")
	}
	if mem.Len() != 0 {
		t.Error("unencodable result should not be cached")
	}
}

func TestFetch_UndecodableEntryIsMiss(t *testing.T) {
	c, mem, _ := newTestClient(t)
	ctx := context.Background()

	key := c.Namespace().Join(CategoryApartments, "123", "")
	mem.Set(ctx, key, []byte{codec.IDNone, '{', 'x'}, time.Minute)

	var calls atomic.Int32
	res, err := Fetch(ctx, c, CategoryApartments, "123", nil, loadLoft(&calls))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.FromCache || calls.Load() != 1 {
		t.Errorf("corrupt entry: FromCache = %v, calls = %d; want a fresh fetch", res.FromCache, calls.Load())
	}

	res, _ = Fetch(ctx, c, CategoryApartments, "123", nil, loadLoft(&calls))
	if !res.FromCache {
		t.Error("the refetched value should replace the corrupt entry")
	}
}

func TestFetch_BackendDownFailsOpen(t *testing.T) {
	fb := &fakeBackend{}
	fb.down.Store(true)
	c, err := New(WithBackend(fb), WithHealthCheckInterval(0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		res, err := Fetch(context.Background(), c, CategoryApartments, "123", nil, loadLoft(&calls))
		if err != nil {
			t.Fatalf("Fetch() error = %v, want nil with the backend down", err)
		}
		if res.FromCache || res.Value != loft {
			t.Errorf("Fetch() = %+v, want the fresh value", res)
		}
	}
	if calls.Load() != 3 {
		t.Errorf("fetch function ran %d times, want 3", calls.Load())
	}
	if n := c.Invalidate(context.Background(), CategoryApartments, ""); n != 0 {
		t.Errorf("Invalidate() = %d, want 0", n)
	}
	if top := c.Top(context.Background(), "views", 3); len(top) != 0 {
		t.Errorf("Top() = %v, want empty", top)
	}
}

func TestFetch_SingleflightCoalesces(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (apartment, error) {
		calls.Add(1)
		<-release
		return loft, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]Result[apartment], n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = Fetch(ctx, c, CategoryApartments, "123", nil, fn)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("fetch function ran %d times, want 1", calls.Load())
	}
	for i := range n {
		if errs[i] != nil || results[i].Value != loft {
			t.Errorf("caller %d got %+v, %v", i, results[i], errs[i])
		}
	}

	stat, ok := c.QueryStat(keys.QueryID(CategoryApartments, nil))
	if !ok {
		t.Fatal("no stats recorded")
	}
	if stat.Count+stat.Coalesced != n {
		t.Errorf("Count + Coalesced = %d + %d, want %d", stat.Count, stat.Coalesced, n)
	}
}

func TestFetch_SingleflightLeaderCanceled(t *testing.T) {
	c, _, _ := newTestClient(t)
	leaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	started := make(chan struct{})
	fn := func(ctx context.Context) (apartment, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return apartment{}, ctx.Err()
		}
		return loft, nil
	}

	leaderErr := make(chan error, 1)
	go func() {
		_, err := Fetch(leaderCtx, c, CategoryApartments, "123", nil, fn)
		leaderErr <- err
	}()
	<-started

	type outcome struct {
		res Result[apartment]
		err error
	}
	waiter := make(chan outcome, 1)
	go func() {
		res, err := Fetch(context.Background(), c, CategoryApartments, "123", nil, fn)
		waiter <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("leader error = %v, want context.Canceled", err)
	}
	got := <-waiter
	if got.err != nil || got.res.Value != loft {
		t.Errorf("waiter with a live context got %+v, %v; want %v", got.res, got.err, loft)
	}
	if calls.Load() != 2 {
		t.Errorf("fetch function ran %d times, want 2", calls.Load())
	}
}

func TestFetch_PanicReachesCaller(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	recovered := func() (r any) {
		defer func() { r = recover() }()
		Fetch(ctx, c, CategoryApartments, "123", nil, func(context.Context) (apartment, error) {
			panic("bad row")
		})
		return nil
	}()

	pe, ok := recovered.(*PanicError)
	if !ok {
		t.Fatalf("recovered %v (%T), want *PanicError", recovered, recovered)
	}
	if pe.Value != "bad row" || len(pe.Stack) == 0 {
		t.Errorf("PanicError = {Value: %v, Stack: %d bytes}", pe.Value, len(pe.Stack))
	}

	// The key is usable again afterwards.
	var calls atomic.Int32
	res, err := Fetch(ctx, c, CategoryApartments, "123", nil, loadLoft(&calls))
	if err != nil || res.Value != loft {
		t.Errorf("Fetch() after panic = %+v, %v", res, err)
	}
}

func TestFetch_PanicReachesWaiters(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	release := make(chan struct{})
	fn := func(context.Context) (apartment, error) {
		<-release
		panic("bad row")
	}

	const n = 3
	panics := make(chan any, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { panics <- recover() }()
			Fetch(ctx, c, CategoryApartments, "123", nil, fn)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(panics)

	for r := range panics {
		if _, ok := r.(*PanicError); !ok {
			t.Errorf("caller recovered %v (%T), want *PanicError", r, r)
		}
	}
}

func TestFetch_WithoutSingleflightStampedes(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	const n = 5
	var calls atomic.Int32
	var started sync.WaitGroup
	started.Add(n)
	release := make(chan struct{})
	fn := func(context.Context) (apartment, error) {
		calls.Add(1)
		started.Done()
		<-release
		return loft, nil
	}

	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Fetch(ctx, c, CategoryApartments, "123", nil, fn, WithoutSingleflight())
		}()
	}
	started.Wait()
	close(release)
	wg.Wait()

	if calls.Load() != n {
		t.Errorf("fetch function ran %d times, want %d", calls.Load(), n)
	}
}

func TestFetch_CancellationReachesSource(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := Fetch(ctx, c, CategoryApartments, "123", nil, func(ctx context.Context) (apartment, error) {
		cancel()
		<-ctx.Done()
		return apartment{}, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Fetch() error = %v, want context.Canceled", err)
	}
}

func TestFetch_WriteSurvivesCancellation(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	Fetch(ctx, c, CategoryApartments, "123", nil, func(context.Context) (apartment, error) {
		cancel()
		return loft, nil
	}, WithoutSingleflight())

	var calls atomic.Int32
	res, _ := Fetch(context.Background(), c, CategoryApartments, "123", nil, loadLoft(&calls))
	if !res.FromCache {
		t.Error("a canceled caller should not abort the cache write")
	}
}

func TestFetch_AsyncWrites(t *testing.T) {
	c, mem, _ := newTestClient(t, WithAsyncWrites())
	ctx := context.Background()
	var calls atomic.Int32

	Fetch(ctx, c, CategoryApartments, "123", nil, loadLoft(&calls))
	c.writes.Wait()

	if mem.Len() != 1 {
		t.Fatalf("backend holds %d entries, want 1", mem.Len())
	}
	res, _ := Fetch(ctx, c, CategoryApartments, "123", nil, loadLoft(&calls))
	if !res.FromCache {
		t.Error("second Fetch() should come from cache")
	}
}

func TestClient_CloseDropsLateWrites(t *testing.T) {
	c, _, _ := newTestClient(t, WithAsyncWrites())
	c.Close()

	ran := false
	c.detach(context.Background(), func(context.Context) { ran = true })
	c.writes.Wait()
	if ran {
		t.Error("background write started after Close")
	}
}

func TestFetch_Counters(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()
	var calls atomic.Int32

	Fetch(ctx, c, CategoryListings, "1", nil, loadLoft(&calls))
	Fetch(ctx, c, CategoryListings, "1", nil, loadLoft(&calls))
	Fetch(ctx, c, CategoryListings, "1", nil, loadLoft(&calls))

	got := c.Counters(ctx, CategoryListings)
	want := Counters{Hits: 2, Misses: 1, HitRate: 2.0 / 3.0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Counters() mismatch (-want +got):\n%s", diff)
	}

	stats := c.Stats(ctx)
	if stats.Backend != "connected" {
		t.Errorf("Stats().Backend = %q", stats.Backend)
	}
	if _, ok := stats.Categories[CategoryStatic]; !ok {
		t.Error("Stats() should report every configured category")
	}
	if stats.Categories[CategoryListings].Hits != 2 {
		t.Errorf("Stats() listings hits = %d, want 2", stats.Categories[CategoryListings].Hits)
	}
	if stats.Queries.TotalQueries != 3 {
		t.Errorf("Stats().Queries.TotalQueries = %d, want 3", stats.Queries.TotalQueries)
	}
}

func TestFetch_AvgTimeExcludesCacheHits(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	slow := func(context.Context) (apartment, error) {
		time.Sleep(2 * time.Millisecond)
		return loft, nil
	}
	for _, id := range []string{"1", "2", "3"} {
		Fetch(ctx, c, CategoryApartments, id, nil, slow)
	}
	Fetch(ctx, c, CategoryApartments, "1", nil, slow)
	Fetch(ctx, c, CategoryApartments, "2", nil, slow)

	stat, _ := c.QueryStat(keys.QueryID(CategoryApartments, nil))
	if stat.Count != 5 || stat.CacheHits != 2 {
		t.Fatalf("Count, CacheHits = %d, %d; want 5, 2", stat.Count, stat.CacheHits)
	}
	if want := stat.TotalTime / 3; stat.AvgTime != want {
		t.Errorf("AvgTime = %s, want TotalTime/3 = %s", stat.AvgTime, want)
	}

	c.ResetStats()
	if got := c.QueryStats().DistinctQueries; got != 0 {
		t.Errorf("DistinctQueries after reset = %d", got)
	}
}

func TestFetch_SlowQueryLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	c, _, _ := newTestClient(t, WithLogger(zap.New(core)), WithSlowQueryThreshold(time.Millisecond))

	Fetch(context.Background(), c, CategoryGeocoding, "berlin", nil, func(context.Context) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "52.52,13.40", nil
	})

	entries := logs.FilterMessage("slow query").All()
	if len(entries) != 1 {
		t.Fatalf("got %d slow query warnings, want 1", len(entries))
	}
	if entries[0].LoggerName != "perf" {
		t.Errorf("logger name = %q, want perf", entries[0].LoggerName)
	}
}

func TestFetch_CompressedEntries(t *testing.T) {
	z, err := zstdcodec.New()
	if err != nil {
		t.Fatalf("zstdcodec.New() error = %v", err)
	}
	defer z.Close()
	c, mem, _ := newTestClient(t, WithFramer(codec.NewFramer(z, 128)))
	ctx := context.Background()

	big := apartment{ID: "9", Title: strings.Repeat("sunny loft with balcony ", 100)}
	load := func(context.Context) (apartment, error) { return big, nil }

	Fetch(ctx, c, CategoryApartments, "9", nil, load)
	raw, ok := mem.Get(ctx, c.Namespace().Join(CategoryApartments, "9", ""))
	if !ok {
		t.Fatal("entry not stored")
	}
	if raw[0] != codec.IDZstd {
		t.Errorf("codec tag = %d, want zstd", raw[0])
	}

	res, _ := Fetch(ctx, c, CategoryApartments, "9", nil, load)
	if !res.FromCache || res.Value != big {
		t.Error("compressed entry did not round trip")
	}
}

func TestClient_HealthCheck(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	fb := &fakeBackend{}
	c, err := New(WithBackend(fb), WithLogger(zap.New(core)), WithHealthCheckInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	fb.down.Store(true)
	deadline := time.Now().Add(2 * time.Second)
	for logs.FilterMessage("cache backend unhealthy").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("health check never reported the backend down")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fb.down.Store(false)
	for logs.FilterMessage("cache backend state changed").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("health check never reported recovery")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Close()
	pings := fb.pings.Load()
	time.Sleep(20 * time.Millisecond)
	if fb.pings.Load() != pings {
		t.Error("health check kept running after Close")
	}
}

func TestIsEmpty(t *testing.T) {
	var nilPtr *apartment
	tests := []struct {
		name string
		v    any
		want bool
	}{
		{"nil", nil, true},
		{"nil pointer", nilPtr, true},
		{"nil slice", []int(nil), true},
		{"empty slice", []int{}, true},
		{"empty map", map[string]int{}, true},
		{"empty string", "", true},
		{"zero struct", apartment{}, false},
		{"zero int", 0, false},
		{"false", false, false},
		{"slice", []int{1}, false},
		{"pointer", &loft, false},
		{"string", "x", false},
	}
	for _, tt := range tests {
		if got := isEmpty(tt.v); got != tt.want {
			t.Errorf("isEmpty(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
