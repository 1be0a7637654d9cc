package querycache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nestwell/querycache/internal/backend/memory"
	"github.com/nestwell/querycache/internal/keys"
)

// gatedBackend holds every Set until gate is closed.
type gatedBackend struct {
	*memory.Backend
	gate    chan struct{}
	pending chan struct{}
}

func (g *gatedBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	select {
	case g.pending <- struct{}{}:
	default:
	}
	<-g.gate
	return g.Backend.Set(ctx, key, value, ttl)
}

func TestInvalidate_SingleKey(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()
	var calls atomic.Int32

	Fetch(ctx, c, CategoryListings, "1", nil, loadLoft(&calls))
	Fetch(ctx, c, CategoryListings, "2", nil, loadLoft(&calls))

	if n := c.Invalidate(ctx, CategoryListings, "1"); n != 1 {
		t.Errorf("Invalidate() = %d, want 1", n)
	}
	if res, _ := Fetch(ctx, c, CategoryListings, "1", nil, loadLoft(&calls)); res.FromCache {
		t.Error("invalidated id should miss")
	}
	if res, _ := Fetch(ctx, c, CategoryListings, "2", nil, loadLoft(&calls)); !res.FromCache {
		t.Error("other ids should stay cached")
	}
}

func TestInvalidate_Category(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()
	var calls atomic.Int32

	Fetch(ctx, c, CategoryListings, "1", nil, loadLoft(&calls))
	Fetch(ctx, c, CategoryListings, "2", keys.P("lang", "de"), loadLoft(&calls))
	Fetch(ctx, c, CategoryUsers, "1", nil, loadLoft(&calls))

	if n := c.Invalidate(ctx, CategoryListings, ""); n != 2 {
		t.Errorf("Invalidate() = %d, want 2", n)
	}
	if res, _ := Fetch(ctx, c, CategoryListings, "2", keys.P("lang", "de"), loadLoft(&calls)); res.FromCache {
		t.Error("parameterized entry should be invalidated with its category")
	}
	if res, _ := Fetch(ctx, c, CategoryUsers, "1", nil, loadLoft(&calls)); !res.FromCache {
		t.Error("other categories should stay cached")
	}
	if got := c.Counters(ctx, CategoryListings); got.Misses == 0 {
		t.Error("counters should survive category invalidation")
	}
}

func TestInvalidate_CanceledContext(t *testing.T) {
	c, _, _ := newTestClient(t)
	var calls atomic.Int32
	Fetch(context.Background(), c, CategoryListings, "1", nil, loadLoft(&calls))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if n := c.Invalidate(ctx, CategoryListings, ""); n != 1 {
		t.Errorf("Invalidate() = %d, want 1 even after the caller gave up", n)
	}
}

func TestFlush(t *testing.T) {
	c, mem, _ := newTestClient(t)
	ctx := context.Background()
	var calls atomic.Int32

	Fetch(ctx, c, CategoryListings, "1", nil, loadLoft(&calls))
	Fetch(ctx, c, CategoryUsers, "1", nil, loadLoft(&calls))
	c.AddScore(ctx, "views", "apt-1", 3)

	if n := c.Flush(ctx); n < 2 {
		t.Errorf("Flush() = %d, want at least the two entries", n)
	}
	if mem.Len() != 0 {
		t.Errorf("backend holds %d entries after Flush", mem.Len())
	}
	if got := c.Counters(ctx, CategoryListings); got.Misses != 0 {
		t.Errorf("Counters() after Flush = %+v, want zero", got)
	}
	if top := c.Top(ctx, "views", 1); len(top) != 0 {
		t.Errorf("Top() after Flush = %v, want empty", top)
	}
}

func TestInvalidate_DropsPendingAsyncWrite(t *testing.T) {
	mem, err := memory.New(100)
	if err != nil {
		t.Fatalf("memory.New() error = %v", err)
	}
	gb := &gatedBackend{Backend: mem, gate: make(chan struct{}), pending: make(chan struct{}, 1)}
	c, err := New(WithBackend(gb), WithHealthCheckInterval(0), WithAsyncWrites())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()
	ctx := context.Background()
	var calls atomic.Int32

	Fetch(ctx, c, CategoryListings, "1", nil, loadLoft(&calls))
	<-gb.pending

	done := make(chan int64)
	go func() { done <- c.Invalidate(ctx, CategoryListings, "1") }()
	time.Sleep(20 * time.Millisecond)
	close(gb.gate)
	<-done
	c.writes.Wait()

	if res, _ := Fetch(ctx, c, CategoryListings, "1", nil, loadLoft(&calls)); res.FromCache {
		t.Error("a write pending during Invalidate should not survive it")
	}
}

func TestInvalidate_DuringSourceRead(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()
	var calls atomic.Int32

	Fetch(ctx, c, CategoryListings, "1", nil, func(ctx context.Context) (apartment, error) {
		calls.Add(1)
		c.Invalidate(ctx, CategoryListings, "1")
		return loft, nil
	})

	if res, _ := Fetch(ctx, c, CategoryListings, "1", nil, loadLoft(&calls)); res.FromCache {
		t.Error("a value read before Invalidate returned should not be cached")
	}
}

func TestInvalidate_InvalidCategory(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	if n := c.Invalidate(ctx, "listings:1", ""); n != 0 {
		t.Errorf("Invalidate() = %d, want 0", n)
	}
	if c.AddScore(ctx, "a:b", "apt-1", 1) {
		t.Error("AddScore() accepted a category containing ':'")
	}
	if _, err := BatchGet(ctx, c, "a:b", []string{"1"}, func(context.Context, []string) (map[string]apartment, error) {
		return nil, nil
	}); !errors.Is(err, keys.ErrInvalidCategory) {
		t.Errorf("BatchGet() error = %v, want ErrInvalidCategory", err)
	}
}
