package querycache

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/nestwell/querycache/internal/stats"
)

// EncodeError reports a result that cannot be stored because it does not
// encode as JSON. It indicates a programming error in the result type.
type EncodeError struct {
	Category string
	Err      error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("querycache: cannot encode %s result: %v", e.Category, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// entry is the stored form of a cached result.
type entry struct {
	Category  string          `json:"category"`
	ID        string          `json:"id"`
	ParamHash string          `json:"paramHash,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	TTL       time.Duration   `json:"ttl"`
	Created   time.Time       `json:"created"`
}

func (c *Client) encodeEntry(category, id, hash string, value any, ttl time.Duration) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, &EncodeError{Category: category, Err: err}
	}
	data, err := json.Marshal(entry{
		Category:  category,
		ID:        id,
		ParamHash: hash,
		Payload:   payload,
		TTL:       ttl,
		Created:   time.Now().UTC(),
	})
	if err != nil {
		return nil, &EncodeError{Category: category, Err: err}
	}
	framed, err := c.framer.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("framing entry: %w", err)
	}
	return framed, nil
}

func decodeEntry[T any](c *Client, data []byte) (T, error) {
	var v T
	raw, err := c.framer.Decode(data)
	if err != nil {
		return v, err
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return v, fmt.Errorf("decoding entry: %w", err)
	}
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return v, fmt.Errorf("decoding payload: %w", err)
	}
	return v, nil
}

// lookup reads and decodes key. Undecodable entries are deleted and
// reported as misses.
func lookup[T any](ctx context.Context, c *Client, key string) (T, bool) {
	var zero T
	data, ok := c.backend.Get(ctx, key)
	if !ok {
		return zero, false
	}
	v, err := decodeEntry[T](c, data)
	if err != nil {
		c.stats.IncCounter(stats.MetricDecodeErrors, 1)
		c.logger.Warn("discarding undecodable cache entry",
			zap.String("key", key),
			zap.Error(err),
		)
		c.detach(ctx, func(ctx context.Context) {
			c.backend.Delete(ctx, key)
		})
		return zero, false
	}
	return v, true
}

// store encodes value and writes it to key. Only encoding failures are
// returned; backend write failures are counted and logged. epoch is the
// invalidation epoch observed before value was read from the source; the
// write is dropped if an invalidation has happened since.
func (c *Client) store(ctx context.Context, epoch uint64, key, category, id, hash string, value any, ttl time.Duration) error {
	data, err := c.encodeEntry(category, id, hash, value, ttl)
	if err != nil {
		c.logger.Warn("not caching result",
			zap.String("key", key),
			zap.Error(err),
		)
		return err
	}
	c.detach(ctx, func(ctx context.Context) {
		c.invalidateMu.RLock()
		defer c.invalidateMu.RUnlock()
		if c.epoch.Load() != epoch {
			c.logger.Debug("dropping write invalidated in flight", zap.String("key", key))
			return
		}
		if !c.backend.Set(ctx, key, data, ttl) {
			c.stats.IncCounter(stats.MetricWriteFailures, 1)
			c.logger.Debug("cache write failed", zap.String("key", key))
		}
	})
	return nil
}

// bumpCounter adds delta to a per-category counter in the backend.
func (c *Client) bumpCounter(ctx context.Context, category, name string, delta int64) {
	if delta == 0 {
		return
	}
	counter := c.ns.Counter(category, name)
	c.detach(ctx, func(ctx context.Context) {
		c.backend.IncrBy(ctx, counter, delta)
	})
}

// isEmpty reports whether v is not worth caching: nil, or an empty
// slice, map or string.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	case reflect.Slice, reflect.Map, reflect.String:
		return rv.Len() == 0
	}
	return false
}
