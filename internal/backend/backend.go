// Package backend defines the key/value store the query cache sits on.
//
// Every operation is fail-open: an unreachable or slow backend makes reads
// report absent and writes report false. Callers never see transport errors
// except from Ping, which exists to report health.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by Ping when the backend cannot be reached.
var ErrUnavailable = errors.New("backend: unavailable")

// ErrClosed is returned by Ping after Close.
var ErrClosed = errors.New("backend: closed")

// Backend is a networked or in-process key/value store.
type Backend interface {
	// Get returns the value stored at key. ok is false on a miss and on any failure.
	Get(ctx context.Context, key string) (value []byte, ok bool)

	// Set stores value at key for ttl. It reports whether the write succeeded.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool

	// Delete removes key. It reports whether the command reached the store,
	// not whether the key existed.
	Delete(ctx context.Context, key string) bool

	// DeleteByPrefix removes every key starting with prefix and returns how
	// many were removed.
	DeleteByPrefix(ctx context.Context, prefix string) (deleted int64, ok bool)

	// IncrBy adds delta to the counter at name and returns the new value.
	IncrBy(ctx context.Context, name string, delta int64) (value int64, ok bool)

	// ZAdd sets member's score in set, replacing any previous score.
	ZAdd(ctx context.Context, set string, score float64, member string) bool

	// ZRevRangeWithScores returns members ranked start..stop (inclusive) by
	// descending score.
	ZRevRangeWithScores(ctx context.Context, set string, start, stop int64) ([]ScoredMember, bool)

	// ZRangeByScore returns every member whose score equals score.
	ZRangeByScore(ctx context.Context, set string, score float64) ([]string, bool)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// State reports the connection lifecycle state.
	State() State

	// Close releases the underlying connection. It is safe to call more than once.
	Close() error
}

// ScoredMember is a sorted-set member with its score.
type ScoredMember struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// State is the connection lifecycle state of a Backend.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
