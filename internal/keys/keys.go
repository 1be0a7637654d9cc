// Package keys derives deterministic cache keys from a category, an
// identifier and a parameter list.
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DefaultPrefix is the namespace prefix used when none is configured.
const DefaultPrefix = "qc"

// Key segments that are reserved for counters and leaderboards.
const (
	counterSegment     = "counter"
	leaderboardSegment = "leaderboard"
)

// ErrInvalidCategory indicates a category name that cannot be used as a key
// segment.
var ErrInvalidCategory = errors.New("keys: invalid category")

// CheckCategory reports whether category can be used as a key segment. It
// must be non-empty, must not contain ':' and must not be one of the
// segments reserved for counters and leaderboards. Otherwise keys of
// different categories could collide.
func CheckCategory(category string) error {
	switch {
	case category == "":
		return fmt.Errorf("%w: empty", ErrInvalidCategory)
	case strings.Contains(category, ":"):
		return fmt.Errorf("%w: %q contains ':'", ErrInvalidCategory, category)
	case category == counterSegment, category == leaderboardSegment:
		return fmt.Errorf("%w: %q is reserved", ErrInvalidCategory, category)
	}
	return nil
}

// Namespace builds keys under a fixed prefix.
// A Namespace is immutable and safe for concurrent use.
type Namespace struct {
	prefix string
}

// NewNamespace returns a Namespace for prefix.
// An empty prefix falls back to DefaultPrefix.
func NewNamespace(prefix string) Namespace {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Namespace{prefix: prefix}
}

// Prefix returns the namespace prefix without the trailing separator.
func (n Namespace) Prefix() string {
	return n.prefix
}

// Key returns prefix:category:id when params is empty and
// prefix:category:id:hash otherwise. category must pass CheckCategory.
func (n Namespace) Key(category, id string, params Params) (string, error) {
	if err := CheckCategory(category); err != nil {
		return "", err
	}
	if len(params) == 0 {
		return n.Join(category, id, ""), nil
	}
	hash, err := Hash(params)
	if err != nil {
		return "", err
	}
	return n.Join(category, id, hash), nil
}

// Join assembles a key from an already computed parameter hash.
// An empty hash yields the parameterless key. category is not checked;
// callers validate it with CheckCategory.
func (n Namespace) Join(category, id, hash string) string {
	key := n.prefix + ":" + category + ":" + id
	if hash != "" {
		key += ":" + hash
	}
	return key
}

// CategoryPrefix returns the prefix shared by every entry key in category.
func (n Namespace) CategoryPrefix(category string) string {
	return n.prefix + ":" + category + ":"
}

// All returns the prefix shared by every key in the namespace.
func (n Namespace) All() string {
	return n.prefix + ":"
}

// Counter returns the key of a named counter scoped to category.
func (n Namespace) Counter(category, name string) string {
	return n.prefix + ":" + counterSegment + ":" + category + ":" + name
}

// Leaderboard returns the sorted-set key for category.
func (n Namespace) Leaderboard(category string) string {
	return n.prefix + ":" + leaderboardSegment + ":" + category
}

// Hash returns the 16 hex digit xxhash64 of the canonical encoding of params.
func Hash(params Params) (string, error) {
	data, err := Canonical(params)
	if err != nil {
		return "", err
	}
	return formatHash(xxhash.Sum64(data)), nil
}

// Shape describes the structure of a query: its sorted parameter names.
func Shape(params Params) string {
	return strings.Join(params.Names(), ",")
}

// QueryID identifies a query by category and shape, independent of the
// parameter values.
func QueryID(category string, params Params) string {
	shape := Shape(params)
	if shape == "" {
		return category
	}
	return category + ":" + formatHash(xxhash.Sum64String(shape))[:8]
}

func formatHash(h uint64) string {
	s := strconv.FormatUint(h, 16)
	if len(s) < 16 {
		s = strings.Repeat("0", 16-len(s)) + s
	}
	return s
}
