package querycache

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/nestwell/querycache/internal/backend"
	"github.com/nestwell/querycache/internal/keys"
)

// ScoredMember is a leaderboard member with its score.
type ScoredMember = backend.ScoredMember

// AddScore sets member's score in the category leaderboard. A later score
// replaces an earlier one.
func (c *Client) AddScore(ctx context.Context, category, member string, score float64) bool {
	if err := keys.CheckCategory(category); err != nil {
		c.logger.Warn("leaderboard update skipped", zap.Error(err))
		return false
	}
	ok := c.backend.ZAdd(ctx, c.ns.Leaderboard(category), score, member)
	if !ok {
		c.logger.Debug("leaderboard update failed",
			zap.String("category", category),
			zap.String("member", member),
		)
	}
	return ok
}

// Top returns up to k members of the category leaderboard by descending
// score. Members with equal scores are ordered by member ascending.
// An unavailable backend yields an empty list.
func (c *Client) Top(ctx context.Context, category string, k int) []ScoredMember {
	if k <= 0 || keys.CheckCategory(category) != nil {
		return []ScoredMember{}
	}
	set := c.ns.Leaderboard(category)

	top, ok := c.backend.ZRevRangeWithScores(ctx, set, 0, int64(k-1))
	if !ok || len(top) == 0 {
		return []ScoredMember{}
	}

	// Members tied with the last one may rank outside the backend's window
	// although they sort before it by name.
	if len(top) == k {
		boundary := top[len(top)-1].Score
		if tied, ok := c.backend.ZRangeByScore(ctx, set, boundary); ok {
			merged := make([]ScoredMember, 0, len(top)+len(tied))
			for _, m := range top {
				if m.Score > boundary {
					merged = append(merged, m)
				}
			}
			for _, member := range tied {
				merged = append(merged, ScoredMember{Member: member, Score: boundary})
			}
			top = merged
		}
	}

	sort.Slice(top, func(i, j int) bool {
		if top[i].Score != top[j].Score {
			return top[i].Score > top[j].Score
		}
		return top[i].Member < top[j].Member
	})
	if len(top) > k {
		top = top[:k]
	}
	return top
}
