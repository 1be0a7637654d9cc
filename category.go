package querycache

import (
	"maps"
	"slices"
	"time"
)

// Well-known categories.
const (
	CategoryListings   = "listings"
	CategoryApartments = "apartments"
	CategoryUsers      = "users"
	CategorySearch     = "search"
	CategoryGeocoding  = "geocoding"
	CategoryPlaces     = "places"
	CategoryAnalytics  = "analytics"
	CategorySessions   = "sessions"
	CategoryStatic     = "static"
)

// DefaultTTL applies to categories without a TTL of their own.
const DefaultTTL = 5 * time.Minute

// DefaultTTLs returns the built-in TTL of every well-known category.
func DefaultTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		CategoryListings:   15 * time.Minute,
		CategoryApartments: 15 * time.Minute,
		CategoryUsers:      10 * time.Minute,
		CategorySearch:     5 * time.Minute,
		CategoryGeocoding:  time.Hour,
		CategoryPlaces:     30 * time.Minute,
		CategoryAnalytics:  time.Minute,
		CategorySessions:   24 * time.Hour,
		CategoryStatic:     7 * 24 * time.Hour,
	}
}

// TTL returns the configured TTL of category.
func (c *Client) TTL(category string) time.Duration {
	if d, ok := c.ttls[category]; ok {
		return d
	}
	return c.defaultTTL
}

// Categories returns the categories with a configured TTL, sorted.
func (c *Client) Categories() []string {
	return slices.Sorted(maps.Keys(c.ttls))
}
