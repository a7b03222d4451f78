package models

import (
	"strings"
	"time"
)

// CacheEntry is a memoized external API response. Payload is opaque to the
// store. An entry is live only while Valid and now < ExpiresAt; anything
// else reads as a miss even before it is physically removed.
type CacheEntry struct {
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	InvalidatedAt *time.Time `json:"invalidatedAt,omitempty"`
	Footprint     *Footprint `json:"footprint,omitempty"`
	AreaID        *string    `json:"areaId,omitempty"`
	Key           string     `json:"key"`
	Payload       []byte     `json:"-"`
	HitCount      int64      `json:"hitCount"`
	Valid         bool       `json:"valid"`
}

// Live reports whether the entry may be served at now.
func (e CacheEntry) Live(now time.Time) bool {
	return e.Valid && now.Before(e.ExpiresAt)
}

// Sweepable reports whether the entry may be physically deleted given the
// sweep cutoff (now minus the grace period).
func (e CacheEntry) Sweepable(cutoff time.Time) bool {
	if !e.ExpiresAt.After(cutoff) {
		return true
	}
	return !e.Valid && e.InvalidatedAt != nil && !e.InvalidatedAt.After(cutoff)
}

// KeyPrefix returns the part of a cache key before the first ':', or the
// whole key when it has no separator.
func KeyPrefix(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// PrefixStats aggregates entries sharing a key prefix.
type PrefixStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
}

// CacheStats is a point-in-time aggregate over all stored entries,
// including expired ones not yet swept.
type CacheStats struct {
	Prefixes     map[string]PrefixStats `json:"prefixes"`
	TotalEntries int64                  `json:"totalEntries"`
	LiveEntries  int64                  `json:"liveEntries"`
	TotalHits    int64                  `json:"totalHits"`
}

// Add folds one entry into the aggregate.
func (s *CacheStats) Add(key string, hits int64, live bool) {
	if s.Prefixes == nil {
		s.Prefixes = make(map[string]PrefixStats)
	}
	s.TotalEntries++
	s.TotalHits += hits
	if live {
		s.LiveEntries++
	}
	p := s.Prefixes[KeyPrefix(key)]
	p.Entries++
	p.Hits += hits
	s.Prefixes[KeyPrefix(key)] = p
}

// HealthSnapshot summarizes store sizes for observability.
type HealthSnapshot struct {
	AreaCount       int64 `json:"areaCount"`
	EventCount      int64 `json:"eventCount"`
	CacheEntryCount int64 `json:"cacheEntryCount"`
	CacheHitTotal   int64 `json:"cacheHitTotal"`
}
