// Package cache stores completed query results keyed by fingerprint.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sells-group/knowledge-search/internal/model"
)

// Cache is a fingerprint-keyed result cache. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, fingerprint string) (*model.Result, bool, error)
	Set(ctx context.Context, fingerprint string, r *model.Result) error
	Stats() Stats
}

// Stats counts lookups.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// HitRate returns hits/(hits+misses), or 0 with no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

func (c *counters) stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Memory is an in-process LRU cache with a per-entry TTL, bounded by entry
// count.
type Memory struct {
	lru *expirable.LRU[string, *model.Result]
	counters
}

// NewMemory creates an in-memory cache. maxEntries <= 0 means unbounded and
// ttl <= 0 means entries never expire.
func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &Memory{lru: expirable.NewLRU[string, *model.Result](maxEntries, nil, ttl)}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, fingerprint string) (*model.Result, bool, error) {
	r, ok := m.lru.Get(fingerprint)
	m.record(ok)
	if !ok {
		return nil, false, nil
	}
	return copyResult(r), true, nil
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, fingerprint string, r *model.Result) error {
	if r == nil {
		return nil
	}
	m.lru.Add(fingerprint, copyResult(r))
	return nil
}

// Len returns the number of stored entries, including expired ones not yet
// purged.
func (m *Memory) Len() int { return m.lru.Len() }

// Stats implements Cache.
func (m *Memory) Stats() Stats { return m.stats() }

// copyResult returns a shallow copy so callers can set per-request fields
// such as TraceID and Cached without touching the stored value.
func copyResult(r *model.Result) *model.Result {
	cp := *r
	return &cp
}
