// Package metacache memoizes dtable metadata fetches so repeated rule
// evaluations against the same base do not refetch it.
package metacache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dtable-io/automationd/internal/util"
)

// Fetcher retrieves the metadata document for a dtable.
type Fetcher func(ctx context.Context, dtableUUID string) (json.RawMessage, error)

// Cache memoizes metadata per dtable uuid. Entries live only in process
// memory: interval-triggered rules must observe current data, so sweep
// caches are rebuilt for every sweep and never persisted.
type Cache struct {
	mu      sync.Mutex
	fetch   Fetcher
	entries map[string]json.RawMessage
}

// NewIntentCache builds a cache scoped to a single event-triggered rule
// evaluation. It is discarded once the evaluation finishes.
func NewIntentCache(fetch Fetcher) *Cache {
	return newCache(fetch)
}

// NewIntervalCache builds a cache shared across one scanner sweep, so N
// rules against the same base in a sweep cost one metadata fetch.
func NewIntervalCache(fetch Fetcher) *Cache {
	return newCache(fetch)
}

func newCache(fetch Fetcher) *Cache {
	return &Cache{
		fetch:   fetch,
		entries: make(map[string]json.RawMessage),
	}
}

// Metadata returns the metadata for a dtable, fetching it on first use.
// Fetch failures are not cached; the next call retries.
func (c *Cache) Metadata(ctx context.Context, dtableUUID string) (json.RawMessage, error) {
	if c == nil {
		return nil, errors.New("metacache: nil cache")
	}
	key := util.CompactDTableUUID(dtableUUID)
	if key == "" {
		return nil, errors.New("metacache: empty dtable uuid")
	}

	c.mu.Lock()
	cached, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	if c.fetch == nil {
		return nil, errors.New("metacache: no fetcher configured")
	}
	fetched, err := c.fetch(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = fetched
	c.mu.Unlock()
	return fetched, nil
}

// Len reports how many bases have cached metadata.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
