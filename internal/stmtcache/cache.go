// Package stmtcache holds the per-connection prepared statement cache.
//
// Each DatabaseHandle owns exactly one Cache; the owning queue's worker is
// the only goroutine that touches it, so the cache itself carries no lock.
// Eviction is strict LRU: when a new statement would exceed capacity, the
// least recently used entry is evicted and its engine handle released
// before the insert, so the entry count never exceeds capacity.
package stmtcache

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/koustreak/Sluice/internal/errs"
)

// Statement is one cached prepared statement. Handle is the
// engine-specific prepared handle; Release closes it.
type Statement struct {
	Name       string
	SQL        string
	Handle     any
	UsageCount uint64
	Release    func() error
}

// Cache is a bounded LRU map from logical statement name to Statement.
type Cache struct {
	capacity int
	entries  *lru.Cache
}

// DefaultCapacity is used when a connection config does not override it.
const DefaultCapacity = 32

// New creates a cache with the given capacity. A non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{capacity: capacity}
	// The eviction callback also fires on explicit Remove, so an engine
	// handle is released exactly once however the entry leaves the cache.
	c.entries, _ = lru.NewWithEvict(capacity, func(_, value any) {
		st := value.(*Statement)
		if st.Release != nil {
			_ = st.Release()
		}
	})
	return c
}

// Get returns the cached statement for name, bumping its recency.
// A hit never causes an eviction.
func (c *Cache) Get(name string) (*Statement, bool) {
	if c == nil || name == "" {
		return nil, false
	}
	v, ok := c.entries.Get(name)
	if !ok {
		return nil, false
	}
	st := v.(*Statement)
	st.UsageCount++
	return st, true
}

// Put inserts a freshly prepared statement, evicting the least recently
// used entry first when the cache is at capacity.
func (c *Cache) Put(st *Statement) error {
	if c == nil {
		return errs.New(errs.ErrKindInvalidInput, "nil statement cache")
	}
	if st == nil || st.Name == "" {
		return errs.New(errs.ErrKindInvalidInput, "statement must have a name")
	}
	st.UsageCount++
	c.entries.Add(st.Name, st)
	return nil
}

// Remove drops the statement with the exact name, releasing its engine
// handle. It reports false for a nil cache, empty name, or absent entry.
func (c *Cache) Remove(name string) bool {
	if c == nil || name == "" {
		return false
	}
	return c.entries.Remove(name)
}

// Len returns the current number of cached statements.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}

// Capacity returns the configured maximum entry count.
func (c *Cache) Capacity() int {
	if c == nil {
		return 0
	}
	return c.capacity
}

// Purge releases every cached statement. Used on disconnect and teardown.
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.entries.Purge()
}

// Names returns the cached statement names from least to most recently used.
func (c *Cache) Names() []string {
	if c == nil {
		return nil
	}
	keys := c.entries.Keys()
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.(string)
	}
	return names
}
