// Package cache is a bounded in-process TTL cache for configuration
// entities. The resolver keeps one Cache per entity kind; admin writes
// evict or replace entries by key.
package cache

import (
	"sync"
	"time"

	"github.com/gatelimit/gatelimit/pkg/clock"
)

// Option configures a Cache.
type Option func(*config)

type config struct {
	ttl           time.Duration
	maxEntries    int
	sweepInterval time.Duration
	clock         clock.Clock
}

// WithTTL sets the entry lifetime. Default 10 minutes.
func WithTTL(ttl time.Duration) Option {
	return func(c *config) { c.ttl = ttl }
}

// WithMaxEntries bounds the cache size; the oldest entry is evicted when
// the bound is crossed. Default 100.
func WithMaxEntries(n int) Option {
	return func(c *config) { c.maxEntries = n }
}

// WithSweepInterval sets how often the janitor removes expired entries.
// Default one minute.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// WithClock substitutes the time source.
func WithClock(clk clock.Clock) Option {
	return func(c *config) { c.clock = clk }
}

// Cache is safe for concurrent use.
type Cache struct {
	config config

	mu        sync.Mutex
	entries   map[string]*entry
	hits      int64
	misses    int64
	evictions int64
	closeCh   chan struct{}
	closed    bool
}

type entry struct {
	value    interface{}
	storedAt time.Time
}

// New builds a Cache and starts its janitor goroutine.
func New(opts ...Option) *Cache {
	cfg := config{
		ttl:           10 * time.Minute,
		maxEntries:    100,
		sweepInterval: time.Minute,
		clock:         clock.New(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Cache{
		config:  cfg,
		entries: make(map[string]*entry),
		closeCh: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		if ok {
			delete(c.entries, key)
			c.evictions++
		}
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Set stores a value, evicting the oldest entry when the bound is crossed.
// Setting an existing key replaces its value and restarts its TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.entries[key] = &entry{value: value, storedAt: c.config.clock.Now()}
	c.evictOldestLocked()
}

// Delete removes a key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear drops every entry. Used when a write invalidates keys that cannot
// be enumerated, like per-IP match results after a rule change.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

// Len returns the current entry count, expired entries included until the
// next sweep or read touches them.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Close stops the janitor. Idempotent.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
}

func (c *Cache) expired(e *entry) bool {
	return c.config.clock.Now().Sub(e.storedAt) >= c.config.ttl
}

func (c *Cache) evictOldestLocked() {
	if len(c.entries) <= c.config.maxEntries {
		return
	}
	var oldestKey string
	var oldestTime time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.storedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.config.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.closeCh:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, k)
			c.evictions++
		}
	}
}
