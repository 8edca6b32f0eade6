// Package pagecache holds the pages a write transaction is working on.
//
// The primary tier is a bounded, strict LRU. Entries pushed out of it are
// written to a secondary tier synchronously, so a page evicted mid-transaction
// can always be retrieved again until the cache is cleared.
package pagecache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/page"
)

// Container pairs the committed version of a leaf page with the version
// being modified by the current transaction. Either may be nil.
type Container struct {
	Committed *page.Page
	Modified  *page.Page
}

// Stats are cumulative counters of one PageCache.
type Stats struct {
	Hits          uint64
	SecondaryHits uint64
	Misses        uint64
	Evictions     uint64
}

// Secondary is the spill tier behind the primary LRU.
type Secondary interface {
	// Get returns the container stored under id, or nil if there is none.
	Get(id uint64) (*Container, error)
	Put(id uint64, c *Container) error
	Clear() error
	Close() error
}

// PageCache maps logical page ids to containers.
type PageCache struct {
	mu        sync.Mutex
	primary   *lru.Cache[uint64, *Container]
	secondary Secondary
	logger    *zap.Logger

	// Set by the eviction callback, consumed by the caller that triggered it.
	evictErr error
	clearing bool
	stats    Stats

	// OnEvict, if set, is called once per entry spilled to the secondary.
	OnEvict func()
}

// New returns a cache holding at most capacity containers in memory.
func New(capacity int, secondary Secondary, logger *zap.Logger) (*PageCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: page cache capacity %d", dberror.ErrInvalidConfig, capacity)
	}
	if secondary == nil {
		secondary = NullCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &PageCache{secondary: secondary, logger: logger}
	primary, err := lru.NewWithEvict(capacity, c.spill)
	if err != nil {
		return nil, err
	}
	c.primary = primary
	return c, nil
}

// spill runs inside Add or Purge while c.mu is held.
func (c *PageCache) spill(id uint64, cont *Container) {
	if c.clearing {
		return
	}
	c.stats.Evictions++
	if err := c.secondary.Put(id, cont); err != nil && c.evictErr == nil {
		c.evictErr = fmt.Errorf("spill page %d: %w", id, err)
		return
	}
	if c.OnEvict != nil {
		c.OnEvict()
	}
	c.logger.Debug("page spilled to secondary cache", zap.Uint64("pageID", id))
}

// Get returns the container for id, or nil if neither tier holds it. A hit in
// the secondary tier is promoted back into the primary.
func (c *PageCache) Get(id uint64) (*Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cont, ok := c.primary.Get(id); ok {
		c.stats.Hits++
		return cont, nil
	}
	cont, err := c.secondary.Get(id)
	if err != nil {
		return nil, err
	}
	if cont == nil {
		c.stats.Misses++
		return nil, nil
	}
	c.stats.SecondaryHits++
	if err := c.addLocked(id, cont); err != nil {
		return nil, err
	}
	return cont, nil
}

// Put stores cont under id. If the primary tier is full its least recently
// used entry is written to the secondary tier first; a failure to do so is
// returned.
func (c *PageCache) Put(id uint64, cont *Container) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addLocked(id, cont)
}

func (c *PageCache) addLocked(id uint64, cont *Container) error {
	c.evictErr = nil
	c.primary.Add(id, cont)
	err := c.evictErr
	c.evictErr = nil
	return err
}

// Keys returns the ids held by either tier of the cache, primary first.
// Ids present in both are reported once.
func (c *PageCache) Keys() ([]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.primary.Keys()
	lister, ok := c.secondary.(interface{ Keys() ([]uint64, error) })
	if !ok {
		return keys, nil
	}
	spilled, err := lister.Keys()
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	for _, k := range spilled {
		if _, dup := seen[k]; !dup {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Len is the number of containers in the primary tier.
func (c *PageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary.Len()
}

func (c *PageCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Clear drops every entry from both tiers without spilling.
func (c *PageCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearing = true
	c.primary.Purge()
	c.clearing = false
	return c.secondary.Clear()
}

// Close clears the cache and releases the secondary tier.
func (c *PageCache) Close() error {
	if err := c.Clear(); err != nil {
		return err
	}
	return c.secondary.Close()
}

// --- Secondary tiers ---

// NullCache drops everything. Evicted pages are lost, so it only suits caches
// whose capacity is never exceeded.
type NullCache struct{}

func (NullCache) Get(uint64) (*Container, error) { return nil, nil }
func (NullCache) Put(uint64, *Container) error   { return nil }
func (NullCache) Clear() error                   { return nil }
func (NullCache) Close() error                   { return nil }

// MemoryCache keeps spilled containers in a map.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[uint64]*Container
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[uint64]*Container)}
}

func (m *MemoryCache) Get(id uint64) (*Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[id], nil
}

func (m *MemoryCache) Put(id uint64, c *Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = c
	return nil
}

func (m *MemoryCache) Keys() ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]uint64, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryCache) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[uint64]*Container)
	return nil
}

func (m *MemoryCache) Close() error { return m.Clear() }
