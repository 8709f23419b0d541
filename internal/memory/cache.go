package memory

import (
	"sync"

	"github.com/gftdcojp/conditions-db/internal/config"
	"github.com/gftdcojp/conditions-db/internal/metrics"
	"github.com/gftdcojp/conditions-db/internal/types"
	"go.uber.org/zap"
)

// Limits holds the byte and item watermarks of a CacheStore. A zero high
// watermark disables that dimension.
type Limits struct {
	LoBytes int64
	HiBytes int64
	LoItems int64
	HiItems int64
}

// LimitsFromConfig converts the memory adapter configuration.
func LimitsFromConfig(cfg config.MemoryConfig) Limits {
	return Limits{
		LoBytes: int64(cfg.CacheSizeLimit.Lo),
		HiBytes: int64(cfg.CacheSizeLimit.Hi),
		LoItems: cfg.CacheItemLimit.Lo,
		HiItems: cfg.CacheItemLimit.Hi,
	}
}

// CacheStore is an insertion-ordered payload cache. Once the total size or
// the item count goes over its high watermark, the oldest entries are
// dropped until both are back at or below their low watermarks.
type CacheStore struct {
	mu         sync.RWMutex
	limits     Limits
	entries    []*types.Payload // oldest first
	totalBytes int64
	logger     *zap.Logger
}

func NewCacheStore(limits Limits, logger *zap.Logger) *CacheStore {
	return &CacheStore{
		limits: limits,
		logger: logger,
	}
}

// Add appends p and evicts if a high watermark was crossed. It returns the
// number of evicted entries.
func (c *CacheStore) Add(p *types.Payload) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.add(p)
}

// AddUnique appends p unless an entry with the same id is cached. The check
// and the insert happen under one lock.
func (c *CacheStore) AddUnique(p *types.Payload) (added bool, evicted int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.ID == p.ID {
			return false, 0
		}
	}
	return true, c.add(p)
}

func (c *CacheStore) add(p *types.Payload) int {
	c.entries = append(c.entries, p)
	c.totalBytes += p.Size()

	evicted := 0
	if c.overHigh() {
		for len(c.entries) > 0 && c.overLow() {
			c.evictOldest()
			evicted++
		}
	}

	metrics.CacheItems.Set(float64(len(c.entries)))
	metrics.CacheBytes.Set(float64(c.totalBytes))
	if evicted > 0 {
		metrics.CacheEvictions.Add(float64(evicted))
		c.logger.Debug("evicted payloads from cache",
			zap.Int("evicted", evicted),
			zap.Int("items", len(c.entries)),
			zap.Int64("total_bytes", c.totalBytes),
		)
	}
	return evicted
}

// Scan calls visit for every cached payload, oldest first, until visit
// returns false. The payloads must not be modified.
func (c *CacheStore) Scan(visit func(p *types.Payload) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.entries {
		if !visit(p) {
			return
		}
	}
}

// Remove drops every entry with the given id.
func (c *CacheStore) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.entries[:0]
	removed := false
	for _, p := range c.entries {
		if p.ID == id {
			c.totalBytes -= p.Size()
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	clear(c.entries[len(kept):])
	c.entries = kept

	metrics.CacheItems.Set(float64(len(c.entries)))
	metrics.CacheBytes.Set(float64(c.totalBytes))
	return removed
}

func (c *CacheStore) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Bytes returns the summed inline data size of all entries.
func (c *CacheStore) Bytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalBytes
}

func (c *CacheStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	c.totalBytes = 0
	metrics.CacheItems.Set(0)
	metrics.CacheBytes.Set(0)
}

func (c *CacheStore) overHigh() bool {
	if c.limits.HiBytes > 0 && c.totalBytes > c.limits.HiBytes {
		return true
	}
	return c.limits.HiItems > 0 && int64(len(c.entries)) > c.limits.HiItems
}

func (c *CacheStore) overLow() bool {
	if c.limits.HiBytes > 0 && c.totalBytes > c.limits.LoBytes {
		return true
	}
	return c.limits.HiItems > 0 && int64(len(c.entries)) > c.limits.LoItems
}

func (c *CacheStore) evictOldest() {
	oldest := c.entries[0]
	c.entries[0] = nil
	c.entries = c.entries[1:]
	c.totalBytes -= oldest.Size()
}
