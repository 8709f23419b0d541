package meta

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gftdcojp/conditions-db/internal/metrics"
	"github.com/gftdcojp/conditions-db/internal/tag"
	"github.com/gftdcojp/conditions-db/internal/types"
	"go.uber.org/zap"
)

// Loader downloads the tag list and the schema documents keyed by tag id.
type Loader func(ctx context.Context) ([]types.Tag, map[string]string, error)

// Cache holds the tag hierarchy of one backend. It loads lazily, reloads
// after the refresh interval or an Invalidate, and falls back to the last
// saved snapshot when the backend cannot be reached.
type Cache struct {
	adapter string
	source  string
	load    Loader
	store   Store
	refresh time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	ix       *tag.Index
	schemas  map[string]string
	loadedAt time.Time
}

// CacheConfig configures a Cache. Store and Refresh are optional.
type CacheConfig struct {
	Adapter string
	Source  string
	Load    Loader
	Store   Store
	Refresh time.Duration
}

func NewCache(cfg CacheConfig, logger *zap.Logger) *Cache {
	return &Cache{
		adapter: cfg.Adapter,
		source:  cfg.Source,
		load:    cfg.Load,
		store:   cfg.Store,
		refresh: cfg.Refresh,
		logger:  logger,
	}
}

// View runs fn with the loaded index and schema map while holding the cache
// lock. fn must not call back into the cache.
func (c *Cache) View(ctx context.Context, fn func(ix *tag.Index, schemas map[string]string) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensure(ctx); err != nil {
		return err
	}
	return fn(c.ix, c.schemas)
}

// Update applies fn to the loaded index. It is a no-op when nothing is
// loaded, since the next View downloads fresh metadata anyway.
func (c *Cache) Update(fn func(ix *tag.Index, schemas map[string]string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ix != nil {
		fn(c.ix, c.schemas)
	}
}

// Invalidate drops the loaded metadata.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.ix = nil
	c.schemas = nil
	c.mu.Unlock()
	c.logger.Debug("metadata invalidated", zap.String("source", c.source))
}

func (c *Cache) fresh() bool {
	if c.ix == nil {
		return false
	}
	return c.refresh <= 0 || time.Since(c.loadedAt) < c.refresh
}

func (c *Cache) ensure(ctx context.Context) error {
	if c.fresh() {
		return nil
	}

	tags, schemas, err := c.load(ctx)
	if err == nil {
		c.install(tags, schemas)
		metrics.MetadataRefreshes.WithLabelValues(c.adapter, "backend").Inc()
		c.save(ctx)
		return nil
	}
	metrics.MetadataRefreshes.WithLabelValues(c.adapter, "error").Inc()

	if c.ix != nil {
		c.logger.Warn("metadata refresh failed, keeping previous copy",
			zap.String("source", c.source), zap.Error(err))
		c.loadedAt = time.Now()
		return nil
	}

	if c.store != nil {
		snap, serr := c.store.LoadSnapshot(ctx, c.source)
		if serr == nil {
			c.installSnapshot(snap)
			metrics.MetadataRefreshes.WithLabelValues(c.adapter, "snapshot").Inc()
			c.logger.Warn("backend unreachable, using metadata snapshot",
				zap.String("source", c.source),
				zap.Time("saved_at", snap.SavedAt),
				zap.Error(err),
			)
			return nil
		}
		if !errors.Is(serr, ErrNoSnapshot) {
			c.logger.Warn("loading metadata snapshot failed", zap.String("source", c.source), zap.Error(serr))
		}
	}
	return fmt.Errorf("downloading metadata from %s: %w", c.source, err)
}

func (c *Cache) install(tags []types.Tag, schemas map[string]string) {
	if schemas == nil {
		schemas = make(map[string]string)
	}
	c.ix = tag.Build(tags)
	c.schemas = schemas
	c.loadedAt = time.Now()
	c.logger.Debug("metadata loaded",
		zap.String("source", c.source),
		zap.Int("tags", c.ix.Len()),
		zap.Int("schemas", len(schemas)),
	)
}

// save writes the loaded metadata to the snapshot store, keying schemas by
// path so they survive id changes on the backend.
func (c *Cache) save(ctx context.Context) {
	if c.store == nil {
		return
	}
	snap := Snapshot{Source: c.source, Tags: c.ix.Tags(), Schemas: make(map[string]string, len(c.schemas))}
	for id, doc := range c.schemas {
		if p := c.ix.Path(id); p != "" {
			snap.Schemas[p] = doc
		}
	}
	if err := c.store.SaveSnapshot(ctx, snap); err != nil {
		c.logger.Warn("saving metadata snapshot failed", zap.String("source", c.source), zap.Error(err))
	}
}

func (c *Cache) installSnapshot(snap *Snapshot) {
	ix := tag.Build(snap.Tags)
	schemas := make(map[string]string, len(snap.Schemas))
	for p, doc := range snap.Schemas {
		if t, ok := ix.ByPath(p); ok {
			schemas[t.ID] = doc
		}
	}
	c.ix = ix
	c.schemas = schemas
	c.loadedAt = time.Now()
}
