// Package memory implements the in-process cache adapter. It only holds
// payloads handed to it and never acts as a source of truth for tags or
// schemas.
package memory

import (
	"context"
	"time"

	"github.com/gftdcojp/conditions-db/internal/adapter"
	"github.com/gftdcojp/conditions-db/internal/metrics"
	"github.com/gftdcojp/conditions-db/internal/types"
	"go.uber.org/zap"
)

// Adapter serves payloads from a CacheStore.
type Adapter struct {
	cache  *CacheStore
	logger *zap.Logger
}

func NewAdapter(limits Limits, logger *zap.Logger) *Adapter {
	logger = logger.Named("memory")
	return &Adapter{
		cache:  NewCacheStore(limits, logger),
		logger: logger,
	}
}

func (a *Adapter) Name() string { return adapter.NameMemory }

// Stats returns the cached item count and byte total.
func (a *Adapter) Stats() (items int, bytes int64) {
	return a.cache.Len(), a.cache.Bytes()
}

func (a *Adapter) GetPayload(_ context.Context, path string, q types.Query) (*types.Payload, error) {
	start := time.Now()
	req, err := adapter.Resolve(path, q)
	if err != nil {
		return nil, err
	}

	for _, flavor := range req.Flavors {
		var best *types.Payload
		a.cache.Scan(func(p *types.Payload) bool {
			if p.Flavor != flavor || p.Directory != req.Path.Directory || p.StructName != req.Path.StructName {
				return true
			}
			if types.Matches(p, p.Mode, q, req.MaxEntryTime) && types.Newer(p, best) {
				best = p
			}
			return true
		})
		if best != nil {
			metrics.ObserveLookup(adapter.NameMemory, start, true, nil)
			return best.Clone(), nil
		}
	}

	metrics.ObserveLookup(adapter.NameMemory, start, false, nil)
	return nil, adapter.Errorf(adapter.ErrNotFound, "no cached payload for %s", path)
}

func (a *Adapter) GetPayloads(ctx context.Context, paths []string, q types.Query) (map[string]*types.Payload, error) {
	return adapter.Collect(ctx, paths, q, a.GetPayload), nil
}

func (a *Adapter) PrepareUpload(context.Context, string) (*types.Payload, error) {
	return nil, adapter.Unsupported(adapter.NameMemory, "PrepareUpload")
}

// SetPayload caches a copy of p. Only ready payloads with a closed interval
// are accepted; adding an id that is already cached is a no-op.
func (a *Adapter) SetPayload(_ context.Context, p *types.Payload) (string, error) {
	if !p.Ready() || p.EndTime == 0 {
		return "", adapter.Errorf(adapter.ErrInvalidInput, "payload is not ready or endTime is not set")
	}

	if added, _ := a.cache.AddUnique(p.Clone()); !added {
		return p.ID, nil
	}
	metrics.Writes.WithLabelValues(adapter.NameMemory, "ok").Inc()
	a.logger.Debug("payload cached",
		zap.String("id", p.ID),
		zap.String("path", p.FlavorPath()),
		zap.Int64("size", p.Size()),
	)
	return p.ID, nil
}

// Forget drops a cached payload, e.g. after it was deactivated elsewhere.
func (a *Adapter) Forget(id string) bool {
	return a.cache.Remove(id)
}

func (a *Adapter) DeactivatePayload(context.Context, *types.Payload, int64) error {
	return adapter.Unsupported(adapter.NameMemory, "DeactivatePayload")
}

func (a *Adapter) CreateTag(context.Context, string, types.Mode) (string, error) {
	return "", adapter.Unsupported(adapter.NameMemory, "CreateTag")
}

func (a *Adapter) ImportTag(context.Context, types.TagRecord) (string, error) {
	return "", adapter.Unsupported(adapter.NameMemory, "ImportTag")
}

func (a *Adapter) DeactivateTag(context.Context, string, int64) error {
	return adapter.Unsupported(adapter.NameMemory, "DeactivateTag")
}

func (a *Adapter) ListTags(context.Context, bool) ([]string, error) {
	return nil, adapter.Unsupported(adapter.NameMemory, "ListTags")
}

func (a *Adapter) GetTagSchema(context.Context, string) (string, error) {
	return "", adapter.Unsupported(adapter.NameMemory, "GetTagSchema")
}

func (a *Adapter) SetTagSchema(context.Context, string, string) error {
	return adapter.Unsupported(adapter.NameMemory, "SetTagSchema")
}

func (a *Adapter) DropTagSchema(context.Context, string) error {
	return adapter.Unsupported(adapter.NameMemory, "DropTagSchema")
}

func (a *Adapter) ExportTagsSchemas(context.Context, bool, bool) ([]byte, error) {
	return nil, adapter.Unsupported(adapter.NameMemory, "ExportTagsSchemas")
}

func (a *Adapter) ImportTagsSchemas(context.Context, []byte) error {
	return adapter.Unsupported(adapter.NameMemory, "ImportTagsSchemas")
}

// DownloadData is unsupported: the cache never owns a URI.
func (a *Adapter) DownloadData(context.Context, string) ([]byte, error) {
	return nil, adapter.Unsupported(adapter.NameMemory, "DownloadData")
}

func (a *Adapter) Close() error {
	a.cache.Clear()
	return nil
}

var _ adapter.Adapter = (*Adapter)(nil)
