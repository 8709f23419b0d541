// Package service fans lookups out across the enabled adapters, merges their
// results and routes writes to the first adapter able to take them.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gftdcojp/conditions-db/internal/adapter"
	"github.com/gftdcojp/conditions-db/internal/notify"
	"github.com/gftdcojp/conditions-db/internal/schema"
	"github.com/gftdcojp/conditions-db/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultFetchConcurrency = 8

// BlobStore offloads large payload data to object storage.
type BlobStore interface {
	ShouldOffload(p *types.Payload) bool
	Put(ctx context.Context, p *types.Payload) (string, error)
	Get(ctx context.Context, uri string) ([]byte, error)
	Delete(ctx context.Context, uri string) error
}

// ChangeFeed carries metadata change events between processes.
type ChangeFeed interface {
	Publish(op, path string) error
	Subscribe(ctx context.Context, ready chan<- struct{}, fn func(notify.Event)) error
}

// Config holds the dependencies of a Service.
type Config struct {
	// Adapters in lookup order.
	Adapters         []adapter.Adapter
	Flavors          []string
	FetchConcurrency int
	Blob             BlobStore
	Changes          ChangeFeed
	Logger           *zap.Logger
}

// Service holds the query context and the enabled adapters.
type Service struct {
	adapters []adapter.Adapter
	memory   adapter.Adapter
	blob     BlobStore
	changes  ChangeFeed
	fetch    int
	logger   *zap.Logger

	mu    sync.RWMutex
	query types.Query
}

func New(cfg Config) (*Service, error) {
	if len(cfg.Adapters) == 0 {
		return nil, adapter.Errorf(adapter.ErrConfiguration, "no adapters enabled")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		adapters: cfg.Adapters,
		blob:     cfg.Blob,
		changes:  cfg.Changes,
		fetch:    cfg.FetchConcurrency,
		logger:   logger.Named("service"),
	}
	if s.fetch <= 0 {
		s.fetch = defaultFetchConcurrency
	}
	seen := make(map[string]bool, len(cfg.Adapters))
	for _, a := range cfg.Adapters {
		if seen[a.Name()] {
			return nil, adapter.Errorf(adapter.ErrConfiguration, "adapter %q enabled twice", a.Name())
		}
		seen[a.Name()] = true
		if a.Name() == adapter.NameMemory {
			s.memory = a
		}
	}
	if len(cfg.Flavors) > 0 {
		if err := s.SetFlavors(cfg.Flavors); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnabledAdapters returns the adapter names in lookup order.
func (s *Service) EnabledAdapters() []string {
	out := make([]string, len(s.adapters))
	for i, a := range s.adapters {
		out[i] = a.Name()
	}
	return out
}

// Adapter returns the enabled adapter with the given name.
func (s *Service) Adapter(name string) (adapter.Adapter, bool) {
	for _, a := range s.adapters {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

// Query returns a copy of the current query context.
func (s *Service) Query() types.Query {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := s.query
	q.Flavors = append([]string(nil), s.query.Flavors...)
	q.Overrides = append([]types.Override(nil), s.query.Overrides...)
	return q
}

// SetFlavors sets the flavor fallback order. Names are reduced to letters and
// digits; empty names are rejected.
func (s *Service) SetFlavors(flavors []string) error {
	clean := make([]string, 0, len(flavors))
	for _, f := range flavors {
		c := types.SanitizeAlnum(strings.TrimSpace(f))
		if c == "" {
			return adapter.Errorf(adapter.ErrInvalidInput, "invalid flavor %q", f)
		}
		clean = append(clean, c)
	}
	if len(clean) == 0 {
		return adapter.Errorf(adapter.ErrInvalidInput, "at least one flavor is required")
	}
	s.mu.Lock()
	s.query.Flavors = clean
	s.mu.Unlock()
	return nil
}

func (s *Service) SetEventTime(t int64) {
	s.mu.Lock()
	s.query.EventTime = t
	s.mu.Unlock()
}

func (s *Service) SetMaxEntryTime(t int64) {
	s.mu.Lock()
	s.query.MaxEntryTime = t
	s.mu.Unlock()
}

func (s *Service) SetRun(run int64) {
	s.mu.Lock()
	s.query.Run = run
	s.mu.Unlock()
}

func (s *Service) SetSeq(seq int64) {
	s.mu.Lock()
	s.query.Seq = seq
	s.mu.Unlock()
}

// SetMaxEntryTimeOverride pins the entry time for every path below prefix.
// Setting the same prefix again replaces the earlier value.
func (s *Service) SetMaxEntryTimeOverride(prefix string, t int64) {
	prefix = strings.Trim(prefix, "/ ")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.query.Overrides {
		if o.Prefix == prefix {
			s.query.Overrides[i].MaxEntryTime = t
			return
		}
	}
	s.query.Overrides = append(s.query.Overrides, types.Override{Prefix: prefix, MaxEntryTime: t})
}

func (s *Service) ClearMaxEntryTimeOverrides() {
	s.mu.Lock()
	s.query.Overrides = nil
	s.mu.Unlock()
}

// GetPayloads resolves paths across the enabled adapters in order. Each
// adapter only sees the paths still unresolved. Results are keyed by
// "directory/structName"; paths nobody resolved are absent. With fetchData
// set, payloads that only carry a URI get their data loaded.
func (s *Service) GetPayloads(ctx context.Context, paths []string, fetchData bool) (map[string]*types.Payload, error) {
	q := s.Query()
	res := make(map[string]*types.Payload, len(paths))
	remaining := make([]string, 0, len(paths))
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			remaining = append(remaining, p)
		}
	}

	var backfill []*types.Payload
	for _, a := range s.adapters {
		if len(remaining) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resolved, err := a.GetPayloads(ctx, remaining, q)
		if err != nil {
			s.logger.Warn("adapter lookup failed",
				zap.String("adapter", a.Name()),
				zap.Int("paths", len(remaining)),
				zap.Error(err),
			)
			continue
		}
		if len(resolved) == 0 {
			continue
		}
		remaining = unresolved(remaining, resolved)
		for key, p := range resolved {
			if _, dup := res[key]; dup {
				s.logger.Debug("path already resolved", zap.String("path", p.FlavorPath()), zap.String("adapter", a.Name()))
				continue
			}
			res[key] = p
			if a.Name() != adapter.NameMemory && a.Name() != adapter.NameFile {
				backfill = append(backfill, p)
			}
		}
	}

	if fetchData {
		if err := s.fetchData(ctx, res); err != nil {
			return nil, err
		}
	}
	s.backfill(ctx, backfill)
	return res, nil
}

// unresolved drops every path whose struct, plain or flavor-qualified, was
// resolved, and every folder path with a resolved struct below it: the
// adapter that unfolded the folder answered for it.
func unresolved(paths []string, resolved map[string]*types.Payload) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		d, ok := types.DecodePath(p)
		if ok {
			if _, hit := resolved[d.Path()]; hit {
				continue
			}
			if folderHit(p, resolved) {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

func folderHit(path string, resolved map[string]*types.Payload) bool {
	if i := strings.IndexByte(path, ':'); i >= 0 {
		path = path[i+1:]
	}
	prefix := strings.Trim(strings.TrimSpace(path), "/") + "/"
	if prefix == "/" {
		return false
	}
	for key := range resolved {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (s *Service) backfill(ctx context.Context, payloads []*types.Payload) {
	if s.memory == nil {
		return
	}
	for _, p := range payloads {
		// Open intervals and unready payloads are refused by the cache.
		if _, err := s.memory.SetPayload(ctx, p); err != nil {
			s.logger.Debug("payload not cached", zap.String("path", p.FlavorPath()), zap.Error(err))
		}
	}
}

func (s *Service) fetchData(ctx context.Context, res map[string]*types.Payload) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fetch)
	for _, p := range res {
		if len(p.Data) > 0 || p.URI == "" {
			continue
		}
		g.Go(func() error {
			if err := s.ResolveURI(gctx, p); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Warn("fetching payload data failed",
					zap.String("path", p.FlavorPath()),
					zap.String("uri", p.URI),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

// GetPayload resolves a single path.
func (s *Service) GetPayload(ctx context.Context, path string, fetchData bool) (*types.Payload, error) {
	res, err := s.GetPayloads(ctx, []string{path}, fetchData)
	if err != nil {
		return nil, err
	}
	d, ok := types.DecodePath(path)
	if !ok {
		return nil, adapter.Errorf(adapter.ErrInvalidInput, "cannot decode path %q", path)
	}
	p, ok := res[d.Path()]
	if !ok {
		return nil, adapter.Errorf(adapter.ErrNotFound, "no payload for %s", path)
	}
	return p, nil
}

// ResolveURI loads the data behind p.URI through the adapter owning its
// scheme. The format is taken from the URI extension when p has none.
func (s *Service) ResolveURI(ctx context.Context, p *types.Payload) error {
	if len(p.Data) > 0 {
		return adapter.Errorf(adapter.ErrInvalidInput, "payload %s already carries data", p.ID)
	}
	scheme, rest, ok := strings.Cut(p.URI, "://")
	if !ok || rest == "" {
		return adapter.Errorf(adapter.ErrInvalidInput, "bad uri: %q", p.URI)
	}

	var (
		data []byte
		err  error
	)
	switch types.SanitizeAlnum(strings.ToLower(scheme)) {
	case "file":
		data, err = s.download(ctx, adapter.NameFile, p.URI)
	case "http", "https":
		data, err = s.download(ctx, adapter.NameHTTP, p.URI)
	case "db":
		data, err = s.download(ctx, adapter.NameDB, p.URI)
	case "s3":
		if s.blob == nil {
			return adapter.Errorf(adapter.ErrNotSupported, "blob store is not enabled for %s", p.URI)
		}
		data, err = s.blob.Get(ctx, p.URI)
	default:
		return adapter.Errorf(adapter.ErrNotSupported, "unknown uri scheme %q", scheme)
	}
	if err != nil {
		return err
	}

	format := p.Format
	if format == "" {
		ext := rest
		if i := strings.LastIndexByte(rest, '.'); i >= 0 {
			ext = rest[i+1:]
		}
		format = types.Format(types.SanitizeAlnum(strings.ToLower(ext)))
	}
	p.SetData(data, format)
	return nil
}

func (s *Service) download(ctx context.Context, name, uri string) ([]byte, error) {
	a, ok := s.Adapter(name)
	if !ok {
		return nil, adapter.Errorf(adapter.ErrNotSupported, "%s adapter is not enabled for %s", name, uri)
	}
	return a.DownloadData(ctx, uri)
}

// PrepareUpload returns a payload bound to the struct at path, from the first
// non-memory adapter that knows it.
func (s *Service) PrepareUpload(ctx context.Context, path string) (*types.Payload, error) {
	var out *types.Payload
	err := s.each(ctx, "PrepareUpload", true, func(a adapter.Adapter) error {
		p, err := a.PrepareUpload(ctx, path)
		out = p
		return err
	})
	return out, err
}

// Reupload turns a fetched payload into a new upload for the same struct.
func (s *Service) Reupload(p *types.Payload) (*types.Payload, error) {
	c := p.Clone()
	if err := c.ResetForUpload(); err != nil {
		return nil, fmt.Errorf("preparing re-upload: %w", err)
	}
	return c, nil
}

// SetPayload stores p in the first non-memory adapter that accepts it. With a
// blob store configured, large data is uploaded there first and the payload
// is stored by reference.
func (s *Service) SetPayload(ctx context.Context, p *types.Payload) (string, error) {
	if !p.Ready() {
		return "", adapter.Errorf(adapter.ErrInvalidInput, "payload for %s is not ready to be stored", p.Path())
	}
	up := p
	offloaded := ""
	if s.blob != nil && s.blob.ShouldOffload(p) {
		if err := s.validate(ctx, p); err != nil {
			return "", err
		}
		uri, err := s.blob.Put(ctx, p)
		if err != nil {
			return "", fmt.Errorf("offloading payload data: %w", err)
		}
		offloaded = uri
		up = p.Clone()
		up.SetURI(uri)
		up.Format = p.Format
	}

	var id string
	err := s.each(ctx, "SetPayload", true, func(a adapter.Adapter) error {
		var err error
		id, err = a.SetPayload(ctx, up)
		return err
	})
	if err != nil {
		if offloaded != "" {
			if derr := s.blob.Delete(ctx, offloaded); derr != nil {
				s.logger.Warn("removing orphaned blob", zap.String("uri", offloaded), zap.Error(derr))
			}
		}
		return "", err
	}
	if up != p {
		p.ID = up.ID
		p.PID = up.PID
		p.CreateTime = up.CreateTime
		p.URI = up.URI
	}
	return id, nil
}

// validate checks p against its struct schema, if any.
func (s *Service) validate(ctx context.Context, p *types.Payload) error {
	doc, err := s.GetTagSchema(ctx, p.Path())
	if err != nil || doc == "" {
		return nil
	}
	if err := schema.ValidatePayload(doc, p); err != nil && !errors.Is(err, schema.ErrSkipped) {
		return adapter.Errorf(adapter.ErrInvalidInput, "schema validation failed for %s: %v", p.Path(), err)
	}
	return nil
}

func (s *Service) DeactivatePayload(ctx context.Context, p *types.Payload, deactiveTime int64) error {
	err := s.each(ctx, "DeactivatePayload", false, func(a adapter.Adapter) error {
		return a.DeactivatePayload(ctx, p, deactiveTime)
	})
	if err == nil && s.memory != nil {
		// Cached copies would otherwise keep serving the deactivated version.
		if f, ok := s.memory.(interface{ Forget(string) bool }); ok {
			f.Forget(p.ID)
		}
	}
	return err
}

func (s *Service) CreateTag(ctx context.Context, path string, mode types.Mode) (string, error) {
	var id string
	err := s.each(ctx, "CreateTag", false, func(a adapter.Adapter) error {
		var err error
		id, err = a.CreateTag(ctx, path, mode)
		return err
	})
	if err == nil {
		s.announce(notify.OpTagCreate, path)
	}
	return id, err
}

// ImportTag recreates an exported tag, keeping its id.
func (s *Service) ImportTag(ctx context.Context, rec types.TagRecord) (string, error) {
	var id string
	err := s.each(ctx, "ImportTag", false, func(a adapter.Adapter) error {
		var err error
		id, err = a.ImportTag(ctx, rec)
		return err
	})
	if err == nil {
		s.announce(notify.OpImport, rec.Name)
	}
	return id, err
}

func (s *Service) DeactivateTag(ctx context.Context, path string, deactiveTime int64) error {
	err := s.each(ctx, "DeactivateTag", false, func(a adapter.Adapter) error {
		return a.DeactivateTag(ctx, path, deactiveTime)
	})
	if err == nil {
		s.announce(notify.OpTagDeactivate, path)
	}
	return err
}

// ListTags returns the tag listing of the first adapter holding tags.
func (s *Service) ListTags(ctx context.Context, skipStructs bool) ([]string, error) {
	var out []string
	err := s.each(ctx, "ListTags", false, func(a adapter.Adapter) error {
		var err error
		out, err = a.ListTags(ctx, skipStructs)
		return err
	})
	return out, err
}

func (s *Service) GetTagSchema(ctx context.Context, path string) (string, error) {
	var doc string
	err := s.each(ctx, "GetTagSchema", false, func(a adapter.Adapter) error {
		var err error
		doc, err = a.GetTagSchema(ctx, path)
		return err
	})
	return doc, err
}

func (s *Service) SetTagSchema(ctx context.Context, path, doc string) error {
	err := s.each(ctx, "SetTagSchema", false, func(a adapter.Adapter) error {
		return a.SetTagSchema(ctx, path, doc)
	})
	if err == nil {
		s.announce(notify.OpSchemaSet, path)
	}
	return err
}

func (s *Service) DropTagSchema(ctx context.Context, path string) error {
	err := s.each(ctx, "DropTagSchema", false, func(a adapter.Adapter) error {
		return a.DropTagSchema(ctx, path)
	})
	if err == nil {
		s.announce(notify.OpSchemaDrop, path)
	}
	return err
}

func (s *Service) ExportTagsSchemas(ctx context.Context, tags, schemas bool) ([]byte, error) {
	var out []byte
	err := s.each(ctx, "ExportTagsSchemas", false, func(a adapter.Adapter) error {
		var err error
		out, err = a.ExportTagsSchemas(ctx, tags, schemas)
		return err
	})
	return out, err
}

func (s *Service) ImportTagsSchemas(ctx context.Context, data []byte) error {
	err := s.each(ctx, "ImportTagsSchemas", false, func(a adapter.Adapter) error {
		return a.ImportTagsSchemas(ctx, data)
	})
	if err == nil {
		s.announce(notify.OpImport, "")
	}
	return err
}

func (s *Service) CreateDatabaseTables(ctx context.Context) error {
	err := s.eachAdmin(ctx, "CreateDatabaseTables", func(t adapter.TableAdmin) error {
		return t.CreateDatabaseTables(ctx)
	})
	if err == nil {
		s.announce(notify.OpTables, "")
	}
	return err
}

func (s *Service) ListDatabaseTables(ctx context.Context) ([]string, error) {
	var out []string
	err := s.eachAdmin(ctx, "ListDatabaseTables", func(t adapter.TableAdmin) error {
		var err error
		out, err = t.ListDatabaseTables(ctx)
		return err
	})
	return out, err
}

func (s *Service) DropDatabaseTables(ctx context.Context) error {
	err := s.eachAdmin(ctx, "DropDatabaseTables", func(t adapter.TableAdmin) error {
		return t.DropDatabaseTables(ctx)
	})
	if err == nil {
		s.announce(notify.OpTables, "")
	}
	return err
}

// InvalidateMetadata drops the cached tag hierarchy of every adapter that
// keeps one.
func (s *Service) InvalidateMetadata() {
	for _, a := range s.adapters {
		if m, ok := a.(adapter.MetadataCache); ok {
			m.InvalidateMetadata()
		}
	}
}

// WatchInvalidations invalidates cached metadata whenever another process
// announces a change. It blocks until ctx is done. Without a change feed it
// returns immediately.
func (s *Service) WatchInvalidations(ctx context.Context, ready chan<- struct{}) error {
	if s.changes == nil {
		if ready != nil {
			close(ready)
		}
		return nil
	}
	return s.changes.Subscribe(ctx, ready, func(ev notify.Event) {
		s.logger.Debug("metadata changed elsewhere", zap.String("op", ev.Op), zap.String("path", ev.Path))
		s.InvalidateMetadata()
	})
}

func (s *Service) announce(op, path string) {
	if s.changes == nil {
		return
	}
	if err := s.changes.Publish(op, path); err != nil {
		s.logger.Warn("announcing metadata change", zap.String("op", op), zap.Error(err))
	}
}

// each calls fn on the enabled adapters in order until one succeeds. The
// error returned when all fail is the first one that is not ErrNotSupported,
// or the last error otherwise.
func (s *Service) each(ctx context.Context, op string, skipMemory bool, fn func(adapter.Adapter) error) error {
	var first, last error
	tried := 0
	for _, a := range s.adapters {
		if skipMemory && a.Name() == adapter.NameMemory {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		tried++
		start := time.Now()
		err := fn(a)
		if err == nil {
			s.logger.Debug("operation served",
				zap.String("op", op),
				zap.String("adapter", a.Name()),
				zap.Duration("took", time.Since(start)),
			)
			return nil
		}
		err = fmt.Errorf("%s: %w", a.Name(), err)
		if first == nil && !errors.Is(err, adapter.ErrNotSupported) {
			first = err
		}
		last = err
	}
	if tried == 0 {
		return adapter.Errorf(adapter.ErrNotSupported, "no enabled adapter supports %s", op)
	}
	if first != nil {
		return first
	}
	return last
}

func (s *Service) eachAdmin(ctx context.Context, op string, fn func(adapter.TableAdmin) error) error {
	return s.each(ctx, op, true, func(a adapter.Adapter) error {
		t, ok := a.(adapter.TableAdmin)
		if !ok {
			return adapter.Unsupported(a.Name(), op)
		}
		return fn(t)
	})
}

// Close closes every adapter and returns the first error.
func (s *Service) Close() error {
	var first error
	for _, a := range s.adapters {
		if err := a.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing %s adapter: %w", a.Name(), err)
		}
	}
	return first
}
