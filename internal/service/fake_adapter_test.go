package service

import (
	"context"
	"strings"
	"sync"

	"github.com/gftdcojp/conditions-db/internal/adapter"
	"github.com/gftdcojp/conditions-db/internal/notify"
	"github.com/gftdcojp/conditions-db/internal/types"
)

// fakeAdapter serves fixed payloads keyed by "directory/structName" and
// records the calls it sees. Every write fails with err when it is set.
type fakeAdapter struct {
	name string

	mu       sync.Mutex
	payloads map[string]*types.Payload
	data     map[string][]byte
	seen     [][]string
	stored   []*types.Payload
	tags     map[string]types.Mode
	schemas  map[string]string
	err      error
	tables   int
	invalid  int
	closed   bool
}

func newFake(name string) *fakeAdapter {
	return &fakeAdapter{
		name:     name,
		payloads: make(map[string]*types.Payload),
		data:     make(map[string][]byte),
		tags:     make(map[string]types.Mode),
		schemas:  make(map[string]string),
	}
}

func (f *fakeAdapter) add(p *types.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[p.Path()] = p
}

func (f *fakeAdapter) lookups() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) GetPayload(ctx context.Context, path string, q types.Query) (*types.Payload, error) {
	req, err := adapter.Resolve(path, q)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payloads[req.Key()]
	if !ok {
		return nil, adapter.Errorf(adapter.ErrNotFound, "%s", path)
	}
	return p.Clone(), nil
}

func (f *fakeAdapter) GetPayloads(ctx context.Context, paths []string, q types.Query) (map[string]*types.Payload, error) {
	f.mu.Lock()
	f.seen = append(f.seen, append([]string(nil), paths...))
	f.mu.Unlock()
	return adapter.Collect(ctx, paths, q, f.GetPayload), nil
}

func (f *fakeAdapter) PrepareUpload(_ context.Context, path string) (*types.Payload, error) {
	if f.err != nil {
		return nil, f.err
	}
	d, _ := types.DecodePath(path)
	return &types.Payload{ID: "prepared-" + f.name, PID: "pid", Flavor: "ofl", Directory: d.Directory, StructName: d.StructName}, nil
}

func (f *fakeAdapter) SetPayload(_ context.Context, p *types.Payload) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == "" {
		p.ID = f.name + "-id"
	}
	f.stored = append(f.stored, p.Clone())
	return p.ID, nil
}

func (f *fakeAdapter) DeactivatePayload(context.Context, *types.Payload, int64) error {
	return f.err
}

func (f *fakeAdapter) CreateTag(_ context.Context, path string, mode types.Mode) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[path] = mode
	return types.DeterministicID(path), nil
}

func (f *fakeAdapter) ImportTag(_ context.Context, rec types.TagRecord) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return rec.ID, nil
}

func (f *fakeAdapter) DeactivateTag(context.Context, string, int64) error { return f.err }

func (f *fakeAdapter) ListTags(context.Context, bool) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p := range f.tags {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeAdapter) GetTagSchema(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.schemas[path]
	if !ok {
		return "", adapter.Errorf(adapter.ErrNotFound, "no schema for %s", path)
	}
	return doc, nil
}

func (f *fakeAdapter) SetTagSchema(_ context.Context, path, doc string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas[path] = doc
	return nil
}

func (f *fakeAdapter) DropTagSchema(context.Context, string) error { return f.err }

func (f *fakeAdapter) ExportTagsSchemas(context.Context, bool, bool) ([]byte, error) {
	return []byte(`{"export_type":"cdbnpp_tags_schemas"}`), f.err
}

func (f *fakeAdapter) ImportTagsSchemas(context.Context, []byte) error { return f.err }

func (f *fakeAdapter) DownloadData(_ context.Context, uri string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.data[uri]
	if !ok {
		return nil, adapter.Errorf(adapter.ErrNotFound, "%s", uri)
	}
	return d, nil
}

func (f *fakeAdapter) CreateDatabaseTables(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables++
	return f.err
}

func (f *fakeAdapter) ListDatabaseTables(context.Context) ([]string, error) {
	return []string{"cdb_tags", "cdb_schemas"}, f.err
}

func (f *fakeAdapter) DropDatabaseTables(context.Context) error { return f.err }

func (f *fakeAdapter) InvalidateMetadata() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalid++
}

func (f *fakeAdapter) invalidations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalid
}

func (f *fakeAdapter) Close() error {
	f.closed = true
	return nil
}

// fakeBlob keeps offloaded data in a map keyed by URI.
type fakeBlob struct {
	mu        sync.Mutex
	threshold int64
	objects   map[string][]byte
	deleted   []string
}

func newFakeBlob(threshold int64) *fakeBlob {
	return &fakeBlob{threshold: threshold, objects: make(map[string][]byte)}
}

func (b *fakeBlob) ShouldOffload(p *types.Payload) bool {
	return p.URI == "" && p.Size() > 0 && p.Size() >= b.threshold
}

func (b *fakeBlob) Put(_ context.Context, p *types.Payload) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	uri := "s3://bucket/" + adapter.TableName(p.Path()) + "/" + p.Flavor + "/" + p.ID + "." + string(p.Format)
	b.objects[uri] = p.Data
	return uri, nil
}

func (b *fakeBlob) Get(_ context.Context, uri string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.objects[uri]
	if !ok {
		return nil, adapter.Errorf(adapter.ErrNotFound, "%s", uri)
	}
	return d, nil
}

func (b *fakeBlob) Delete(_ context.Context, uri string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, uri)
	b.deleted = append(b.deleted, uri)
	return nil
}

// fakeFeed delivers published events to Subscribe callers in-process. Events
// carry a foreign origin so they are not filtered out.
type fakeFeed struct {
	mu        sync.Mutex
	published []notify.Event
	events    chan notify.Event
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{events: make(chan notify.Event, 16)}
}

func (f *fakeFeed) Publish(op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, notify.Event{Op: op, Path: path})
	return nil
}

func (f *fakeFeed) ops() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ops []string
	for _, ev := range f.published {
		ops = append(ops, ev.Op)
	}
	return strings.Join(ops, ",")
}

func (f *fakeFeed) Subscribe(ctx context.Context, ready chan<- struct{}, fn func(notify.Event)) error {
	if ready != nil {
		close(ready)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-f.events:
			fn(ev)
		}
	}
}

var (
	_ adapter.Adapter       = (*fakeAdapter)(nil)
	_ adapter.TableAdmin    = (*fakeAdapter)(nil)
	_ adapter.MetadataCache = (*fakeAdapter)(nil)
	_ BlobStore             = (*fakeBlob)(nil)
	_ ChangeFeed            = (*fakeFeed)(nil)
)
