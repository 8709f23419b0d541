package serve

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"
	"sync"

	"github.com/gftdcojp/conditions-db/internal/adapter"
	"github.com/gftdcojp/conditions-db/internal/types"
	"github.com/google/uuid"
)

// memBackend is an in-memory Backend holding tags, payload rows and data.
type memBackend struct {
	mu       sync.Mutex
	tags     map[string]types.TagRecord
	schemas  map[string]string // by tag id
	payloads map[string][]*types.Payload
	data     map[string][]byte
	tables   []string
}

func newMemBackend() *memBackend {
	return &memBackend{
		tags:     make(map[string]types.TagRecord),
		schemas:  make(map[string]string),
		payloads: make(map[string][]*types.Payload),
		data:     make(map[string][]byte),
	}
}

func (m *memBackend) pathOf(id string) string {
	var parts []string
	for id != "" {
		t, ok := m.tags[id]
		if !ok {
			return ""
		}
		parts = append([]string{t.Name}, parts...)
		id = t.PID
	}
	return strings.Join(parts, "/")
}

func (m *memBackend) TagRecords(context.Context) ([]types.TagRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.TagRecord, 0, len(m.tags))
	for _, t := range m.tags {
		t.Path = m.pathOf(t.ID)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *memBackend) TagPath(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.pathOf(id); p != "" {
		return p, nil
	}
	return "", adapter.Errorf(adapter.ErrNotFound, "tag id %s does not exist", id)
}

func (m *memBackend) byPath(path string) (types.TagRecord, bool) {
	for _, t := range m.tags {
		if m.pathOf(t.ID) == path {
			return t, true
		}
	}
	return types.TagRecord{}, false
}

func (m *memBackend) FindPayload(_ context.Context, tb, flavor string, mode types.Mode, q types.Query, mt int64) (*types.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *types.Payload
	for _, p := range m.payloads[tb] {
		if p.Flavor == flavor && types.Matches(p, mode, q, mt) && types.Newer(p, best) {
			best = p
		}
	}
	if best == nil {
		return nil, adapter.Errorf(adapter.ErrNotFound, "no payload in %s", tb)
	}
	return best.Clone(), nil
}

func (m *memBackend) SetPayload(_ context.Context, p *types.Payload) (string, error) {
	if !p.Ready() {
		return "", adapter.Errorf(adapter.ErrInvalidInput, "payload is not ready")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byPath(p.Path())
	if !ok || t.TbName == "" {
		return "", adapter.Errorf(adapter.ErrNotFound, "no struct %s", p.Path())
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	stored := p.Clone()
	if stored.URI == "" {
		m.data[p.ID] = stored.Data
		stored.URI = "db://" + t.TbName + "/" + p.ID
		stored.Data = nil
	}
	m.payloads[t.TbName] = append(m.payloads[t.TbName], stored)
	return p.ID, nil
}

func (m *memBackend) DeactivateStored(_ context.Context, tb, id string, dt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payloads[tb] {
		if p.ID == id {
			p.DeactiveTime = dt
			return nil
		}
	}
	return adapter.Errorf(adapter.ErrNotFound, "payload %s not found in %s", id, tb)
}

func (m *memBackend) ImportTag(_ context.Context, rec types.TagRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tags[rec.ID]; ok {
		return "", adapter.Errorf(adapter.ErrConflict, "tag %s exists", rec.ID)
	}
	if rec.PID != "" {
		if _, ok := m.tags[rec.PID]; !ok {
			return "", adapter.Errorf(adapter.ErrNotFound, "parent %s missing", rec.PID)
		}
	}
	m.tags[rec.ID] = rec
	return rec.ID, nil
}

func (m *memBackend) DeactivateTag(_ context.Context, path string, dt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byPath(path)
	if !ok {
		return adapter.Errorf(adapter.ErrNotFound, "no tag %s", path)
	}
	t.DeactTime = dt
	m.tags[t.ID] = t
	return nil
}

func (m *memBackend) GetTagSchema(_ context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, _ := m.byPath(path)
	doc, ok := m.schemas[t.ID]
	if !ok {
		return "", adapter.Errorf(adapter.ErrNotFound, "no schema for %s", path)
	}
	return doc, nil
}

func (m *memBackend) SetTagSchema(_ context.Context, path, doc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byPath(path)
	if !ok {
		return adapter.Errorf(adapter.ErrNotFound, "no tag %s", path)
	}
	if _, ok := m.schemas[t.ID]; ok {
		return adapter.Errorf(adapter.ErrConflict, "schema exists for %s", path)
	}
	m.schemas[t.ID] = doc
	t.Schema = "schema-" + base64.RawURLEncoding.EncodeToString([]byte(t.ID))[:8]
	m.tags[t.ID] = t
	return nil
}

func (m *memBackend) DropTagSchema(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, _ := m.byPath(path)
	if _, ok := m.schemas[t.ID]; !ok {
		return adapter.Errorf(adapter.ErrNotFound, "no schema for %s", path)
	}
	delete(m.schemas, t.ID)
	t.Schema = ""
	m.tags[t.ID] = t
	return nil
}

func (m *memBackend) DownloadData(_ context.Context, uri string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rest, ok := strings.CutPrefix(uri, "db://")
	if !ok {
		return nil, adapter.Errorf(adapter.ErrInvalidInput, "not a db uri")
	}
	_, id, _ := strings.Cut(rest, "/")
	d, ok := m.data[id]
	if !ok {
		return nil, adapter.Errorf(adapter.ErrNotFound, "%s", uri)
	}
	return d, nil
}

func (m *memBackend) CreateDatabaseTables(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = []string{"cdb_schemas", "cdb_tags"}
	return nil
}

func (m *memBackend) ListDatabaseTables(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tables...), nil
}

func (m *memBackend) DropDatabaseTables(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = nil
	return nil
}

var _ Backend = (*memBackend)(nil)
