package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gftdcojp/conditions-db/internal/adapter"
	"github.com/gftdcojp/conditions-db/internal/config"
	"github.com/gftdcojp/conditions-db/internal/file"
	"github.com/gftdcojp/conditions-db/internal/memory"
	"github.com/gftdcojp/conditions-db/internal/notify"
	"github.com/gftdcojp/conditions-db/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	gainPath     = "Calibrations/tpc/gain"
	pedestalPath = "Calibrations/tpc/pedestal"
)

func closedPayload(id, path string, ct, bt, et int64) *types.Payload {
	d, _ := types.DecodePath(path)
	p := &types.Payload{
		ID:         id,
		PID:        "pid-" + d.StructName,
		Flavor:     "ofl",
		Directory:  d.Directory,
		StructName: d.StructName,
		CreateTime: ct,
	}
	p.SetBeginTime(bt)
	p.SetEndTime(et)
	return p
}

type fixture struct {
	svc  *Service
	mem  *memory.Adapter
	file *file.Adapter
	db   *fakeAdapter
	http *fakeAdapter
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	fa, err := file.NewAdapter(config.FileConfig{Dirname: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	f := &fixture{
		mem:  memory.NewAdapter(memory.Limits{LoItems: 10, HiItems: 20}, zap.NewNop()),
		file: fa,
		db:   newFake(adapter.NameDB),
		http: newFake(adapter.NameHTTP),
	}
	cfg.Adapters = []adapter.Adapter{f.mem, f.file, f.db, f.http}
	if cfg.Flavors == nil {
		cfg.Flavors = []string{"ofl"}
	}
	cfg.Logger = zap.NewNop()
	f.svc, err = New(cfg)
	require.NoError(t, err)
	f.svc.SetEventTime(150)
	return f
}

func (f *fixture) seedFile(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, tc := range []struct {
		path string
		mode types.Mode
	}{
		{"Calibrations", types.ModeFolder},
		{"Calibrations/tpc", types.ModeFolder},
		{gainPath, types.ModeTime},
	} {
		_, err := f.file.CreateTag(ctx, tc.path, tc.mode)
		require.NoError(t, err)
	}
	p, err := f.file.PrepareUpload(ctx, "ofl:"+gainPath)
	require.NoError(t, err)
	p.CreateTime = 10
	p.SetBeginTime(100)
	p.SetEndTime(200)
	p.SetData([]byte(`{"gain": 1.5}`), types.FormatJSON)
	_, err = f.file.SetPayload(ctx, p)
	require.NoError(t, err)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, errors.Is(err, adapter.ErrConfiguration))

	_, err = New(Config{Adapters: []adapter.Adapter{newFake("db"), newFake("db")}})
	assert.True(t, errors.Is(err, adapter.ErrConfiguration))

	_, err = New(Config{Adapters: []adapter.Adapter{newFake("db")}, Flavors: []string{" "}})
	assert.True(t, errors.Is(err, adapter.ErrInvalidInput))
}

func TestQueryContext(t *testing.T) {
	f := newFixture(t, Config{})
	s := f.svc

	require.NoError(t, s.SetFlavors([]string{"sim", " o-fl "}))
	assert.Equal(t, []string{"sim", "ofl"}, s.Query().Flavors)
	assert.Error(t, s.SetFlavors(nil))

	s.SetRun(12)
	s.SetSeq(3)
	s.SetMaxEntryTime(500)
	s.SetMaxEntryTimeOverride("/Calibrations/tpc/", 100)
	s.SetMaxEntryTimeOverride("Calibrations/tpc", 120)
	q := s.Query()
	assert.Equal(t, int64(12), q.Run)
	assert.Equal(t, int64(3), q.Seq)
	assert.Equal(t, int64(500), q.MaxEntryTime)
	require.Len(t, q.Overrides, 1)
	assert.Equal(t, int64(120), q.EffectiveMaxEntryTime(gainPath))

	// The returned query is a copy.
	q.Flavors[0] = "changed"
	assert.Equal(t, "sim", s.Query().Flavors[0])

	s.ClearMaxEntryTimeOverrides()
	assert.Empty(t, s.Query().Overrides)
	assert.Equal(t, []string{"memory", "file", "db", "http"}, s.EnabledAdapters())
}

func TestGetPayloadsFansOutInOrder(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedFile(t)
	ped := closedPayload("ped1", pedestalPath, 10, 100, 200)
	ped.SetData([]byte{1, 2, 3}, types.FormatDat)
	f.db.add(ped)
	ctx := context.Background()

	res, err := f.svc.GetPayloads(ctx, []string{gainPath, "ofl:" + pedestalPath, "Calibrations/tpc/missing"}, true)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "ped1", res[pedestalPath].ID)
	assert.Contains(t, res[gainPath].URI, file.URIScheme)
	assert.Equal(t, []byte(`{"gain": 1.5}`), res[gainPath].Data)

	// The db adapter only saw what the file adapter could not resolve, and
	// http was asked for the remaining miss.
	require.Len(t, f.db.lookups(), 1)
	assert.Equal(t, []string{"ofl:" + pedestalPath, "Calibrations/tpc/missing"}, f.db.lookups()[0])
	require.Len(t, f.http.lookups(), 1)
	assert.Equal(t, []string{"Calibrations/tpc/missing"}, f.http.lookups()[0])

	// Only the db payload was back-filled into memory.
	items, _ := f.mem.Stats()
	assert.Equal(t, 1, items)

	res, err = f.svc.GetPayloads(ctx, []string{pedestalPath}, false)
	require.NoError(t, err)
	assert.Equal(t, "ped1", res[pedestalPath].ID)
	assert.Len(t, f.db.lookups(), 1, "served from memory")
}

func TestGetPayloadsStopsEarly(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedFile(t)

	res, err := f.svc.GetPayloads(context.Background(), []string{gainPath}, false)
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.Empty(t, f.db.lookups())
	assert.Empty(t, f.http.lookups())
}

func TestGetPayloadsUnfoldedFolderIsResolved(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedFile(t)
	ped := closedPayload("ped1", pedestalPath, 10, 100, 200)
	ped.SetData([]byte{1}, types.FormatDat)
	f.db.add(ped)

	res, err := f.svc.GetPayloads(context.Background(), []string{"ofl:/Calibrations/tpc/", pedestalPath}, false)
	require.NoError(t, err)
	assert.Contains(t, res, gainPath)
	assert.Contains(t, res, pedestalPath)
	assert.Equal(t, [][]string{{pedestalPath}}, f.db.lookups())
	assert.Empty(t, f.http.lookups())
}

func TestOpenIntervalsAreNotCached(t *testing.T) {
	f := newFixture(t, Config{})
	open := closedPayload("open", pedestalPath, 10, 100, 0)
	open.SetData([]byte{1}, types.FormatDat)
	f.http.add(open)

	_, err := f.svc.GetPayload(context.Background(), pedestalPath, false)
	require.NoError(t, err)
	items, _ := f.mem.Stats()
	assert.Zero(t, items)
}

func TestGetPayloadNotFound(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.svc.GetPayload(context.Background(), pedestalPath, false)
	assert.True(t, errors.Is(err, adapter.ErrNotFound))

	_, err = f.svc.GetPayload(context.Background(), "a:b:c", false)
	assert.True(t, errors.Is(err, adapter.ErrInvalidInput))
}

func TestGetPayloadsFetchesData(t *testing.T) {
	f := newFixture(t, Config{FetchConcurrency: 2})
	ped := closedPayload("ped1", pedestalPath, 10, 100, 200)
	ped.SetURI("db://calibrations_tpc_pedestal/ped1")
	ped.Format = ""
	f.db.add(ped)
	f.db.data["db://calibrations_tpc_pedestal/ped1"] = []byte("raw")

	noData := closedPayload("gone", gainPath, 10, 100, 200)
	noData.SetURI("https://cdb.example.org/download/?tbname=x&id=gone")
	f.http.add(noData)

	res, err := f.svc.GetPayloads(context.Background(), []string{pedestalPath, gainPath}, true)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, []byte("raw"), res[pedestalPath].Data)
	assert.Equal(t, types.FormatDat, res[pedestalPath].Format)
	// A failed download leaves the payload in the result without data.
	assert.Empty(t, res[gainPath].Data)
}

func TestResolveURI(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedFile(t)
	ctx := context.Background()

	hit, err := f.file.GetPayload(ctx, gainPath, f.svc.Query())
	require.NoError(t, err)
	require.NotEmpty(t, hit.URI)

	p := &types.Payload{URI: hit.URI}
	require.NoError(t, f.svc.ResolveURI(ctx, p))
	assert.Equal(t, []byte(`{"gain": 1.5}`), p.Data)
	assert.Equal(t, types.FormatJSON, p.Format)

	err = f.svc.ResolveURI(ctx, p)
	assert.True(t, errors.Is(err, adapter.ErrInvalidInput), "already has data")

	for _, uri := range []string{"nonsense", "ftp://host/x", "s3://bucket/key"} {
		err := f.svc.ResolveURI(ctx, &types.Payload{URI: uri})
		assert.Error(t, err, uri)
	}

	only, err := New(Config{Adapters: []adapter.Adapter{newFake(adapter.NameDB)}})
	require.NoError(t, err)
	err = only.ResolveURI(ctx, &types.Payload{URI: "file:///tmp/x.json"})
	assert.True(t, errors.Is(err, adapter.ErrNotSupported))
}

func TestPrepareAndSetPayloadSkipMemory(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	svc, err := New(Config{Adapters: []adapter.Adapter{f.mem, f.db, f.http}, Flavors: []string{"ofl"}})
	require.NoError(t, err)

	p, err := svc.PrepareUpload(ctx, pedestalPath)
	require.NoError(t, err)
	assert.Equal(t, "prepared-db", p.ID)

	p.SetBeginTime(100)
	p.SetEndTime(200)
	p.SetData([]byte("x"), types.FormatDat)
	id, err := svc.SetPayload(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "prepared-db", id)
	require.Len(t, f.db.stored, 1)
	items, _ := f.mem.Stats()
	assert.Zero(t, items)
}

func TestSetPayloadRejectsUnready(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.svc.SetPayload(context.Background(), closedPayload("x", pedestalPath, 1, 100, 200))
	assert.True(t, errors.Is(err, adapter.ErrInvalidInput))
}

func TestWritesFallThroughToNextAdapter(t *testing.T) {
	f := newFixture(t, Config{})
	svc, err := New(Config{Adapters: []adapter.Adapter{f.mem, f.db, f.http}})
	require.NoError(t, err)
	ctx := context.Background()

	f.db.err = adapter.Errorf(adapter.ErrUnavailable, "db down")
	id, err := svc.CreateTag(ctx, "Calibrations", types.ModeFolder)
	require.NoError(t, err)
	assert.Equal(t, types.DeterministicID("Calibrations"), id)
	assert.Contains(t, f.http.tags, "Calibrations")

	f.http.err = adapter.Unsupported(adapter.NameHTTP, "CreateTag")
	_, err = svc.CreateTag(ctx, "Other", types.ModeFolder)
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapter.ErrUnavailable), "first meaningful error wins: %v", err)

	f.db.err = adapter.Unsupported(adapter.NameDB, "CreateTag")
	_, err = svc.CreateTag(ctx, "Other", types.ModeFolder)
	assert.True(t, errors.Is(err, adapter.ErrNotSupported))
}

func TestSchemaAndTagRoutingAnnounces(t *testing.T) {
	feed := newFakeFeed()
	f := newFixture(t, Config{})
	svc, err := New(Config{Adapters: []adapter.Adapter{f.mem, f.db}, Changes: feed})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.CreateTag(ctx, gainPath, types.ModeTime)
	require.NoError(t, err)
	require.NoError(t, svc.SetTagSchema(ctx, gainPath, `{}`))
	doc, err := svc.GetTagSchema(ctx, gainPath)
	require.NoError(t, err)
	assert.Equal(t, `{}`, doc)
	require.NoError(t, svc.DropTagSchema(ctx, gainPath))
	require.NoError(t, svc.DeactivateTag(ctx, gainPath, 100))
	_, err = svc.ImportTag(ctx, types.TagRecord{ID: "abc", Name: "x"})
	require.NoError(t, err)
	require.NoError(t, svc.ImportTagsSchemas(ctx, []byte(`{}`)))
	require.NoError(t, svc.CreateDatabaseTables(ctx))
	require.NoError(t, svc.DropDatabaseTables(ctx))

	tables, err := svc.ListDatabaseTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cdb_tags", "cdb_schemas"}, tables)
	tags, err := svc.ListTags(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{gainPath}, tags)
	out, err := svc.ExportTagsSchemas(ctx, true, true)
	require.NoError(t, err)
	assert.Contains(t, string(out), "cdbnpp_tags_schemas")

	assert.Equal(t, "tag_create,schema_set,schema_drop,tag_deactivate,import,import,tables,tables", feed.ops())

	// Failed writes are not announced.
	f.db.err = adapter.Errorf(adapter.ErrConflict, "exists")
	_, err = svc.CreateTag(ctx, gainPath, types.ModeTime)
	assert.True(t, errors.Is(err, adapter.ErrConflict))
	assert.Equal(t, "tag_create,schema_set,schema_drop,tag_deactivate,import,import,tables,tables", feed.ops())
}

func TestTableAdminWithoutCapableAdapter(t *testing.T) {
	mem := memory.NewAdapter(memory.Limits{}, zap.NewNop())
	svc, err := New(Config{Adapters: []adapter.Adapter{mem}})
	require.NoError(t, err)
	err = svc.CreateDatabaseTables(context.Background())
	assert.True(t, errors.Is(err, adapter.ErrNotSupported))
}

func TestDeactivatePayloadForgetsCachedCopy(t *testing.T) {
	f := newFixture(t, Config{})
	ped := closedPayload("ped1", pedestalPath, 10, 100, 200)
	ped.SetData([]byte{1}, types.FormatDat)
	f.db.add(ped)
	ctx := context.Background()

	_, err := f.svc.GetPayload(ctx, pedestalPath, false)
	require.NoError(t, err)
	items, _ := f.mem.Stats()
	require.Equal(t, 1, items)

	require.NoError(t, f.svc.DeactivatePayload(ctx, ped, 300))
	items, _ = f.mem.Stats()
	assert.Zero(t, items)
}

func TestBlobOffload(t *testing.T) {
	blob := newFakeBlob(4)
	f := newFixture(t, Config{})
	svc, err := New(Config{Adapters: []adapter.Adapter{f.mem, f.db}, Blob: blob, Flavors: []string{"ofl"}})
	require.NoError(t, err)
	svc.SetEventTime(150)
	ctx := context.Background()

	big := closedPayload("big", pedestalPath, 10, 100, 200)
	big.SetData([]byte(`{"gain": 2}`), types.FormatJSON)
	_, err = svc.SetPayload(ctx, big)
	require.NoError(t, err)

	require.Len(t, f.db.stored, 1)
	stored := f.db.stored[0]
	assert.Equal(t, "s3://bucket/calibrations_tpc_pedestal/ofl/big.json", stored.URI)
	assert.Empty(t, stored.Data)
	assert.Equal(t, types.FormatJSON, stored.Format)
	assert.Equal(t, stored.URI, big.URI)
	assert.NotEmpty(t, big.Data, "caller keeps its data")

	small := closedPayload("small", pedestalPath, 11, 100, 200)
	small.SetData([]byte("ab"), types.FormatDat)
	_, err = svc.SetPayload(ctx, small)
	require.NoError(t, err)
	assert.Empty(t, f.db.stored[1].URI)

	f.db.add(stored)
	res, err := svc.GetPayloads(ctx, []string{pedestalPath}, true)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"gain": 2}`), res[pedestalPath].Data)
}

func TestBlobOffloadRollsBackOnFailure(t *testing.T) {
	blob := newFakeBlob(1)
	db := newFake(adapter.NameDB)
	db.err = adapter.Errorf(adapter.ErrUnavailable, "db down")
	svc, err := New(Config{Adapters: []adapter.Adapter{db}, Blob: blob})
	require.NoError(t, err)

	p := closedPayload("big", pedestalPath, 10, 100, 200)
	p.SetData([]byte("payload"), types.FormatDat)
	_, err = svc.SetPayload(context.Background(), p)
	assert.True(t, errors.Is(err, adapter.ErrUnavailable))
	assert.Len(t, blob.deleted, 1)
	assert.Empty(t, blob.objects)
}

func TestBlobOffloadValidatesSchema(t *testing.T) {
	blob := newFakeBlob(1)
	db := newFake(adapter.NameDB)
	db.schemas[pedestalPath] = `{
		"$id": "https://cdb.example.org/schemas/ped.json",
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"properties": {"gain": {"type": "number"}},
		"required": ["gain"]
	}`
	svc, err := New(Config{Adapters: []adapter.Adapter{db}, Blob: blob})
	require.NoError(t, err)

	p := closedPayload("bad", pedestalPath, 10, 100, 200)
	p.SetData([]byte(`{"other": 1}`), types.FormatJSON)
	_, err = svc.SetPayload(context.Background(), p)
	assert.True(t, errors.Is(err, adapter.ErrInvalidInput))
	assert.Empty(t, blob.objects)
}

func TestReupload(t *testing.T) {
	f := newFixture(t, Config{})
	p := closedPayload("old", pedestalPath, 10, 100, 200)
	p.SetData([]byte("x"), types.FormatDat)

	c, err := f.svc.Reupload(p)
	require.NoError(t, err)
	assert.NotEqual(t, "old", c.ID)
	assert.Equal(t, p.PID, c.PID)
	assert.Equal(t, p.Flavor, c.Flavor)
	assert.Zero(t, c.BeginTime)
	assert.Zero(t, c.EndTime)
	assert.Empty(t, c.Data)
	assert.WithinDuration(t, time.Now(), time.Unix(c.CreateTime, 0), 5*time.Second)
	assert.Equal(t, "old", p.ID, "source untouched")
}

func TestWatchInvalidations(t *testing.T) {
	feed := newFakeFeed()
	db := newFake(adapter.NameDB)
	http := newFake(adapter.NameHTTP)
	svc, err := New(Config{Adapters: []adapter.Adapter{db, http}, Changes: feed})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- svc.WatchInvalidations(ctx, ready) }()
	<-ready

	feed.events <- notify.Event{Op: notify.OpTagCreate, Path: gainPath, Origin: "other"}
	require.Eventually(t, func() bool {
		return db.invalidations() == 1 && http.invalidations() == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestWatchInvalidationsWithoutFeed(t *testing.T) {
	svc, err := New(Config{Adapters: []adapter.Adapter{newFake(adapter.NameDB)}})
	require.NoError(t, err)
	ready := make(chan struct{})
	assert.NoError(t, svc.WatchInvalidations(context.Background(), ready))
	<-ready
}

func TestClose(t *testing.T) {
	db := newFake(adapter.NameDB)
	svc, err := New(Config{Adapters: []adapter.Adapter{db}})
	require.NoError(t, err)
	require.NoError(t, svc.Close())
	assert.True(t, db.closed)
}
