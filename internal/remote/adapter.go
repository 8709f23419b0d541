// Package remote implements the HTTP adapter: a client of the conditions
// REST protocol served by cdb-server.
package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gftdcojp/conditions-db/internal/adapter"
	"github.com/gftdcojp/conditions-db/internal/config"
	"github.com/gftdcojp/conditions-db/internal/meta"
	"github.com/gftdcojp/conditions-db/internal/metrics"
	"github.com/gftdcojp/conditions-db/internal/schema"
	"github.com/gftdcojp/conditions-db/internal/tag"
	"github.com/gftdcojp/conditions-db/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Adapter talks to one or more conditions REST endpoints.
type Adapter struct {
	targets  map[string][]config.HTTPTarget
	client   *Client
	selector adapter.Selector
	tokenTTL time.Duration
	now      func() time.Time
	logger   *zap.Logger
	meta     *meta.Cache
}

// Option customizes an Adapter.
type Option func(*options)

type options struct {
	selector  adapter.Selector
	snapshots meta.Store
	refresh   time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

// WithSelector sets how an endpoint is picked per request.
func WithSelector(s adapter.Selector) Option {
	return func(o *options) { o.selector = s }
}

// WithSnapshots keeps a copy of downloaded metadata in store.
func WithSnapshots(store meta.Store) Option {
	return func(o *options) { o.snapshots = store }
}

// WithRefreshInterval reloads metadata once it is older than d.
func WithRefreshInterval(d time.Duration) Option {
	return func(o *options) { o.refresh = d }
}

// WithRetrySleep replaces the wait between retries.
func WithRetrySleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

func NewAdapter(cfg config.HTTPConfig, logger *zap.Logger, opts ...Option) (*Adapter, error) {
	o := options{selector: adapter.RandomSelector{}}
	for _, opt := range opts {
		opt(&o)
	}
	if len(cfg.Get) == 0 {
		return nil, adapter.Errorf(adapter.ErrConfiguration, "adapters.http has no get endpoints")
	}

	logger = logger.Named("http")
	client := NewClient(cfg.Client, logger)
	if o.sleep != nil {
		client.sleep = o.sleep
	}
	a := &Adapter{
		targets: map[string][]config.HTTPTarget{
			adapter.AccessGet:   cfg.Get,
			adapter.AccessSet:   cfg.Set,
			adapter.AccessAdmin: cfg.Admin,
		},
		client:   client,
		selector: o.selector,
		tokenTTL: time.Duration(cfg.Client.JWTExpirationSeconds) * time.Second,
		now:      time.Now,
		logger:   logger,
	}
	a.meta = meta.NewCache(meta.CacheConfig{
		Adapter: adapter.NameHTTP,
		Source:  "http:" + strings.TrimRight(cfg.Get[0].URL, "/"),
		Load:    a.downloadMetadata,
		Store:   o.snapshots,
		Refresh: o.refresh,
	}, logger)
	return a, nil
}

func (a *Adapter) Name() string { return adapter.NameHTTP }

// endpoint picks a target for level, borrowing from more privileged levels
// when level has none, and signs a token for it.
func (a *Adapter) endpoint(level string) (string, string, error) {
	l, ok := adapter.FallbackLevel(level, func(l string) bool { return len(a.targets[l]) > 0 })
	if !ok {
		return "", "", adapter.Errorf(adapter.ErrConfiguration, "no %s endpoints configured", level)
	}
	targets := a.targets[l]
	t := targets[a.selector.Pick(len(targets))]
	token, err := SignToken(t.User, t.Pass, level, a.tokenTTL, a.now())
	if err != nil {
		return "", "", err
	}
	return strings.TrimRight(t.URL, "/"), token, nil
}

func (a *Adapter) get(ctx context.Context, level, path string, query url.Values, out any) error {
	base, token, err := a.endpoint(level)
	if err != nil {
		return err
	}
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	body, err := a.client.Get(ctx, u, token)
	if err != nil {
		return err
	}
	return decodeReply(u, body, out)
}

func (a *Adapter) post(ctx context.Context, level, path string, form url.Values, out any) error {
	base, token, err := a.endpoint(level)
	if err != nil {
		return err
	}
	body, err := a.client.PostForm(ctx, base+path, token, form)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeReply(base+path, body, out)
}

func decodeReply(u string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return adapter.Errorf(adapter.ErrUnavailable, "malformed reply from %s: %v", u, err)
	}
	return nil
}

func (a *Adapter) downloadMetadata(ctx context.Context) ([]types.Tag, map[string]string, error) {
	var reply TagsReply
	if err := a.get(ctx, adapter.AccessGet, PathTags, nil, &reply); err != nil {
		return nil, nil, err
	}
	tags := make([]types.Tag, 0, len(reply.Tags))
	for _, w := range reply.Tags {
		tags = append(tags, w.Tag())
	}
	// /tags/ carries schema ids only; documents are fetched on demand.
	return tags, map[string]string{}, nil
}

// InvalidateMetadata drops the cached tag hierarchy; the next call reloads it.
func (a *Adapter) InvalidateMetadata() {
	a.meta.Invalidate()
}

func (a *Adapter) lookupTag(ctx context.Context, path string) (types.Tag, error) {
	var t types.Tag
	err := a.meta.View(ctx, func(ix *tag.Index, _ map[string]string) error {
		var ok bool
		if t, ok = ix.ByPath(path); !ok {
			return adapter.Errorf(adapter.ErrNotFound, "tag %s does not exist", path)
		}
		return nil
	})
	return t, err
}

func (a *Adapter) structTag(ctx context.Context, path string) (types.Tag, error) {
	t, err := a.lookupTag(ctx, path)
	if err != nil {
		return t, err
	}
	if !t.IsStruct() || t.TbName == "" {
		return t, adapter.Errorf(adapter.ErrInvalidInput, "tag %s is a folder, need a struct", path)
	}
	return t, nil
}

func (a *Adapter) GetPayload(ctx context.Context, path string, q types.Query) (*types.Payload, error) {
	start := time.Now()
	p, err := a.getPayload(ctx, path, q)
	if errors.Is(err, adapter.ErrNotFound) {
		metrics.ObserveLookup(adapter.NameHTTP, start, false, nil)
	} else {
		metrics.ObserveLookup(adapter.NameHTTP, start, p != nil, err)
	}
	return p, err
}

func (a *Adapter) getPayload(ctx context.Context, path string, q types.Query) (*types.Payload, error) {
	req, err := adapter.Resolve(path, q)
	if err != nil {
		return nil, err
	}
	t, err := a.structTag(ctx, req.Key())
	if err != nil {
		return nil, err
	}

	for _, flavor := range req.Flavors {
		params := url.Values{}
		params.Set("tb", t.TbName)
		params.Set("f", flavor)
		params.Set("mt", itoa(req.MaxEntryTime))
		switch t.Mode {
		case types.ModeTime:
			params.Set("et", itoa(q.EventTime))
		case types.ModeRun:
			params.Set("run", itoa(q.Run))
			params.Set("seq", itoa(q.Seq))
		}
		params.Set("tm", itoa(a.now().Unix()))

		var reply PayloadReply
		err := a.get(ctx, adapter.AccessGet, PathPayloadGet, params, &reply)
		if errors.Is(err, adapter.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if reply.Payload.ID == "" {
			return nil, adapter.Errorf(adapter.ErrUnavailable, "payload reply for %s carries no id", req.Key())
		}

		p := reply.Payload.Payload(t.Mode)
		p.Directory = req.Path.Directory
		p.StructName = req.Path.StructName
		if strings.HasPrefix(p.URI, "db://") {
			p.URI = a.downloadURL(t.TbName, p.ID)
		}
		return p, nil
	}
	return nil, adapter.Errorf(adapter.ErrNotFound, "no payload for %s", req.Key())
}

// downloadURL points at the data of payload id, served from the first get
// endpoint.
func (a *Adapter) downloadURL(tb, id string) string {
	v := url.Values{}
	v.Set("tbname", tb)
	v.Set("id", id)
	return strings.TrimRight(a.targets[adapter.AccessGet][0].URL, "/") + PathDownload + "?" + v.Encode()
}

// GetPayloads unfolds folder paths into their structs before resolving.
func (a *Adapter) GetPayloads(ctx context.Context, paths []string, q types.Query) (map[string]*types.Payload, error) {
	err := a.meta.View(ctx, func(ix *tag.Index, _ map[string]string) error {
		paths = adapter.Unfold(paths, ix)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return adapter.Collect(ctx, paths, q, a.GetPayload), nil
}

func (a *Adapter) PrepareUpload(ctx context.Context, path string) (*types.Payload, error) {
	d, ok := types.DecodePath(path)
	if !ok || d.Directory == "" || d.StructName == "" {
		return nil, adapter.Errorf(adapter.ErrInvalidInput, "bad path %q", path)
	}
	if len(d.Flavors) == 0 {
		return nil, adapter.Errorf(adapter.ErrInvalidInput, "no flavor in path %q", path)
	}
	t, err := a.structTag(ctx, d.Path())
	if err != nil {
		return nil, err
	}
	id, err := types.NewID()
	if err != nil {
		return nil, fmt.Errorf("generating payload id: %w", err)
	}
	return &types.Payload{
		ID:         id,
		PID:        t.ID,
		Flavor:     d.Flavors[0],
		Directory:  d.Directory,
		StructName: d.StructName,
		Mode:       t.Mode,
	}, nil
}

func (a *Adapter) SetPayload(ctx context.Context, p *types.Payload) (string, error) {
	if !p.Ready() {
		return "", adapter.Errorf(adapter.ErrInvalidInput, "payload for %s is not ready to be stored", p.Path())
	}
	t, err := a.structTag(ctx, p.Path())
	if err != nil {
		return "", err
	}
	if t.SchemaID != "" && len(p.Data) > 0 {
		doc, err := a.GetTagSchema(ctx, p.Path())
		switch {
		case errors.Is(err, adapter.ErrNotFound):
		case err != nil:
			return "", err
		default:
			if err := schema.ValidatePayload(doc, p); err != nil && !errors.Is(err, schema.ErrSkipped) {
				return "", adapter.Errorf(adapter.ErrInvalidInput, "schema validation failed for %s: %v", p.Path(), err)
			}
		}
	}
	if p.ID == "" {
		if p.ID, err = types.NewID(); err != nil {
			return "", fmt.Errorf("generating payload id: %w", err)
		}
	}
	if p.CreateTime == 0 {
		p.CreateTime = a.now().Unix()
	}
	p.PID = t.ID

	if err := a.post(ctx, adapter.AccessSet, PathPayloadSet, PayloadForm(p, t.TbName), nil); err != nil {
		metrics.Writes.WithLabelValues(adapter.NameHTTP, "error").Inc()
		return "", err
	}
	metrics.Writes.WithLabelValues(adapter.NameHTTP, "ok").Inc()
	a.logger.Debug("payload stored",
		zap.String("path", p.Path()),
		zap.String("id", p.ID),
		zap.String("flavor", p.Flavor),
	)
	return p.ID, nil
}

func (a *Adapter) DeactivatePayload(ctx context.Context, p *types.Payload, deactiveTime int64) error {
	if p.ID == "" {
		return adapter.Errorf(adapter.ErrInvalidInput, "payload has no id")
	}
	t, err := a.structTag(ctx, p.Path())
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("id", p.ID)
	form.Set("tbname", t.TbName)
	form.Set("dt", itoa(deactiveTime))
	if err := a.post(ctx, adapter.AccessAdmin, PathPayloadDeactivate, form, nil); err != nil {
		return err
	}
	p.DeactiveTime = deactiveTime
	return nil
}

func (a *Adapter) CreateTag(ctx context.Context, path string, mode types.Mode) (string, error) {
	clean, err := adapter.CleanTagPath(path)
	if err != nil {
		return "", err
	}
	var t types.Tag
	err = a.meta.View(ctx, func(ix *tag.Index, _ map[string]string) error {
		t, err = adapter.PlanTag(ix, clean, mode)
		return err
	})
	if err != nil {
		return "", err
	}
	if err := a.createTag(ctx, t); err != nil {
		return "", err
	}
	a.logger.Info("tag created", zap.String("path", clean), zap.Stringer("mode", mode))
	return t.ID, nil
}

func (a *Adapter) ImportTag(ctx context.Context, rec types.TagRecord) (string, error) {
	var t types.Tag
	err := a.meta.View(ctx, func(ix *tag.Index, _ map[string]string) error {
		var err error
		t, err = adapter.PlanImport(ix, rec)
		return err
	})
	if err != nil {
		return "", err
	}
	if err := a.createTag(ctx, t); err != nil {
		return "", err
	}
	a.logger.Info("tag imported", zap.String("id", t.ID), zap.String("name", t.Name))
	return t.ID, nil
}

func (a *Adapter) createTag(ctx context.Context, t types.Tag) error {
	if err := a.post(ctx, adapter.AccessAdmin, PathTag, TagForm(t), nil); err != nil {
		return err
	}
	var indexErr error
	a.meta.Update(func(ix *tag.Index, _ map[string]string) {
		indexErr = ix.Add(t)
	})
	if indexErr != nil {
		a.logger.Warn("tag stored but not indexed, reloading metadata", zap.String("id", t.ID), zap.Error(indexErr))
		a.meta.Invalidate()
	}
	return nil
}

func (a *Adapter) DeactivateTag(ctx context.Context, path string, deactiveTime int64) error {
	clean, err := adapter.CleanTagPath(path)
	if err != nil {
		return err
	}
	t, err := a.lookupTag(ctx, clean)
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("op", OpDeactivate)
	form.Set("id", t.ID)
	form.Set("dt", itoa(deactiveTime))
	if err := a.post(ctx, adapter.AccessAdmin, PathTag, form, nil); err != nil {
		return err
	}
	a.meta.Invalidate()
	a.logger.Info("tag deactivated", zap.String("path", clean), zap.Int64("dt", deactiveTime))
	return nil
}

func (a *Adapter) ListTags(ctx context.Context, skipStructs bool) ([]string, error) {
	var out []string
	err := a.meta.View(ctx, func(ix *tag.Index, _ map[string]string) error {
		out = ix.Listing(skipStructs)
		return nil
	})
	return out, err
}

func (a *Adapter) GetTagSchema(ctx context.Context, path string) (string, error) {
	t, err := a.lookupTag(ctx, strings.Trim(path, "/"))
	if err != nil {
		return "", err
	}
	if !t.IsStruct() {
		return "", adapter.Errorf(adapter.ErrInvalidInput, "tag %s is a folder, need a struct", path)
	}
	var reply SchemaReply
	if err := a.get(ctx, adapter.AccessGet, PathSchema, url.Values{"id": {t.ID}}, &reply); err != nil {
		return "", err
	}
	if reply.Schema == "" {
		return "", adapter.Errorf(adapter.ErrNotFound, "no schema for %s", path)
	}
	return reply.Schema, nil
}

func (a *Adapter) SetTagSchema(ctx context.Context, path, doc string) error {
	if doc == "" {
		return adapter.Errorf(adapter.ErrInvalidInput, "empty schema for %s", path)
	}
	clean, err := adapter.CleanTagPath(path)
	if err != nil {
		return err
	}
	t, err := a.structTag(ctx, clean)
	if err != nil {
		return err
	}
	if t.SchemaID != "" {
		return adapter.Errorf(adapter.ErrConflict, "schema already exists for %s", clean)
	}
	if err := schema.CheckDocument(doc); err != nil {
		return adapter.Errorf(adapter.ErrInvalidInput, "proposed schema for %s is invalid: %v", clean, err)
	}

	form := url.Values{}
	form.Set("op", OpCreate)
	form.Set("id", uuid.NewString())
	form.Set("pid", t.ID)
	form.Set("schema", base64.StdEncoding.EncodeToString([]byte(doc)))
	form.Set("ct", itoa(a.now().Unix()))
	form.Set("dt", "0")
	var reply IDReply
	if err := a.post(ctx, adapter.AccessAdmin, PathSchema, form, &reply); err != nil {
		return err
	}
	if reply.ID == "" {
		return adapter.Errorf(adapter.ErrUnavailable, "schema reply for %s carries no id", clean)
	}
	a.meta.Update(func(ix *tag.Index, _ map[string]string) {
		ix.SetSchema(t.ID, reply.ID)
	})
	a.logger.Info("schema stored", zap.String("path", clean))
	return nil
}

func (a *Adapter) DropTagSchema(ctx context.Context, path string) error {
	clean, err := adapter.CleanTagPath(path)
	if err != nil {
		return err
	}
	t, err := a.structTag(ctx, clean)
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("op", OpDrop)
	form.Set("pid", t.ID)
	if err := a.post(ctx, adapter.AccessAdmin, PathSchema, form, nil); err != nil {
		return err
	}
	a.meta.Update(func(ix *tag.Index, _ map[string]string) {
		ix.SetSchema(t.ID, "")
	})
	a.logger.Info("schema dropped", zap.String("path", clean))
	return nil
}

func (a *Adapter) ExportTagsSchemas(ctx context.Context, tags, schemas bool) ([]byte, error) {
	var records []types.TagRecord
	err := a.meta.View(ctx, func(ix *tag.Index, _ map[string]string) error {
		records = ix.Records()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return adapter.BuildExport(ctx, records, tags, schemas, a.GetTagSchema)
}

func (a *Adapter) ImportTagsSchemas(ctx context.Context, data []byte) error {
	return adapter.ApplyImport(ctx, a, data)
}

// DownloadData fetches an http(s) URI with a get token.
func (a *Adapter) DownloadData(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, adapter.Errorf(adapter.ErrInvalidInput, "not an http uri: %q", uri)
	}
	_, token, err := a.endpoint(adapter.AccessGet)
	if err != nil {
		return nil, err
	}
	return a.client.Get(ctx, uri, token)
}

func (a *Adapter) CreateDatabaseTables(ctx context.Context) error {
	if err := a.post(ctx, adapter.AccessAdmin, PathTables, url.Values{"op": {OpCreate}}, nil); err != nil {
		return err
	}
	a.meta.Invalidate()
	return nil
}

func (a *Adapter) ListDatabaseTables(ctx context.Context) ([]string, error) {
	var reply TablesReply
	if err := a.post(ctx, adapter.AccessAdmin, PathTables, url.Values{"op": {OpList}}, &reply); err != nil {
		return nil, err
	}
	return reply.Tables, nil
}

func (a *Adapter) DropDatabaseTables(ctx context.Context) error {
	if err := a.post(ctx, adapter.AccessAdmin, PathTables, url.Values{"op": {OpDrop}}, nil); err != nil {
		return err
	}
	a.meta.Invalidate()
	return nil
}

func (a *Adapter) Close() error {
	a.client.Close()
	return nil
}

var (
	_ adapter.Adapter       = (*Adapter)(nil)
	_ adapter.TableAdmin    = (*Adapter)(nil)
	_ adapter.MetadataCache = (*Adapter)(nil)
)
