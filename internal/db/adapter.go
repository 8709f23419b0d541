// Package db implements the relational adapter. Tags and schemas live in the
// cdb_tags and cdb_schemas tables; every struct owns a cdb_iov_<tb> table of
// payload versions and a cdb_data_<tb> table of inline payload bytes.
package db

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gftdcojp/conditions-db/internal/adapter"
	"github.com/gftdcojp/conditions-db/internal/config"
	"github.com/gftdcojp/conditions-db/internal/meta"
	"github.com/gftdcojp/conditions-db/internal/metrics"
	"github.com/gftdcojp/conditions-db/internal/schema"
	"github.com/gftdcojp/conditions-db/internal/tag"
	"github.com/gftdcojp/conditions-db/internal/types"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// URIScheme prefixes URIs of data stored in cdb_data_<tb> tables.
const URIScheme = "db://"

// Access levels, in increasing order of privilege.
const (
	AccessGet   = adapter.AccessGet
	AccessSet   = adapter.AccessSet
	AccessAdmin = adapter.AccessAdmin
)

// Adapter talks to a PostgreSQL conditions database.
type Adapter struct {
	targets  map[string][]config.DBTarget
	connect  Connector
	selector adapter.Selector
	logger   *zap.Logger

	connMu   sync.Mutex
	sessions map[string]Session

	// writeMu serializes tag and schema mutations so existence checks and
	// inserts do not interleave.
	writeMu sync.Mutex
	meta    *meta.Cache
}

// Option customizes an Adapter.
type Option func(*options)

type options struct {
	connect   Connector
	selector  adapter.Selector
	snapshots meta.Store
	refresh   time.Duration
}

// WithConnector replaces the pgx connector, mostly for tests.
func WithConnector(c Connector) Option {
	return func(o *options) { o.connect = c }
}

// WithSelector sets how a connection target is picked per access level.
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

func NewAdapter(cfg config.DBConfig, logger *zap.Logger, opts ...Option) (*Adapter, error) {
	o := options{connect: Connect, selector: adapter.RandomSelector{}}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Adapter{
		targets: map[string][]config.DBTarget{
			AccessGet:   cfg.Get,
			AccessSet:   cfg.Set,
			AccessAdmin: cfg.Admin,
		},
		connect:  o.connect,
		selector: o.selector,
		logger:   logger.Named("db"),
		sessions: make(map[string]Session),
	}
	if len(a.levelTargets(AccessGet)) == 0 {
		return nil, adapter.Errorf(adapter.ErrConfiguration, "adapters.db has no connection targets")
	}
	a.meta = meta.NewCache(meta.CacheConfig{
		Adapter: adapter.NameDB,
		Source:  a.source(),
		Load:    a.downloadMetadata,
		Store:   o.snapshots,
		Refresh: o.refresh,
	}, a.logger)
	return a, nil
}

func (a *Adapter) Name() string { return adapter.NameDB }

// source identifies the database in metadata snapshots.
func (a *Adapter) source() string {
	t := a.levelTargets(AccessGet)[0]
	return fmt.Sprintf("db:%s:%d/%s", t.Host, t.Port, t.DBName)
}

// levelTargets returns the targets usable for level. A level without its own
// targets borrows those of the next more privileged level.
func (a *Adapter) levelTargets(level string) []config.DBTarget {
	l, ok := adapter.FallbackLevel(level, func(l string) bool { return len(a.targets[l]) > 0 })
	if !ok {
		return nil
	}
	return a.targets[l]
}

// session returns the open session for level, connecting to a picked
// target on first use. Sessions stay open until Close, one per level, so
// moving between levels never drops a connection.
func (a *Adapter) session(ctx context.Context, level string) (Session, error) {
	a.connMu.Lock()
	defer a.connMu.Unlock()

	if s, ok := a.sessions[level]; ok {
		return s, nil
	}
	targets := a.levelTargets(level)
	if len(targets) == 0 {
		return nil, adapter.Errorf(adapter.ErrConfiguration, "no %s connection targets configured", level)
	}
	t := targets[a.selector.Pick(len(targets))]
	s, err := a.connect(ctx, t)
	if err != nil {
		return nil, adapter.Errorf(adapter.ErrUnavailable, "connecting for %s access: %v", level, err)
	}
	a.sessions[level] = s
	a.logger.Debug("connected",
		zap.String("access", level),
		zap.String("host", t.Host),
		zap.String("dbname", t.DBName),
	)
	return s, nil
}

// dbError classifies a database error.
func dbError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, ErrNoRows) {
		return adapter.Errorf(adapter.ErrNotFound, "%s", msg)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return adapter.Errorf(adapter.ErrConflict, "%s: %s", msg, pgErr.Message)
		case "42P01":
			return adapter.Errorf(adapter.ErrNotFound, "%s: %s", msg, pgErr.Message)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return adapter.Errorf(adapter.ErrUnavailable, "%s: %v", msg, err)
}

// downloadMetadata loads every tag with its schema.
func (a *Adapter) downloadMetadata(ctx context.Context) ([]types.Tag, map[string]string, error) {
	s, err := a.session(ctx, AccessGet)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.Query(ctx, selectMetadataSQL)
	if err != nil {
		return nil, nil, dbError(err, "querying tags")
	}
	defer rows.Close()

	var tags []types.Tag
	schemas := make(map[string]string)
	for rows.Next() {
		var (
			t   types.Tag
			doc string
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.PID, &t.TbName, &t.CreateTime, &t.DeactiveTime, &t.Mode, &t.SchemaID, &doc); err != nil {
			return nil, nil, dbError(err, "scanning tag")
		}
		if doc != "" {
			schemas[t.ID] = doc
		}
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, dbError(err, "reading tags")
	}
	return tags, schemas, nil
}

// InvalidateMetadata drops the cached tag hierarchy; the next call reloads it.
func (a *Adapter) InvalidateMetadata() {
	a.meta.Invalidate()
}

// lookupTag returns the tag at path and its schema document, if any.
func (a *Adapter) lookupTag(ctx context.Context, path string) (types.Tag, string, error) {
	var (
		t   types.Tag
		doc string
	)
	err := a.meta.View(ctx, func(ix *tag.Index, schemas map[string]string) error {
		var ok bool
		if t, ok = ix.ByPath(path); !ok {
			return adapter.Errorf(adapter.ErrNotFound, "tag %s does not exist", path)
		}
		doc = schemas[t.ID]
		return nil
	})
	return t, doc, err
}

func (a *Adapter) structTag(ctx context.Context, path string) (types.Tag, string, error) {
	t, doc, err := a.lookupTag(ctx, path)
	if err != nil {
		return t, "", err
	}
	if !t.IsStruct() || t.TbName == "" {
		return t, "", adapter.Errorf(adapter.ErrInvalidInput, "tag %s is a folder, need a struct", path)
	}
	if !validTable(t.TbName) {
		return t, "", adapter.Errorf(adapter.ErrInvalidInput, "tag %s has a malformed table name %q", path, t.TbName)
	}
	return t, doc, nil
}

// TagPath returns the path of the tag with the given id.
func (a *Adapter) TagPath(ctx context.Context, id string) (string, error) {
	var path string
	err := a.meta.View(ctx, func(ix *tag.Index, _ map[string]string) error {
		if path = ix.Path(id); path == "" {
			return adapter.Errorf(adapter.ErrNotFound, "tag id %s does not exist", id)
		}
		return nil
	})
	return path, err
}

// TagRecords returns every tag with its resolved path, parents first.
func (a *Adapter) TagRecords(ctx context.Context) ([]types.TagRecord, error) {
	var out []types.TagRecord
	err := a.meta.View(ctx, func(ix *tag.Index, _ map[string]string) error {
		out = ix.Records()
		return nil
	})
	return out, err
}

func (a *Adapter) GetPayload(ctx context.Context, path string, q types.Query) (*types.Payload, error) {
	start := time.Now()
	p, err := a.getPayload(ctx, path, q)
	if errors.Is(err, adapter.ErrNotFound) {
		metrics.ObserveLookup(adapter.NameDB, start, false, nil)
	} else {
		metrics.ObserveLookup(adapter.NameDB, start, p != nil, err)
	}
	return p, err
}

func (a *Adapter) getPayload(ctx context.Context, path string, q types.Query) (*types.Payload, error) {
	req, err := adapter.Resolve(path, q)
	if err != nil {
		return nil, err
	}
	t, _, err := a.structTag(ctx, req.Key())
	if err != nil {
		return nil, err
	}
	for _, flavor := range req.Flavors {
		p, err := a.FindPayload(ctx, t.TbName, flavor, t.Mode, q, req.MaxEntryTime)
		if errors.Is(err, adapter.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		p.PID = t.ID
		p.Directory = req.Path.Directory
		p.StructName = req.Path.StructName
		return p, nil
	}
	return nil, adapter.Errorf(adapter.ErrNotFound, "no payload for %s", req.Key())
}

// FindPayload runs the IOV lookup for one flavor of table tb. The returned
// payload has no directory or struct name. An open-ended mode 1 payload is
// closed at the next later begin time, when there is one.
func (a *Adapter) FindPayload(ctx context.Context, tb, flavor string, mode types.Mode, q types.Query, maxEntryTime int64) (*types.Payload, error) {
	if !validTable(tb) {
		return nil, adapter.Errorf(adapter.ErrInvalidInput, "bad table name %q", tb)
	}
	sql, args, err := lookupSQL(tb, mode, flavor, q, maxEntryTime)
	if err != nil {
		return nil, adapter.Errorf(adapter.ErrInvalidInput, "%v", err)
	}
	s, err := a.session(ctx, AccessGet)
	if err != nil {
		return nil, err
	}

	p := &types.Payload{Flavor: flavor, Mode: mode}
	var format string
	err = s.QueryRow(ctx, sql, args...).Scan(
		&p.ID, &p.PID, &p.URI, &p.BeginTime, &p.EndTime, &p.CreateTime, &p.DeactiveTime, &p.Run, &p.Seq, &format)
	if err != nil {
		return nil, dbError(err, "looking up %s flavor %s", tb, flavor)
	}
	p.Format = types.ParseFormat(format)

	if mode == types.ModeTime && p.EndTime == 0 {
		sql, args := nextBeginSQL(tb, flavor, q.EventTime, maxEntryTime)
		var next int64
		switch err := s.QueryRow(ctx, sql, args...).Scan(&next); {
		case err == nil:
			p.EndTime = next
		case !errors.Is(err, ErrNoRows):
			return nil, dbError(err, "looking up end time in %s", tb)
		}
	}
	return p, nil
}

func (a *Adapter) GetPayloads(ctx context.Context, paths []string, q types.Query) (map[string]*types.Payload, error) {
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
	t, _, err := a.structTag(ctx, d.Path())
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

// SetPayload stores p. Inline data goes to the struct's data table in the
// same transaction as the IOV row, and p.URI is pointed at it.
func (a *Adapter) SetPayload(ctx context.Context, p *types.Payload) (string, error) {
	if !p.Ready() {
		return "", adapter.Errorf(adapter.ErrInvalidInput, "payload for %s is not ready to be stored", p.Path())
	}
	t, doc, err := a.structTag(ctx, p.Path())
	if err != nil {
		return "", err
	}
	if doc != "" && len(p.Data) > 0 {
		if err := schema.ValidatePayload(doc, p); err != nil && !errors.Is(err, schema.ErrSkipped) {
			return "", adapter.Errorf(adapter.ErrInvalidInput, "schema validation failed for %s: %v", p.Path(), err)
		}
	}
	if p.ID == "" {
		if p.ID, err = types.NewID(); err != nil {
			return "", fmt.Errorf("generating payload id: %w", err)
		}
	}
	if p.CreateTime == 0 {
		p.CreateTime = time.Now().Unix()
	}

	s, err := a.session(ctx, AccessSet)
	if err != nil {
		return "", err
	}

	uri := p.URI
	err = s.InTx(ctx, func(q Querier) error {
		if uri == "" {
			enc := base64.StdEncoding.EncodeToString(p.Data)
			if _, err := q.Exec(ctx, insertDataSQL(t.TbName), p.ID, t.ID, p.CreateTime, int64(0), enc, p.Size()); err != nil {
				return dbError(err, "storing data for %s", p.Path())
			}
			uri = URIScheme + t.TbName + "/" + p.ID
		}
		_, err := q.Exec(ctx, insertIOVSQL(t.TbName),
			p.ID, t.ID, p.Flavor, p.CreateTime, p.BeginTime, p.EndTime, int64(0), p.Run, p.Seq, uri, string(p.Format))
		return dbError(err, "storing payload for %s", p.Path())
	})
	if err != nil {
		metrics.Writes.WithLabelValues(adapter.NameDB, "error").Inc()
		return "", err
	}

	p.URI = uri
	p.PID = t.ID
	p.DeactiveTime = 0
	metrics.Writes.WithLabelValues(adapter.NameDB, "ok").Inc()
	a.logger.Debug("payload stored",
		zap.String("path", p.Path()),
		zap.String("id", p.ID),
		zap.String("flavor", p.Flavor),
		zap.String("uri", uri),
	)
	return p.ID, nil
}

func (a *Adapter) DeactivatePayload(ctx context.Context, p *types.Payload, deactiveTime int64) error {
	if p.ID == "" {
		return adapter.Errorf(adapter.ErrInvalidInput, "payload has no id")
	}
	t, _, err := a.structTag(ctx, p.Path())
	if err != nil {
		return err
	}
	if err := a.DeactivateStored(ctx, t.TbName, p.ID, deactiveTime); err != nil {
		return err
	}
	p.DeactiveTime = deactiveTime
	return nil
}

// DeactivateStored sets the deactivation time of IOV row id in table tb.
func (a *Adapter) DeactivateStored(ctx context.Context, tb, id string, deactiveTime int64) error {
	if !validTable(tb) || id == "" {
		return adapter.Errorf(adapter.ErrInvalidInput, "bad table %q or payload id %q", tb, id)
	}
	s, err := a.session(ctx, AccessAdmin)
	if err != nil {
		return err
	}
	n, err := s.Exec(ctx, deactivateIOVSQL(tb), deactiveTime, id)
	if err != nil {
		return dbError(err, "deactivating payload %s", id)
	}
	if n == 0 {
		return adapter.Errorf(adapter.ErrNotFound, "payload %s not found in %s", id, tb)
	}
	a.logger.Info("payload deactivated", zap.String("table", tb), zap.String("id", id), zap.Int64("dt", deactiveTime))
	return nil
}

// DownloadData reads db://<tb>/<id> from the struct's data table.
func (a *Adapter) DownloadData(ctx context.Context, uri string) ([]byte, error) {
	rest, ok := strings.CutPrefix(uri, URIScheme)
	if !ok {
		return nil, adapter.Errorf(adapter.ErrInvalidInput, "not a db uri: %q", uri)
	}
	tb, id, ok := strings.Cut(rest, "/")
	if !ok || !validTable(tb) || id == "" || strings.Contains(id, "/") {
		return nil, adapter.Errorf(adapter.ErrInvalidInput, "bad db uri %q", uri)
	}
	s, err := a.session(ctx, AccessGet)
	if err != nil {
		return nil, err
	}
	var enc string
	if err := s.QueryRow(ctx, selectDataSQL(tb), id).Scan(&enc); err != nil {
		return nil, dbError(err, "downloading %s", uri)
	}
	if enc == "" {
		return nil, adapter.Errorf(adapter.ErrNotFound, "no data behind %s", uri)
	}
	data, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decoding data behind %s: %w", uri, err)
	}
	return data, nil
}

// Ping checks the read connection.
func (a *Adapter) Ping(ctx context.Context) error {
	s, err := a.session(ctx, AccessGet)
	if err != nil {
		return err
	}
	return s.Ping(ctx)
}

func (a *Adapter) Close() error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	for level, s := range a.sessions {
		s.Close()
		delete(a.sessions, level)
	}
	return nil
}
