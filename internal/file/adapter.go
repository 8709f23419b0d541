// Package file implements the filesystem adapter. Tags are directories under
// a root; struct directories hold one file per payload version named after
// its flavor and coordinates, and schemas live in a .schemas directory.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gftdcojp/conditions-db/internal/adapter"
	"github.com/gftdcojp/conditions-db/internal/config"
	"github.com/gftdcojp/conditions-db/internal/metrics"
	"github.com/gftdcojp/conditions-db/internal/schema"
	"github.com/gftdcojp/conditions-db/internal/tag"
	"github.com/gftdcojp/conditions-db/internal/types"
	"go.uber.org/zap"
)

const (
	// URIScheme prefixes the URIs of payload files.
	URIScheme = "file://"

	schemaDir  = ".schemas"
	modeMarker = ".mode"
)

// Adapter stores tags, schemas and payloads under a root directory.
type Adapter struct {
	mu     sync.Mutex // serializes writers
	root   string
	logger *zap.Logger
}

func NewAdapter(cfg config.FileConfig, logger *zap.Logger) (*Adapter, error) {
	if cfg.Dirname == "" {
		return nil, adapter.Errorf(adapter.ErrConfiguration, "adapters.file.dirname is empty")
	}
	root, err := filepath.Abs(cfg.Dirname)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", cfg.Dirname, err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", root, err)
	}
	return &Adapter{root: root, logger: logger.Named("file")}, nil
}

func (a *Adapter) Name() string { return adapter.NameFile }

// Root returns the absolute root directory.
func (a *Adapter) Root() string { return a.root }

func (a *Adapter) abs(rel string) string {
	return filepath.Join(a.root, filepath.FromSlash(rel))
}

func (a *Adapter) schemaPath(rel string) string {
	return filepath.Join(a.root, schemaDir, adapter.SchemaFileName(rel))
}

// describe builds the tag for the directory at rel.
func (a *Adapter) describe(rel string) (types.Tag, bool) {
	info, err := os.Stat(a.abs(rel))
	if err != nil || !info.IsDir() {
		return types.Tag{}, false
	}
	parent, name := adapter.SplitTagPath(rel)
	t := types.Tag{
		ID:         types.DeterministicID(rel),
		Name:       name,
		CreateTime: info.ModTime().Unix(),
		Mode:       a.dirMode(a.abs(rel)),
	}
	if parent != "" {
		t.PID = types.DeterministicID(parent)
	}
	if t.IsStruct() {
		t.TbName = adapter.TableName(rel)
		if _, err := os.Stat(a.schemaPath(rel)); err == nil {
			t.SchemaID = types.DeterministicID(schemaDir + "/" + rel)
		}
	}
	return t, true
}

// dirMode reads the mode marker, falling back to the first payload file.
// Directories with neither are folders.
func (a *Adapter) dirMode(dir string) types.Mode {
	if raw, err := os.ReadFile(filepath.Join(dir, modeMarker)); err == nil {
		if m, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64); err == nil {
			return types.Mode(m)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return types.ModeFolder
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if f, ok := DecodeFilename(e.Name()); ok {
			if f.Run > 0 {
				return types.ModeRun
			}
			return types.ModeTime
		}
	}
	return types.ModeFolder
}

// scan walks the root and indexes every tag directory.
func (a *Adapter) scan() (*tag.Index, error) {
	var tags []types.Tag
	err := filepath.WalkDir(a.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || p == a.root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(a.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if types.SanitizeAlnumSlash(rel) != rel {
			return filepath.SkipDir
		}
		t, ok := a.describe(rel)
		if !ok {
			return nil
		}
		tags = append(tags, t)
		if t.IsStruct() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, adapter.Errorf(adapter.ErrUnavailable, "scanning %s: %v", a.root, err)
	}
	return tag.Build(tags), nil
}

// structTag returns the struct tag at a cleaned path.
func (a *Adapter) structTag(path string) (string, types.Tag, error) {
	rel, err := adapter.CleanTagPath(path)
	if err != nil {
		return "", types.Tag{}, err
	}
	t, ok := a.describe(rel)
	if !ok {
		return "", types.Tag{}, adapter.Errorf(adapter.ErrNotFound, "tag %s does not exist", rel)
	}
	if !t.IsStruct() {
		return "", types.Tag{}, adapter.Errorf(adapter.ErrInvalidInput, "tag %s is a folder", rel)
	}
	return rel, t, nil
}

func (a *Adapter) GetPayload(_ context.Context, path string, q types.Query) (*types.Payload, error) {
	start := time.Now()
	p, err := a.getPayload(path, q)
	if errors.Is(err, adapter.ErrNotFound) {
		metrics.ObserveLookup(adapter.NameFile, start, false, nil)
	} else {
		metrics.ObserveLookup(adapter.NameFile, start, p != nil, err)
	}
	return p, err
}

func (a *Adapter) getPayload(path string, q types.Query) (*types.Payload, error) {
	req, err := adapter.Resolve(path, q)
	if err != nil {
		return nil, err
	}
	key := req.Key()
	t, ok := a.describe(key)
	if !ok || !t.IsStruct() {
		return nil, adapter.Errorf(adapter.ErrNotFound, "struct directory %s does not exist", key)
	}

	entries, err := os.ReadDir(a.abs(key))
	if err != nil {
		return nil, adapter.Errorf(adapter.ErrUnavailable, "reading %s: %v", key, err)
	}
	type candidate struct {
		name string
		file FileName
	}
	var files []candidate
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if f, ok := DecodeFilename(e.Name()); ok {
			files = append(files, candidate{name: e.Name(), file: f})
		}
	}

	for _, flavor := range req.Flavors {
		var best *types.Payload
		var bestFile candidate
		for _, c := range files {
			if c.file.Flavor != flavor {
				continue
			}
			p := c.file.payload(req.Path.Directory, req.Path.StructName, t.Mode)
			if types.Matches(p, p.Mode, q, req.MaxEntryTime) && types.Newer(p, best) {
				best, bestFile = p, c
			}
		}
		if best == nil {
			continue
		}

		best.ID = types.DeterministicID(key + "/" + bestFile.name)
		full := filepath.Join(a.abs(key), bestFile.name)
		if bestFile.file.Ext == uriExt {
			raw, err := os.ReadFile(full)
			if err != nil {
				return nil, adapter.Errorf(adapter.ErrUnavailable, "reading %s: %v", full, err)
			}
			best.SetURI(strings.TrimSpace(string(raw)))
		} else {
			best.SetURI(URIScheme + full)
		}
		return best, nil
	}
	return nil, adapter.Errorf(adapter.ErrNotFound, "no payload for %s", path)
}

// GetPayloads unfolds folder paths into the structs below them first.
func (a *Adapter) GetPayloads(ctx context.Context, paths []string, q types.Query) (map[string]*types.Payload, error) {
	ix, err := a.scan()
	if err != nil {
		return nil, err
	}
	return adapter.Collect(ctx, adapter.Unfold(paths, ix), q, a.GetPayload), nil
}

// PrepareUpload needs a flavored path naming an existing struct.
func (a *Adapter) PrepareUpload(_ context.Context, path string) (*types.Payload, error) {
	d, ok := types.DecodePath(path)
	if !ok {
		return nil, adapter.Errorf(adapter.ErrInvalidInput, "bad path provided: %s", path)
	}
	if len(d.Flavors) == 0 {
		return nil, adapter.Errorf(adapter.ErrInvalidInput, "no flavor provided: %s", path)
	}
	_, t, err := a.structTag(d.Path())
	if err != nil {
		return nil, err
	}
	id, err := types.NewID()
	if err != nil {
		return nil, err
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

// SetPayload writes one file per payload. Inline data is written as is; a
// URI-only payload is written as a .uri pointer file. The stored id is
// derived from the file location and assigned to p.
func (a *Adapter) SetPayload(_ context.Context, p *types.Payload) (string, error) {
	if !p.Ready() {
		return "", adapter.Errorf(adapter.ErrInvalidInput, "payload is not ready to be stored")
	}
	rel, _, err := a.structTag(p.Path())
	if err != nil {
		return "", err
	}

	if doc, err := os.ReadFile(a.schemaPath(rel)); err == nil && len(doc) > 0 {
		if err := schema.ValidatePayload(string(doc), p); err != nil && !errors.Is(err, schema.ErrSkipped) {
			return "", adapter.Errorf(adapter.ErrInvalidInput, "schema validation failed for %s: %v", rel, err)
		}
	}

	if p.CreateTime == 0 {
		p.CreateTime = time.Now().Unix()
	}
	ext, content := uriExt, []byte(p.URI)
	if len(p.Data) > 0 {
		ext, content = string(p.Format), p.Data
		if ext == "" {
			ext = string(types.FormatDat)
		}
	}
	name := EncodeFilename(p, ext)
	full := filepath.Join(a.abs(rel), name)

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", adapter.Errorf(adapter.ErrConflict, "payload file %s already exists", name)
		}
		return "", adapter.Errorf(adapter.ErrUnavailable, "creating %s: %v", full, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(full)
		return "", adapter.Errorf(adapter.ErrUnavailable, "writing %s: %v", full, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(full)
		return "", adapter.Errorf(adapter.ErrUnavailable, "writing %s: %v", full, err)
	}

	p.ID = types.DeterministicID(rel + "/" + name)
	metrics.Writes.WithLabelValues(adapter.NameFile, "ok").Inc()
	a.logger.Debug("payload stored on disk",
		zap.String("id", p.ID),
		zap.String("path", full),
		zap.Int("size", len(content)),
	)
	return p.ID, nil
}

func (a *Adapter) DeactivatePayload(context.Context, *types.Payload, int64) error {
	return adapter.Unsupported(adapter.NameFile, "DeactivatePayload")
}

// CreateTag creates the directory for path below an existing folder. Struct
// directories get a mode marker.
func (a *Adapter) CreateTag(_ context.Context, path string, mode types.Mode) (string, error) {
	rel, err := adapter.CleanTagPath(path)
	if err != nil {
		return "", err
	}
	if mode < types.ModeFolder || mode > types.ModeRun {
		return "", adapter.Errorf(adapter.ErrInvalidInput, "unknown tag mode %d", mode)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := os.Stat(a.abs(rel)); err == nil {
		return "", adapter.Errorf(adapter.ErrConflict, "tag %s already exists", rel)
	}
	if parent, _ := adapter.SplitTagPath(rel); parent != "" {
		pt, ok := a.describe(parent)
		if !ok {
			return "", adapter.Errorf(adapter.ErrNotFound, "parent tag %s does not exist", parent)
		}
		if pt.IsStruct() {
			return "", adapter.Errorf(adapter.ErrInvalidInput, "parent tag %s is a struct", parent)
		}
	}

	dir := a.abs(rel)
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", adapter.Errorf(adapter.ErrUnavailable, "creating %s: %v", dir, err)
	}
	if mode != types.ModeFolder {
		marker := strconv.FormatInt(int64(mode), 10)
		if err := os.WriteFile(filepath.Join(dir, modeMarker), []byte(marker), 0644); err != nil {
			os.Remove(dir)
			return "", adapter.Errorf(adapter.ErrUnavailable, "writing mode marker: %v", err)
		}
	}

	a.logger.Info("tag created", zap.String("path", rel), zap.Stringer("mode", mode))
	return types.DeterministicID(rel), nil
}

// ImportTag recreates rec at its path. File tag ids are derived from the path,
// so the exported id is not kept.
func (a *Adapter) ImportTag(ctx context.Context, rec types.TagRecord) (string, error) {
	if rec.Path == "" {
		return "", adapter.Errorf(adapter.ErrInvalidInput, "tag record %s has no path", rec.ID)
	}
	return a.CreateTag(ctx, rec.Path, rec.Mode)
}

func (a *Adapter) DeactivateTag(context.Context, string, int64) error {
	return adapter.Unsupported(adapter.NameFile, "DeactivateTag")
}

func (a *Adapter) ListTags(_ context.Context, skipStructs bool) ([]string, error) {
	ix, err := a.scan()
	if err != nil {
		return nil, err
	}
	return ix.Listing(skipStructs), nil
}

func (a *Adapter) GetTagSchema(_ context.Context, path string) (string, error) {
	rel, _, err := a.structTag(path)
	if err != nil {
		return "", err
	}
	doc, err := os.ReadFile(a.schemaPath(rel))
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(doc) == 0) {
		return "", adapter.Errorf(adapter.ErrNotFound, "cannot find schema for %s", rel)
	}
	if err != nil {
		return "", adapter.Errorf(adapter.ErrUnavailable, "reading schema for %s: %v", rel, err)
	}
	return string(doc), nil
}

func (a *Adapter) SetTagSchema(_ context.Context, path, doc string) error {
	if err := schema.CheckDocument(doc); err != nil {
		return adapter.Errorf(adapter.ErrInvalidInput, "%v", err)
	}
	rel, _, err := a.structTag(path)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	target := a.schemaPath(rel)
	if existing, err := os.ReadFile(target); err == nil && len(existing) > 0 {
		return adapter.Errorf(adapter.ErrConflict, "schema for %s already exists", rel)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return adapter.Errorf(adapter.ErrUnavailable, "creating schema dir: %v", err)
	}
	if err := os.WriteFile(target, []byte(doc), 0644); err != nil {
		return adapter.Errorf(adapter.ErrUnavailable, "cannot save schema: %v", err)
	}
	a.logger.Info("schema stored", zap.String("path", rel))
	return nil
}

func (a *Adapter) DropTagSchema(_ context.Context, path string) error {
	rel, _, err := a.structTag(path)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.Remove(a.schemaPath(rel)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return adapter.Errorf(adapter.ErrNotFound, "schema for %s did not exist", rel)
		}
		return adapter.Errorf(adapter.ErrUnavailable, "removing schema for %s: %v", rel, err)
	}
	a.logger.Info("schema dropped", zap.String("path", rel))
	return nil
}

func (a *Adapter) ExportTagsSchemas(ctx context.Context, tags, schemas bool) ([]byte, error) {
	ix, err := a.scan()
	if err != nil {
		return nil, err
	}
	return adapter.BuildExport(ctx, ix.Records(), tags, schemas, a.GetTagSchema)
}

func (a *Adapter) ImportTagsSchemas(ctx context.Context, data []byte) error {
	return adapter.ApplyImport(ctx, a, data)
}

// DownloadData reads the file behind a file:// URI.
func (a *Adapter) DownloadData(_ context.Context, uri string) ([]byte, error) {
	path, ok := strings.CutPrefix(uri, URIScheme)
	if !ok || path == "" {
		return nil, adapter.Errorf(adapter.ErrInvalidInput, "bad uri: %s", uri)
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, adapter.Errorf(adapter.ErrNotFound, "%s", uri)
		}
		return nil, adapter.Errorf(adapter.ErrUnavailable, "reading %s: %v", uri, err)
	}
	return data, nil
}

func (a *Adapter) Close() error { return nil }

var _ adapter.Adapter = (*Adapter)(nil)
