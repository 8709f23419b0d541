package db

import (
	"context"
	"errors"
	"time"

	"github.com/gftdcojp/conditions-db/internal/adapter"
	"github.com/gftdcojp/conditions-db/internal/schema"
	"github.com/gftdcojp/conditions-db/internal/tag"
	"github.com/gftdcojp/conditions-db/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateTag creates a folder or struct below an existing parent. Structs get
// their IOV and data tables in the same transaction as the tag row.
func (a *Adapter) CreateTag(ctx context.Context, path string, mode types.Mode) (string, error) {
	clean, err := adapter.CleanTagPath(path)
	if err != nil {
		return "", err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	var t types.Tag
	err = a.meta.View(ctx, func(ix *tag.Index, _ map[string]string) error {
		t, err = adapter.PlanTag(ix, clean, mode)
		return err
	})
	if err != nil {
		return "", err
	}

	if err := a.insertTag(ctx, t); err != nil {
		return "", err
	}
	a.logger.Info("tag created", zap.String("path", clean), zap.Stringer("mode", mode))
	return t.ID, nil
}

// ImportTag recreates a tag exported from another database, keeping its id,
// parent id and table name.
func (a *Adapter) ImportTag(ctx context.Context, rec types.TagRecord) (string, error) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	var t types.Tag
	err := a.meta.View(ctx, func(ix *tag.Index, _ map[string]string) error {
		var err error
		t, err = adapter.PlanImport(ix, rec)
		return err
	})
	if err != nil {
		return "", err
	}
	if t.IsStruct() && !validTable(t.TbName) {
		return "", adapter.Errorf(adapter.ErrInvalidInput, "bad table name %q", t.TbName)
	}

	if err := a.insertTag(ctx, t); err != nil {
		return "", err
	}
	a.logger.Info("tag imported", zap.String("id", t.ID), zap.String("name", t.Name))
	return t.ID, nil
}

func (a *Adapter) insertTag(ctx context.Context, t types.Tag) error {
	s, err := a.session(ctx, AccessAdmin)
	if err != nil {
		return err
	}
	err = s.InTx(ctx, func(q Querier) error {
		if _, err := q.Exec(ctx, insertTagSQL, t.ID, t.Name, t.PID, t.TbName, t.CreateTime, t.DeactiveTime, int64(t.Mode)); err != nil {
			return dbError(err, "inserting tag %s", t.Name)
		}
		if !t.IsStruct() {
			return nil
		}
		for _, stmt := range createIOVSQL(t.TbName, true) {
			if _, err := q.Exec(ctx, stmt); err != nil {
				return dbError(err, "creating tables for %s", t.TbName)
			}
		}
		return nil
	})
	if err != nil {
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
	t, _, err := a.lookupTag(ctx, clean)
	if err != nil {
		return err
	}
	s, err := a.session(ctx, AccessAdmin)
	if err != nil {
		return err
	}
	if _, err := s.Exec(ctx, deactivateTagSQL, deactiveTime, t.ID); err != nil {
		return dbError(err, "deactivating tag %s", clean)
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
	t, _, err := a.lookupTag(ctx, path)
	if err != nil {
		return "", err
	}
	s, err := a.session(ctx, AccessGet)
	if err != nil {
		return "", err
	}
	var doc string
	if err := s.QueryRow(ctx, selectSchemaSQL, t.ID).Scan(&doc); err != nil {
		return "", dbError(err, "no schema for %s", path)
	}
	if doc == "" {
		return "", adapter.Errorf(adapter.ErrNotFound, "no schema for %s", path)
	}
	return doc, nil
}

// SetTagSchema stores the schema of a struct that has none yet.
func (a *Adapter) SetTagSchema(ctx context.Context, path, doc string) error {
	if doc == "" {
		return adapter.Errorf(adapter.ErrInvalidInput, "empty schema for %s", path)
	}
	clean, err := adapter.CleanTagPath(path)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	t, _, err := a.structTag(ctx, clean)
	if err != nil {
		return err
	}
	s, err := a.session(ctx, AccessAdmin)
	if err != nil {
		return err
	}

	var existing string
	switch err := s.QueryRow(ctx, selectSchemaIDSQL, t.ID).Scan(&existing); {
	case err == nil:
		return adapter.Errorf(adapter.ErrConflict, "schema already exists for %s", clean)
	case !errors.Is(err, ErrNoRows):
		return dbError(err, "checking schema for %s", clean)
	}

	if err := schema.CheckDocument(doc); err != nil {
		return adapter.Errorf(adapter.ErrInvalidInput, "proposed schema for %s is invalid: %v", clean, err)
	}

	id := uuid.NewString()
	if _, err := s.Exec(ctx, insertSchemaSQL, id, t.ID, doc, time.Now().Unix(), int64(0)); err != nil {
		return dbError(err, "storing schema for %s", clean)
	}
	a.meta.Update(func(ix *tag.Index, schemas map[string]string) {
		ix.SetSchema(t.ID, id)
		schemas[t.ID] = doc
	})
	a.logger.Info("schema stored", zap.String("path", clean))
	return nil
}

func (a *Adapter) DropTagSchema(ctx context.Context, path string) error {
	clean, err := adapter.CleanTagPath(path)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	t, _, err := a.structTag(ctx, clean)
	if err != nil {
		return err
	}
	s, err := a.session(ctx, AccessAdmin)
	if err != nil {
		return err
	}
	n, err := s.Exec(ctx, deleteSchemaSQL, t.ID)
	if err != nil {
		return dbError(err, "dropping schema for %s", clean)
	}
	if n == 0 {
		return adapter.Errorf(adapter.ErrNotFound, "schema for %s did not exist", clean)
	}
	a.meta.Update(func(ix *tag.Index, schemas map[string]string) {
		ix.SetSchema(t.ID, "")
		delete(schemas, t.ID)
	})
	a.logger.Info("schema dropped", zap.String("path", clean))
	return nil
}

func (a *Adapter) ExportTagsSchemas(ctx context.Context, tags, schemas bool) ([]byte, error) {
	records, err := a.TagRecords(ctx)
	if err != nil {
		return nil, err
	}
	return adapter.BuildExport(ctx, records, tags, schemas, a.GetTagSchema)
}

func (a *Adapter) ImportTagsSchemas(ctx context.Context, data []byte) error {
	return adapter.ApplyImport(ctx, a, data)
}

// CreateDatabaseTables creates cdb_tags and cdb_schemas.
func (a *Adapter) CreateDatabaseTables(ctx context.Context) error {
	s, err := a.session(ctx, AccessAdmin)
	if err != nil {
		return err
	}
	err = s.InTx(ctx, func(q Querier) error {
		for _, stmt := range []string{createTagsSQL, createSchemasSQL} {
			if _, err := q.Exec(ctx, stmt); err != nil {
				return dbError(err, "creating metadata tables")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.meta.Invalidate()
	a.logger.Info("metadata tables created")
	return nil
}

// ListDatabaseTables lists the cdb_ tables of the current schema.
func (a *Adapter) ListDatabaseTables(ctx context.Context) ([]string, error) {
	s, err := a.session(ctx, AccessAdmin)
	if err != nil {
		return nil, err
	}
	rows, err := s.Query(ctx, listTablesSQL)
	if err != nil {
		return nil, dbError(err, "listing tables")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, dbError(err, "scanning table name")
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err, "listing tables")
	}
	return out, nil
}

// DropDatabaseTables drops every cdb_ table.
func (a *Adapter) DropDatabaseTables(ctx context.Context) error {
	tables, err := a.ListDatabaseTables(ctx)
	if err != nil {
		return err
	}
	s, err := a.session(ctx, AccessAdmin)
	if err != nil {
		return err
	}
	for _, name := range tables {
		if _, err := s.Exec(ctx, dropTableSQL(name)); err != nil {
			return dbError(err, "dropping %s", name)
		}
	}
	a.meta.Invalidate()
	a.logger.Info("tables dropped", zap.Int("count", len(tables)))
	return nil
}

var (
	_ adapter.Adapter       = (*Adapter)(nil)
	_ adapter.TableAdmin    = (*Adapter)(nil)
	_ adapter.MetadataCache = (*Adapter)(nil)
)
