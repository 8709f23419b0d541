package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/conditions-db/internal/types"
)

// ExportType identifies tag/schema export documents.
const ExportType = "cdbnpp_tags_schemas"

// ExportDocument is the bulk tag and schema transfer format.
type ExportDocument struct {
	ExportType      string            `json:"export_type"`
	ExportTimestamp int64             `json:"export_timestamp"`
	Tags            []types.TagRecord `json:"tags,omitempty"`
	Schemas         []SchemaRecord    `json:"schemas,omitempty"`
}

// SchemaRecord is a struct schema inside an export document.
type SchemaRecord struct {
	ID   string `json:"id"`
	PID  string `json:"pid"`
	Path string `json:"path"`
	Data string `json:"data"`
}

// SchemaGetter loads the schema stored for a struct path.
type SchemaGetter func(ctx context.Context, path string) (string, error)

// BuildExport renders tag records, ordered parents first, into an export
// document. Structs whose schema cannot be loaded are skipped.
func BuildExport(ctx context.Context, records []types.TagRecord, tags, schemas bool, getSchema SchemaGetter) ([]byte, error) {
	if !tags && !schemas {
		return nil, Errorf(ErrInvalidInput, "neither tags nor schemas were requested for export")
	}
	if len(records) == 0 {
		return nil, Errorf(ErrNotFound, "no tags to export")
	}

	doc := ExportDocument{
		ExportType:      ExportType,
		ExportTimestamp: time.Now().Unix(),
	}
	for _, r := range records {
		if tags {
			doc.Tags = append(doc.Tags, r)
		}
		if schemas && r.Schema != "" {
			data, err := getSchema(ctx, r.Path)
			if err != nil {
				continue
			}
			doc.Schemas = append(doc.Schemas, SchemaRecord{ID: r.Schema, PID: r.ID, Path: r.Path, Data: data})
		}
	}
	return json.MarshalIndent(doc, "", "  ")
}

// ParseExport decodes an export document.
func ParseExport(data []byte) (*ExportDocument, error) {
	if len(data) == 0 {
		return nil, Errorf(ErrInvalidInput, "empty tag/schema data provided")
	}
	var doc ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, Errorf(ErrInvalidInput, "bad export document: %v", err)
	}
	if doc.ExportType != "" && doc.ExportType != ExportType {
		return nil, Errorf(ErrInvalidInput, "unexpected export type %q", doc.ExportType)
	}
	return &doc, nil
}

// Importer is the subset of Adapter used to replay an export document.
type Importer interface {
	ImportTag(ctx context.Context, rec types.TagRecord) (string, error)
	SetTagSchema(ctx context.Context, path, schema string) error
}

// ApplyImport replays tags, then schemas. Every item is attempted; failures
// are joined into the returned error.
func ApplyImport(ctx context.Context, imp Importer, data []byte) error {
	doc, err := ParseExport(data)
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range doc.Tags {
		if _, err := imp.ImportTag(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("importing tag %s: %w", rec.Path, err))
		}
	}
	for _, s := range doc.Schemas {
		if err := imp.SetTagSchema(ctx, s.Path, s.Data); err != nil {
			errs = append(errs, fmt.Errorf("importing schema %s: %w", s.Path, err))
		}
	}
	return errors.Join(errs...)
}
