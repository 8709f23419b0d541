// Package adapter defines the storage backend contract shared by the memory,
// file, database and HTTP implementations, plus the request handling that is
// identical across all of them.
package adapter

import (
	"context"

	"github.com/gftdcojp/conditions-db/internal/types"
)

// Adapter names, also used as configuration keys.
const (
	NameMemory = "memory"
	NameFile   = "file"
	NameDB     = "db"
	NameHTTP   = "http"
)

// Adapter resolves and stores payloads in one storage medium.
type Adapter interface {
	// Name returns the adapter kind ("memory", "file", "db", "http").
	Name() string

	// GetPayload returns the single payload applicable to path under q.
	GetPayload(ctx context.Context, path string, q types.Query) (*types.Payload, error)
	// GetPayloads resolves several paths. Results are keyed by
	// "directory/structName"; unresolved paths are simply absent.
	GetPayloads(ctx context.Context, paths []string, q types.Query) (map[string]*types.Payload, error)

	// PrepareUpload returns an empty payload bound to an existing struct tag.
	PrepareUpload(ctx context.Context, path string) (*types.Payload, error)
	// SetPayload persists a ready payload and returns its id.
	SetPayload(ctx context.Context, p *types.Payload) (string, error)
	DeactivatePayload(ctx context.Context, p *types.Payload, deactiveTime int64) error

	// CreateTag creates a folder (ModeFolder) or struct tag and returns its id.
	CreateTag(ctx context.Context, path string, mode types.Mode) (string, error)
	// ImportTag recreates a tag exported from another database, keeping its id.
	ImportTag(ctx context.Context, rec types.TagRecord) (string, error)
	DeactivateTag(ctx context.Context, path string, deactiveTime int64) error
	ListTags(ctx context.Context, skipStructs bool) ([]string, error)

	GetTagSchema(ctx context.Context, path string) (string, error)
	SetTagSchema(ctx context.Context, path, schema string) error
	DropTagSchema(ctx context.Context, path string) error

	ExportTagsSchemas(ctx context.Context, tags, schemas bool) ([]byte, error)
	ImportTagsSchemas(ctx context.Context, data []byte) error

	// DownloadData fetches the bytes behind a URI this adapter owns.
	DownloadData(ctx context.Context, uri string) ([]byte, error)

	Close() error
}

// TableAdmin is implemented by adapters backed by relational tables.
type TableAdmin interface {
	CreateDatabaseTables(ctx context.Context) error
	ListDatabaseTables(ctx context.Context) ([]string, error)
	DropDatabaseTables(ctx context.Context) error
}

// MetadataCache is implemented by adapters that cache the tag hierarchy.
type MetadataCache interface {
	InvalidateMetadata()
}
