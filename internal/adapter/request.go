package adapter

import (
	"context"
	"strings"

	"github.com/gftdcojp/conditions-db/internal/tag"
	"github.com/gftdcojp/conditions-db/internal/types"
)

// Request is a decoded lookup: where to look, which flavors to try in order
// and the entry-time bound after overrides.
type Request struct {
	Path         types.DecodedPath
	Flavors      []string
	MaxEntryTime int64
}

// Key returns the "directory/structName" result key.
func (r Request) Key() string {
	return r.Path.Path()
}

// Resolve decodes path and merges it with the query context. Path flavors
// take precedence over the query flavors.
func Resolve(path string, q types.Query) (Request, error) {
	d, ok := types.DecodePath(path)
	if !ok {
		return Request{}, Errorf(ErrInvalidInput, "cannot decode path %q", path)
	}
	if d.Directory == "" || d.StructName == "" {
		return Request{}, Errorf(ErrInvalidInput, "path %q needs a directory and a struct name", path)
	}
	if _, err := CleanTagPath(d.Path()); err != nil {
		return Request{}, Errorf(ErrInvalidInput, "path %q may only contain letters, digits and slashes", path)
	}
	flavors := d.Flavors
	if len(flavors) == 0 {
		flavors = q.Flavors
	}
	if len(flavors) == 0 {
		return Request{}, Errorf(ErrInvalidInput, "no flavors for path %q", path)
	}
	return Request{
		Path:         d,
		Flavors:      flavors,
		MaxEntryTime: q.EffectiveMaxEntryTime(d.Path()),
	}, nil
}

// CleanTagPath trims a tag path and rejects anything but letters, digits and
// single slashes.
func CleanTagPath(path string) (string, error) {
	p := strings.Trim(path, "/ \n\r\t\v")
	if p == "" {
		return "", Errorf(ErrInvalidInput, "empty tag path")
	}
	if types.SanitizeAlnumSlash(p) != p || strings.Contains(p, "//") {
		return "", Errorf(ErrInvalidInput, "tag path %q may only contain letters, digits and slashes", path)
	}
	return p, nil
}

// SplitTagPath returns the parent path (possibly empty) and the last name.
func SplitTagPath(path string) (parent, name string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// TableName derives the storage table suffix for a struct path.
func TableName(path string) string {
	return strings.ToLower(strings.ReplaceAll(types.SanitizeAlnumSlash(strings.Trim(path, "/")), "/", "_"))
}

// SchemaFileName names the schema document of a struct path.
func SchemaFileName(path string) string {
	return TableName(path) + ".json"
}

// PayloadGetter resolves a single path.
type PayloadGetter func(ctx context.Context, path string, q types.Query) (*types.Payload, error)

// Collect resolves every path with get and keys the hits by
// "directory/structName". Misses and per-path errors are skipped.
func Collect(ctx context.Context, paths []string, q types.Query, get PayloadGetter) map[string]*types.Payload {
	out := make(map[string]*types.Payload, len(paths))
	for _, p := range paths {
		if ctx.Err() != nil {
			break
		}
		pl, err := get(ctx, p, q)
		if err != nil || pl == nil {
			continue
		}
		out[pl.Path()] = pl
	}
	return out
}

// Unfold replaces every path that does not name a struct tag with the struct
// paths below it, keeping any flavor prefix. Undecodable paths pass through
// so the caller reports them.
func Unfold(paths []string, ix *tag.Index) []string {
	seen := make(map[string]bool, len(paths))
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range paths {
		prefix, location := "", p
		if i := strings.IndexByte(p, ':'); i >= 0 {
			prefix, location = p[:i+1], p[i+1:]
		}
		location = strings.Trim(strings.TrimSpace(location), "/")
		if t, ok := ix.ByPath(location); ok && t.IsStruct() {
			add(p)
			continue
		}
		expanded := ix.Unfold(location)
		if len(expanded) == 0 {
			add(p)
			continue
		}
		for _, e := range expanded {
			add(prefix + e)
		}
	}
	return out
}
