// Package tag maintains the in-memory tag hierarchy used by every metadata
// backed adapter: lookup by id and by path, parent/child links and listings.
package tag

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gftdcojp/conditions-db/internal/types"
)

// maxDepth guards path resolution against cyclic parent links.
const maxDepth = 256

// Index is an arena of tags keyed by id. Parents are referenced by id and
// children are derived from the pid field. Index is not safe for concurrent
// use; adapters guard it with their own lock.
type Index struct {
	tags     map[string]*types.Tag
	children map[string][]string
	paths    map[string]string
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		tags:     make(map[string]*types.Tag),
		children: make(map[string][]string),
		paths:    make(map[string]string),
	}
}

// Build creates an index from a flat tag list. Tags whose parent is missing
// are dropped together with their descendants.
func Build(tags []types.Tag) *Index {
	ix := NewIndex()
	for i := range tags {
		t := tags[i]
		ix.tags[t.ID] = &t
	}

	for {
		pruned := false
		for id, t := range ix.tags {
			if t.PID == "" {
				continue
			}
			if _, ok := ix.tags[t.PID]; !ok {
				delete(ix.tags, id)
				pruned = true
			}
		}
		if !pruned {
			break
		}
	}

	for id, t := range ix.tags {
		if t.PID != "" {
			ix.children[t.PID] = append(ix.children[t.PID], id)
		}
	}
	for id := range ix.tags {
		if p, ok := ix.resolvePath(id); ok {
			ix.paths[p] = id
		}
	}
	return ix
}

func (ix *Index) resolvePath(id string) (string, bool) {
	var names []string
	cur := id
	for depth := 0; cur != ""; depth++ {
		if depth > maxDepth {
			return "", false
		}
		t, ok := ix.tags[cur]
		if !ok {
			return "", false
		}
		names = append(names, t.Name)
		cur = t.PID
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return strings.Join(names, "/"), true
}

// Len returns the number of indexed tags.
func (ix *Index) Len() int {
	return len(ix.tags)
}

// Add inserts a tag whose parent, if any, is already indexed.
func (ix *Index) Add(t types.Tag) error {
	if _, ok := ix.tags[t.ID]; ok {
		return fmt.Errorf("tag %s already indexed", t.ID)
	}
	if t.PID != "" {
		if _, ok := ix.tags[t.PID]; !ok {
			return fmt.Errorf("parent tag %s not indexed", t.PID)
		}
	}
	ix.tags[t.ID] = &t
	p, _ := ix.resolvePath(t.ID)
	if _, taken := ix.paths[p]; taken {
		delete(ix.tags, t.ID)
		return fmt.Errorf("path %s already indexed", p)
	}
	ix.paths[p] = t.ID
	if t.PID != "" {
		ix.children[t.PID] = append(ix.children[t.PID], t.ID)
	}
	return nil
}

// Remove drops a tag and everything below it.
func (ix *Index) Remove(id string) {
	t, ok := ix.tags[id]
	if !ok {
		return
	}
	for _, child := range append([]string(nil), ix.children[id]...) {
		ix.Remove(child)
	}
	if p, ok := ix.resolvePath(id); ok {
		delete(ix.paths, p)
	}
	if t.PID != "" {
		siblings := ix.children[t.PID]
		for i, c := range siblings {
			if c == id {
				ix.children[t.PID] = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
	}
	delete(ix.children, id)
	delete(ix.tags, id)
}

// SetSchema records the schema id of a struct tag.
func (ix *Index) SetSchema(id, schemaID string) bool {
	t, ok := ix.tags[id]
	if !ok {
		return false
	}
	t.SchemaID = schemaID
	return true
}

// ByID returns a copy of the tag with the given id.
func (ix *Index) ByID(id string) (types.Tag, bool) {
	t, ok := ix.tags[id]
	if !ok {
		return types.Tag{}, false
	}
	return *t, true
}

// ByPath returns a copy of the tag at path.
func (ix *Index) ByPath(path string) (types.Tag, bool) {
	id, ok := ix.paths[strings.Trim(path, "/")]
	if !ok {
		return types.Tag{}, false
	}
	return ix.ByID(id)
}

// Path returns the slash-joined path of the tag with the given id.
func (ix *Index) Path(id string) string {
	p, _ := ix.resolvePath(id)
	return p
}

// Unfold returns the sorted paths of all struct tags at or below prefix.
func (ix *Index) Unfold(prefix string) []string {
	prefix = strings.Trim(prefix, "/")
	var out []string
	for p, id := range ix.paths {
		if !ix.tags[id].IsStruct() {
			continue
		}
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Listing renders the hierarchy one line per tag, sorted by path:
// "[+] path" for folders holding folders, "[-] path" for other folders and
// "[s/<schema>/<mode>] path" for structs.
func (ix *Index) Listing(skipStructs bool) []string {
	paths := make([]string, 0, len(ix.paths))
	for p := range ix.paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]string, 0, len(paths))
	for _, p := range paths {
		t := ix.tags[ix.paths[p]]
		if !t.IsStruct() {
			marker := "[-] "
			for _, c := range ix.children[t.ID] {
				if !ix.tags[c].IsStruct() {
					marker = "[+] "
					break
				}
			}
			out = append(out, marker+p)
			continue
		}
		if skipStructs {
			continue
		}
		schema := "-"
		if t.SchemaID != "" {
			schema = "s"
		}
		out = append(out, "[s/"+schema+"/"+strconv.FormatInt(int64(t.Mode), 10)+"] "+p)
	}
	return out
}

// Tags returns copies of all indexed tags ordered by path.
func (ix *Index) Tags() []types.Tag {
	paths := make([]string, 0, len(ix.paths))
	for p := range ix.paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]types.Tag, 0, len(paths))
	for _, p := range paths {
		out = append(out, *ix.tags[ix.paths[p]])
	}
	return out
}

// Records returns the portable form of every tag ordered by path, so parents
// always precede their children.
func (ix *Index) Records() []types.TagRecord {
	tags := ix.Tags()
	out := make([]types.TagRecord, 0, len(tags))
	for i := range tags {
		out = append(out, tags[i].Record(ix.Path(tags[i].ID)))
	}
	return out
}
