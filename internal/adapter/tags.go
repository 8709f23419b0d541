package adapter

import (
	"time"

	"github.com/gftdcojp/conditions-db/internal/tag"
	"github.com/gftdcojp/conditions-db/internal/types"
)

// PlanTag checks that a tag may be created at the cleaned path and returns
// it, with a path-derived id, its parent id and, for structs, a table name.
func PlanTag(ix *tag.Index, path string, mode types.Mode) (types.Tag, error) {
	if mode < types.ModeFolder || mode > types.ModeRun {
		return types.Tag{}, Errorf(ErrInvalidInput, "unknown tag mode %d", mode)
	}
	if _, ok := ix.ByPath(path); ok {
		return types.Tag{}, Errorf(ErrConflict, "tag %s already exists", path)
	}
	parentPath, name := SplitTagPath(path)
	t := types.Tag{
		ID:         types.DeterministicID(path),
		Name:       name,
		CreateTime: time.Now().Unix(),
		Mode:       mode,
	}
	if t.IsStruct() {
		t.TbName = TableName(path)
	}
	if parentPath == "" {
		return t, nil
	}
	parent, ok := ix.ByPath(parentPath)
	if !ok {
		return types.Tag{}, Errorf(ErrNotFound, "parent tag %s does not exist", parentPath)
	}
	if parent.IsStruct() {
		return types.Tag{}, Errorf(ErrInvalidInput, "parent tag %s is a struct", parentPath)
	}
	t.PID = parent.ID
	return t, nil
}

// PlanImport checks an exported tag record against the index. The returned
// tag keeps the record's id and parent id; a struct without a table name gets
// one derived from its resolved path.
func PlanImport(ix *tag.Index, rec types.TagRecord) (types.Tag, error) {
	if rec.ID == "" || rec.Name == "" {
		return types.Tag{}, Errorf(ErrInvalidInput, "tag record needs an id and a name")
	}
	if types.SanitizeAlnum(rec.Name) != rec.Name {
		return types.Tag{}, Errorf(ErrInvalidInput, "tag name %q may only contain letters and digits", rec.Name)
	}
	if rec.Mode < types.ModeFolder || rec.Mode > types.ModeRun {
		return types.Tag{}, Errorf(ErrInvalidInput, "unknown tag mode %d", rec.Mode)
	}

	t := *rec.Tag()
	t.SchemaID = ""
	if t.CreateTime == 0 {
		t.CreateTime = time.Now().Unix()
	}
	if _, ok := ix.ByID(t.ID); ok {
		return types.Tag{}, Errorf(ErrConflict, "tag id %s already exists", t.ID)
	}

	path := t.Name
	if t.PID != "" {
		parent, ok := ix.ByID(t.PID)
		if !ok {
			return types.Tag{}, Errorf(ErrNotFound, "parent tag %s does not exist", t.PID)
		}
		if parent.IsStruct() {
			return types.Tag{}, Errorf(ErrInvalidInput, "parent tag %s is a struct", t.PID)
		}
		path = ix.Path(t.PID) + "/" + t.Name
	}
	if _, ok := ix.ByPath(path); ok {
		return types.Tag{}, Errorf(ErrConflict, "tag %s already exists", path)
	}
	if !t.IsStruct() {
		t.TbName = ""
	} else if t.TbName == "" {
		t.TbName = TableName(path)
	}
	return t, nil
}
