package types

// Tag is a node of the conditions hierarchy. Folders (ModeFolder) group other
// tags; structs carry payloads and an optional schema.
type Tag struct {
	ID           string
	Name         string
	PID          string
	TbName       string
	CreateTime   int64
	DeactiveTime int64
	Mode         Mode
	SchemaID     string
}

// IsStruct reports whether the tag can carry payloads.
func (t *Tag) IsStruct() bool {
	return t.Mode != ModeFolder
}

// TagRecord is the portable JSON form of a tag, used by export documents.
type TagRecord struct {
	ID         string `json:"id"`
	PID        string `json:"pid"`
	Name       string `json:"name"`
	TbName     string `json:"tbname"`
	CreateTime int64  `json:"ct"`
	DeactTime  int64  `json:"dt"`
	Mode       Mode   `json:"mode"`
	Schema     string `json:"schema"`
	Path       string `json:"path"`
}

// Record converts the tag to its portable form, given its resolved path.
func (t *Tag) Record(path string) TagRecord {
	return TagRecord{
		ID:         t.ID,
		PID:        t.PID,
		Name:       t.Name,
		TbName:     t.TbName,
		CreateTime: t.CreateTime,
		DeactTime:  t.DeactiveTime,
		Mode:       t.Mode,
		Schema:     t.SchemaID,
		Path:       path,
	}
}

// Tag converts a record back into a tag.
func (r TagRecord) Tag() *Tag {
	return &Tag{
		ID:           r.ID,
		Name:         r.Name,
		PID:          r.PID,
		TbName:       r.TbName,
		CreateTime:   r.CreateTime,
		DeactiveTime: r.DeactTime,
		Mode:         r.Mode,
		SchemaID:     r.Schema,
	}
}
