package remote

import (
	"net/url"
	"strconv"

	"github.com/gftdcojp/conditions-db/internal/types"
)

// Endpoints of the conditions REST protocol.
const (
	PathTags              = "/tags/"
	PathTag               = "/tag/"
	PathSchema            = "/schema/"
	PathTables            = "/tables/"
	PathPayloadGet        = "/payload_get/"
	PathPayloadSet        = "/payload_set/"
	PathPayloadDeactivate = "/payload_deactivate/"
	PathDownload          = "/download/"
)

// Operations carried in the "op" form field.
const (
	OpCreate     = "create"
	OpDeactivate = "deactivate"
	OpDrop       = "drop"
	OpList       = "list"
)

// TagWire is a tag as listed by /tags/.
type TagWire struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	PID      string     `json:"pid"`
	TbName   string     `json:"tbname"`
	CT       int64      `json:"ct"`
	DT       int64      `json:"dt"`
	Mode     types.Mode `json:"mode"`
	SchemaID string     `json:"schema_id"`
}

func WireTag(t types.Tag) TagWire {
	return TagWire{
		ID:       t.ID,
		Name:     t.Name,
		PID:      t.PID,
		TbName:   t.TbName,
		CT:       t.CreateTime,
		DT:       t.DeactiveTime,
		Mode:     t.Mode,
		SchemaID: t.SchemaID,
	}
}

func (w TagWire) Tag() types.Tag {
	return types.Tag{
		ID:           w.ID,
		Name:         w.Name,
		PID:          w.PID,
		TbName:       w.TbName,
		CreateTime:   w.CT,
		DeactiveTime: w.DT,
		Mode:         w.Mode,
		SchemaID:     w.SchemaID,
	}
}

type TagsReply struct {
	Tags []TagWire `json:"tags"`
}

// PayloadWire is the payload returned by /payload_get/.
type PayloadWire struct {
	ID     string `json:"id"`
	PID    string `json:"pid"`
	Flavor string `json:"flavor"`
	CT     int64  `json:"ct"`
	BT     int64  `json:"bt"`
	ET     int64  `json:"et"`
	DT     int64  `json:"dt"`
	Run    int64  `json:"run"`
	Seq    int64  `json:"seq"`
	Fmt    string `json:"fmt"`
	URI    string `json:"uri"`
}

func WirePayload(p *types.Payload) PayloadWire {
	return PayloadWire{
		ID:     p.ID,
		PID:    p.PID,
		Flavor: p.Flavor,
		CT:     p.CreateTime,
		BT:     p.BeginTime,
		ET:     p.EndTime,
		DT:     p.DeactiveTime,
		Run:    p.Run,
		Seq:    p.Seq,
		Fmt:    string(p.Format),
		URI:    p.URI,
	}
}

// Payload converts the wire form. Directory and struct name are left to
// the caller.
func (w PayloadWire) Payload(mode types.Mode) *types.Payload {
	return &types.Payload{
		ID:           w.ID,
		PID:          w.PID,
		Flavor:       w.Flavor,
		URI:          w.URI,
		Format:       types.ParseFormat(w.Fmt),
		CreateTime:   w.CT,
		BeginTime:    w.BT,
		EndTime:      w.ET,
		DeactiveTime: w.DT,
		Run:          w.Run,
		Seq:          w.Seq,
		Mode:         mode,
	}
}

type PayloadReply struct {
	Payload PayloadWire `json:"payload"`
}

type SchemaReply struct {
	Schema string `json:"schema"`
}

type IDReply struct {
	ID string `json:"id"`
}

type TablesReply struct {
	Tables []string `json:"tables"`
}

// PayloadForm renders the /payload_set/ form of p stored in table tb.
func PayloadForm(p *types.Payload, tb string) url.Values {
	v := url.Values{}
	v.Set("id", p.ID)
	v.Set("pid", p.PID)
	v.Set("flavor", p.Flavor)
	v.Set("ct", itoa(p.CreateTime))
	v.Set("dt", itoa(p.DeactiveTime))
	v.Set("bt", itoa(p.BeginTime))
	v.Set("et", itoa(p.EndTime))
	v.Set("run", itoa(p.Run))
	v.Set("seq", itoa(p.Seq))
	v.Set("fmt", string(p.Format))
	v.Set("uri", p.URI)
	v.Set("tbname", tb)
	v.Set("data", string(p.Data))
	v.Set("data_size", itoa(p.Size()))
	return v
}

// TagForm renders the /tag/ create form of t.
func TagForm(t types.Tag) url.Values {
	v := url.Values{}
	v.Set("op", OpCreate)
	v.Set("id", t.ID)
	v.Set("pid", t.PID)
	v.Set("name", t.Name)
	v.Set("tbname", t.TbName)
	v.Set("ct", itoa(t.CreateTime))
	v.Set("dt", itoa(t.DeactiveTime))
	v.Set("mode", itoa(int64(t.Mode)))
	return v
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
