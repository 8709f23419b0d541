package types

import (
	"bytes"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mode identifies how a struct tag versions its payloads.
type Mode int64

const (
	ModeFolder Mode = iota
	ModeTime
	ModeRun
)

func (m Mode) String() string {
	switch m {
	case ModeFolder:
		return "folder"
	case ModeTime:
		return "time"
	case ModeRun:
		return "run"
	default:
		return "unknown"
	}
}

// Format tags the encoding of payload data.
type Format string

const (
	FormatDat     Format = "dat"
	FormatJSON    Format = "json"
	FormatBSON    Format = "bson"
	FormatUBJSON  Format = "ubjson"
	FormatCBOR    Format = "cbor"
	FormatMsgPack Format = "msgpack"
)

// ParseFormat maps a format name or file extension onto a known Format.
// Unknown names fall back to FormatDat.
func ParseFormat(s string) Format {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatBSON, FormatUBJSON, FormatCBOR, FormatMsgPack:
		return f
	default:
		return FormatDat
	}
}

// Payload is a single versioned blob of conditions data.
type Payload struct {
	ID           string
	PID          string
	Flavor       string
	StructName   string
	Directory    string
	URI          string
	Data         []byte
	Format       Format
	CreateTime   int64
	BeginTime    int64
	EndTime      int64
	DeactiveTime int64
	Run          int64
	Seq          int64
	Mode         Mode
}

// Path returns "directory/structName".
func (p *Payload) Path() string {
	return p.Directory + "/" + p.StructName
}

// FlavorPath returns "flavor:directory/structName".
func (p *Payload) FlavorPath() string {
	return p.Flavor + ":" + p.Path()
}

// Valid reports whether the payload carries a usable location and coordinate.
func (p *Payload) Valid() bool {
	if p.Directory == "" || p.StructName == "" {
		return false
	}
	if p.BeginTime <= 0 && p.Run <= 0 {
		return false
	}
	if p.BeginTime > 0 && p.EndTime != 0 && p.BeginTime >= p.EndTime {
		return false
	}
	return true
}

// Decoded reports whether the payload is valid and bound to a flavor and struct.
func (p *Payload) Decoded() bool {
	return p.Valid() && p.Flavor != "" && p.PID != ""
}

// Ready reports whether the payload can be persisted.
func (p *Payload) Ready() bool {
	return p.Decoded() && (p.URI != "" || len(p.Data) > 0)
}

func (p *Payload) SetBeginTime(t int64) {
	p.BeginTime = t
	if t != 0 {
		p.Mode = ModeTime
	}
}

func (p *Payload) SetEndTime(t int64) {
	p.EndTime = t
	if t != 0 {
		p.Mode = ModeTime
	}
}

func (p *Payload) SetRun(run int64) {
	p.Run = run
	if run != 0 {
		p.Mode = ModeRun
	}
}

func (p *Payload) SetSeq(seq int64) {
	p.Seq = seq
	if seq != 0 {
		p.Mode = ModeRun
	}
}

// SetURI points the payload at external data. Inline data is dropped and the
// format is taken from the URI extension.
func (p *Payload) SetURI(uri string) {
	p.URI = uri
	ext := uri
	if i := strings.LastIndexByte(uri, '.'); i >= 0 {
		ext = uri[i+1:]
	}
	p.SetData(nil, ParseFormat(SanitizeAlnum(strings.ToLower(ext))))
}

// SetData replaces inline data. Unknown formats are stored as FormatDat.
func (p *Payload) SetData(data []byte, format Format) {
	p.Data = data
	p.Format = ParseFormat(string(format))
}

func (p *Payload) ClearData() {
	p.Data = nil
	p.Format = ""
}

// Size returns the number of inline data bytes.
func (p *Payload) Size() int64 {
	return int64(len(p.Data))
}

// Clone returns a deep copy of the payload.
func (p *Payload) Clone() *Payload {
	c := *p
	if p.Data != nil {
		c.Data = bytes.Clone(p.Data)
	}
	return &c
}

// ResetForUpload turns a fetched payload into a fresh upload candidate for the
// same struct: new id, current create time and no coordinates or data.
func (p *Payload) ResetForUpload() error {
	id, err := NewID()
	if err != nil {
		return err
	}
	p.ID = id
	p.CreateTime = time.Now().Unix()
	p.DeactiveTime = 0
	p.BeginTime = 0
	p.EndTime = 0
	p.Run = 0
	p.Seq = 0
	p.URI = ""
	p.ClearData()
	return nil
}

// NewID returns a fresh time-based identifier.
func NewID() (string, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
