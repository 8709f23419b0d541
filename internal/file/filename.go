package file

import (
	"strconv"
	"strings"

	"github.com/gftdcojp/conditions-db/internal/types"
)

// uriExt marks a payload file that holds an external URI instead of data.
const uriExt = "uri"

// FileName is the decoded form of a payload file name:
// <flavor>.c<ct>_b<bt>_e<et>_d<dt>_r<run>_s<seq>.<ext>
type FileName struct {
	Flavor       string
	CreateTime   int64
	BeginTime    int64
	EndTime      int64
	DeactiveTime int64
	Run          int64
	Seq          int64
	Ext          string
}

var textExts = map[string]bool{"txt": true, "json": true, "xml": true, "asc": true, "md": true}

// Binary reports whether the extension denotes binary content.
func (f FileName) Binary() bool {
	return !textExts[f.Ext]
}

// EncodeFilename builds the file name for p. Zero fields are omitted and
// timestamps are written as UTC "YYYYMMDDTHHMMSS".
func EncodeFilename(p *types.Payload, ext string) string {
	var chunks []string
	if p.CreateTime != 0 {
		chunks = append(chunks, "c"+types.FormatTime(p.CreateTime))
	}
	if p.BeginTime != 0 {
		chunks = append(chunks, "b"+types.FormatTime(p.BeginTime))
	}
	if p.EndTime != 0 {
		chunks = append(chunks, "e"+types.FormatTime(p.EndTime))
	}
	if p.DeactiveTime != 0 {
		chunks = append(chunks, "d"+types.FormatTime(p.DeactiveTime))
	}
	if p.Run != 0 {
		chunks = append(chunks, "r"+strconv.FormatInt(p.Run, 10))
	}
	if p.Seq != 0 {
		chunks = append(chunks, "s"+strconv.FormatInt(p.Seq, 10))
	}
	return types.SanitizeAlnum(p.Flavor) + "." + strings.Join(chunks, "_") + "." + ext
}

// DecodeFilename parses a payload file name. Timestamps may be UTC
// "YYYYMMDDTHHMMSS" or integer epoch seconds. Unknown field prefixes are
// ignored; malformed values make the whole name invalid.
func DecodeFilename(name string) (FileName, bool) {
	parts := strings.Split(name, ".")
	if len(parts) != 3 || parts[0] == "" {
		return FileName{}, false
	}

	f := FileName{
		Flavor: parts[0],
		Ext:    strings.ToLower(parts[2]),
	}
	for _, field := range strings.Split(parts[1], "_") {
		if len(field) < 2 {
			continue
		}
		value := field[1:]
		var err error
		switch field[0] {
		case 'c':
			f.CreateTime, err = types.ParseTime(value)
		case 'b':
			f.BeginTime, err = types.ParseTime(value)
		case 'e':
			f.EndTime, err = types.ParseTime(value)
		case 'd':
			f.DeactiveTime, err = types.ParseTime(value)
		case 'r':
			f.Run, err = strconv.ParseInt(value, 10, 64)
		case 's':
			f.Seq, err = strconv.ParseInt(value, 10, 64)
		}
		if err != nil {
			return FileName{}, false
		}
	}
	return f, true
}

// payload builds the payload described by f. The mode follows the struct
// when known, otherwise a run number selects run mode.
func (f FileName) payload(directory, structName string, mode types.Mode) *types.Payload {
	p := &types.Payload{
		PID:          types.DeterministicID(directory + "/" + structName),
		Flavor:       f.Flavor,
		Directory:    directory,
		StructName:   structName,
		CreateTime:   f.CreateTime,
		BeginTime:    f.BeginTime,
		EndTime:      f.EndTime,
		DeactiveTime: f.DeactiveTime,
		Run:          f.Run,
		Seq:          f.Seq,
		Mode:         mode,
	}
	if p.Mode == types.ModeFolder {
		p.Mode = types.ModeTime
		if f.Run > 0 {
			p.Mode = types.ModeRun
		}
	}
	return p
}
