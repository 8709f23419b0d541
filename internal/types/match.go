package types

import "strings"

// Override bounds the entry time for every path below Prefix.
type Override struct {
	Prefix       string
	MaxEntryTime int64
}

// Query is the lookup context shared by every adapter.
type Query struct {
	Flavors      []string
	EventTime    int64
	MaxEntryTime int64
	Run          int64
	Seq          int64
	Overrides    []Override
}

// EffectiveMaxEntryTime returns the override with the longest prefix matching
// path, or q.MaxEntryTime when none does.
func (q Query) EffectiveMaxEntryTime(path string) int64 {
	mt := q.MaxEntryTime
	best := -1
	for _, o := range q.Overrides {
		if len(o.Prefix) > best && hasPathPrefix(path, o.Prefix) {
			mt = o.MaxEntryTime
			best = len(o.Prefix)
		}
	}
	return mt
}

func hasPathPrefix(path, prefix string) bool {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// Matches reports whether p is applicable for the query coordinate in the
// given struct mode, bounded by maxEntryTime when it is positive.
func Matches(p *Payload, mode Mode, q Query, maxEntryTime int64) bool {
	if maxEntryTime > 0 {
		if p.CreateTime > maxEntryTime {
			return false
		}
		if p.DeactiveTime != 0 && p.DeactiveTime <= maxEntryTime {
			return false
		}
	}
	switch mode {
	case ModeTime:
		return p.BeginTime <= q.EventTime && (p.EndTime == 0 || p.EndTime > q.EventTime)
	case ModeRun:
		return p.Run == q.Run && p.Seq == q.Seq
	default:
		return false
	}
}

// Newer reports whether candidate should replace current as the best match.
func Newer(candidate, current *Payload) bool {
	if current == nil {
		return true
	}
	return candidate.CreateTime > current.CreateTime
}
