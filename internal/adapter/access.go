package adapter

// Access levels, in increasing order of privilege.
const (
	AccessGet   = "get"
	AccessSet   = "set"
	AccessAdmin = "admin"
)

// AccessLevels lists the access levels from least to most privileged.
var AccessLevels = []string{AccessGet, AccessSet, AccessAdmin}

// AccessRank orders access levels. Unknown levels rank below get.
func AccessRank(level string) int {
	for i, l := range AccessLevels {
		if l == level {
			return i
		}
	}
	return -1
}

// FallbackLevel returns level if configured reports true for it, otherwise
// the next more privileged level that is configured.
func FallbackLevel(level string, configured func(string) bool) (string, bool) {
	start := AccessRank(level)
	if start < 0 {
		start = 0
	}
	for _, l := range AccessLevels[start:] {
		if configured(l) {
			return l, true
		}
	}
	return "", false
}
