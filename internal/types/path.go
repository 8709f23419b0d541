package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the UTC timestamp layout used in file names and CLI input.
const TimeLayout = "20060102T150405"

// DecodedPath is the result of splitting "flavor1+flavor2:dir/.../struct".
type DecodedPath struct {
	Flavors    []string
	Directory  string
	StructName string
}

// Path returns "directory/structName" without flavors.
func (d DecodedPath) Path() string {
	return d.Directory + "/" + d.StructName
}

// DecodePath splits a request path into flavors, directory and struct name.
// It reports false for an empty input or more than one colon.
func DecodePath(path string) (DecodedPath, bool) {
	var d DecodedPath
	parts := explode(path, ':')
	if len(parts) == 0 || len(parts) > 2 {
		return d, false
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	location := parts[0]
	if len(parts) == 2 {
		for _, f := range strings.Split(parts[0], "+") {
			if f = SanitizeAlnum(strings.TrimSpace(f)); f != "" {
				d.Flavors = append(d.Flavors, f)
			}
		}
		location = parts[1]
	}

	segments := explode(location, '/')
	if len(segments) == 0 {
		return d, true
	}
	d.StructName = SanitizeAlnum(segments[len(segments)-1])
	d.Directory = strings.Trim(strings.Join(segments[:len(segments)-1], "/"), "/ \n\r\t\v")
	return d, true
}

// EncodePath is the inverse of DecodePath.
func EncodePath(flavors []string, directory, structName string) string {
	p := directory + "/" + structName
	if len(flavors) == 0 {
		return p
	}
	return strings.Join(flavors, "+") + ":" + p
}

// explode splits like a stream tokenizer: an empty input yields nothing and a
// single trailing empty token is dropped.
func explode(s string, sep byte) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, string(sep))
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

func isAlnum(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// SanitizeAlnum drops every character that is not an ASCII letter or digit.
func SanitizeAlnum(s string) string {
	return strings.Map(func(r rune) rune {
		if isAlnum(r) {
			return r
		}
		return -1
	}, s)
}

// SanitizeAlnumSlash keeps letters, digits and slashes.
func SanitizeAlnumSlash(s string) string {
	return strings.Map(func(r rune) rune {
		if isAlnum(r) || r == '/' {
			return r
		}
		return -1
	}, s)
}

// SanitizeAlnumDash keeps letters, digits and dashes.
func SanitizeAlnumDash(s string) string {
	return strings.Map(func(r rune) rune {
		if isAlnum(r) || r == '-' {
			return r
		}
		return -1
	}, s)
}

// DeterministicID derives a stable 36-character identifier from s. The value
// matches ids minted by other clients of the same database, so the derivation
// must not change.
func DeterministicID(s string) string {
	sum := sha256.Sum256([]byte("CDBNPP" + s))
	b := []byte(hex.EncodeToString(sum[:18]))
	for _, i := range []int{8, 13, 18, 23} {
		b[i] = '-'
	}
	return string(b)
}

// ParseTime accepts epoch seconds or a UTC timestamp in TimeLayout.
func ParseTime(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t.Unix(), nil
}

// FormatTime renders epoch seconds in TimeLayout (UTC).
func FormatTime(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(TimeLayout)
}
