package denylist

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultPrefix namespaces every key the publisher writes.
const DefaultPrefix = "badbits"

// versionWidth keeps versions fixed-width so lexical order is numeric order.
const versionWidth = 19

// Keys builds and parses store keys under one prefix.
type Keys struct {
	prefix string
}

func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keys{prefix: prefix}
}

func (k Keys) Prefix() string { return k.prefix }

// Pointer is the current-version key.
func (k Keys) Pointer() string { return k.prefix + ":current-version" }

// Segments is the prefix of every segment key of every version.
func (k Keys) Segments() string { return k.prefix + ":segments:" }

// VersionSegments is the prefix of every segment key of one version.
func (k Keys) VersionSegments(version string) string {
	return k.Segments() + version + ":"
}

func (k Keys) Segment(version string, index int) string {
	return fmt.Sprintf("%s%06d", k.VersionSegments(version), index)
}

func (k Keys) Manifests() string { return k.prefix + ":manifests:" }

func (k Keys) Manifest(version string) string { return k.Manifests() + version }

// ParseSegment splits a segment key into version and index. Keys that do not
// carry a well-formed version are rejected so reclaim never touches them.
func (k Keys) ParseSegment(key string) (version string, index int, ok bool) {
	rest, found := strings.CutPrefix(key, k.Segments())
	if !found {
		return "", 0, false
	}
	version, idx, found := strings.Cut(rest, ":")
	if !found || !ValidVersion(version) {
		return "", 0, false
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 || idx == "" || idx[0] == '+' || idx[0] == '-' {
		return "", 0, false
	}
	return version, n, true
}

func (k Keys) ParseManifest(key string) (version string, ok bool) {
	version, found := strings.CutPrefix(key, k.Manifests())
	if !found || !ValidVersion(version) {
		return "", false
	}
	return version, true
}

// MintVersion returns a version for a run starting at now. The result is
// strictly greater than current, even when the clock has gone backwards.
func MintVersion(now time.Time, current string) string {
	n := now.UTC().UnixNano()
	if cur, err := strconv.ParseInt(current, 10, 64); err == nil && ValidVersion(current) && n <= cur {
		n = cur + 1
	}
	return formatVersion(n)
}

func formatVersion(n int64) string {
	return fmt.Sprintf("%0*d", versionWidth, n)
}

// ValidVersion reports whether v has the minted version shape.
func ValidVersion(v string) bool {
	if len(v) != versionWidth {
		return false
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return false
		}
	}
	return true
}

// VersionTime returns the instant a version was minted.
func VersionTime(v string) (time.Time, bool) {
	if !ValidVersion(v) {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n).UTC(), true
}
