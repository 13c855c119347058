// Package segment splits a denylist into store-sized chunks and parses them
// back. Everything here is pure: no I/O, no clocks, no globals.
package segment

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/cryptoutil"
)

// Delimiter separates hashes inside a stored segment. It may not appear in a
// hash token.
const Delimiter = ","

// ErrInvalidLimit is returned when the segment size limit is below one byte.
var ErrInvalidLimit = errors.New("segment: size limit must be at least 1 byte")

// OversizedHashError reports a single hash that cannot fit in any segment.
type OversizedHashError struct {
	Hash  string
	Size  int
	Limit int
}

func (e *OversizedHashError) Error() string {
	return fmt.Sprintf("segment: hash %q is %d bytes, exceeds segment limit of %d bytes", truncate(e.Hash), e.Size, e.Limit)
}

// InvalidHashError reports a token containing the delimiter or whitespace.
type InvalidHashError struct {
	Hash   string
	Reason string
}

func (e *InvalidHashError) Error() string {
	return fmt.Sprintf("segment: invalid hash %q: %s", truncate(e.Hash), e.Reason)
}

// Validate checks that a single token can be stored inside a segment.
func Validate(hash string) error {
	if strings.Contains(hash, Delimiter) {
		return &InvalidHashError{Hash: hash, Reason: "contains delimiter " + Delimiter}
	}
	if strings.IndexFunc(hash, unicode.IsSpace) >= 0 {
		return &InvalidHashError{Hash: hash, Reason: "contains whitespace"}
	}
	return nil
}

// Normalize returns a sorted, deduplicated copy of hashes with empty tokens
// removed. The input slice is not modified.
func Normalize(hashes []string) []string {
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if h != "" {
			out = append(out, h)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Split normalizes hashes and packs them greedily into segments of at most
// limit bytes each. Identical input sets always produce identical segment
// boundaries, whatever order they arrive in. An empty set yields no segments.
func Split(hashes []string, limit int) ([]string, error) {
	if limit < 1 {
		return nil, ErrInvalidLimit
	}
	sorted := Normalize(hashes)

	var (
		segments []string
		cur      strings.Builder
	)
	for _, h := range sorted {
		if err := Validate(h); err != nil {
			return nil, err
		}
		if len(h) > limit {
			return nil, &OversizedHashError{Hash: h, Size: len(h), Limit: limit}
		}
		if cur.Len() > 0 && cur.Len()+len(Delimiter)+len(h) > limit {
			segments = append(segments, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString(Delimiter)
		}
		cur.WriteString(h)
	}
	if cur.Len() > 0 {
		segments = append(segments, cur.String())
	}
	return segments, nil
}

// Parse splits a stored segment back into its hashes.
func Parse(segment string) []string {
	if segment == "" {
		return nil
	}
	return strings.Split(segment, Delimiter)
}

// Digest returns the hex SHA-256 of a sorted list joined with the delimiter.
// Publisher and Reader both compute it to confirm they agree on content.
func Digest(sorted []string) string {
	return cryptoutil.SHA256Hex([]byte(strings.Join(sorted, Delimiter)))
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
