package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/segment"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/xerrors"
)

// Format selects how a source body is decoded.
type Format string

const (
	FormatLines Format = "lines"
	FormatJSON  Format = "json"
)

// maxLineBytes bounds a single line of a lines-format body.
const maxLineBytes = 1 << 20

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatLines, FormatJSON:
		return f, nil
	case "":
		return FormatLines, nil
	default:
		return "", fmt.Errorf("unknown source format %q (want lines or json)", s)
	}
}

// MalformedError reports a body that could not be decoded into hashes.
type MalformedError struct {
	Line int
	Err  error
}

func (e *MalformedError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed denylist at line %d: %v", e.Line, e.Err)
	}
	return "malformed denylist: " + e.Err.Error()
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Decode parses body in the given format. Hashes are returned in source
// order; the segmenter sorts and deduplicates.
func Decode(body []byte, f Format) ([]string, error) {
	switch f {
	case FormatLines, "":
		return decodeLines(bytes.NewReader(body))
	case FormatJSON:
		return decodeJSON(body)
	default:
		return nil, xerrors.Newf("unknown source format %q", f)
	}
}

func decodeLines(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	var out []string
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || s[0] == '#' || s[0] == '!' {
			continue
		}
		s = strings.TrimPrefix(s, "//")
		if s == "" {
			continue
		}
		if err := segment.Validate(s); err != nil {
			return nil, &MalformedError{Line: line, Err: err}
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, &MalformedError{Line: line + 1, Err: err}
	}
	return out, nil
}

type anchorEntry struct {
	Anchor string `json:"anchor"`
}

func decodeJSON(body []byte) ([]string, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &MalformedError{Err: err}
	}
	out := make([]string, 0, len(raw))
	for i, msg := range raw {
		var s string
		msg = bytes.TrimSpace(msg)
		if len(msg) > 0 && msg[0] == '{' {
			var e anchorEntry
			if err := json.Unmarshal(msg, &e); err != nil {
				return nil, &MalformedError{Err: fmt.Errorf("entry %d: %w", i, err)}
			}
			s = e.Anchor
		} else if err := json.Unmarshal(msg, &s); err != nil {
			return nil, &MalformedError{Err: fmt.Errorf("entry %d: %w", i, err)}
		}
		s = strings.TrimPrefix(strings.TrimSpace(s), "//")
		if s == "" {
			return nil, &MalformedError{Err: fmt.Errorf("entry %d: empty hash", i)}
		}
		if err := segment.Validate(s); err != nil {
			return nil, &MalformedError{Err: fmt.Errorf("entry %d: %w", i, err)}
		}
		out = append(out, s)
	}
	return out, nil
}
