package denylist

import (
	"fmt"
	"strings"
)

// Phase is a publisher state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseFetching   Phase = "fetching"
	PhaseSegmenting Phase = "segmenting"
	PhaseWriting    Phase = "writing"
	PhaseSwapping   Phase = "swapping"
	PhaseReclaiming Phase = "reclaiming"
	PhaseFailed     Phase = "failed"
)

// FetchError wraps a failure of the external source: unreachable, bad
// status, malformed body or bad signature.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "fetch denylist: " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// SegmentWriteError reports the key whose write failed during the writing
// phase. Nothing has been swapped when it is returned.
type SegmentWriteError struct {
	Key string
	Err error
}

func (e *SegmentWriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Key, e.Err)
}
func (e *SegmentWriteError) Unwrap() error { return e.Err }

// IncompleteDenylistError means the reader could not assemble the full list
// for Version. Callers must treat the list as unknown, never as short.
type IncompleteDenylistError struct {
	Version string
	Missing []string
	Err     error
}

func (e *IncompleteDenylistError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "denylist version %s is incomplete", e.Version)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, " (%d missing, first %s)", len(e.Missing), e.Missing[0])
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}
func (e *IncompleteDenylistError) Unwrap() error { return e.Err }

// RunError is returned by every failed publish run and names the phase the
// run failed in.
type RunError struct {
	Phase Phase
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("publish run %s failed while %s: %v", e.RunID, e.Phase, e.Err)
}
func (e *RunError) Unwrap() error { return e.Err }
