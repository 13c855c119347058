// Package denylist publishes a segmented "bad bits" denylist into a
// size-limited key/value store and reads it back.
//
// A publish run moves through fetching, segmenting, writing, swapping and
// reclaiming. Segments for a new version are written under fresh keys; the
// single current-version pointer is overwritten only once every segment and
// the manifest are durably stored. That pointer write is the commit point,
// so readers observe either the whole previous list or the whole new one.
//
// Persisted layout (prefix defaults to "badbits"):
//
//	{prefix}:segments:{version}:{index}   comma-joined hashes
//	{prefix}:manifests:{version}          JSON Manifest
//	{prefix}:current-version              version string
//
// The Scheduler serializes runs so two publishers in one process never race
// the pointer. Across processes a single writer is assumed.
package denylist
