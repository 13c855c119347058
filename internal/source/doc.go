// Package source implements denylist fetchers: an HTTP source with optional
// detached-signature verification, a local file source, and a static list.
//
// Two body formats are understood. "lines" is one hash per line, with blank
// lines and lines starting with '#' or '!' ignored and a leading "//"
// stripped, which matches the published bad bits list. "json" is an array of
// strings or of objects carrying the hash in an "anchor" field.
package source
