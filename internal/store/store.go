// Package store defines the segment store contract and its backends.
//
// A Store is a flat key/value namespace with a per-value size ceiling. The
// denylist publisher relies on three properties only:
//   - Put is durable once it returns nil
//   - a single-key Put is atomic (readers never see half a value)
//   - List returns every key under a prefix, sorted
//
// Backends: [Memory] for tests and local runs, [Redis], [S3], [Badger] for
// embedded single-node use. [Instrumented] wraps any of them with metrics
// and spans.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("store: key not found")

	// ErrValueTooLarge is returned by Put when the value exceeds the
	// backend's size ceiling.
	ErrValueTooLarge = errors.New("store: value exceeds size ceiling")
)

// Store is durable key/value storage for segments, manifests and the
// current-version pointer.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// List returns all keys starting with prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// MaxValueSizer is implemented by backends that know their value ceiling.
type MaxValueSizer interface {
	MaxValueSize() int
}

// MaxValueSize returns s's ceiling, or 0 when the backend does not report one.
func MaxValueSize(s Store) int {
	if m, ok := s.(MaxValueSizer); ok {
		return m.MaxValueSize()
	}
	return 0
}

// Pinger is implemented by backends that can check connectivity cheaply.
// Readiness probes use it.
type Pinger interface {
	Ping(ctx context.Context) error
}
