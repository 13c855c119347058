package denylist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/store"
)

// faultStore wraps a Store with per-call hooks for injecting failures and
// observing writes.
type faultStore struct {
	store.Store

	mu      sync.Mutex
	putErr  func(key string) error
	getErr  func(key string) error
	onPut   func(ctx context.Context, key string)
	lists   int
	deletes []string
}

func newFaultStore() *faultStore {
	return &faultStore{Store: store.NewMemory(0)}
}

func (f *faultStore) Put(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	putErr, onPut := f.putErr, f.onPut
	f.mu.Unlock()
	if onPut != nil {
		onPut(ctx, key)
	}
	if putErr != nil {
		if err := putErr(key); err != nil {
			return err
		}
	}
	return f.Store.Put(ctx, key, value)
}

func (f *faultStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	getErr := f.getErr
	f.mu.Unlock()
	if getErr != nil {
		if err := getErr(key); err != nil {
			return nil, err
		}
	}
	return f.Store.Get(ctx, key)
}

func (f *faultStore) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	f.lists++
	f.mu.Unlock()
	return f.Store.List(ctx, prefix)
}

func (f *faultStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, key)
	f.mu.Unlock()
	return f.Store.Delete(ctx, key)
}

func (f *faultStore) set(fn func(f *faultStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *faultStore) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func (f *faultStore) mustGet(t *testing.T, key string) string {
	t.Helper()
	v, err := f.Store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	return string(v)
}

func (f *faultStore) keys(t *testing.T, prefix string) []string {
	t.Helper()
	k, err := f.Store.List(context.Background(), prefix)
	if err != nil {
		t.Fatalf("list %s: %v", prefix, err)
	}
	return k
}

// listFetcher returns a fixed list, or err when set.
type listFetcher struct {
	mu     sync.Mutex
	hashes []string
	err    error
	calls  int
}

func (f *listFetcher) Fetch(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.hashes...), nil
}

func (f *listFetcher) set(hashes []string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes, f.err = hashes, err
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestPublisher builds a publisher with a 12 byte segment limit.
func newTestPublisher(t *testing.T, st store.Store, f Fetcher, clock *fakeClock, mod func(*PublisherOptions)) *Publisher {
	t.Helper()
	opts := PublisherOptions{
		Store:       st,
		Fetcher:     f,
		SizeLimit:   12,
		Overhead:    -1,
		GraceWindow: -1,
		Now:         clock.Now,
	}
	if mod != nil {
		mod(&opts)
	}
	p, err := NewPublisher(opts)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	return p
}

func mustRun(t *testing.T, p *Publisher) *Result {
	t.Helper()
	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func readAll(t *testing.T, st store.Store) *Denylist {
	t.Helper()
	d, err := NewReader(ReaderOptions{Store: st}).ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return d
}

// versionsIn returns the distinct versions that still have segment or
// manifest keys.
func versionsIn(t *testing.T, st *faultStore) []string {
	t.Helper()
	k := NewKeys("")
	seen := map[string]bool{}
	var out []string
	for _, key := range st.keys(t, "badbits:") {
		v, _, ok := k.ParseSegment(key)
		if !ok {
			v, ok = k.ParseManifest(key)
		}
		if ok && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

var errBoom = errors.New("boom")
