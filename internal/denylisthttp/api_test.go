package denylisthttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/denylist"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/log"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/store"
)

// stubSource returns a fixed list or error.
type stubSource struct {
	d   *denylist.Denylist
	err error
}

func (s *stubSource) Get(context.Context) (*denylist.Denylist, error) { return s.d, s.err }

type lookupCounter struct {
	blocked, allowed int
}

func (c *lookupCounter) IncDenylistLookup(blocked bool) {
	if blocked {
		c.blocked++
	} else {
		c.allowed++
	}
}

const testVersion = "1700000000000000000"

func liveList() *stubSource {
	return &stubSource{d: &denylist.Denylist{
		Version: testVersion,
		Hashes:  []string{"bafy1", "bafy2", "d9f3b1c0a2"},
		Manifest: &denylist.Manifest{
			Version:   testVersion,
			Segments:  1,
			Hashes:    3,
			SHA256:    "abc",
			CreatedAt: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		},
	}}
}

func newRouter(src Source, m Metrics) http.Handler {
	r := chi.NewRouter()
	NewAPI(src, log.Nop(), m).RegisterRoutes(r)
	return r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHandleList_JSON(t *testing.T) {
	rec := get(t, newRouter(liveList(), nil), "/api/v1/denylist")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get(httpmw.VersionHeader) != testVersion {
		t.Fatalf("version header = %q", rec.Header().Get(httpmw.VersionHeader))
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content-type = %q", ct)
	}
	resp := decode[ListResponse](t, rec)
	if resp.Version != testVersion || resp.Count != 3 || len(resp.Hashes) != 3 || resp.Hashes[2] != "d9f3b1c0a2" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHandleList_Text(t *testing.T) {
	rec := get(t, newRouter(liveList(), nil), "/api/v1/denylist?format=text")

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type = %q", ct)
	}
	if rec.Body.String() != "bafy1\nbafy2\nd9f3b1c0a2\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestHandleList_BadFormat(t *testing.T) {
	if rec := get(t, newRouter(liveList(), nil), "/api/v1/denylist?format=xml"); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleList_NothingPublished(t *testing.T) {
	rec := get(t, newRouter(&stubSource{d: &denylist.Denylist{}}, nil), "/api/v1/denylist")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get(httpmw.VersionHeader) != "" {
		t.Fatal("no version header before first publish")
	}
	if !strings.Contains(rec.Body.String(), `"hashes":[]`) {
		t.Fatalf("empty list should encode as [], got %s", rec.Body.String())
	}
}

func TestHandleVersion(t *testing.T) {
	resp := decode[VersionResponse](t, get(t, newRouter(liveList(), nil), "/api/v1/denylist/version"))

	if resp.Version != testVersion || resp.Hashes != 3 || resp.Segments != 1 || resp.SHA256 != "abc" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Published == nil || !resp.Published.Equal(time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("published = %v", resp.Published)
	}
}

func TestHandleVersion_NoManifestUsesVersionTime(t *testing.T) {
	src := &stubSource{d: &denylist.Denylist{Version: testVersion, Hashes: []string{"a"}}}
	resp := decode[VersionResponse](t, get(t, newRouter(src, nil), "/api/v1/denylist/version"))

	if resp.Published == nil || !resp.Published.Equal(time.Unix(0, 1700000000000000000)) {
		t.Fatalf("published = %v", resp.Published)
	}
}

func TestHandleVersion_NothingPublished(t *testing.T) {
	rec := get(t, newRouter(&stubSource{d: &denylist.Denylist{}}, nil), "/api/v1/denylist/version")
	if strings.Contains(rec.Body.String(), "published") {
		t.Fatalf("published should be omitted, got %s", rec.Body.String())
	}
}

func TestHandleLookup(t *testing.T) {
	m := &lookupCounter{}
	h := newRouter(liveList(), m)

	tests := []struct {
		path    string
		hash    string
		blocked bool
	}{
		{"/api/v1/denylist/bafy2", "bafy2", true},
		{"/api/v1/denylist/bafy3", "bafy3", false},
		{"/api/v1/denylist/d9f3b1c0a2", "d9f3b1c0a2", true},
	}
	for _, tt := range tests {
		rec := get(t, h, tt.path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", tt.path, rec.Code)
		}
		resp := decode[LookupResponse](t, rec)
		if resp.Hash != tt.hash || resp.Blocked != tt.blocked || resp.Version != testVersion {
			t.Fatalf("%s: resp = %+v", tt.path, resp)
		}
	}
	if m.blocked != 2 || m.allowed != 1 {
		t.Fatalf("metrics blocked=%d allowed=%d", m.blocked, m.allowed)
	}
}

func TestHandleLookup_InvalidHash(t *testing.T) {
	m := &lookupCounter{}
	h := newRouter(liveList(), m)
	for _, p := range []string{"/api/v1/denylist/a%2Cb", "/api/v1/denylist/a%20b"} {
		if rec := get(t, h, p); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", p, rec.Code)
		}
	}
	if m.blocked+m.allowed != 0 {
		t.Fatal("rejected lookups must not be counted")
	}
}

func TestUnavailable(t *testing.T) {
	incomplete := &denylist.IncompleteDenylistError{Version: testVersion, Missing: []string{"badbits:segments:x:000001"}}
	for _, err := range []error{incomplete, errors.New("redis: connection refused")} {
		h := newRouter(&stubSource{err: err}, nil)
		for _, p := range []string{"/api/v1/denylist", "/api/v1/denylist/version", "/api/v1/denylist/bafy1"} {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, p, http.NoBody)
			rec.Header().Set(httpmw.VersionHeader, "stale")
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusServiceUnavailable {
				t.Fatalf("%s: status = %d, want 503", p, rec.Code)
			}
			if strings.TrimSpace(rec.Body.String()) != `{"error":"denylist unavailable"}` {
				t.Fatalf("%s: body = %q", p, rec.Body.String())
			}
			if rec.Header().Get(httpmw.VersionHeader) != "" {
				t.Fatalf("%s: version header must be cleared on 503", p)
			}
		}
	}
}

// end to end over a published version in the memory store

func TestAPI_PublishedThroughCache(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(0)
	pub, err := denylist.NewPublisher(denylist.PublisherOptions{
		Store:     st,
		SizeLimit: 64,
		Overhead:  -1,
		Fetcher: denylist.FetcherFunc(func(context.Context) ([]string, error) {
			return []string{"bafyzzz", "bafyaaa", "bafymmm", "bafyaaa"}, nil
		}),
	})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	res, err := pub.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	cache := denylist.NewCache(denylist.NewReader(denylist.ReaderOptions{Store: st}), nil)
	h := newRouter(cache, nil)

	list := decode[ListResponse](t, get(t, h, "/api/v1/denylist"))
	if list.Version != res.Version || list.Count != 3 || list.Hashes[0] != "bafyaaa" {
		t.Fatalf("list = %+v", list)
	}
	if got := decode[LookupResponse](t, get(t, h, "/api/v1/denylist/bafymmm")); !got.Blocked {
		t.Fatal("published hash should be blocked")
	}
	if cache.Loaded() != res.Version {
		t.Fatalf("cache loaded %q, want %q", cache.Loaded(), res.Version)
	}
}
