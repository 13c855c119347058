package denylist

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/log"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/segment"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/store"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/xerrors"
)

const DefaultReadConcurrency = 8

// maxReportedMissing caps IncompleteDenylistError.Missing.
const maxReportedMissing = 16

// ErrNoManifest is the cause of an IncompleteDenylistError for a version
// whose manifest is gone.
var ErrNoManifest = errors.New("version has no manifest")

// ReaderMetrics is implemented by the metrics package.
type ReaderMetrics interface {
	ObserveReaderLoad(result string, seconds float64)
}

type ReaderOptions struct {
	Store   store.Store
	Prefix  string
	Logger  log.Logger
	Metrics ReaderMetrics

	// Concurrency bounds in-flight segment reads.
	Concurrency int

	// AllowMissingManifest accepts versions written without a manifest and
	// trusts List to return every segment. When false a version with no
	// manifest is incomplete.
	AllowMissingManifest bool
}

// Denylist is one fully assembled version.
type Denylist struct {
	// Version is empty when nothing has been published yet.
	Version string

	// Hashes is sorted and deduplicated.
	Hashes []string

	// Manifest is nil only when ReaderOptions.AllowMissingManifest is set
	// and the version has none.
	Manifest *Manifest
}

func (d *Denylist) Len() int { return len(d.Hashes) }

// Contains reports whether hash is on the list. Hashes is sorted, so this is
// a binary search.
func (d *Denylist) Contains(hash string) bool {
	_, found := slices.BinarySearch(d.Hashes, hash)
	return found
}

// Reader resolves the current-version pointer and assembles its segments.
// It holds no state between calls and is safe for concurrent use.
type Reader struct {
	store       store.Store
	keys        Keys
	logger      log.Logger
	metrics     ReaderMetrics
	concurrency int
	allowBare   bool
}

func NewReader(opts ReaderOptions) *Reader {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultReadConcurrency
	}
	return &Reader{
		store:       opts.Store,
		keys:        NewKeys(opts.Prefix),
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		concurrency: opts.Concurrency,
		allowBare:   opts.AllowMissingManifest,
	}
}

// Current returns the published version. ok is false before the first
// successful publish.
func (r *Reader) Current(ctx context.Context) (version string, ok bool, err error) {
	v, err := r.store.Get(ctx, r.keys.Pointer())
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Wrapf(err, "read %s", r.keys.Pointer())
	}
	return string(v), true, nil
}

// ReadAll returns the complete current denylist. With no pointer it returns
// an empty list and no error.
func (r *Reader) ReadAll(ctx context.Context) (*Denylist, error) {
	version, ok, err := r.Current(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Denylist{}, nil
	}
	return r.ReadVersion(ctx, version)
}

// GetAllHashes returns every hash of the current version.
func (r *Reader) GetAllHashes(ctx context.Context) ([]string, error) {
	d, err := r.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return d.Hashes, nil
}

// ReadVersion assembles a specific version. A missing manifest or segment,
// a read failure or a manifest mismatch is an *IncompleteDenylistError.
func (r *Reader) ReadVersion(ctx context.Context, version string) (_ *Denylist, err error) {
	begin := time.Now()
	defer func() {
		if r.metrics == nil {
			return
		}
		result := "ok"
		if err != nil {
			result = "incomplete"
		}
		r.metrics.ObserveReaderLoad(result, time.Since(begin).Seconds())
	}()

	incomplete := func(missing []string, cause error) error {
		return &IncompleteDenylistError{Version: version, Missing: missing, Err: cause}
	}

	manifest, err := r.readManifest(ctx, version)
	if err != nil {
		return nil, incomplete(nil, err)
	}
	if manifest == nil && !r.allowBare {
		return nil, incomplete([]string{r.keys.Manifest(version)}, ErrNoManifest)
	}

	keys, err := r.store.List(ctx, r.keys.VersionSegments(version))
	if err != nil {
		return nil, incomplete(nil, xerrors.Wrap(err, "list segments"))
	}
	indexed := make(map[int]string, len(keys))
	maxIndex := -1
	for _, k := range keys {
		v, idx, ok := r.keys.ParseSegment(k)
		if !ok || v != version {
			continue
		}
		indexed[idx] = k
		maxIndex = max(maxIndex, idx)
	}

	want := maxIndex + 1
	if manifest != nil {
		want = max(want, manifest.Segments)
	}
	var missing []string
	for i := 0; i < want && len(missing) < maxReportedMissing; i++ {
		if _, ok := indexed[i]; !ok {
			missing = append(missing, r.keys.Segment(version, i))
		}
	}
	if len(missing) > 0 {
		var cause error
		if gap := want - len(indexed); gap > len(missing) {
			cause = xerrors.Newf("%d segments missing", gap)
		}
		return nil, incomplete(missing, cause)
	}
	if manifest != nil && len(indexed) != manifest.Segments {
		return nil, incomplete(nil, xerrors.Newf("found %d segments, manifest lists %d", len(indexed), manifest.Segments))
	}

	bodies := make([][]string, want)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := 0; i < want; i++ {
		key := indexed[i]
		g.Go(func() error {
			b, gerr := r.store.Get(gctx, key)
			if errors.Is(gerr, store.ErrNotFound) {
				return incomplete([]string{key}, nil)
			}
			if gerr != nil {
				return incomplete([]string{key}, gerr)
			}
			bodies[i] = segment.Parse(string(b))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var hashes []string
	for _, b := range bodies {
		hashes = append(hashes, b...)
	}
	if manifest != nil {
		if len(hashes) != manifest.Hashes {
			return nil, incomplete(nil, xerrors.Newf("assembled %d hashes, manifest lists %d", len(hashes), manifest.Hashes))
		}
		if !cryptoutil.HashEqual(segment.Digest(hashes), manifest.SHA256) {
			return nil, incomplete(nil, xerrors.New("content digest does not match manifest"))
		}
	}
	if !slices.IsSorted(hashes) {
		// lists from other writers are accepted but normalized for lookups
		hashes = segment.Normalize(hashes)
	}

	return &Denylist{Version: version, Hashes: hashes, Manifest: manifest}, nil
}

// readManifest returns nil without error when the version has no manifest.
// Impossible segment or hash counts are rejected.
func (r *Reader) readManifest(ctx context.Context, version string) (*Manifest, error) {
	b, err := r.store.Get(ctx, r.keys.Manifest(version))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(err, "read manifest")
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, xerrors.Wrap(err, "decode manifest")
	}
	if m.Version != version {
		return nil, xerrors.Newf("manifest names version %q", m.Version)
	}
	if m.Segments < 0 || m.Hashes < 0 || m.Segments > m.Hashes {
		return nil, xerrors.Newf("manifest lists %d segments for %d hashes", m.Segments, m.Hashes)
	}
	return &m, nil
}
