package denylist

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/log"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/segment"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/store"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/xerrors"
)

const tracerName = "github.com/keithlinneman/linnemanlabs-denylist/internal/denylist"

const (
	// DefaultOverhead is reserved from the store ceiling for key and
	// per-value metadata.
	DefaultOverhead = 1 << 10

	DefaultWriteConcurrency = 4
	DefaultGraceWindow      = 10 * time.Minute
	DefaultSwapTimeout      = 30 * time.Second
)

// Fetcher retrieves the complete external denylist.
type Fetcher interface {
	Fetch(ctx context.Context) ([]string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) ([]string, error)

func (f FetcherFunc) Fetch(ctx context.Context) ([]string, error) { return f(ctx) }

// PublisherMetrics is implemented by the metrics package.
type PublisherMetrics interface {
	ObservePublishRun(result string, seconds float64)
	IncPublishFailure(phase string)
	ObservePublishPhase(phase string, seconds float64)
	SetPublishedVersion(version string, hashes, segments int)
	AddReclaimed(keys int)
}

type PublisherOptions struct {
	Store   store.Store
	Fetcher Fetcher
	Logger  log.Logger
	Metrics PublisherMetrics

	// Prefix namespaces all keys. Empty means DefaultPrefix.
	Prefix string

	// SizeLimit is the store's per-value ceiling. Zero asks the store via
	// store.MaxValueSize.
	SizeLimit int

	// Overhead is subtracted from SizeLimit to give the segment limit.
	// Zero means DefaultOverhead, negative means no reservation.
	Overhead int

	// Source labels the manifest, e.g. the fetch URL.
	Source string

	// WriteConcurrency bounds in-flight segment writes. Zero means
	// DefaultWriteConcurrency.
	WriteConcurrency int

	// WriteRate throttles segment writes to this many per second when
	// positive, for stores with request quotas.
	WriteRate  float64
	WriteBurst int

	// GraceWindow is how long a replaced version stays readable.
	// Zero means DefaultGraceWindow, negative reclaims immediately.
	GraceWindow time.Duration

	// SwapTimeout bounds the pointer write, which runs detached from the
	// run's cancellation.
	SwapTimeout time.Duration

	// Now overrides the clock for tests.
	Now func() time.Time
}

// Result describes a committed run.
type Result struct {
	RunID           string
	Version         string
	PreviousVersion string
	Hashes          int
	Segments        int
	Reclaimed       int
	Duration        time.Duration

	// ReclaimErr is set when cleanup of stale versions failed. The run is
	// still committed.
	ReclaimErr error
}

// Publisher runs the fetch, segment, write, swap, reclaim cycle. Run is not
// safe to call concurrently; the Scheduler serializes it.
type Publisher struct {
	store       store.Store
	fetcher     Fetcher
	logger      log.Logger
	metrics     PublisherMetrics
	keys        Keys
	limit       int
	source      string
	concurrency int
	limiter     *rate.Limiter
	grace       time.Duration
	swapTimeout time.Duration
	now         func() time.Time
	tracer      trace.Tracer

	mu    sync.RWMutex
	state Phase
}

func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Store == nil {
		return nil, xerrors.New("publisher: store is required")
	}
	if opts.Fetcher == nil {
		return nil, xerrors.New("publisher: fetcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	sizeLimit := opts.SizeLimit
	if sizeLimit <= 0 {
		sizeLimit = store.MaxValueSize(opts.Store)
	}
	if sizeLimit <= 0 {
		return nil, xerrors.New("publisher: size limit is required for stores that do not report one")
	}
	overhead := opts.Overhead
	switch {
	case overhead == 0:
		overhead = DefaultOverhead
	case overhead < 0:
		overhead = 0
	}
	limit := sizeLimit - overhead
	if limit < 1 {
		return nil, xerrors.Newf("publisher: size limit %d leaves no room after %d bytes overhead", sizeLimit, overhead)
	}

	concurrency := opts.WriteConcurrency
	if concurrency <= 0 {
		concurrency = DefaultWriteConcurrency
	}

	var limiter *rate.Limiter
	if opts.WriteRate > 0 {
		burst := opts.WriteBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.WriteRate), burst)
	}

	grace := opts.GraceWindow
	switch {
	case grace == 0:
		grace = DefaultGraceWindow
	case grace < 0:
		grace = 0
	}

	swapTimeout := opts.SwapTimeout
	if swapTimeout <= 0 {
		swapTimeout = DefaultSwapTimeout
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Publisher{
		store:       opts.Store,
		fetcher:     opts.Fetcher,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		keys:        NewKeys(opts.Prefix),
		limit:       limit,
		source:      opts.Source,
		concurrency: concurrency,
		limiter:     limiter,
		grace:       grace,
		swapTimeout: swapTimeout,
		now:         now,
		tracer:      otel.Tracer(tracerName),
		state:       PhaseIdle,
	}, nil
}

// State returns the phase of the run in progress, idle between runs, or
// failed after a failed run.
func (p *Publisher) State() Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// SegmentLimit is the byte budget for one segment value.
func (p *Publisher) SegmentLimit() int { return p.limit }

func (p *Publisher) Keys() Keys { return p.keys }

func (p *Publisher) setState(s Phase) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Run executes one publish cycle. On error nothing readers can observe has
// changed and the returned error is a *RunError.
func (p *Publisher) Run(ctx context.Context) (*Result, error) {
	runID := uuid.NewString()
	begin := time.Now()
	logger := p.logger.With("run_id", runID)

	ctx, span := p.tracer.Start(ctx, "denylist.publish", trace.WithAttributes(
		attribute.String("denylist.run_id", runID),
	))
	defer span.End()

	fail := func(phase Phase, err error) (*Result, error) {
		p.setState(PhaseFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(phase))
		if p.metrics != nil {
			p.metrics.IncPublishFailure(string(phase))
			p.metrics.ObservePublishRun("failed", time.Since(begin).Seconds())
		}
		return nil, &RunError{Phase: phase, RunID: runID, Err: err}
	}

	// fetching
	var hashes []string
	err := p.phase(ctx, PhaseFetching, func(ctx context.Context) error {
		var ferr error
		hashes, ferr = p.fetcher.Fetch(ctx)
		if ferr != nil {
			return &FetchError{Err: ferr}
		}
		return nil
	})
	if err != nil {
		return fail(PhaseFetching, err)
	}

	// segmenting
	var (
		sorted   []string
		segments []string
	)
	err = p.phase(ctx, PhaseSegmenting, func(context.Context) error {
		sorted = segment.Normalize(hashes)
		var serr error
		segments, serr = segment.Split(sorted, p.limit)
		return serr
	})
	if err != nil {
		return fail(PhaseSegmenting, err)
	}

	// writing
	var previous, version string
	err = p.phase(ctx, PhaseWriting, func(ctx context.Context) error {
		var werr error
		previous, werr = p.currentVersion(ctx)
		if werr != nil {
			return werr
		}
		version = MintVersion(p.now(), previous)
		logger.Info(ctx, "writing denylist version",
			"version", version,
			"previous_version", previous,
			"hashes", len(sorted),
			"segments", len(segments),
		)
		if werr = p.writeSegments(ctx, version, segments); werr != nil {
			return werr
		}
		return p.writeManifest(ctx, version, sorted, len(segments))
	})
	if err != nil {
		return fail(PhaseWriting, err)
	}

	// swapping
	err = p.phase(ctx, PhaseSwapping, func(ctx context.Context) error {
		if cerr := ctx.Err(); cerr != nil {
			return xerrors.Wrap(cerr, "cancelled before pointer swap")
		}
		swapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.swapTimeout)
		defer cancel()
		if serr := p.store.Put(swapCtx, p.keys.Pointer(), []byte(version)); serr != nil {
			return xerrors.Wrapf(serr, "swap %s to %s", p.keys.Pointer(), version)
		}
		return nil
	})
	if err != nil {
		return fail(PhaseSwapping, err)
	}

	if p.metrics != nil {
		p.metrics.SetPublishedVersion(version, len(sorted), len(segments))
	}
	logger.Info(ctx, "denylist version published",
		"version", version,
		"previous_version", previous,
		"hashes", len(sorted),
		"segments", len(segments),
	)

	// reclaiming
	res := &Result{
		RunID:           runID,
		Version:         version,
		PreviousVersion: previous,
		Hashes:          len(sorted),
		Segments:        len(segments),
	}
	_ = p.phase(ctx, PhaseReclaiming, func(ctx context.Context) error {
		res.Reclaimed, res.ReclaimErr = p.reclaim(ctx, version)
		return res.ReclaimErr
	})
	if res.ReclaimErr != nil {
		logger.Error(ctx, res.ReclaimErr, "reclaim of stale versions failed, will retry next run",
			"version", version,
			"reclaimed", res.Reclaimed,
		)
	}
	if p.metrics != nil && res.Reclaimed > 0 {
		p.metrics.AddReclaimed(res.Reclaimed)
	}

	res.Duration = time.Since(begin)
	p.setState(PhaseIdle)
	span.SetAttributes(
		attribute.String("denylist.version", version),
		attribute.Int("denylist.hashes", res.Hashes),
		attribute.Int("denylist.segments", res.Segments),
	)
	if p.metrics != nil {
		p.metrics.ObservePublishRun("ok", res.Duration.Seconds())
	}
	return res, nil
}

// phase runs fn as one state of the machine with its own span.
func (p *Publisher) phase(ctx context.Context, ph Phase, fn func(context.Context) error) error {
	p.setState(ph)
	ctx, span := p.tracer.Start(ctx, "denylist."+string(ph))
	defer span.End()

	begin := time.Now()
	err := fn(ctx)
	if p.metrics != nil {
		p.metrics.ObservePublishPhase(string(ph), time.Since(begin).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Publisher) currentVersion(ctx context.Context) (string, error) {
	v, err := p.store.Get(ctx, p.keys.Pointer())
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", xerrors.Wrapf(err, "read %s", p.keys.Pointer())
	}
	return string(v), nil
}

// writeSegments writes every segment and returns only after all writes have
// finished. The first failure cancels writes that have not started.
func (p *Publisher) writeSegments(ctx context.Context, version string, segments []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, seg := range segments {
		key := p.keys.Segment(version, i)
		g.Go(func() error {
			if p.limiter != nil {
				if err := p.limiter.Wait(gctx); err != nil {
					return &SegmentWriteError{Key: key, Err: err}
				}
			}
			if err := p.store.Put(gctx, key, []byte(seg)); err != nil {
				return &SegmentWriteError{Key: key, Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Publisher) writeManifest(ctx context.Context, version string, sorted []string, segments int) error {
	m := Manifest{
		Version:   version,
		Segments:  segments,
		Hashes:    len(sorted),
		SHA256:    segment.Digest(sorted),
		CreatedAt: p.now().UTC(),
		Source:    p.source,
	}
	b, err := json.Marshal(m)
	if err != nil {
		return xerrors.Wrap(err, "encode manifest")
	}
	key := p.keys.Manifest(version)
	if err := p.store.Put(ctx, key, b); err != nil {
		return &SegmentWriteError{Key: key, Err: err}
	}
	return nil
}

// reclaim deletes segments and manifests of versions that are no longer
// current and whose successor has been live for at least the grace window.
// Versions newer than current are never touched; they may belong to a run
// still in its writing phase.
func (p *Publisher) reclaim(ctx context.Context, current string) (int, error) {
	segKeys, err := p.store.List(ctx, p.keys.Segments())
	if err != nil {
		return 0, xerrors.Wrap(err, "list segments")
	}
	manKeys, err := p.store.List(ctx, p.keys.Manifests())
	if err != nil {
		return 0, xerrors.Wrap(err, "list manifests")
	}

	byVersion := make(map[string][]string)
	for _, k := range segKeys {
		if v, _, ok := p.keys.ParseSegment(k); ok {
			byVersion[v] = append(byVersion[v], k)
		}
	}
	for _, k := range manKeys {
		if v, ok := p.keys.ParseManifest(k); ok {
			byVersion[v] = append(byVersion[v], k)
		}
	}

	versions := make([]string, 0, len(byVersion)+1)
	for v := range byVersion {
		versions = append(versions, v)
	}
	if _, ok := byVersion[current]; !ok {
		versions = append(versions, current)
	}
	slices.Sort(versions)

	now := p.now()
	var (
		deleted int
		errs    []error
	)
	for i, v := range versions {
		if v >= current {
			break
		}
		successor, ok := VersionTime(versions[i+1])
		if !ok || now.Sub(successor) < p.grace {
			continue
		}
		// segments first, manifest last: a half-reclaimed version still fails verification
		for _, k := range byVersion[v] {
			if err := p.store.Delete(ctx, k); err != nil {
				errs = append(errs, xerrors.Wrapf(err, "delete %s", k))
				continue
			}
			deleted++
		}
		p.logger.Debug(ctx, "reclaimed stale denylist version",
			"version", v,
			"keys", len(byVersion[v]),
		)
	}
	return deleted, errors.Join(errs...)
}
