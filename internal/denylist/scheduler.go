package denylist

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/log"
)

const (
	DefaultInterval   = time.Hour
	DefaultMaxBackoff = 6 * time.Hour
	DefaultRunTimeout = 15 * time.Minute
)

// Runner is one publish cycle. *Publisher implements it.
type Runner interface {
	Run(ctx context.Context) (*Result, error)
}

// SchedulerMetrics is implemented by the metrics package.
type SchedulerMetrics interface {
	SetPublishLastSuccess(unixSeconds float64)
	SetPublishStale(stale bool)
}

type SchedulerOptions struct {
	Runner  Runner
	Logger  log.Logger
	Metrics SchedulerMetrics

	// Interval between runs. Zero means DefaultInterval.
	Interval time.Duration

	// RunOnStart performs one run as soon as Run is called instead of
	// waiting a full interval.
	RunOnStart bool

	// MaxBackoff caps the exponential backoff after consecutive failures.
	MaxBackoff time.Duration

	// StaleThreshold is how long without a successful run before the
	// published list is reported stale. Zero means 3x Interval.
	StaleThreshold time.Duration

	// RunTimeout bounds a single cycle.
	RunTimeout time.Duration

	// OnPublish callbacks run after each successful cycle, in order, on the
	// goroutine that ran the cycle. A panicking callback is logged and
	// skipped.
	OnPublish []func(ctx context.Context, res *Result)
}

// Scheduler drives the publisher on a fixed interval and serves on-demand
// triggers. Cycles never overlap: a trigger issued while a cycle is running
// waits for it to finish.
type Scheduler struct {
	runner         Runner
	logger         log.Logger
	metrics        SchedulerMetrics
	interval       time.Duration
	runOnStart     bool
	maxBackoff     time.Duration
	staleThreshold time.Duration
	runTimeout     time.Duration
	onPublish      []func(ctx context.Context, res *Result)

	// one-slot semaphore; a channel so waiting is ctx-aware
	sem chan struct{}

	mu              sync.Mutex
	consecutiveErrs int
	lastSuccessAt   time.Time
	lastResult      *Result
	staleLogged     bool
	runs            int64
	failures        int64
}

func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	stale := opts.StaleThreshold
	if stale <= 0 {
		stale = 3 * interval
	}
	runTimeout := opts.RunTimeout
	if runTimeout <= 0 {
		runTimeout = DefaultRunTimeout
	}
	return &Scheduler{
		runner:         opts.Runner,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		interval:       interval,
		runOnStart:     opts.RunOnStart,
		maxBackoff:     maxBackoff,
		staleThreshold: stale,
		runTimeout:     runTimeout,
		onPublish:      opts.OnPublish,
		sem:            make(chan struct{}, 1),
		lastSuccessAt:  time.Now(),
	}
}

// Run starts the publish loop and blocks until ctx is cancelled.
// Intended to be launched as: go scheduler.Run(ctx)
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info(ctx, "denylist scheduler starting",
		"interval", s.interval.String(),
		"run_on_start", s.runOnStart,
		"max_backoff", s.maxBackoff.String(),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	backingOff := false
	tick := func() {
		_, err := s.Trigger(ctx)
		if err != nil && ctx.Err() != nil {
			return
		}
		if err != nil {
			backoff := s.backoffDuration()
			s.logger.Warn(ctx, "denylist scheduler: backing off",
				"consecutive_errors", s.ConsecutiveErrors(),
				"next_run_in", backoff.String(),
			)
			ticker.Reset(backoff)
			backingOff = true
		} else if backingOff {
			s.logger.Info(ctx, "denylist scheduler: recovered, resuming normal interval")
			ticker.Reset(s.interval)
			backingOff = false
		}
	}

	if s.runOnStart {
		tick()
	}

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			runs, failures := s.runs, s.failures
			s.mu.Unlock()
			s.logger.Info(ctx, "denylist scheduler stopping",
				"reason", ctx.Err(),
				"runs", runs,
				"failures", failures,
			)
			return ctx.Err()
		case <-ticker.C:
			tick()
		}
	}
}

// Trigger runs one cycle now and returns its outcome. If a cycle is already
// running, Trigger waits for it to finish first, or returns ctx.Err().
func (s *Scheduler) Trigger(ctx context.Context) (*Result, error) {
	return s.TriggerRun(ctx, ctx)
}

// TriggerRun is Trigger with separate contexts for queueing and running.
// Cancelling wait abandons a trigger that has not started; once the cycle
// starts only run (and the run timeout) can stop it.
func (s *Scheduler) TriggerRun(wait, run context.Context) (*Result, error) {
	select {
	case s.sem <- struct{}{}:
	case <-wait.Done():
		return nil, wait.Err()
	}
	defer func() { <-s.sem }()

	ctx := run
	runCtx, cancel := context.WithTimeout(run, s.runTimeout)
	defer cancel()

	res, err := s.runner.Run(runCtx)

	s.mu.Lock()
	s.runs++
	if err != nil {
		s.failures++
		s.consecutiveErrs++
	} else {
		s.consecutiveErrs = 0
		s.lastSuccessAt = time.Now()
		s.lastResult = res
	}
	s.mu.Unlock()

	if err != nil {
		kv := []any{}
		var re *RunError
		if errors.As(err, &re) {
			kv = append(kv, "phase", string(re.Phase), "run_id", re.RunID)
		}
		s.logger.Error(ctx, err, "denylist publish failed, previous version remains live", kv...)
		s.checkStale(ctx)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.SetPublishLastSuccess(float64(time.Now().Unix()))
	}
	s.logger.Info(ctx, "denylist publish succeeded",
		"run_id", res.RunID,
		"version", res.Version,
		"previous_version", res.PreviousVersion,
		"hashes", res.Hashes,
		"segments", res.Segments,
		"reclaimed", res.Reclaimed,
		"duration", res.Duration.String(),
	)
	s.checkStale(ctx)
	s.notify(ctx, res)
	return res, nil
}

func (s *Scheduler) notify(ctx context.Context, res *Result) {
	for i, fn := range s.onPublish {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error(ctx, fmt.Errorf("OnPublish panic: %v", r),
						"denylist scheduler: OnPublish callback panicked, continuing",
						"callback", i,
						"version", res.Version,
					)
				}
			}()
			fn(ctx, res)
		}()
	}
}

// checkStale logs once on the transition into and out of staleness.
func (s *Scheduler) checkStale(ctx context.Context) {
	s.mu.Lock()
	since := time.Since(s.lastSuccessAt)
	stale := since > s.staleThreshold
	changed := stale != s.staleLogged
	s.staleLogged = stale
	s.mu.Unlock()

	if !changed {
		return
	}
	if stale {
		s.logger.Error(ctx, fmt.Errorf("last successful publish was %s ago", since.Truncate(time.Second)),
			"denylist scheduler: published denylist is stale",
		)
	} else {
		s.logger.Info(ctx, "denylist scheduler: staleness recovered")
	}
	if s.metrics != nil {
		s.metrics.SetPublishStale(stale)
	}
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 → 2x interval, =2 → 4x, =3 → 8x, etc.
func (s *Scheduler) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(s.ConsecutiveErrors()))
	d := float64(s.interval) * mult
	if d >= float64(s.maxBackoff) {
		return s.maxBackoff
	}
	return time.Duration(d)
}

func (s *Scheduler) ConsecutiveErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveErrs
}

// LastSuccess returns the time of the last successful cycle, or the
// scheduler's creation time if none has succeeded yet.
func (s *Scheduler) LastSuccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuccessAt
}

// LastResult returns the most recent successful result, or nil.
func (s *Scheduler) LastResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

func (s *Scheduler) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staleLogged
}
