package denylist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeRunner returns queued outcomes and tracks overlap.
type fakeRunner struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	inflight atomic.Int32
	peak     atomic.Int32
	block    chan struct{}
	started  chan struct{}
	deadline bool
}

func (f *fakeRunner) Run(ctx context.Context) (*Result, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls++
	call := f.calls
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	_, f.deadline = ctx.Deadline()
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if err != nil {
		return nil, &RunError{Phase: PhaseFetching, RunID: "run", Err: err}
	}
	return &Result{RunID: "run", Version: MintVersion(time.Unix(int64(call), 0), "")}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSchedulerMetrics struct {
	mu          sync.Mutex
	stale       []bool
	lastSuccess float64
}

func (f *fakeSchedulerMetrics) SetPublishLastSuccess(ts float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSuccess = ts
}

func (f *fakeSchedulerMetrics) SetPublishStale(stale bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale = append(f.stale, stale)
}

func TestScheduler_TriggerSuccessRunsCallbacks(t *testing.T) {
	r := &fakeRunner{}
	var got []string
	s := NewScheduler(SchedulerOptions{
		Runner: r,
		OnPublish: []func(context.Context, *Result){
			func(_ context.Context, res *Result) { got = append(got, "first:"+res.Version) },
			func(context.Context, *Result) { panic("notifier exploded") },
			func(_ context.Context, res *Result) { got = append(got, "third") },
		},
	})

	res, err := s.Trigger(context.Background())
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if len(got) != 2 || got[0] != "first:"+res.Version || got[1] != "third" {
		t.Fatalf("callbacks = %v", got)
	}
	if s.LastResult() != res {
		t.Fatal("LastResult should hold the latest success")
	}
	if !r.deadline {
		t.Fatal("each cycle should run under a timeout")
	}
}

func TestScheduler_TriggerFailurePropagates(t *testing.T) {
	r := &fakeRunner{errs: []error{errBoom, errBoom}}
	s := NewScheduler(SchedulerOptions{Runner: r})
	before := s.LastSuccess()

	for i := 1; i <= 2; i++ {
		_, err := s.Trigger(context.Background())
		var re *RunError
		if !errors.As(err, &re) || !errors.Is(err, errBoom) {
			t.Fatalf("err = %v, want RunError wrapping boom", err)
		}
		if s.ConsecutiveErrors() != i {
			t.Fatalf("ConsecutiveErrors = %d, want %d", s.ConsecutiveErrors(), i)
		}
	}
	if !s.LastSuccess().Equal(before) {
		t.Fatal("LastSuccess moved on failure")
	}

	if _, err := s.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if s.ConsecutiveErrors() != 0 {
		t.Fatal("a success should reset the error streak")
	}
}

func TestScheduler_TriggersNeverOverlap(t *testing.T) {
	r := &fakeRunner{}
	s := NewScheduler(SchedulerOptions{Runner: r})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Trigger(context.Background()); err != nil {
				t.Errorf("Trigger: %v", err)
			}
		}()
	}
	wg.Wait()

	if r.callCount() != 8 {
		t.Fatalf("calls = %d, want 8", r.callCount())
	}
	if r.peak.Load() != 1 {
		t.Fatalf("peak concurrent runs = %d, want 1", r.peak.Load())
	}
}

func TestScheduler_WaitingTriggerHonorsContext(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := NewScheduler(SchedulerOptions{Runner: r})

	done := make(chan error, 1)
	go func() {
		_, err := s.Trigger(context.Background())
		done <- err
	}()
	<-r.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Trigger(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waiting Trigger err = %v, want deadline exceeded", err)
	}

	close(r.block)
	if err := <-done; err != nil {
		t.Fatalf("first Trigger: %v", err)
	}
	if r.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", r.callCount())
	}
}

// releaseRunner blocks until release is closed and reports whether its
// context was cancelled meanwhile.
type releaseRunner struct {
	started chan struct{}
	release chan struct{}
}

func (r *releaseRunner) Run(ctx context.Context) (*Result, error) {
	r.started <- struct{}{}
	<-r.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{RunID: "run"}, nil
}

func TestScheduler_TriggerRunDetachesStartedCycle(t *testing.T) {
	r := &releaseRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	s := NewScheduler(SchedulerOptions{Runner: r})

	wait, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.TriggerRun(wait, context.WithoutCancel(wait))
		done <- err
	}()
	<-r.started
	cancel()
	close(r.release)

	if err := <-done; err != nil {
		t.Fatalf("started cycle was cancelled with its waiter: %v", err)
	}
}

func TestScheduler_TriggerRunAbandonsQueuedTrigger(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := NewScheduler(SchedulerOptions{Runner: r})

	first := make(chan error, 1)
	go func() {
		_, err := s.Trigger(context.Background())
		first <- err
	}()
	<-r.started

	wait, cancel := context.WithCancel(context.Background())
	queued := make(chan error, 1)
	go func() {
		_, err := s.TriggerRun(wait, context.WithoutCancel(wait))
		queued <- err
	}()
	cancel()
	if err := <-queued; !errors.Is(err, context.Canceled) {
		t.Fatalf("queued TriggerRun err = %v, want canceled", err)
	}

	close(r.block)
	if err := <-first; err != nil {
		t.Fatalf("first Trigger: %v", err)
	}
	if r.callCount() != 1 {
		t.Fatalf("calls = %d, want 1: abandoned trigger still ran", r.callCount())
	}
}

func TestScheduler_RunOnStartAndStop(t *testing.T) {
	r := &fakeRunner{started: make(chan struct{}, 1)}
	s := NewScheduler(SchedulerOptions{Runner: r, Interval: time.Hour, RunOnStart: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnStart did not run immediately")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestScheduler_TicksOnInterval(t *testing.T) {
	r := &fakeRunner{}
	s := NewScheduler(SchedulerOptions{Runner: r, Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	if r.callCount() < 3 {
		t.Fatalf("calls = %d, want at least 3", r.callCount())
	}
}

func TestScheduler_BackoffDuration(t *testing.T) {
	s := NewScheduler(SchedulerOptions{Runner: &fakeRunner{}, Interval: time.Minute, MaxBackoff: 10 * time.Minute})
	tests := []struct {
		errs int
		want time.Duration
	}{
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{4, 10 * time.Minute},
		{200, 10 * time.Minute},
	}
	for _, tt := range tests {
		s.mu.Lock()
		s.consecutiveErrs = tt.errs
		s.mu.Unlock()
		if got := s.backoffDuration(); got != tt.want {
			t.Fatalf("backoff(%d) = %s, want %s", tt.errs, got, tt.want)
		}
	}
}

func TestScheduler_Staleness(t *testing.T) {
	r := &fakeRunner{errs: []error{errBoom, errBoom}}
	m := &fakeSchedulerMetrics{}
	s := NewScheduler(SchedulerOptions{Runner: r, Metrics: m, StaleThreshold: 20 * time.Millisecond})
	time.Sleep(30 * time.Millisecond)

	_, _ = s.Trigger(context.Background())
	if !s.Stale() {
		t.Fatal("expected stale after failing past the threshold")
	}
	_, _ = s.Trigger(context.Background())
	if len(m.stale) != 1 {
		t.Fatalf("stale transitions = %v, want exactly one", m.stale)
	}

	if _, err := s.Trigger(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Stale() {
		t.Fatal("a success should clear staleness")
	}
	if len(m.stale) != 2 || m.stale[1] {
		t.Fatalf("stale transitions = %v", m.stale)
	}
	if m.lastSuccess == 0 {
		t.Fatal("last success metric not set")
	}
}

func TestScheduler_Defaults(t *testing.T) {
	s := NewScheduler(SchedulerOptions{Runner: &fakeRunner{}})
	if s.interval != DefaultInterval || s.maxBackoff != DefaultMaxBackoff ||
		s.runTimeout != DefaultRunTimeout || s.staleThreshold != 3*DefaultInterval {
		t.Fatalf("defaults = %s %s %s %s", s.interval, s.maxBackoff, s.runTimeout, s.staleThreshold)
	}
}
