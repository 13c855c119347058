package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// Fixed

func TestFixed(t *testing.T) {
	if err := Fixed(true, "ignored").Check(context.Background()); err != nil {
		t.Fatalf("Fixed(true) should pass, got %v", err)
	}
	if err := Fixed(false, "store offline").Check(context.Background()); err == nil || err.Error() != "store offline" {
		t.Fatalf("Fixed(false) = %v, want 'store offline'", err)
	}
	if err := Fixed(false, "").Check(context.Background()); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("Fixed(false, '') = %v, want 'unhealthy'", err)
	}
}

// All

func TestAll(t *testing.T) {
	errA, errB := fmt.Errorf("a"), fmt.Errorf("b")
	tests := []struct {
		name string
		ps   []Probe
		want error
	}{
		{"empty", nil, nil},
		{"all pass", []Probe{Fixed(true, ""), Fixed(true, "")}, nil},
		{"nil skipped", []Probe{nil, Fixed(true, ""), nil}, nil},
		{"first failure wins", []Probe{Fixed(true, ""), CheckFunc(func(context.Context) error { return errA }), CheckFunc(func(context.Context) error { return errB })}, errA},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := All(tt.ps...).Check(context.Background()); !errors.Is(err, tt.want) {
				t.Fatalf("All() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAll_ShortCircuits(t *testing.T) {
	called := false
	p := All(Fixed(false, "down"), CheckFunc(func(context.Context) error {
		called = true
		return nil
	}))
	if err := p.Check(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	if called {
		t.Fatal("All should stop at the first failing probe")
	}
}

// Ping

type fakePinger struct {
	err      error
	delay    time.Duration
	deadline bool
}

func (f *fakePinger) Ping(ctx context.Context) error {
	_, f.deadline = ctx.Deadline()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func TestPing_OK(t *testing.T) {
	p := &fakePinger{}
	if err := Ping("redis", p, time.Second).Check(context.Background()); err != nil {
		t.Fatalf("Ping() = %v", err)
	}
	if !p.deadline {
		t.Fatal("ping should run under a deadline")
	}
}

func TestPing_FailureNamesDependency(t *testing.T) {
	root := errors.New("connection refused")
	err := Ping("redis", &fakePinger{err: root}, time.Second).Check(context.Background())
	if !errors.Is(err, root) {
		t.Fatalf("Ping() = %v, want wrapped root", err)
	}
	if !strings.Contains(err.Error(), "redis unreachable") {
		t.Fatalf("error %q should name the dependency", err)
	}
}

func TestPing_Timeout(t *testing.T) {
	err := Ping("s3", &fakePinger{delay: time.Second}, 10*time.Millisecond).Check(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ping() = %v, want deadline exceeded", err)
	}
}

func TestPing_NilPingerPasses(t *testing.T) {
	if err := Ping("memory", nil, 0).Check(context.Background()); err != nil {
		t.Fatalf("nil pinger should pass, got %v", err)
	}
}

// ShutdownGate

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()

	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("new gate should be open, got %v", err)
	}

	g.Set("")
	if err := p.Check(context.Background()); err == nil || err.Error() != "draining" {
		t.Fatalf("set gate = %v, want draining", err)
	}

	g.Set("shutting down")
	if err := p.Check(context.Background()); err == nil || err.Error() != "shutting down" {
		t.Fatalf("set gate = %v, want reason", err)
	}

	g.Clear()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("cleared gate should pass, got %v", err)
	}
}

func TestShutdownGate_ConcurrentAccess(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			g.Set("draining")
			g.Clear()
		}()
		go func() {
			defer wg.Done()
			_ = p.Check(context.Background())
		}()
	}
	wg.Wait()
}

// readiness as wired by the service: not draining and store reachable

func TestReadiness_GateAndStore(t *testing.T) {
	var g ShutdownGate
	store := &fakePinger{}
	ready := All(g.Probe(), Ping("store", store, time.Second))

	if err := ready.Check(context.Background()); err != nil {
		t.Fatalf("ready = %v", err)
	}

	store.err = errors.New("no route to host")
	if err := ready.Check(context.Background()); err == nil {
		t.Fatal("unreachable store should fail readiness")
	}

	store.err = nil
	g.Set("shutting down")
	if err := ready.Check(context.Background()); err == nil || err.Error() != "shutting down" {
		t.Fatalf("draining gate should fail readiness first, got %v", err)
	}
}
