package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/denylist"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/health"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/log"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/metrics"
)

// test helpers

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startOps(t *testing.T, opts Options) int {
	t.Helper()
	if opts.Port == 0 {
		opts.Port = getFreePort(t)
	}
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { stop(ctx) })
	return opts.Port
}

func opsGet(t *testing.T, port int, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

// serve runs one request through NewHandler from a loopback peer.
func serve(opts Options, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	NewHandler(log.Nop(), opts).ServeHTTP(rec, req)
	return rec
}

type fakeTrigger struct {
	res    *denylist.Result
	err    error
	calls  atomic.Int32
	ctxOK  atomic.Bool
	waitOK atomic.Bool
}

func (f *fakeTrigger) TriggerRun(wait, run context.Context) (*denylist.Result, error) {
	f.calls.Add(1)
	f.ctxOK.Store(run.Done() == nil)
	f.waitOK.Store(wait.Done() != nil)
	if err := wait.Err(); err != nil {
		return nil, err
	}
	return f.res, f.err
}

// Start lifecycle

func TestStart_ServesAndStops(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), Options{Port: port})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if code, body := opsGet(t, port, "/-/healthy"); code != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthy = %d %q", code, body)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(sctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(sctx); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/-/healthy", port)); err == nil {
		t.Fatal("still accepting after stop")
	}
}

func TestStart_PortConflict(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if _, err := Start(context.Background(), log.Nop(), Options{Port: ln.Addr().(*net.TCPAddr).Port}); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestStart_MetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.SetPublishedVersion("1700000000000000000", 10, 2)
	port := startOps(t, Options{Metrics: m.Handler()})

	code, body := opsGet(t, port, "/metrics")
	if code != http.StatusOK || !strings.Contains(body, "denylist_published_hashes 10") {
		t.Fatalf("metrics = %d, body missing published gauge", code)
	}
}

// handler routes

func TestHandler_Probes(t *testing.T) {
	var gate health.ShutdownGate
	opts := Options{Health: health.Fixed(true, ""), Readiness: gate.Probe()}

	if rec := serve(opts, http.MethodGet, "/-/ready"); rec.Code != http.StatusOK || rec.Body.String() != "ready\n" {
		t.Fatalf("ready = %d %q", rec.Code, rec.Body.String())
	}
	gate.Set("shutting down")
	rec := serve(opts, http.MethodGet, "/-/ready")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "shutting down") {
		t.Fatalf("draining ready = %d %q", rec.Code, rec.Body.String())
	}
	if rec := serve(opts, http.MethodGet, "/-/healthy"); rec.Code != http.StatusOK {
		t.Fatal("liveness should not follow the drain gate")
	}
}

func TestHandler_NilProbesPass(t *testing.T) {
	for _, p := range []string{"/-/healthy", "/-/ready"} {
		if rec := serve(Options{}, http.MethodGet, p); rec.Code != http.StatusOK {
			t.Fatalf("%s = %d", p, rec.Code)
		}
	}
}

func TestHandler_Pprof(t *testing.T) {
	if rec := serve(Options{EnablePprof: true}, http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusOK {
		t.Fatalf("pprof enabled = %d", rec.Code)
	}
	if rec := serve(Options{}, http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d, want 404", rec.Code)
	}
}

func TestHandler_Publish(t *testing.T) {
	trig := &fakeTrigger{res: &denylist.Result{
		RunID:           "run-1",
		Version:         "1700000000000000001",
		PreviousVersion: "1700000000000000000",
		Hashes:          42,
		Segments:        3,
		Reclaimed:       5,
		Duration:        1500 * time.Millisecond,
		ReclaimErr:      errors.New("delete badbits:segments:1:000000: timeout"),
	}}
	rec := serve(Options{Publish: trig}, http.MethodPost, "/-/publish")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp PublishResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Version != "1700000000000000001" || resp.Hashes != 42 || resp.DurationMs != 1500 || resp.ReclaimError == "" {
		t.Fatalf("resp = %+v", resp)
	}
	if !trig.ctxOK.Load() {
		t.Fatal("publish should run detached from request cancellation")
	}
	if !trig.waitOK.Load() {
		t.Fatal("queueing should follow the request context")
	}
}

func TestHandler_PublishClientGoneWhileQueued(t *testing.T) {
	trig := &fakeTrigger{res: &denylist.Result{Version: "1700000000000000001"}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/-/publish", http.NoBody).WithContext(ctx)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()

	NewHandler(log.Nop(), Options{Publish: trig}).ServeHTTP(rec, req)

	if trig.calls.Load() != 1 {
		t.Fatalf("calls = %d", trig.calls.Load())
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("abandoned trigger wrote a response: %s", rec.Body.String())
	}
}

func TestHandler_PublishFailure(t *testing.T) {
	trig := &fakeTrigger{err: &denylist.RunError{Phase: denylist.PhaseFetching, RunID: "run-2", Err: errors.New("source down")}}
	rec := serve(Options{Publish: trig}, http.MethodPost, "/-/publish")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var resp PublishResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Phase != "fetching" || resp.RunID != "run-2" || !strings.Contains(resp.Error, "source down") {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHandler_PublishRoutes(t *testing.T) {
	trig := &fakeTrigger{res: &denylist.Result{}}
	if rec := serve(Options{Publish: trig}, http.MethodGet, "/-/publish"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /-/publish = %d, want 405", rec.Code)
	}
	if rec := serve(Options{}, http.MethodPost, "/-/publish"); rec.Code != http.StatusNotFound {
		t.Fatalf("no trigger = %d, want 404", rec.Code)
	}
	if trig.calls.Load() != 0 {
		t.Fatal("trigger should not have run")
	}
}

func TestHandler_Recover(t *testing.T) {
	var panics atomic.Int32
	opts := Options{
		Health:       health.CheckFunc(func(context.Context) error { panic("probe blew up") }),
		UseRecoverMW: true,
		OnPanic:      func() { panics.Add(1) },
	}
	if rec := serve(opts, http.MethodGet, "/-/healthy"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if panics.Load() != 1 {
		t.Fatal("OnPanic not called")
	}
}

// requireNonPublicNetwork

func TestRequireNonPublicNetwork(t *testing.T) {
	tests := []struct {
		addr string
		want int
	}{
		{"127.0.0.1:12345", http.StatusOK},
		{"[::1]:12345", http.StatusOK},
		{"10.0.0.1:8080", http.StatusOK},
		{"172.16.0.1:8080", http.StatusOK},
		{"192.168.1.1:8080", http.StatusOK},
		{"169.254.1.1:8080", http.StatusOK},
		{"[::ffff:10.0.0.1]:12345", http.StatusOK},
		{"8.8.8.8:12345", http.StatusForbidden},
		{"203.0.113.1:80", http.StatusForbidden},
		{"[::ffff:8.8.8.8]:12345", http.StatusForbidden},
		{"not-an-address", http.StatusForbidden},
		{"", http.StatusForbidden},
		{"999.999.999.999:8080", http.StatusForbidden},
	}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := requireNonPublicNetwork(log.Nop(), inner)

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/-/healthy", http.NoBody)
			req.RemoteAddr = tt.addr
			req.Header.Set("X-Forwarded-For", "10.0.0.1")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
