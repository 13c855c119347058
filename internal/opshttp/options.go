package opshttp

import (
	"context"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/denylist"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/health"
)

// Trigger runs one publish cycle on demand. denylist.Scheduler implements it.
// wait bounds queueing behind a running cycle and run bounds the cycle.
type Trigger interface {
	TriggerRun(wait, run context.Context) (*denylist.Result, error)
}

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// Publish enables POST /-/publish when set.
	Publish Trigger

	UseRecoverMW bool
	OnPanic      func()
}
