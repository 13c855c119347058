package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/health"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe

	// APIRoutes mounts the denylist endpoints.
	APIRoutes func(chi.Router)

	// Version stamps X-Denylist-Version on every response when set.
	Version httpmw.VersionSource
}
