package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// publisher
	publishRunsTotal     *prometheus.CounterVec
	publishRunDuration   prometheus.Histogram
	publishFailuresTotal *prometheus.CounterVec
	publishPhaseDuration *prometheus.HistogramVec
	publishedInfo        *prometheus.GaugeVec
	publishedVersionTs   prometheus.Gauge
	publishedHashes      prometheus.Gauge
	publishedSegments    prometheus.Gauge
	reclaimedKeysTotal   prometheus.Counter
	publishLastSuccessTs prometheus.Gauge
	publishStale         prometheus.Gauge
	notifyFailuresTotal  prometheus.Counter
	storeOpDuration      *prometheus.HistogramVec
	storeOpErrorsTotal   *prometheus.CounterVec
	readerLoadsTotal     *prometheus.CounterVec
	readerLoadDuration   prometheus.Histogram
	cacheLookupsTotal    *prometheus.CounterVec
	denylistLookupsTotal *prometheus.CounterVec
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		publishRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "denylist_publish_runs_total",
			Help: "Publish runs by result (ok, failed)",
		}, []string{"result"}),
		publishRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "denylist_publish_run_duration_seconds",
			Help:    "Wall time of a publish run from fetch to reclaim",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900},
		}),
		publishFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "denylist_publish_failures_total",
			Help: "Failed publish runs by the phase that failed",
		}, []string{"phase"}),
		publishPhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "denylist_publish_phase_duration_seconds",
			Help:    "Time spent in each publish phase",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"phase"}),
		publishedInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "denylist_published_version_info",
			Help: "Currently published denylist version (label carries value, gauge is always 1)",
		}, []string{"version"}),
		publishedVersionTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "denylist_published_version_timestamp_seconds",
			Help: "Unix timestamp encoded in the currently published version",
		}),
		publishedHashes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "denylist_published_hashes",
			Help: "Number of unique hashes in the published version",
		}),
		publishedSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "denylist_published_segments",
			Help: "Number of segments in the published version",
		}),
		reclaimedKeysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "denylist_reclaimed_keys_total",
			Help: "Total segment and manifest keys deleted by reclaim",
		}),
		publishLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "denylist_publish_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful publish",
		}),
		publishStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "denylist_publish_stale",
			Help: "Whether publishing is stale (1) or healthy (0)",
		}),
		notifyFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "denylist_notify_failures_total",
			Help: "Total publish notifications that could not be sent",
		}),
		storeOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "denylist_store_op_duration_seconds",
			Help:    "Segment store operation latency by backend, op and result",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1, 5},
		}, []string{"backend", "op", "result"}),
		storeOpErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "denylist_store_op_errors_total",
			Help: "Segment store operations that failed, by backend and op",
		}, []string{"backend", "op"}),
		readerLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "denylist_reader_loads_total",
			Help: "Full denylist version reads by result (ok, incomplete)",
		}, []string{"result"}),
		readerLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "denylist_reader_load_duration_seconds",
			Help:    "Time to read and assemble a full denylist version",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		cacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "denylist_cache_lookups_total",
			Help: "Cached denylist resolutions by result (hit, miss, empty)",
		}, []string{"result"}),
		denylistLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "denylist_lookups_total",
			Help: "Single-hash lookups served by the API, by outcome (blocked, allowed)",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.profilingActive,
		m.publishRunsTotal,
		m.publishRunDuration,
		m.publishFailuresTotal,
		m.publishPhaseDuration,
		m.publishedInfo,
		m.publishedVersionTs,
		m.publishedHashes,
		m.publishedSegments,
		m.reclaimedKeysTotal,
		m.publishLastSuccessTs,
		m.publishStale,
		m.notifyFailuresTotal,
		m.storeOpDuration,
		m.storeOpErrorsTotal,
		m.readerLoadsTotal,
		m.readerLoadDuration,
		m.cacheLookupsTotal,
		m.denylistLookupsTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

// publisher

func (m *ServerMetrics) ObservePublishRun(result string, seconds float64) {
	m.publishRunsTotal.WithLabelValues(result).Inc()
	m.publishRunDuration.Observe(seconds)
}

func (m *ServerMetrics) IncPublishFailure(phase string) {
	m.publishFailuresTotal.WithLabelValues(phase).Inc()
}

func (m *ServerMetrics) ObservePublishPhase(phase string, seconds float64) {
	m.publishPhaseDuration.WithLabelValues(phase).Observe(seconds)
}

// SetPublishedVersion replaces the version info label and records the
// timestamp encoded in version when it parses as unix nanoseconds.
func (m *ServerMetrics) SetPublishedVersion(version string, hashes, segments int) {
	m.publishedInfo.Reset()
	m.publishedInfo.WithLabelValues(version).Set(1)
	if ns, err := strconv.ParseInt(version, 10, 64); err == nil {
		m.publishedVersionTs.Set(float64(time.Unix(0, ns).Unix()))
	}
	m.publishedHashes.Set(float64(hashes))
	m.publishedSegments.Set(float64(segments))
}

func (m *ServerMetrics) AddReclaimed(keys int) {
	if keys > 0 {
		m.reclaimedKeysTotal.Add(float64(keys))
	}
}

// scheduler

func (m *ServerMetrics) SetPublishLastSuccess(unixSeconds float64) {
	m.publishLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetPublishStale(stale bool) {
	m.publishStale.Set(boolGauge(stale))
}

func (m *ServerMetrics) IncNotifyFailure() {
	m.notifyFailuresTotal.Inc()
}

// store

func (m *ServerMetrics) ObserveStoreOp(backend, op, result string, seconds float64) {
	m.storeOpDuration.WithLabelValues(backend, op, result).Observe(seconds)
	if result == "error" {
		m.storeOpErrorsTotal.WithLabelValues(backend, op).Inc()
	}
}

// reader

func (m *ServerMetrics) ObserveReaderLoad(result string, seconds float64) {
	m.readerLoadsTotal.WithLabelValues(result).Inc()
	m.readerLoadDuration.Observe(seconds)
}

func (m *ServerMetrics) IncCacheLookup(result string) {
	m.cacheLookupsTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) IncDenylistLookup(blocked bool) {
	outcome := "allowed"
	if blocked {
		outcome = "blocked"
	}
	m.denylistLookupsTotal.WithLabelValues(outcome).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
