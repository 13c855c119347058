// Package denylisthttp serves the published denylist over HTTP for
// retrieval services and operators.
package denylisthttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/denylist"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/log"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/segment"
)

// Source returns the current denylist. denylist.Cache implements it.
type Source interface {
	Get(ctx context.Context) (*denylist.Denylist, error)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncDenylistLookup(blocked bool)
}

// API implements the /api/v1/denylist endpoints.
type API struct {
	source  Source
	logger  log.Logger
	metrics Metrics
}

func NewAPI(src Source, logger log.Logger, m Metrics) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{source: src, logger: logger, metrics: m}
}

// RegisterRoutes attaches the denylist endpoints to r.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/denylist", func(r chi.Router) {
		r.With(httpmw.Scope("denylist.list")).Get("/", api.HandleList)
		r.With(httpmw.Scope("denylist.version")).Get("/version", api.HandleVersion)
		r.With(httpmw.Scope("denylist.lookup")).Get("/{hash}", api.HandleLookup)
	})
}

// ListResponse is the full current list.
type ListResponse struct {
	Version string   `json:"version"`
	Count   int      `json:"count"`
	Hashes  []string `json:"hashes"`
}

// VersionResponse describes the live version. Published is omitted while
// nothing has been published.
type VersionResponse struct {
	Version   string     `json:"version"`
	Published *time.Time `json:"published,omitempty"`
	Hashes    int        `json:"hashes"`
	Segments  int        `json:"segments,omitempty"`
	SHA256    string     `json:"sha256,omitempty"`
}

// LookupResponse answers whether one hash is blocked.
type LookupResponse struct {
	Hash    string `json:"hash"`
	Blocked bool   `json:"blocked"`
	Version string `json:"version"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleList serves the whole list as JSON, or one hash per line with
// ?format=text.
func (api *API) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, ok := api.load(ctx, w)
	if !ok {
		return
	}

	switch strings.ToLower(r.URL.Query().Get("format")) {
	case "", "json":
		hashes := d.Hashes
		if hashes == nil {
			hashes = []string{}
		}
		api.writeJSON(ctx, w, d.Version, http.StatusOK, ListResponse{Version: d.Version, Count: d.Len(), Hashes: hashes})
	case "text":
		setVersion(w, d.Version)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		for _, h := range d.Hashes {
			if _, err := w.Write([]byte(h + "\n")); err != nil {
				log.FromContext(ctx).Warn(ctx, "client went away mid-list", "version", d.Version, "error", err)
				return
			}
		}
	default:
		api.writeJSON(ctx, w, d.Version, http.StatusBadRequest, errorResponse{Error: "format must be json or text"})
	}
}

// HandleVersion serves the live version and its manifest summary.
func (api *API) HandleVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, ok := api.load(ctx, w)
	if !ok {
		return
	}

	resp := VersionResponse{Version: d.Version, Hashes: d.Len()}
	if m := d.Manifest; m != nil {
		published := m.CreatedAt.UTC()
		resp.Published = &published
		resp.Segments = m.Segments
		resp.SHA256 = m.SHA256
	} else if t, ok := denylist.VersionTime(d.Version); ok {
		published := t.UTC()
		resp.Published = &published
	}
	api.writeJSON(ctx, w, d.Version, http.StatusOK, resp)
}

// HandleLookup answers for a single hash.
func (api *API) HandleLookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	hash, err := url.PathUnescape(chi.URLParam(r, "hash"))
	if err != nil || hash == "" || segment.Validate(hash) != nil {
		api.writeJSON(ctx, w, "", http.StatusBadRequest, errorResponse{Error: "invalid hash"})
		return
	}

	d, ok := api.load(ctx, w)
	if !ok {
		return
	}
	blocked := d.Contains(hash)
	if api.metrics != nil {
		api.metrics.IncDenylistLookup(blocked)
	}
	api.writeJSON(ctx, w, d.Version, http.StatusOK, LookupResponse{Hash: hash, Blocked: blocked, Version: d.Version})
}

// load fetches the current list, answering 503 when it cannot be assembled.
// A partial list is never served.
func (api *API) load(ctx context.Context, w http.ResponseWriter) (*denylist.Denylist, bool) {
	d, err := api.source.Get(ctx)
	if err != nil {
		log.FromContext(ctx).Error(ctx, err, "denylist unavailable")
		w.Header().Del(httpmw.VersionHeader)
		w.Header().Set("Retry-After", "5")
		api.writeJSON(ctx, w, "", http.StatusServiceUnavailable, errorResponse{Error: "denylist unavailable"})
		return nil, false
	}
	return d, true
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, version string, status int, v any) {
	setVersion(w, version)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}

func setVersion(w http.ResponseWriter, version string) {
	if version != "" {
		w.Header().Set(httpmw.VersionHeader, version)
	}
}
