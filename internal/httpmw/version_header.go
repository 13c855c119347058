package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// VersionHeader is set on API responses to the denylist version served.
const VersionHeader = "X-Denylist-Version"

// VersionSource reports the denylist version held in memory, "" before the
// first load. denylist.Cache satisfies it.
type VersionSource interface {
	Loaded() string
}

// DenylistVersion stamps responses and the request span with the version in
// memory when the request arrived. Handlers that load a newer version
// overwrite the header.
func DenylistVersion(src VersionSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if src == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v := src.Loaded(); v != "" {
				w.Header().Set(VersionHeader, v)
				if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
					span.SetAttributes(attribute.String("denylist.version", v))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
