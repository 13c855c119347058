// Package httpmw holds the middleware wrapped around the denylist lookup API.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request ID, client IP, rate limiting, OTEL tracing, denylist
// version header, trace response headers, metrics, logger injection, then the
// chi router with route annotation and the access log.
//
// Query strings and user agents are kept out of log lines. Hashes appear only
// as part of url.path.
package httpmw
