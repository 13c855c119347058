// Package health provides composable health check probes and HTTP handlers
// for liveness and readiness endpoints.
//
// Probes are combined with [All] and pinned with [Fixed].
// [CheckFunc] adapts a plain function into a [Probe]; [Ping] wraps a segment
// store (or any [Pinger]) with a timeout.
//
// [ShutdownGate] coordinates graceful shutdown: once set, readiness probes
// fail immediately (via atomic.Bool) so load balancers stop sending lookup
// traffic before in-flight requests are drained.
package health
