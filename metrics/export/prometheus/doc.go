// Package prometheus exposes shopguard metrics as a client_golang Collector.
//
// [NewCollector] reads [shopguard.Core.MetricsSnapshot] on every scrape and
// emits const metrics, so nothing is double-counted between the Core and the
// registry. Counter names are shopguard_*_total; the single histogram is
// shopguard_authorize_latency_seconds.
//
// # What this package must NOT do
//
//   - Register into the global Prometheus registry; callers choose the registry.
//   - Mutate Core state.
package prometheus
