// Package prometheus exposes session manager counters as a Prometheus
// collector.
//
// [NewExporter] registers itself in a private registry; mount [Exporter.Handler]
// on a metrics listener, or register the exporter in an application registry
// instead. Counter names are prefixed chatauth_ and end in _total; the single
// histogram is chatauth_authenticate_latency_seconds.
//
// # What this package must NOT do
//
//   - Register in the global Prometheus registry.
//   - Mutate session manager state.
package prometheus
