// Package otel binds session manager counters to OpenTelemetry observable
// instruments.
//
// [NewExporter] creates one Int64ObservableCounter per counter and one
// Int64ObservableGauge per latency bucket. A single callback reads
// [chatauth.SessionManager.MetricsSnapshot] on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate session manager state.
package otel
