// Package audit implements async event dispatching for refresh-chain security events.
//
// # Components
//
//   - [Sink] is the consumer interface (channel, JSON lines, slog, no-op).
//   - [Dispatcher] is a buffered async relay that either drops or blocks when full.
//   - [Event] is the structured record: type, principal, credential id, metadata.
//
// # Architecture boundaries
//
// This package owns buffering and sink delivery. It does not decide which
// events to emit; the session manager does.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import chatauth or any sibling internal package.
//   - Carry raw token values in events.
package audit
