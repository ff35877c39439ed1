package internaldefs

import (
	"github.com/projectchat/chatauth"
)

// CounterDef binds a MetricID to its exported name.
type CounterDef struct {
	ID   chatauth.MetricID
	Name string
	Help string
}

// HistogramDef binds a histogram MetricID to its exported name.
type HistogramDef struct {
	ID   chatauth.MetricID
	Name string
	Help string
}

// AuditDroppedName is the counter for audit events lost to backpressure.
const AuditDroppedName = "chatauth_audit_dropped_total"

var CounterDefs = []CounterDef{
	{ID: chatauth.MetricSessionStarted, Name: "chatauth_session_started_total", Help: "Sessions opened by login."},
	{ID: chatauth.MetricSessionReplaced, Name: "chatauth_session_replaced_total", Help: "Active sessions revoked by a newer login."},
	{ID: chatauth.MetricRotationSuccess, Name: "chatauth_rotation_success_total", Help: "Successful refresh credential rotations."},
	{ID: chatauth.MetricRotationConflict, Name: "chatauth_rotation_conflict_total", Help: "Rotations lost to a concurrent winner."},
	{ID: chatauth.MetricRefreshSuccess, Name: "chatauth_refresh_success_total", Help: "Completed refresh exchanges."},
	{ID: chatauth.MetricRefreshFailure, Name: "chatauth_refresh_failure_total", Help: "Failed refresh exchanges."},
	{ID: chatauth.MetricRefreshReuseDetected, Name: "chatauth_refresh_reuse_detected_total", Help: "Presentations of superseded refresh credentials."},
	{ID: chatauth.MetricSuccessorRevoked, Name: "chatauth_successor_revoked_total", Help: "Live chain heads revoked by reuse detection."},
	{ID: chatauth.MetricRevoke, Name: "chatauth_revoke_total", Help: "Refresh credentials revoked by logout."},
	{ID: chatauth.MetricRevokeAll, Name: "chatauth_revoke_all_total", Help: "Sign-out-everywhere operations."},
	{ID: chatauth.MetricSweepDeleted, Name: "chatauth_sweep_deleted_total", Help: "Expired refresh credentials deleted by the sweeper."},
	{ID: chatauth.MetricPrincipalPurged, Name: "chatauth_principal_purged_total", Help: "Refresh credentials deleted by principal purge."},
	{ID: chatauth.MetricAuthenticateSuccess, Name: "chatauth_authenticate_success_total", Help: "Accepted access tokens."},
	{ID: chatauth.MetricAuthenticateFailure, Name: "chatauth_authenticate_failure_total", Help: "Rejected access tokens."},
	{ID: chatauth.MetricStoreUnavailable, Name: "chatauth_store_unavailable_total", Help: "Operations failed by the credential store."},
}

var HistogramDefs = []HistogramDef{
	{ID: chatauth.MetricAuthenticateLatency, Name: "chatauth_authenticate_latency_seconds", Help: "Access token verification latency."},
}

// HistogramBounds are the finite upper bounds, in seconds, of the first seven
// buckets. The eighth bucket is +Inf.
var HistogramBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names every bucket, +Inf included, for exporters that
// flatten a histogram into gauges.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the eight snapshot buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
