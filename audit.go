package chatauth

import (
	"context"
	"io"
	"log/slog"

	"github.com/projectchat/chatauth/internal/audit"
)

// AuditEvent is one emitted security event.
type AuditEvent = audit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = audit.Sink

type (
	NoOpSink       = audit.NoOpSink
	ChannelSink    = audit.ChannelSink
	JSONWriterSink = audit.JSONWriterSink
	SlogSink       = audit.SlogSink
)

func NewChannelSink(buffer int) *ChannelSink { return audit.NewChannelSink(buffer) }

func NewJSONWriterSink(w io.Writer) *JSONWriterSink { return audit.NewJSONWriterSink(w) }

func NewSlogSink(logger *slog.Logger) *SlogSink { return audit.NewSlogSink(logger) }

const (
	auditEventSessionStarted    = "session_started"
	auditEventSessionReplaced   = "session_replaced"
	auditEventSessionRotated    = "session_rotated"
	auditEventRotationConflict  = "rotation_conflict"
	auditEventRefreshSuccess    = "refresh_success"
	auditEventRefreshInvalid    = "refresh_invalid"
	auditEventRefreshReuse      = "refresh_reuse_detected"
	auditEventCredentialRevoked = "credential_revoked"
	auditEventRevokeAll         = "revoke_all"
	auditEventPrincipalPurged   = "principal_purged"
	auditEventSweepExpired      = "sweep_expired"
)

func (m *SessionManager) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	principal string,
	credentialID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if m == nil || m.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}
	event := AuditEvent{
		Timestamp:    m.now().UTC(),
		EventType:    eventType,
		PrincipalID:  principal,
		CredentialID: credentialID,
		IP:           clientIPFromContext(ctx),
		Success:      success,
		Metadata:     metadata,
	}
	if err != nil {
		event.Error = KindOf(err).String()
	}
	m.audit.Emit(ctx, event)
}
