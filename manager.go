package chatauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/projectchat/chatauth/credential"
	"github.com/projectchat/chatauth/internal/audit"
	"github.com/projectchat/chatauth/internal/flows"
	"github.com/projectchat/chatauth/jwt"
)

// maxCascadeHops bounds how far reuse detection walks a chain looking for
// its live head.
const maxCascadeHops = 64

// revokeAttempts bounds the re-read loop of a conditional revoke that keeps
// losing to concurrent writers.
const revokeAttempts = 3

// SessionManager owns the refresh-credential state machine: login, rotation,
// reuse detection, revocation and expiry sweeps.
//
// Every operation is one atomic step against the credential store. The
// manager keeps no per-session state in memory and performs no retries on
// store failures; ErrStoreUnavailable is surfaced to the caller.
type SessionManager struct {
	config     Config
	store      credential.Store
	signer     *jwt.Signer
	identities IdentityProvider
	logger     *slog.Logger
	audit      *audit.Dispatcher
	metrics    *Metrics
	now        func() time.Time
}

// Close drains pending audit events.
func (m *SessionManager) Close() {
	if m == nil {
		return
	}
	if m.audit != nil {
		m.audit.Close()
	}
}

// AuditDropped reports audit events lost to a full buffer.
func (m *SessionManager) AuditDropped() uint64 {
	if m == nil || m.audit == nil {
		return 0
	}
	return m.audit.Dropped()
}

// MetricsSnapshot returns the current counters.
func (m *SessionManager) MetricsSnapshot() MetricsSnapshot {
	if m == nil || m.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return m.metrics.Snapshot()
}

// Signer exposes the token signer, e.g. for services that only verify.
func (m *SessionManager) Signer() *jwt.Signer {
	if m == nil {
		return nil
	}
	return m.signer
}

// RefreshTTL is the lifetime transports should give the refresh cookie.
func (m *SessionManager) RefreshTTL() time.Duration {
	if m == nil || m.signer == nil {
		return 0
	}
	return m.signer.RefreshTTL()
}

func (m *SessionManager) metricInc(id MetricID) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.Inc(id)
}

func (m *SessionManager) ready() error {
	if m == nil || m.store == nil || m.signer == nil {
		return ErrManagerNotReady
	}
	return nil
}

func (m *SessionManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.config.Store.OperationTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.config.Store.OperationTimeout)
}

// storeFailure wraps a store error with the operation name and records
// unavailability. Sentinels stay reachable through errors.Is.
func (m *SessionManager) storeFailure(op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		m.metricInc(MetricStoreUnavailable)
		m.logger.Error("credential store unavailable", "operation", op, "error", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// mint issues a refresh token for principal and returns the unsaved record for it.
func (m *SessionManager) mint(principal string) (*credential.Record, error) {
	token, err := m.signer.IssueRefresh(principal)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	claims, err := m.signer.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("read issued refresh token: %w", err)
	}
	return &credential.Record{
		TokenValue:   token,
		CredentialID: claims.ID,
		Owner:        principal,
		ExpiresAt:    claims.ExpiresAt.Time.UTC(),
		CreatedAt:    m.now().UTC(),
	}, nil
}

// StartSession opens a new refresh lineage for principal. An active record
// left by an earlier login is revoked in the same atomic swap, without a
// successor: replacing a session is not a rotation.
//
// The returned record carries the raw token in TokenValue.
func (m *SessionManager) StartSession(ctx context.Context, principal string) (*credential.Record, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if principal == "" {
		return nil, ErrInvalidPrincipal
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	next, err := m.mint(principal)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		current, err := m.store.FindActiveForPrincipal(ctx, principal)
		if errors.Is(err, credential.ErrNotFound) {
			current = nil
		} else if err != nil {
			return nil, m.storeFailure("start session", err)
		}

		result, err := m.store.SwapActive(ctx, credential.Swap{
			Principal: principal,
			Expected:  current,
			Next:      next,
		})
		if err == nil {
			m.metricInc(MetricSessionStarted)
			if result.Previous != nil {
				m.metricInc(MetricSessionReplaced)
				m.logger.Info("previous session revoked by new login",
					"principal", principal,
					"credential_id", result.Previous.CredentialID)
				m.emitAudit(ctx, auditEventSessionReplaced, true, principal, result.Previous.CredentialID, nil, nil)
			}
			m.emitAudit(ctx, auditEventSessionStarted, true, principal, result.Next.CredentialID, nil, nil)
			return result.Next, nil
		}
		if !errors.Is(err, credential.ErrConflict) {
			return nil, m.storeFailure("start session", err)
		}
		if attempt >= m.config.Store.StartSessionAttempts {
			m.metricInc(MetricRotationConflict)
			m.emitAudit(ctx, auditEventRotationConflict, false, principal, "", ErrConcurrentRotationConflict, func() map[string]string {
				return map[string]string{"operation": "start_session"}
			})
			return nil, fmt.Errorf("start session: %w", ErrConcurrentRotationConflict)
		}
	}
}

// Rotate replaces old with a fresh credential. old is revoked and linked to
// the new record in one atomic swap; on success old is updated in place to
// its persisted state. The raw token of the new credential is returned for
// the caller to hand to the client.
//
// Of two rotations racing on the same record exactly one succeeds; the
// other fails with ErrConcurrentRotationConflict.
func (m *SessionManager) Rotate(ctx context.Context, old *credential.Record) (string, *credential.Record, error) {
	if err := m.ready(); err != nil {
		return "", nil, err
	}
	if old == nil {
		return "", nil, ErrTokenNotFound
	}
	if !old.Active() {
		return "", nil, ErrCredentialRevoked
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	next, err := m.mint(old.Owner)
	if err != nil {
		return "", nil, err
	}

	result, err := m.store.SwapActive(ctx, credential.Swap{
		Principal: old.Owner,
		Expected:  old,
		Next:      next,
		Link:      true,
	})
	if errors.Is(err, credential.ErrConflict) {
		return "", nil, m.rotationLost(ctx, old)
	}
	if err != nil {
		return "", nil, m.storeFailure("rotate", err)
	}

	token := old.TokenValue
	*old = *result.Previous
	old.TokenValue = token

	m.metricInc(MetricRotationSuccess)
	m.emitAudit(ctx, auditEventSessionRotated, true, old.Owner, old.CredentialID, nil, func() map[string]string {
		return map[string]string{"successor_id": result.Next.CredentialID}
	})
	return next.TokenValue, result.Next, nil
}

// rotationLost classifies a lost swap. A record revoked without a successor
// was ended by logout or a newer login; anything else means another rotation won.
func (m *SessionManager) rotationLost(ctx context.Context, old *credential.Record) error {
	stored, err := m.store.FindByCredentialID(ctx, old.CredentialID)
	switch {
	case errors.Is(err, credential.ErrNotFound):
		return fmt.Errorf("rotate: %w", ErrTokenNotFound)
	case err != nil:
		return m.storeFailure("rotate", err)
	case stored.Revoked && !stored.Rotated():
		return fmt.Errorf("rotate: %w", ErrCredentialRevoked)
	}

	m.metricInc(MetricRotationConflict)
	m.logger.Warn("concurrent rotation lost",
		"principal", old.Owner,
		"credential_id", old.CredentialID,
		"successor_id", stored.SuccessorID)
	m.emitAudit(ctx, auditEventRotationConflict, false, old.Owner, old.CredentialID, ErrConcurrentRotationConflict, func() map[string]string {
		return map[string]string{"operation": "rotate"}
	})
	return fmt.Errorf("rotate: %w", ErrConcurrentRotationConflict)
}

// CheckPresentedCredential screens a record looked up from a presented token.
// An active record is returned unchanged. A revoked record is a replay: the
// live head of its chain, if any, is revoked and ErrReuseDetected is returned.
func (m *SessionManager) CheckPresentedCredential(ctx context.Context, rec *credential.Record) (*credential.Record, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrTokenNotFound
	}
	if rec.Active() {
		return rec, nil
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	m.metricInc(MetricRefreshReuseDetected)
	revokedID, cascadeErr := m.revokeLiveDescendant(ctx, rec.SuccessorID)
	if revokedID != "" {
		m.metricInc(MetricSuccessorRevoked)
	}

	m.logger.Warn("refresh token reuse detected",
		"principal", rec.Owner,
		"credential_id", rec.CredentialID,
		"successor_id", rec.SuccessorID,
		"revoked_descendant", revokedID)
	m.emitAudit(ctx, auditEventRefreshReuse, false, rec.Owner, rec.CredentialID, ErrReuseDetected, func() map[string]string {
		return map[string]string{
			"successor_id":       rec.SuccessorID,
			"revoked_descendant": revokedID,
		}
	})

	if cascadeErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrReuseDetected, m.storeFailure("revoke successor", cascadeErr))
	}
	return nil, ErrReuseDetected
}

// revokeLiveDescendant walks forward from successorID and revokes the first
// non-revoked record. It returns the id it revoked, or "" when the chain has
// no live head left.
func (m *SessionManager) revokeLiveDescendant(ctx context.Context, successorID string) (string, error) {
	id := successorID
	for hop := 0; hop < maxCascadeHops && id != ""; hop++ {
		rec, err := m.store.FindByCredentialID(ctx, id)
		if errors.Is(err, credential.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		if rec.Rotated() {
			id = rec.SuccessorID
			continue
		}
		if !rec.Active() {
			return "", nil
		}

		final, changed, err := m.revokeRecord(ctx, rec)
		if err != nil {
			return "", err
		}
		if changed {
			return rec.CredentialID, nil
		}
		if final == nil {
			return "", nil
		}
		id = final.SuccessorID
	}
	return "", nil
}

// revokeRecord sets Revoked on rec with a conditional write, re-reading on
// version conflicts. It returns the last stored state and whether this call
// made the change.
func (m *SessionManager) revokeRecord(ctx context.Context, rec *credential.Record) (*credential.Record, bool, error) {
	current := rec
	for attempt := 0; attempt < revokeAttempts; attempt++ {
		if current.Revoked {
			return current, false, nil
		}
		upd := current.Clone()
		upd.Revoked = true
		saved, err := m.store.Save(ctx, upd)
		if err == nil {
			return saved, true, nil
		}
		if errors.Is(err, credential.ErrNotFound) {
			return nil, false, nil
		}
		if !errors.Is(err, credential.ErrConflict) {
			return nil, false, err
		}
		current, err = m.store.FindByCredentialID(ctx, rec.CredentialID)
		if errors.Is(err, credential.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
	}
	if current.Revoked {
		return current, false, nil
	}
	return current, false, ErrConcurrentRotationConflict
}

// Revoke ends the credential behind tokenValue. Unknown and already revoked
// tokens are a no-op, so calling Revoke twice is the same as calling it once.
func (m *SessionManager) Revoke(ctx context.Context, tokenValue string) error {
	if err := m.ready(); err != nil {
		return err
	}
	if tokenValue == "" {
		return nil
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	rec, err := m.store.FindByTokenValue(ctx, tokenValue)
	if errors.Is(err, credential.ErrNotFound) {
		m.logger.Debug("revoke of unknown refresh token ignored")
		return nil
	}
	if err != nil {
		return m.storeFailure("revoke", err)
	}

	_, changed, err := m.revokeRecord(ctx, rec)
	if err != nil {
		return m.storeFailure("revoke", err)
	}
	if changed {
		m.metricInc(MetricRevoke)
		m.emitAudit(ctx, auditEventCredentialRevoked, true, rec.Owner, rec.CredentialID, nil, nil)
	}
	return nil
}

// RevokeAllForPrincipal revokes every live credential of principal and
// returns how many it changed. Records are revoked one conditional write at
// a time; a login racing with this call may leave its new session active.
func (m *SessionManager) RevokeAllForPrincipal(ctx context.Context, principal string) (int, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	if principal == "" {
		return 0, ErrInvalidPrincipal
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	records, err := m.store.FindAllForPrincipal(ctx, principal)
	if err != nil {
		return 0, m.storeFailure("revoke all", err)
	}

	n := 0
	for _, rec := range records {
		if !rec.Active() {
			continue
		}
		_, changed, err := m.revokeRecord(ctx, rec)
		if err != nil {
			return n, m.storeFailure("revoke all", err)
		}
		if changed {
			n++
		}
	}

	m.metricInc(MetricRevokeAll)
	m.emitAudit(ctx, auditEventRevokeAll, true, principal, "", nil, func() map[string]string {
		return map[string]string{"revoked": fmt.Sprint(n)}
	})
	return n, nil
}

// SweepExpired deletes records whose expiry is strictly before now. It is
// pure maintenance; skipping it never breaks an invariant.
func (m *SessionManager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	n, err := m.store.DeleteExpiredBefore(ctx, now)
	if err != nil {
		return 0, m.storeFailure("sweep expired", err)
	}
	m.metrics.Add(MetricSweepDeleted, uint64(n))
	if n > 0 {
		m.logger.Info("expired refresh credentials swept", "deleted", n, "cutoff", now)
	}
	m.emitAudit(ctx, auditEventSweepExpired, true, "", "", nil, func() map[string]string {
		return map[string]string{"deleted": fmt.Sprint(n)}
	})
	return n, nil
}

// FindByTokenValue returns the record behind a presented raw token.
func (m *SessionManager) FindByTokenValue(ctx context.Context, token string) (*credential.Record, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrTokenNotFound
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	rec, err := m.store.FindByTokenValue(ctx, token)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, m.storeFailure("find token", err)
	}
	return rec, nil
}

// ListCredentials returns every stored record of principal, oldest first.
func (m *SessionManager) ListCredentials(ctx context.Context, principal string) ([]*credential.Record, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if principal == "" {
		return nil, ErrInvalidPrincipal
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	records, err := m.store.FindAllForPrincipal(ctx, principal)
	if err != nil {
		return nil, m.storeFailure("list credentials", err)
	}
	return records, nil
}

// PurgePrincipal deletes the whole history of principal, e.g. when the
// account is removed. Reuse of a purged token reads as ErrTokenNotFound.
func (m *SessionManager) PurgePrincipal(ctx context.Context, principal string) (int, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	if principal == "" {
		return 0, ErrInvalidPrincipal
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	n, err := m.store.DeleteAllForPrincipal(ctx, principal)
	if err != nil {
		return 0, m.storeFailure("purge principal", err)
	}
	m.metrics.Add(MetricPrincipalPurged, uint64(n))
	m.emitAudit(ctx, auditEventPrincipalPurged, true, principal, "", nil, func() map[string]string {
		return map[string]string{"deleted": fmt.Sprint(n)}
	})
	return n, nil
}

// Login starts a session for an identity the caller has already authenticated
// and issues the first token pair.
func (m *SessionManager) Login(ctx context.Context, id Identity) (*TokenPair, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	result := flows.RunLogin(ctx, id, flows.LoginDeps{
		StartSession: m.StartSession,
		IssueAccess:  m.signer.IssueAccess,
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return &TokenPair{
		PrincipalID:      result.PrincipalID,
		AccessToken:      result.AccessToken,
		RefreshToken:     result.RefreshToken,
		RefreshExpiresAt: result.RefreshExpiresAt,
	}, nil
}

// Refresh exchanges a refresh token for a new pair. Forged and expired
// tokens fail before the store is consulted; a superseded token triggers
// reuse detection and fails with ErrReuseDetected.
func (m *SessionManager) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	deps := flows.RefreshDeps{
		VerifyRefresh:    m.verifyRefresh,
		FindByTokenValue: m.FindByTokenValue,
		CheckPresented:   m.CheckPresentedCredential,
		Rotate:           m.Rotate,
		IssueAccess:      m.signer.IssueAccess,
	}
	if m.identities != nil {
		deps.LookupIdentity = m.identities.LookupIdentity
	}

	result := flows.RunRefresh(ctx, refreshToken, deps)
	if result.Err != nil {
		m.metricInc(MetricRefreshFailure)
		// Reuse is audited by CheckPresentedCredential itself.
		if result.Failure != flows.RefreshFailureReuse {
			m.emitAudit(ctx, auditEventRefreshInvalid, false, result.PrincipalID, result.CredentialID, result.Err, func() map[string]string {
				return map[string]string{"reason": result.Failure.String()}
			})
		}
		return nil, result.Err
	}

	m.metricInc(MetricRefreshSuccess)
	m.emitAudit(ctx, auditEventRefreshSuccess, true, result.PrincipalID, result.Next.CredentialID, nil, nil)
	return &TokenPair{
		PrincipalID:      result.PrincipalID,
		AccessToken:      result.AccessToken,
		RefreshToken:     result.RefreshToken,
		RefreshExpiresAt: result.RefreshExpiresAt,
	}, nil
}

func (m *SessionManager) verifyRefresh(token string) (*jwt.Claims, error) {
	claims, err := m.signer.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Use != jwt.UseRefresh {
		return nil, ErrSignatureInvalid
	}
	return claims, nil
}

// Logout revokes the presented refresh token.
func (m *SessionManager) Logout(ctx context.Context, refreshToken string) error {
	return m.Revoke(ctx, refreshToken)
}

// Authenticate validates a bearer access token. It never touches the store.
func (m *SessionManager) Authenticate(_ context.Context, accessToken string) (*Claims, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	start := time.Now()
	claims, err := m.signer.VerifyAccess(accessToken)
	m.metrics.Observe(MetricAuthenticateLatency, time.Since(start))
	if err != nil {
		m.metricInc(MetricAuthenticateFailure)
		return nil, err
	}
	m.metricInc(MetricAuthenticateSuccess)
	return claims, nil
}
