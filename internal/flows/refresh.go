package flows

import (
	"context"
	"time"

	"github.com/projectchat/chatauth/credential"
	"github.com/projectchat/chatauth/jwt"
)

// RefreshFailureKind names the refresh step that failed.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureVerify
	RefreshFailureLookup
	RefreshFailureReuse
	RefreshFailureRotate
	RefreshFailureIdentity
	RefreshFailureIssueAccess
)

func (k RefreshFailureKind) String() string {
	switch k {
	case RefreshFailureNone:
		return "none"
	case RefreshFailureVerify:
		return "verify_failed"
	case RefreshFailureLookup:
		return "lookup_failed"
	case RefreshFailureReuse:
		return "reuse_detected"
	case RefreshFailureRotate:
		return "rotate_failed"
	case RefreshFailureIdentity:
		return "identity_lookup_failed"
	case RefreshFailureIssueAccess:
		return "issue_access_failed"
	default:
		return "unknown"
	}
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	VerifyRefresh    func(token string) (*jwt.Claims, error)
	FindByTokenValue func(ctx context.Context, token string) (*credential.Record, error)
	CheckPresented   func(ctx context.Context, rec *credential.Record) (*credential.Record, error)
	Rotate           func(ctx context.Context, rec *credential.Record) (string, *credential.Record, error)
	// LookupIdentity may be nil; the access token then carries only the principal id.
	LookupIdentity func(ctx context.Context, principal string) (jwt.Identity, error)
	IssueAccess    func(subject string, id jwt.Identity) (string, error)
}

// RefreshResult carries either the rotated pair or failure metadata.
type RefreshResult struct {
	Failure RefreshFailureKind
	Err     error
	// PrincipalID and CredentialID identify the presented credential once known.
	PrincipalID      string
	CredentialID     string
	Next             *credential.Record
	AccessToken      string
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// RunRefresh exchanges a refresh token for a new pair: verify the token,
// look up its record, screen it for reuse, rotate it and issue access.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	claims, err := deps.VerifyRefresh(refreshToken)
	if err != nil {
		return RefreshResult{
			Failure: RefreshFailureVerify,
			Err:     err,
		}
	}

	rec, err := deps.FindByTokenValue(ctx, refreshToken)
	if err != nil {
		return RefreshResult{
			Failure:      RefreshFailureLookup,
			Err:          err,
			PrincipalID:  claims.Subject,
			CredentialID: claims.ID,
		}
	}

	rec, err = deps.CheckPresented(ctx, rec)
	if err != nil {
		return RefreshResult{
			Failure:      RefreshFailureReuse,
			Err:          err,
			PrincipalID:  claims.Subject,
			CredentialID: claims.ID,
		}
	}

	nextToken, next, err := deps.Rotate(ctx, rec)
	if err != nil {
		return RefreshResult{
			Failure:      RefreshFailureRotate,
			Err:          err,
			PrincipalID:  rec.Owner,
			CredentialID: rec.CredentialID,
		}
	}

	id := jwt.Identity{PrincipalID: next.Owner}
	if deps.LookupIdentity != nil {
		id, err = deps.LookupIdentity(ctx, next.Owner)
		if err != nil {
			return RefreshResult{
				Failure:      RefreshFailureIdentity,
				Err:          err,
				PrincipalID:  next.Owner,
				CredentialID: rec.CredentialID,
				Next:         next,
			}
		}
		id.PrincipalID = next.Owner
	}

	access, err := deps.IssueAccess(next.Owner, id)
	if err != nil {
		return RefreshResult{
			Failure:      RefreshFailureIssueAccess,
			Err:          err,
			PrincipalID:  next.Owner,
			CredentialID: rec.CredentialID,
			Next:         next,
		}
	}

	return RefreshResult{
		Failure:          RefreshFailureNone,
		PrincipalID:      next.Owner,
		CredentialID:     rec.CredentialID,
		Next:             next,
		AccessToken:      access,
		RefreshToken:     nextToken,
		RefreshExpiresAt: next.ExpiresAt,
	}
}
