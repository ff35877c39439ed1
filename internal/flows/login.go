package flows

import (
	"context"
	"time"

	"github.com/projectchat/chatauth/credential"
	"github.com/projectchat/chatauth/jwt"
)

// LoginFailureKind names the login step that failed.
type LoginFailureKind int

const (
	LoginFailureNone LoginFailureKind = iota
	LoginFailureStartSession
	LoginFailureIssueAccess
)

// LoginDeps captures login flow dependencies.
type LoginDeps struct {
	StartSession func(ctx context.Context, principal string) (*credential.Record, error)
	IssueAccess  func(subject string, id jwt.Identity) (string, error)
}

// LoginResult carries either the issued pair or the failing step.
type LoginResult struct {
	Failure          LoginFailureKind
	Err              error
	PrincipalID      string
	CredentialID     string
	AccessToken      string
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// RunLogin opens a new refresh lineage for an externally authenticated
// identity and issues the first access token.
func RunLogin(ctx context.Context, id jwt.Identity, deps LoginDeps) LoginResult {
	rec, err := deps.StartSession(ctx, id.PrincipalID)
	if err != nil {
		return LoginResult{
			Failure:     LoginFailureStartSession,
			Err:         err,
			PrincipalID: id.PrincipalID,
		}
	}

	access, err := deps.IssueAccess(id.PrincipalID, id)
	if err != nil {
		return LoginResult{
			Failure:      LoginFailureIssueAccess,
			Err:          err,
			PrincipalID:  id.PrincipalID,
			CredentialID: rec.CredentialID,
		}
	}

	return LoginResult{
		Failure:          LoginFailureNone,
		PrincipalID:      id.PrincipalID,
		CredentialID:     rec.CredentialID,
		AccessToken:      access,
		RefreshToken:     rec.TokenValue,
		RefreshExpiresAt: rec.ExpiresAt,
	}
}
