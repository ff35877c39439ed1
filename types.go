package chatauth

import (
	"context"
	"time"

	"github.com/projectchat/chatauth/jwt"
)

// Identity is the claim set embedded in access tokens.
type Identity = jwt.Identity

// Claims is a verified token payload.
type Claims = jwt.Claims

// TokenPair is what Login and Refresh hand back to the transport layer.
// RefreshExpiresAt is the absolute expiry to apply to the client-side cookie.
type TokenPair struct {
	PrincipalID      string
	AccessToken      string
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// IdentityProvider resolves the current claim set of a principal. Refresh
// uses it so role changes reach the next access token without a new login.
type IdentityProvider interface {
	LookupIdentity(ctx context.Context, principal string) (Identity, error)
}

// IdentityProviderFunc adapts a function to IdentityProvider.
type IdentityProviderFunc func(ctx context.Context, principal string) (Identity, error)

func (f IdentityProviderFunc) LookupIdentity(ctx context.Context, principal string) (Identity, error) {
	return f(ctx, principal)
}
