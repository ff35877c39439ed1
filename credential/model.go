package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Record is one link of a refresh-credential rotation chain.
type Record struct {
	// ID is assigned by the store on insert and grows monotonically.
	ID int64
	// TokenValue is the raw refresh token. It is only populated on records
	// returned to the party that was issued or presented the token.
	TokenValue string
	// TokenHash is the hex SHA-256 of TokenValue; stores index by it.
	TokenHash    string
	CredentialID string
	Owner        string
	ExpiresAt    time.Time
	Revoked      bool
	// SuccessorID is the CredentialID of the record this one was rotated into.
	SuccessorID string
	// Version increments on every write and guards conditional updates.
	Version   int64
	CreatedAt time.Time
}

// HashToken returns the digest stores use in place of a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Clone returns a copy of r that shares no state with it.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Active reports whether r is the live head of its chain.
func (r *Record) Active() bool {
	return r != nil && !r.Revoked
}

// Rotated reports whether r was superseded by a rotation rather than revoked directly.
func (r *Record) Rotated() bool {
	return r != nil && r.Revoked && r.SuccessorID != ""
}

// normalize fills TokenHash from TokenValue and validates the fields every insert needs.
func (r *Record) normalize() error {
	if r.TokenHash == "" && r.TokenValue != "" {
		r.TokenHash = HashToken(r.TokenValue)
	}
	switch {
	case r.TokenHash == "":
		return invalid("missing token hash")
	case r.CredentialID == "":
		return invalid("missing credential id")
	case r.Owner == "":
		return invalid("missing owner")
	case r.ExpiresAt.IsZero():
		return invalid("missing expiry")
	case r.SuccessorID != "":
		return invalid("successor is only set by a linked swap")
	}
	return nil
}
