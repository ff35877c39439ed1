package credential

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record matches a lookup or update.
	ErrNotFound = errors.New("credential not found")
	// ErrConflict is returned when a conditional write loses against the stored state:
	// a stale version, an owner that already has an active record, a revoked flag that
	// would be cleared, a successor that would be overwritten, or a duplicate id.
	ErrConflict = errors.New("credential write conflict")
	// ErrUnavailable wraps every infrastructure failure of the backing store.
	ErrUnavailable = errors.New("credential store unavailable")
	// ErrInvalidRecord is returned when a record lacks a field the store requires.
	ErrInvalidRecord = errors.New("invalid credential record")
)

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, reason)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Store is the persistence contract for refresh credentials.
//
// Lookups return ErrNotFound for absent records. Implementations must be safe
// for concurrent use and must enforce the package invariants themselves.
type Store interface {
	// Save inserts rec when rec.ID is zero. Otherwise it updates the stored record
	// only if its version still equals rec.Version; the update may set Revoked,
	// nothing else. SuccessorID is written by a linked SwapActive only.
	Save(ctx context.Context, rec *Record) (*Record, error)
	FindByTokenValue(ctx context.Context, token string) (*Record, error)
	FindByCredentialID(ctx context.Context, credentialID string) (*Record, error)
	FindActiveForPrincipal(ctx context.Context, principal string) (*Record, error)
	// FindAllForPrincipal returns every stored record of principal ordered by ID.
	FindAllForPrincipal(ctx context.Context, principal string) ([]*Record, error)
	// DeleteExpiredBefore removes records with ExpiresAt strictly before cutoff.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
	DeleteAllForPrincipal(ctx context.Context, principal string) (int, error)
	// SwapActive atomically replaces the active record of a principal.
	SwapActive(ctx context.Context, swap Swap) (SwapResult, error)
}

// Swap describes a compare-and-swap on the active record of Principal.
//
// The swap applies only if the principal's active record is Expected at
// Expected.Version, or if there is no active record and Expected is nil.
// Expected is then revoked, linked to Next when Link is set, and Next is
// inserted as the new active record. Either all of it happens or none of it.
type Swap struct {
	Principal string
	Expected  *Record
	Next      *Record
	Link      bool
}

// SwapResult carries the persisted state of both records after a successful swap.
type SwapResult struct {
	Next     *Record
	Previous *Record
}

func (s Swap) validate() error {
	if s.Principal == "" {
		return invalid("swap without principal")
	}
	if s.Next == nil {
		return invalid("swap without next record")
	}
	if s.Next.ID != 0 {
		return invalid("next record already persisted")
	}
	if s.Next.Revoked {
		return invalid("next record is revoked")
	}
	if s.Next.Owner != s.Principal {
		return invalid("next record owner mismatch")
	}
	if s.Expected != nil && s.Expected.Owner != s.Principal {
		return invalid("expected record owner mismatch")
	}
	if s.Link && s.Expected == nil {
		return invalid("link requested without expected record")
	}
	return s.Next.normalize()
}
