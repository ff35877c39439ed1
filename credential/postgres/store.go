package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/projectchat/chatauth/credential"
)

// DB is the subset of pgxpool.Pool the store needs. pgxmock pools satisfy it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const recordColumns = `id, token_hash, credential_id, owner_principal, expires_at, revoked, COALESCE(successor_id, ''), version, created_at`

// Store is a credential.Store on PostgreSQL.
//
// The single-active rule is enforced by the partial unique index
// refresh_credentials_one_active; SwapActive runs its revoke and insert in one
// transaction guarded by the expected record's version.
type Store struct {
	db DB
}

var _ credential.Store = (*Store)(nil)

// New returns a Store using db.
func New(db DB) *Store {
	return &Store{db: db}
}

// Save implements credential.Store.
func (s *Store) Save(ctx context.Context, rec *credential.Record) (*credential.Record, error) {
	if rec == nil {
		return nil, oops.Code("CREDENTIAL_INVALID").Wrap(credential.ErrInvalidRecord)
	}
	if rec.ID == 0 {
		return s.insert(ctx, s.db, rec)
	}

	row := s.db.QueryRow(ctx, `
		UPDATE refresh_credentials
		SET revoked = $3, version = version + 1
		WHERE id = $1 AND credential_id = $5 AND version = $2
		  AND (NOT revoked OR $3)
		  AND COALESCE(successor_id, '') = $4
		RETURNING `+recordColumns,
		rec.ID, rec.Version, rec.Revoked, rec.SuccessorID, rec.CredentialID)
	out, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.classifyMissedUpdate(ctx, rec)
	}
	if err != nil {
		return nil, classify(err, "update credential", rec.CredentialID)
	}
	out.TokenValue = rec.TokenValue
	return out, nil
}

// classifyMissedUpdate tells a missing record from a lost conditional update.
func (s *Store) classifyMissedUpdate(ctx context.Context, rec *credential.Record) error {
	var version int64
	err := s.db.QueryRow(ctx, `SELECT version FROM refresh_credentials WHERE id = $1 AND credential_id = $2`,
		rec.ID, rec.CredentialID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return credential.ErrNotFound
	}
	if err != nil {
		return classify(err, "probe credential", rec.CredentialID)
	}
	return oops.Code("CREDENTIAL_CONFLICT").
		With("credential_id", rec.CredentialID).
		With("expected_version", rec.Version).
		With("stored_version", version).
		Wrap(credential.ErrConflict)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) insert(ctx context.Context, q queryRower, rec *credential.Record) (*credential.Record, error) {
	tokenHash := rec.TokenHash
	if tokenHash == "" && rec.TokenValue != "" {
		tokenHash = credential.HashToken(rec.TokenValue)
	}
	if tokenHash == "" || rec.CredentialID == "" || rec.Owner == "" || rec.ExpiresAt.IsZero() || rec.SuccessorID != "" {
		return nil, oops.Code("CREDENTIAL_INVALID").
			With("credential_id", rec.CredentialID).
			Wrap(credential.ErrInvalidRecord)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := q.QueryRow(ctx, `
		INSERT INTO refresh_credentials (credential_id, token_hash, owner_principal, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+recordColumns,
		rec.CredentialID, tokenHash, rec.Owner, rec.ExpiresAt, rec.Revoked, createdAt)
	out, err := scanRecord(row)
	if err != nil {
		return nil, classify(err, "insert credential", rec.CredentialID)
	}
	out.TokenValue = rec.TokenValue
	return out, nil
}

// FindByTokenValue implements credential.Store.
func (s *Store) FindByTokenValue(ctx context.Context, token string) (*credential.Record, error) {
	if token == "" {
		return nil, credential.ErrNotFound
	}
	rec, err := s.findOne(ctx, "find by token", `WHERE token_hash = $1`, credential.HashToken(token))
	if err != nil {
		return nil, err
	}
	rec.TokenValue = token
	return rec, nil
}

// FindByCredentialID implements credential.Store.
func (s *Store) FindByCredentialID(ctx context.Context, credentialID string) (*credential.Record, error) {
	return s.findOne(ctx, "find by credential id", `WHERE credential_id = $1`, credentialID)
}

// FindActiveForPrincipal implements credential.Store.
func (s *Store) FindActiveForPrincipal(ctx context.Context, principal string) (*credential.Record, error) {
	return s.findOne(ctx, "find active", `WHERE owner_principal = $1 AND NOT revoked`, principal)
}

func (s *Store) findOne(ctx context.Context, op, where string, arg string) (*credential.Record, error) {
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM refresh_credentials `+where, arg)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, classify(err, op, arg)
	}
	return rec, nil
}

// FindAllForPrincipal implements credential.Store.
func (s *Store) FindAllForPrincipal(ctx context.Context, principal string) ([]*credential.Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+recordColumns+` FROM refresh_credentials WHERE owner_principal = $1 ORDER BY id`,
		principal)
	if err != nil {
		return nil, classify(err, "find all for principal", principal)
	}
	defer rows.Close()

	out := []*credential.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify(err, "scan credential row", principal)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate credentials", principal)
	}
	return out, nil
}

// DeleteExpiredBefore implements credential.Store.
func (s *Store) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM refresh_credentials WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, classify(err, "delete expired", cutoff.Format(time.RFC3339))
	}
	return int(tag.RowsAffected()), nil
}

// DeleteAllForPrincipal implements credential.Store.
func (s *Store) DeleteAllForPrincipal(ctx context.Context, principal string) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM refresh_credentials WHERE owner_principal = $1`, principal)
	if err != nil {
		return 0, classify(err, "delete all for principal", principal)
	}
	return int(tag.RowsAffected()), nil
}

// SwapActive implements credential.Store.
//
// With no expected record the insert alone is the compare step: the partial
// unique index rejects it if the principal already has an active record.
func (s *Store) SwapActive(ctx context.Context, swap credential.Swap) (credential.SwapResult, error) {
	if swap.Next == nil || swap.Principal == "" || swap.Next.Owner != swap.Principal ||
		swap.Next.ID != 0 || swap.Next.Revoked || (swap.Link && swap.Expected == nil) {
		return credential.SwapResult{}, oops.Code("CREDENTIAL_INVALID").
			With("principal", swap.Principal).
			Wrap(credential.ErrInvalidRecord)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return credential.SwapResult{}, classify(err, "begin swap", swap.Principal)
	}
	var result credential.SwapResult
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx) //nolint:errcheck // the swap error takes precedence
		}
	}()

	if swap.Expected != nil {
		successor := ""
		if swap.Link {
			successor = swap.Next.CredentialID
		}
		row := tx.QueryRow(ctx, `
			UPDATE refresh_credentials
			SET revoked = TRUE, successor_id = NULLIF($4, ''), version = version + 1
			WHERE credential_id = $1 AND owner_principal = $2 AND version = $3 AND NOT revoked
			RETURNING `+recordColumns,
			swap.Expected.CredentialID, swap.Principal, swap.Expected.Version, successor)
		prev, err := scanRecord(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return credential.SwapResult{}, oops.Code("CREDENTIAL_CONFLICT").
				With("principal", swap.Principal).
				With("expected", swap.Expected.CredentialID).
				With("expected_version", swap.Expected.Version).
				Wrap(credential.ErrConflict)
		}
		if err != nil {
			return credential.SwapResult{}, classify(err, "revoke expected", swap.Expected.CredentialID)
		}
		prev.TokenValue = swap.Expected.TokenValue
		result.Previous = prev
	}

	next, err := s.insert(ctx, tx, swap.Next)
	if err != nil {
		return credential.SwapResult{}, err
	}
	result.Next = next

	if err := tx.Commit(ctx); err != nil {
		return credential.SwapResult{}, classify(err, "commit swap", swap.Principal)
	}
	committed = true
	return result, nil
}

func scanRecord(row pgx.Row) (*credential.Record, error) {
	var rec credential.Record
	err := row.Scan(
		&rec.ID,
		&rec.TokenHash,
		&rec.CredentialID,
		&rec.Owner,
		&rec.ExpiresAt,
		&rec.Revoked,
		&rec.SuccessorID,
		&rec.Version,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

// classify maps driver errors onto the credential sentinels.
// Unique and guard-trigger violations mean a concurrent writer won.
func classify(err error, op, subject string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation, pgerrcode.CheckViolation, pgerrcode.SerializationFailure:
			return oops.Code("CREDENTIAL_CONFLICT").
				With("operation", op).
				With("subject", subject).
				With("constraint", pgErr.ConstraintName).
				Wrap(fmt.Errorf("%w: %v", credential.ErrConflict, err))
		}
	}
	return oops.Code("CREDENTIAL_STORE_UNAVAILABLE").
		With("operation", op).
		With("subject", subject).
		Wrap(fmt.Errorf("%w: %v", credential.ErrUnavailable, err))
}
