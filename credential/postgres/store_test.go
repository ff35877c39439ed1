package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectchat/chatauth/credential"
)

var recordColumnNames = []string{
	"id", "token_hash", "credential_id", "owner_principal", "expires_at",
	"revoked", "successor_id", "version", "created_at",
}

var (
	testExpiry  = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	testCreated = time.Date(2026, 4, 24, 12, 0, 0, 0, time.UTC)
)

func recordRows(recs ...*credential.Record) *pgxmock.Rows {
	rows := pgxmock.NewRows(recordColumnNames)
	for _, r := range recs {
		rows.AddRow(r.ID, r.TokenHash, r.CredentialID, r.Owner, r.ExpiresAt, r.Revoked, r.SuccessorID, r.Version, r.CreatedAt)
	}
	return rows
}

func storedRecord(id int64, cid string) *credential.Record {
	return &credential.Record{
		ID:           id,
		TokenHash:    credential.HashToken("token-" + cid),
		CredentialID: cid,
		Owner:        "alice",
		ExpiresAt:    testExpiry,
		Version:      1,
		CreatedAt:    testCreated,
	}
}

func uniqueViolation() error {
	return &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "refresh_credentials_one_active"}
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	t.Cleanup(mock.Close)
	return New(mock), mock
}

func TestStore_SaveInsert(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   error
	}{
		{
			name: "successful insert",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO refresh_credentials`).
					WithArgs("cid-1", credential.HashToken("token-cid-1"), "alice", testExpiry, false, pgxmock.AnyArg()).
					WillReturnRows(recordRows(storedRecord(1, "cid-1")))
			},
		},
		{
			name: "second active record",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO refresh_credentials`).
					WillReturnError(uniqueViolation())
			},
			wantErr: credential.ErrConflict,
		},
		{
			name: "connection failure",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO refresh_credentials`).
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: credential.ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			tt.setupMock(mock)

			got, err := store.Save(context.Background(), &credential.Record{
				TokenValue:   "token-cid-1",
				CredentialID: "cid-1",
				Owner:        "alice",
				ExpiresAt:    testExpiry,
			})
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, int64(1), got.ID)
				assert.Equal(t, "token-cid-1", got.TokenValue)
				assert.Equal(t, testExpiry, got.ExpiresAt)
			}
			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestStore_SaveInsertRejectsIncompleteRecord(t *testing.T) {
	store, mock := newMockStore(t)
	_, err := store.Save(context.Background(), &credential.Record{Owner: "alice"})
	assert.ErrorIs(t, err, credential.ErrInvalidRecord)

	linked := storedRecord(0, "cid-1")
	linked.SuccessorID = "cid-2"
	_, err = store.Save(context.Background(), linked)
	assert.ErrorIs(t, err, credential.ErrInvalidRecord, "successor is only written by a linked swap")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveUpdate(t *testing.T) {
	revoked := storedRecord(1, "cid-1")
	revoked.Revoked = true
	revoked.Version = 2

	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   error
	}{
		{
			name: "conditional update applied",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`UPDATE refresh_credentials`).
					WithArgs(int64(1), int64(1), true, "", "cid-1").
					WillReturnRows(recordRows(revoked))
			},
		},
		{
			name: "stale version",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`UPDATE refresh_credentials`).
					WillReturnRows(pgxmock.NewRows(recordColumnNames))
				mock.ExpectQuery(`SELECT version FROM refresh_credentials`).
					WithArgs(int64(1), "cid-1").
					WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(5)))
			},
			wantErr: credential.ErrConflict,
		},
		{
			name: "record gone",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`UPDATE refresh_credentials`).
					WillReturnRows(pgxmock.NewRows(recordColumnNames))
				mock.ExpectQuery(`SELECT version FROM refresh_credentials`).
					WillReturnRows(pgxmock.NewRows([]string{"version"}))
			},
			wantErr: credential.ErrNotFound,
		},
		{
			name: "guard trigger fires",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`UPDATE refresh_credentials`).
					WillReturnError(&pgconn.PgError{Code: pgerrcode.CheckViolation})
			},
			wantErr: credential.ErrConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			tt.setupMock(mock)

			rec := storedRecord(1, "cid-1")
			rec.Revoked = true
			got, err := store.Save(context.Background(), rec)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.True(t, got.Revoked)
				assert.Equal(t, int64(2), got.Version)
			}
			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestStore_Lookups(t *testing.T) {
	t.Run("find by token hashes the value", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`FROM refresh_credentials WHERE token_hash`).
			WithArgs(credential.HashToken("token-cid-1")).
			WillReturnRows(recordRows(storedRecord(1, "cid-1")))

		got, err := store.FindByTokenValue(context.Background(), "token-cid-1")
		require.NoError(t, err)
		assert.Equal(t, "cid-1", got.CredentialID)
		assert.Equal(t, "token-cid-1", got.TokenValue)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty token never reaches the database", func(t *testing.T) {
		store, mock := newMockStore(t)
		_, err := store.FindByTokenValue(context.Background(), "")
		assert.ErrorIs(t, err, credential.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing credential id", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`FROM refresh_credentials WHERE credential_id`).
			WithArgs("cid-x").
			WillReturnRows(pgxmock.NewRows(recordColumnNames))
		_, err := store.FindByCredentialID(context.Background(), "cid-x")
		assert.ErrorIs(t, err, credential.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("active lookup surfaces outages", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`FROM refresh_credentials WHERE owner_principal`).
			WithArgs("alice").
			WillReturnError(errors.New("connection reset"))
		_, err := store.FindActiveForPrincipal(context.Background(), "alice")
		assert.ErrorIs(t, err, credential.ErrUnavailable)
		assert.Contains(t, err.Error(), "connection reset")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("find all keeps order", func(t *testing.T) {
		store, mock := newMockStore(t)
		first := storedRecord(1, "cid-1")
		first.Revoked = true
		first.SuccessorID = "cid-2"
		mock.ExpectQuery(`FROM refresh_credentials WHERE owner_principal`).
			WithArgs("alice").
			WillReturnRows(recordRows(first, storedRecord(2, "cid-2")))

		got, err := store.FindAllForPrincipal(context.Background(), "alice")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "cid-2", got[0].SuccessorID)
		assert.False(t, got[1].Revoked)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Deletes(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := testExpiry
	mock.ExpectExec(`DELETE FROM refresh_credentials WHERE expires_at`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`DELETE FROM refresh_credentials WHERE owner_principal`).
		WithArgs("alice").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	n, err := store.DeleteExpiredBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = store.DeleteAllForPrincipal(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SwapActive(t *testing.T) {
	expected := storedRecord(1, "cid-1")
	next := &credential.Record{
		TokenValue:   "token-cid-2",
		CredentialID: "cid-2",
		Owner:        "alice",
		ExpiresAt:    testExpiry,
	}
	rotated := storedRecord(1, "cid-1")
	rotated.Revoked = true
	rotated.SuccessorID = "cid-2"
	rotated.Version = 2

	tests := []struct {
		name      string
		swap      credential.Swap
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   error
	}{
		{
			name: "linked rotation commits",
			swap: credential.Swap{Principal: "alice", Expected: expected, Next: next, Link: true},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(`UPDATE refresh_credentials`).
					WithArgs("cid-1", "alice", int64(1), "cid-2").
					WillReturnRows(recordRows(rotated))
				mock.ExpectQuery(`INSERT INTO refresh_credentials`).
					WillReturnRows(recordRows(storedRecord(2, "cid-2")))
				mock.ExpectCommit()
			},
		},
		{
			name: "lost race rolls back",
			swap: credential.Swap{Principal: "alice", Expected: expected, Next: next, Link: true},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(`UPDATE refresh_credentials`).
					WillReturnRows(pgxmock.NewRows(recordColumnNames))
				mock.ExpectRollback()
			},
			wantErr: credential.ErrConflict,
		},
		{
			name: "fresh session against existing active record",
			swap: credential.Swap{Principal: "alice", Next: next},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(`INSERT INTO refresh_credentials`).
					WillReturnError(uniqueViolation())
				mock.ExpectRollback()
			},
			wantErr: credential.ErrConflict,
		},
		{
			name: "commit failure",
			swap: credential.Swap{Principal: "alice", Next: next},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(`INSERT INTO refresh_credentials`).
					WillReturnRows(recordRows(storedRecord(2, "cid-2")))
				mock.ExpectCommit().WillReturnError(errors.New("connection lost"))
				mock.ExpectRollback()
			},
			wantErr: credential.ErrUnavailable,
		},
		{
			name:      "link without expected record",
			swap:      credential.Swap{Principal: "alice", Next: next, Link: true},
			setupMock: func(mock pgxmock.PgxPoolIface) {},
			wantErr:   credential.ErrInvalidRecord,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			tt.setupMock(mock)

			got, err := store.SwapActive(context.Background(), tt.swap)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "cid-2", got.Previous.SuccessorID)
				assert.True(t, got.Previous.Revoked)
				assert.Equal(t, "token-cid-2", got.Next.TokenValue)
			}
			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}
