package credential

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store guarded by a single mutex.
//
// It is the reference implementation of the contract and suits tests and
// single-process deployments. All state is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	seq     int64
	byCID   map[string]*Record
	byHash  map[string]string
	active  map[string]string
	byOwner map[string]map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byCID:   make(map[string]*Record),
		byHash:  make(map[string]string),
		active:  make(map[string]string),
		byOwner: make(map[string]map[string]struct{}),
	}
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, rec *Record) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	if rec == nil {
		return nil, invalid("nil record")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == 0 {
		next := rec.Clone()
		if err := next.normalize(); err != nil {
			return nil, err
		}
		if err := m.checkInsertLocked(next); err != nil {
			return nil, err
		}
		return m.insertLocked(next), nil
	}

	stored, ok := m.byCID[rec.CredentialID]
	if !ok || stored.ID != rec.ID {
		return nil, ErrNotFound
	}
	if err := checkUpdate(stored, rec); err != nil {
		return nil, err
	}
	m.applyUpdateLocked(stored, rec.Revoked)
	return m.out(stored, rec.TokenValue), nil
}

// FindByTokenValue implements Store.
func (m *MemoryStore) FindByTokenValue(ctx context.Context, token string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	if token == "" {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cid, ok := m.byHash[HashToken(token)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.out(m.byCID[cid], token), nil
}

// FindByCredentialID implements Store.
func (m *MemoryStore) FindByCredentialID(ctx context.Context, credentialID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byCID[credentialID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.out(rec, ""), nil
}

// FindActiveForPrincipal implements Store.
func (m *MemoryStore) FindActiveForPrincipal(ctx context.Context, principal string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cid, ok := m.active[principal]
	if !ok {
		return nil, ErrNotFound
	}
	return m.out(m.byCID[cid], ""), nil
}

// FindAllForPrincipal implements Store.
func (m *MemoryStore) FindAllForPrincipal(ctx context.Context, principal string) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.byOwner[principal]))
	for cid := range m.byOwner[principal] {
		out = append(out, m.out(m.byCID[cid], ""))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteExpiredBefore implements Store.
func (m *MemoryStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.byCID {
		if rec.ExpiresAt.Before(cutoff) {
			m.deleteLocked(rec)
			n++
		}
	}
	return n, nil
}

// DeleteAllForPrincipal implements Store.
func (m *MemoryStore) DeleteAllForPrincipal(ctx context.Context, principal string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for cid := range m.byOwner[principal] {
		m.deleteLocked(m.byCID[cid])
		n++
	}
	return n, nil
}

// SwapActive implements Store.
func (m *MemoryStore) SwapActive(ctx context.Context, swap Swap) (SwapResult, error) {
	if err := ctx.Err(); err != nil {
		return SwapResult{}, unavailable(err)
	}
	swap.Next = swap.Next.Clone()
	if err := swap.validate(); err != nil {
		return SwapResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, hasActive := m.active[swap.Principal]
	var prev *Record
	if swap.Expected == nil {
		if hasActive {
			return SwapResult{}, ErrConflict
		}
	} else {
		if !hasActive || current != swap.Expected.CredentialID {
			return SwapResult{}, ErrConflict
		}
		prev = m.byCID[current]
		if prev.Version != swap.Expected.Version {
			return SwapResult{}, ErrConflict
		}
	}
	if _, dup := m.byCID[swap.Next.CredentialID]; dup {
		return SwapResult{}, ErrConflict
	}
	if _, dup := m.byHash[swap.Next.TokenHash]; dup {
		return SwapResult{}, ErrConflict
	}

	var result SwapResult
	if prev != nil {
		m.applyUpdateLocked(prev, true)
		if swap.Link {
			prev.SuccessorID = swap.Next.CredentialID
		}
		result.Previous = m.out(prev, swap.Expected.TokenValue)
	}
	result.Next = m.insertLocked(swap.Next)
	return result, nil
}

func (m *MemoryStore) checkInsertLocked(rec *Record) error {
	if _, dup := m.byCID[rec.CredentialID]; dup {
		return ErrConflict
	}
	if _, dup := m.byHash[rec.TokenHash]; dup {
		return ErrConflict
	}
	if !rec.Revoked {
		if _, busy := m.active[rec.Owner]; busy {
			return ErrConflict
		}
	}
	return nil
}

// insertLocked stores rec (already normalized and checked) and returns the caller's view.
func (m *MemoryStore) insertLocked(rec *Record) *Record {
	m.seq++
	stored := rec.Clone()
	stored.ID = m.seq
	stored.Version = 1
	stored.TokenValue = ""
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	m.byCID[stored.CredentialID] = stored
	m.byHash[stored.TokenHash] = stored.CredentialID
	if m.byOwner[stored.Owner] == nil {
		m.byOwner[stored.Owner] = make(map[string]struct{})
	}
	m.byOwner[stored.Owner][stored.CredentialID] = struct{}{}
	if !stored.Revoked {
		m.active[stored.Owner] = stored.CredentialID
	}
	return m.out(stored, rec.TokenValue)
}

func (m *MemoryStore) applyUpdateLocked(stored *Record, revoked bool) {
	if revoked && !stored.Revoked {
		stored.Revoked = true
		if m.active[stored.Owner] == stored.CredentialID {
			delete(m.active, stored.Owner)
		}
	}
	stored.Version++
}

func (m *MemoryStore) deleteLocked(rec *Record) {
	delete(m.byCID, rec.CredentialID)
	delete(m.byHash, rec.TokenHash)
	if owned := m.byOwner[rec.Owner]; owned != nil {
		delete(owned, rec.CredentialID)
		if len(owned) == 0 {
			delete(m.byOwner, rec.Owner)
		}
	}
	if m.active[rec.Owner] == rec.CredentialID {
		delete(m.active, rec.Owner)
	}
}

func (m *MemoryStore) out(rec *Record, token string) *Record {
	c := rec.Clone()
	c.TokenValue = token
	return c
}

// checkUpdate applies the update rules shared by every Store implementation.
func checkUpdate(stored, next *Record) error {
	if stored.Version != next.Version {
		return ErrConflict
	}
	if stored.Revoked && !next.Revoked {
		return ErrConflict
	}
	if next.SuccessorID != stored.SuccessorID {
		return ErrConflict
	}
	return nil
}
