// Package credentialtest holds the behavioural suite every credential.Store
// implementation must pass.
package credentialtest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/projectchat/chatauth/credential"
)

// Factory returns an empty store. It is called once per case.
type Factory func(t *testing.T) credential.Store

var cases = []struct {
	name string
	fn   func(t *testing.T, s credential.Store)
}{
	{"InsertAndLookups", insertAndLookups},
	{"LookupsReportNotFound", lookupsReportNotFound},
	{"SaveRejectsSecondActiveAndDuplicates", saveRejectsSecondActiveAndDuplicates},
	{"ConditionalUpdate", conditionalUpdate},
	{"SuccessorOnlyFromLinkedSwap", successorOnlyFromLinkedSwap},
	{"SwapActive", swapActive},
	{"SwapRejectsStaleVersion", swapRejectsStaleVersion},
	{"SwapValidation", swapValidation},
	{"ConcurrentSwapHasOneWinner", concurrentSwapHasOneWinner},
	{"DeleteExpiredBefore", deleteExpiredBefore},
	{"DeleteAllForPrincipal", deleteAllForPrincipal},
	{"RandomOperationsKeepSingleActive", randomOperationsKeepSingleActive},
}

// Run checks the Store contract against fresh stores from newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.fn(t, newStore(t))
		})
	}
}

var seq atomic.Int64

// NewRecord returns an unsaved record for owner with unique token and credential ids.
func NewRecord(owner string, expiresAt time.Time) *credential.Record {
	n := seq.Add(1)
	return &credential.Record{
		TokenValue:   fmt.Sprintf("token-%d", n),
		CredentialID: fmt.Sprintf("cid-%d", n),
		Owner:        owner,
		ExpiresAt:    expiresAt.Truncate(time.Second),
	}
}

// MustSwap runs SwapActive and fails t on error.
func MustSwap(t *testing.T, s credential.Store, swap credential.Swap) credential.SwapResult {
	t.Helper()
	res, err := s.SwapActive(context.Background(), swap)
	if err != nil {
		t.Fatalf("swap active: %v", err)
	}
	return res
}

func insertAndLookups(t *testing.T, s credential.Store) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	rec := NewRecord("alice", exp)

	saved, err := s.Save(ctx, rec)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.ID == 0 || saved.Version != 1 {
		t.Fatalf("expected store-assigned id and version 1, got id=%d version=%d", saved.ID, saved.Version)
	}
	if saved.TokenHash != credential.HashToken(rec.TokenValue) {
		t.Fatal("token hash not populated")
	}
	if saved.TokenValue != rec.TokenValue {
		t.Fatal("saved record should carry the caller's token value")
	}

	byToken, err := s.FindByTokenValue(ctx, rec.TokenValue)
	if err != nil {
		t.Fatalf("find by token: %v", err)
	}
	if byToken.CredentialID != rec.CredentialID || byToken.TokenValue != rec.TokenValue {
		t.Fatalf("unexpected record by token: %+v", byToken)
	}
	if !byToken.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Fatalf("expiry = %v, want %v", byToken.ExpiresAt, rec.ExpiresAt)
	}

	byID, err := s.FindByCredentialID(ctx, rec.CredentialID)
	if err != nil {
		t.Fatalf("find by credential id: %v", err)
	}
	if byID.TokenValue != "" {
		t.Fatal("lookup by id must not expose a token value")
	}

	active, err := s.FindActiveForPrincipal(ctx, "alice")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if active.CredentialID != rec.CredentialID {
		t.Fatalf("active = %q, want %q", active.CredentialID, rec.CredentialID)
	}
}

func lookupsReportNotFound(t *testing.T, s credential.Store) {
	ctx := context.Background()
	if _, err := s.FindByTokenValue(ctx, "missing"); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("find by token: %v", err)
	}
	if _, err := s.FindByTokenValue(ctx, ""); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("find by empty token: %v", err)
	}
	if _, err := s.FindByCredentialID(ctx, "missing"); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("find by id: %v", err)
	}
	if _, err := s.FindActiveForPrincipal(ctx, "nobody"); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("find active: %v", err)
	}
	all, err := s.FindAllForPrincipal(ctx, "nobody")
	if err != nil || len(all) != 0 {
		t.Fatalf("find all = %v, %v", all, err)
	}
}

func saveRejectsSecondActiveAndDuplicates(t *testing.T, s credential.Store) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	first := NewRecord("alice", exp)
	if _, err := s.Save(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := s.Save(ctx, NewRecord("alice", exp)); !errors.Is(err, credential.ErrConflict) {
		t.Fatalf("second active insert: %v", err)
	}

	dupID := NewRecord("bob", exp)
	dupID.CredentialID = first.CredentialID
	if _, err := s.Save(ctx, dupID); !errors.Is(err, credential.ErrConflict) {
		t.Fatalf("duplicate credential id: %v", err)
	}

	revoked := NewRecord("alice", exp)
	revoked.Revoked = true
	if _, err := s.Save(ctx, revoked); err != nil {
		t.Fatalf("revoked insert beside an active record should pass: %v", err)
	}

	if _, err := s.Save(ctx, &credential.Record{Owner: "carol"}); !errors.Is(err, credential.ErrInvalidRecord) {
		t.Fatalf("incomplete record: %v", err)
	}
}

func conditionalUpdate(t *testing.T, s credential.Store) {
	ctx := context.Background()
	saved, err := s.Save(ctx, NewRecord("alice", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	stale := saved.Clone()
	update := saved.Clone()
	update.Revoked = true
	revoked, err := s.Save(ctx, update)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !revoked.Revoked || revoked.Version != saved.Version+1 {
		t.Fatalf("unexpected revoked record: %+v", revoked)
	}
	if _, err := s.FindActiveForPrincipal(ctx, "alice"); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("revoked record must not stay active: %v", err)
	}

	stale.SuccessorID = "cid-x"
	if _, err := s.Save(ctx, stale); !errors.Is(err, credential.ErrConflict) {
		t.Fatalf("stale version: %v", err)
	}

	unrevoke := revoked.Clone()
	unrevoke.Revoked = false
	if _, err := s.Save(ctx, unrevoke); !errors.Is(err, credential.ErrConflict) {
		t.Fatalf("clearing revoked: %v", err)
	}

	missing := revoked.Clone()
	missing.CredentialID = "cid-missing"
	if _, err := s.Save(ctx, missing); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("update of missing record: %v", err)
	}
}

func successorOnlyFromLinkedSwap(t *testing.T, s credential.Store) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	withSuccessor := NewRecord("alice", exp)
	withSuccessor.SuccessorID = "cid-ghost"
	if _, err := s.Save(ctx, withSuccessor); !errors.Is(err, credential.ErrInvalidRecord) {
		t.Fatalf("insert with successor: %v", err)
	}

	active := MustSwap(t, s, credential.Swap{Principal: "alice", Next: NewRecord("alice", exp)}).Next
	ghost := active.Clone()
	ghost.SuccessorID = "cid-ghost"
	if _, err := s.Save(ctx, ghost); !errors.Is(err, credential.ErrConflict) {
		t.Fatalf("successor on an active record: %v", err)
	}

	loggedOut := active.Clone()
	loggedOut.Revoked = true
	loggedOut.SuccessorID = "cid-ghost"
	if _, err := s.Save(ctx, loggedOut); !errors.Is(err, credential.ErrConflict) {
		t.Fatalf("successor on a directly revoked record: %v", err)
	}

	stored, err := s.FindByCredentialID(ctx, active.CredentialID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.Revoked || stored.SuccessorID != "" || stored.Version != active.Version {
		t.Fatalf("rejected saves must leave the record untouched: %+v", stored)
	}

	rotated := MustSwap(t, s, credential.Swap{Principal: "alice", Expected: stored, Next: NewRecord("alice", exp), Link: true})
	linked := rotated.Previous
	if linked.SuccessorID != rotated.Next.CredentialID {
		t.Fatalf("linked swap did not set successor: %+v", linked)
	}

	rewired := linked.Clone()
	rewired.SuccessorID = "cid-other"
	if _, err := s.Save(ctx, rewired); !errors.Is(err, credential.ErrConflict) {
		t.Fatalf("overwriting successor: %v", err)
	}
	cleared := linked.Clone()
	cleared.SuccessorID = ""
	if _, err := s.Save(ctx, cleared); !errors.Is(err, credential.ErrConflict) {
		t.Fatalf("clearing successor: %v", err)
	}

	resaved, err := s.Save(ctx, linked.Clone())
	if err != nil {
		t.Fatalf("re-save of a linked record: %v", err)
	}
	if resaved.SuccessorID != linked.SuccessorID || !resaved.Revoked {
		t.Fatalf("re-save changed the link: %+v", resaved)
	}
}

func swapActive(t *testing.T, s credential.Store) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	first := MustSwap(t, s, credential.Swap{Principal: "alice", Next: NewRecord("alice", exp)})
	if first.Previous != nil {
		t.Fatal("first swap has no previous record")
	}

	if _, err := s.SwapActive(ctx, credential.Swap{Principal: "alice", Next: NewRecord("alice", exp)}); !errors.Is(err, credential.ErrConflict) {
		t.Fatalf("swap expecting no active record: %v", err)
	}

	second := MustSwap(t, s, credential.Swap{Principal: "alice", Expected: first.Next, Next: NewRecord("alice", exp), Link: true})
	if !second.Previous.Revoked || second.Previous.SuccessorID != second.Next.CredentialID {
		t.Fatalf("previous not linked: %+v", second.Previous)
	}
	if second.Previous.Version != first.Next.Version+1 {
		t.Fatalf("previous version = %d", second.Previous.Version)
	}
	if second.Next.Revoked || second.Next.Owner != "alice" {
		t.Fatalf("unexpected next: %+v", second.Next)
	}

	// The first record is no longer the active one.
	if _, err := s.SwapActive(ctx, credential.Swap{Principal: "alice", Expected: first.Next, Next: NewRecord("alice", exp), Link: true}); !errors.Is(err, credential.ErrConflict) {
		t.Fatalf("swap on superseded record: %v", err)
	}

	third := MustSwap(t, s, credential.Swap{Principal: "alice", Expected: second.Next, Next: NewRecord("alice", exp)})
	if !third.Previous.Revoked || third.Previous.SuccessorID != "" {
		t.Fatalf("unlinked swap must not set a successor: %+v", third.Previous)
	}

	all, err := s.FindAllForPrincipal(ctx, "alice")
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Fatal("records are not ordered by id")
		}
	}
}

func swapRejectsStaleVersion(t *testing.T, s credential.Store) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	first := MustSwap(t, s, credential.Swap{Principal: "alice", Next: NewRecord("alice", exp)})

	stale := first.Next.Clone()
	stale.Version = 42
	if _, err := s.SwapActive(ctx, credential.Swap{Principal: "alice", Expected: stale, Next: NewRecord("alice", exp), Link: true}); !errors.Is(err, credential.ErrConflict) {
		t.Fatalf("stale version: %v", err)
	}

	active, err := s.FindActiveForPrincipal(ctx, "alice")
	if err != nil || active.CredentialID != first.Next.CredentialID {
		t.Fatalf("failed swap must leave state untouched: %v %v", active, err)
	}
}

func swapValidation(t *testing.T, s credential.Store) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	cases := []credential.Swap{
		{Principal: "", Next: NewRecord("alice", exp)},
		{Principal: "alice"},
		{Principal: "alice", Next: NewRecord("bob", exp)},
		{Principal: "alice", Next: NewRecord("alice", exp), Link: true},
	}
	for i, swap := range cases {
		if _, err := s.SwapActive(ctx, swap); !errors.Is(err, credential.ErrInvalidRecord) {
			t.Fatalf("case %d: got %v", i, err)
		}
	}
}

func concurrentSwapHasOneWinner(t *testing.T, s credential.Store) {
	exp := time.Now().Add(time.Hour)
	first := MustSwap(t, s, credential.Swap{Principal: "alice", Next: NewRecord("alice", exp)})

	const n = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	var wins, conflicts atomic.Int64
	for i := 0; i < n; i++ {
		next := NewRecord("alice", exp)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.SwapActive(context.Background(), credential.Swap{Principal: "alice", Expected: first.Next, Next: next, Link: true})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, credential.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected swap error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != n-1 {
		t.Fatalf("wins=%d conflicts=%d", wins.Load(), conflicts.Load())
	}
	AssertSingleActive(t, s, "alice")
}

func deleteExpiredBefore(t *testing.T, s credential.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	old := MustSwap(t, s, credential.Swap{Principal: "alice", Next: NewRecord("alice", now.Add(-time.Minute))})
	boundary := MustSwap(t, s, credential.Swap{Principal: "bob", Next: NewRecord("bob", now)})
	live := MustSwap(t, s, credential.Swap{Principal: "carol", Next: NewRecord("carol", now.Add(time.Hour))})

	n, err := s.DeleteExpiredBefore(ctx, now)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d records, want 1", n)
	}
	if _, err := s.FindByTokenValue(ctx, old.Next.TokenValue); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("expired record survived: %v", err)
	}
	if _, err := s.FindActiveForPrincipal(ctx, "alice"); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("active pointer survived: %v", err)
	}
	if _, err := s.FindByCredentialID(ctx, boundary.Next.CredentialID); err != nil {
		t.Fatalf("record expiring at the cutoff must stay: %v", err)
	}
	if _, err := s.FindByCredentialID(ctx, live.Next.CredentialID); err != nil {
		t.Fatalf("live record removed: %v", err)
	}

	again, err := s.DeleteExpiredBefore(ctx, now)
	if err != nil || again != 0 {
		t.Fatalf("second sweep = %d, %v", again, err)
	}

	// A new session for alice starts from a clean slate.
	MustSwap(t, s, credential.Swap{Principal: "alice", Next: NewRecord("alice", now.Add(time.Hour))})
}

func deleteAllForPrincipal(t *testing.T, s credential.Store) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	first := MustSwap(t, s, credential.Swap{Principal: "alice", Next: NewRecord("alice", exp)})
	MustSwap(t, s, credential.Swap{Principal: "alice", Expected: first.Next, Next: NewRecord("alice", exp), Link: true})
	other := MustSwap(t, s, credential.Swap{Principal: "bob", Next: NewRecord("bob", exp)})

	n, err := s.DeleteAllForPrincipal(ctx, "alice")
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d, want 2", n)
	}
	if _, err := s.FindByTokenValue(ctx, first.Next.TokenValue); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("token index survived: %v", err)
	}
	if _, err := s.FindActiveForPrincipal(ctx, "alice"); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("active pointer survived: %v", err)
	}
	if _, err := s.FindByTokenValue(ctx, other.Next.TokenValue); err != nil {
		t.Fatalf("other principal affected: %v", err)
	}
	if n, err := s.DeleteAllForPrincipal(ctx, "alice"); err != nil || n != 0 {
		t.Fatalf("second delete = %d, %v", n, err)
	}
}

// randomOperationsKeepSingleActive drives random swaps, revokes and sweeps
// and checks the single-active invariant after every step.
func randomOperationsKeepSingleActive(t *testing.T, s credential.Store) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	principals := []string{"alice", "bob", "carol"}
	now := time.Now().Truncate(time.Second)

	for step := 0; step < 200; step++ {
		p := principals[rng.Intn(len(principals))]
		current, err := s.FindActiveForPrincipal(ctx, p)
		if err != nil && !errors.Is(err, credential.ErrNotFound) {
			t.Fatalf("find active: %v", err)
		}
		switch rng.Intn(4) {
		case 0, 1:
			_, err = s.SwapActive(ctx, credential.Swap{Principal: p, Expected: current, Next: NewRecord(p, now.Add(time.Duration(rng.Intn(120)-30)*time.Minute)), Link: current != nil && rng.Intn(2) == 0})
		case 2:
			if current != nil {
				current.Revoked = true
				_, err = s.Save(ctx, current)
			}
		case 3:
			_, err = s.DeleteExpiredBefore(ctx, now)
		}
		if err != nil && !errors.Is(err, credential.ErrConflict) {
			t.Fatalf("step %d: %v", step, err)
		}
		for _, q := range principals {
			AssertSingleActive(t, s, q)
		}
	}
}

// AssertSingleActive fails t when principal has more than one non-revoked record.
func AssertSingleActive(t *testing.T, s credential.Store, principal string) {
	t.Helper()
	all, err := s.FindAllForPrincipal(context.Background(), principal)
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	active := 0
	for _, rec := range all {
		if !rec.Revoked {
			active++
		}
	}
	if active > 1 {
		t.Fatalf("principal %s has %d active records", principal, active)
	}
}
