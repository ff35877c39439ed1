package chatauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/projectchat/chatauth/credential"
)

func TestLoginRefreshLogoutFlow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store credential.Store) {
		clock := newTestClock()
		m := newTestManager(t, store, clock)
		ctx := context.Background()

		pair, err := m.Login(ctx, Identity{PrincipalID: "u1", Roles: []string{"USER"}})
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		if pair.PrincipalID != "u1" || pair.AccessToken == "" || pair.RefreshToken == "" {
			t.Fatalf("unexpected pair %+v", pair)
		}
		if want := clock.Now().Add(time.Hour); !pair.RefreshExpiresAt.Equal(want) {
			t.Fatalf("expected refresh expiry %v, got %v", want, pair.RefreshExpiresAt)
		}

		claims, err := m.Authenticate(ctx, pair.AccessToken)
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if claims.Subject != "u1" || len(claims.Roles) != 1 || claims.Roles[0] != "USER" {
			t.Fatalf("unexpected claims %+v", claims)
		}

		clock.Advance(30 * time.Second)
		next, err := m.Refresh(ctx, pair.RefreshToken)
		if err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if next.RefreshToken == pair.RefreshToken {
			t.Fatal("expected a rotated refresh token")
		}
		if _, err := m.Authenticate(ctx, next.AccessToken); err != nil {
			t.Fatalf("refreshed access token rejected: %v", err)
		}

		if err := m.Logout(ctx, next.RefreshToken); err != nil {
			t.Fatalf("Logout failed: %v", err)
		}
		if n := activeCount(t, store, "u1"); n != 0 {
			t.Fatalf("expected no active record after logout, got %d", n)
		}
		if err := m.Logout(ctx, next.RefreshToken); err != nil {
			t.Fatalf("second Logout failed: %v", err)
		}
	})
}

func TestRefreshReplayForcesLogout(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store credential.Store) {
		m := newTestManager(t, store, newTestClock())
		ctx := context.Background()

		pair, err := m.Login(ctx, Identity{PrincipalID: "u1"})
		if err != nil {
			t.Fatal(err)
		}
		next, err := m.Refresh(ctx, pair.RefreshToken)
		if err != nil {
			t.Fatal(err)
		}

		_, err = m.Refresh(ctx, pair.RefreshToken)
		if !errors.Is(err, ErrReuseDetected) {
			t.Fatalf("expected ErrReuseDetected on replay, got %v", err)
		}
		if !KindOf(err).ForceLogout() {
			t.Fatal("reuse must force logout")
		}

		// The legitimate holder of the newer token is locked out too.
		_, err = m.Refresh(ctx, next.RefreshToken)
		if !errors.Is(err, ErrReuseDetected) {
			t.Fatalf("expected the cascaded successor to be rejected, got %v", err)
		}
		if got := m.MetricsSnapshot().Counters[MetricRefreshReuseDetected]; got != 2 {
			t.Fatalf("expected 2 reuse detections, got %d", got)
		}
	})
}

func TestRefreshRejectsBadTokensBeforeStore(t *testing.T) {
	store := &flakyStore{Store: credential.NewMemoryStore()}
	clock := newTestClock()
	m := newTestManager(t, store, clock)
	ctx := context.Background()

	pair, err := m.Login(ctx, Identity{PrincipalID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	store.findErr = errors.New("store must not be consulted")

	if _, err := m.Refresh(ctx, pair.AccessToken); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("access token used as refresh: expected ErrSignatureInvalid, got %v", err)
	}
	if _, err := m.Refresh(ctx, "not-a-jwt"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}

	clock.Advance(time.Hour)
	_, err = m.Refresh(ctx, pair.RefreshToken)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if KindOf(err).ForceLogout() || !KindOf(err).ReauthRequired() {
		t.Fatalf("expiry requires re-authentication but is not theft: %v", KindOf(err))
	}
	if got := m.MetricsSnapshot().Counters[MetricRefreshFailure]; got != 3 {
		t.Fatalf("expected 3 refresh failures, got %d", got)
	}
}

func TestAuthenticateRejectsRefreshToken(t *testing.T) {
	m := newTestManager(t, credential.NewMemoryStore(), newTestClock())
	pair, err := m.Login(context.Background(), Identity{PrincipalID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Authenticate(context.Background(), pair.RefreshToken); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	snap := m.MetricsSnapshot()
	if snap.Counters[MetricAuthenticateFailure] != 1 {
		t.Fatalf("expected one authenticate failure, got %d", snap.Counters[MetricAuthenticateFailure])
	}
}

func TestAuthenticateAccessExpiryBoundary(t *testing.T) {
	clock := newTestClock()
	m := newTestManager(t, credential.NewMemoryStore(), clock)
	pair, err := m.Login(context.Background(), Identity{PrincipalID: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute - time.Second)
	if _, err := m.Authenticate(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("expected access token valid at T+D-1s, got %v", err)
	}
	clock.Advance(time.Second)
	if _, err := m.Authenticate(context.Background(), pair.AccessToken); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired at T+D, got %v", err)
	}
}

func TestAuthenticateRecordsLatency(t *testing.T) {
	m := buildTestManager(t, New().
		WithConfig(testConfig()).
		WithStore(credential.NewMemoryStore()).
		WithLatencyHistograms(true))

	pair, err := m.Login(context.Background(), Identity{PrincipalID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Authenticate(context.Background(), pair.AccessToken); err != nil {
		t.Fatal(err)
	}

	var total uint64
	for _, v := range m.MetricsSnapshot().Histograms[MetricAuthenticateLatency] {
		total += v
	}
	if total != 1 {
		t.Fatalf("expected one latency observation, got %d", total)
	}
}

func TestRefreshUsesIdentityProvider(t *testing.T) {
	calls := 0
	provider := IdentityProviderFunc(func(_ context.Context, principal string) (Identity, error) {
		calls++
		return Identity{PrincipalID: "ignored", Roles: []string{"ADMIN"}, AdminOf: []string{"room-1"}}, nil
	})
	m := buildTestManager(t, New().
		WithConfig(testConfig()).
		WithStore(credential.NewMemoryStore()).
		WithClock(newTestClock().Now).
		WithIdentityProvider(provider))
	ctx := context.Background()

	pair, err := m.Login(ctx, Identity{PrincipalID: "u1", Roles: []string{"USER"}})
	if err != nil {
		t.Fatal(err)
	}
	next, err := m.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := m.Authenticate(ctx, next.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected one identity lookup, got %d", calls)
	}
	if claims.PrincipalID != "u1" || claims.Subject != "u1" {
		t.Fatalf("principal must come from the credential, got %+v", claims)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "ADMIN" || len(claims.AdminOf) != 1 {
		t.Fatalf("expected provider claims, got %+v", claims)
	}
}

func TestRefreshIdentityFailureKeepsRotation(t *testing.T) {
	lookupErr := errors.New("directory down")
	store := credential.NewMemoryStore()
	m := buildTestManager(t, New().
		WithConfig(testConfig()).
		WithStore(store).
		WithIdentityProvider(IdentityProviderFunc(func(context.Context, string) (Identity, error) {
			return Identity{}, lookupErr
		})))

	pair, err := m.Login(context.Background(), Identity{PrincipalID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, lookupErr) {
		t.Fatalf("expected identity error, got %v", err)
	}
	if KindOf(lookupErr) != KindInternal {
		t.Fatal("unknown errors classify as internal")
	}
	if n := activeCount(t, store, "u1"); n != 1 {
		t.Fatalf("rotation already committed; expected one active record, got %d", n)
	}
}

func TestKeyRotationKeepsOutstandingTokensValid(t *testing.T) {
	store := credential.NewMemoryStore()
	clock := newTestClock()
	ctx := context.Background()
	oldSecret := []byte("old-secret-old-secret-old-secret")

	before := testConfig()
	before.JWT.PrivateKey = oldSecret
	before.JWT.KeyID = "k1"
	m1 := buildTestManager(t, New().WithConfig(before).WithStore(store).WithClock(clock.Now))

	pair, err := m1.Login(ctx, Identity{PrincipalID: "u1"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	after := testConfig()
	after.JWT.KeyID = "k2"
	after.JWT.VerifyKeys = map[string][]byte{"k1": oldSecret}
	m2 := buildTestManager(t, New().WithConfig(after).WithStore(store).WithClock(clock.Now))

	if _, err := m2.Authenticate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("access token under retired kid rejected: %v", err)
	}
	next, err := m2.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh token under retired kid rejected: %v", err)
	}
	if _, err := m2.Authenticate(ctx, next.AccessToken); err != nil {
		t.Fatalf("token minted under the new kid rejected: %v", err)
	}

	retired := testConfig()
	retired.JWT.KeyID = "k2"
	m3 := buildTestManager(t, New().WithConfig(retired).WithStore(store).WithClock(clock.Now))
	if _, err := m3.Authenticate(ctx, next.AccessToken); err != nil {
		t.Fatalf("new kid without rotation keys: %v", err)
	}
	if _, err := m3.Authenticate(ctx, pair.AccessToken); err == nil {
		t.Fatal("token under a dropped kid must be rejected")
	}
}
