package chatauth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/projectchat/chatauth/credential"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = testSecret
	cfg.JWT.AccessTTL = time.Minute
	cfg.JWT.RefreshTTL = time.Hour
	cfg.Store.OperationTimeout = 0
	return cfg
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

// testBackends lists the stores every manager law is checked against.
var testBackends = map[string]func(t *testing.T) credential.Store{
	"memory": func(*testing.T) credential.Store { return credential.NewMemoryStore() },
	"redis": func(t *testing.T) credential.Store {
		_, rdb := newTestRedis(t)
		return credential.NewRedisStore(rdb, "test")
	},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store credential.Store)) {
	t.Helper()
	for name, factory := range testBackends {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func newTestManager(t *testing.T, store credential.Store, clock *testClock) *SessionManager {
	t.Helper()
	return buildTestManager(t, New().WithConfig(testConfig()).WithStore(store).WithClock(clock.Now))
}

func buildTestManager(t *testing.T, b *Builder) *SessionManager {
	t.Helper()
	m, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func mustFind(t *testing.T, store credential.Store, cid string) *credential.Record {
	t.Helper()
	rec, err := store.FindByCredentialID(context.Background(), cid)
	if err != nil {
		t.Fatalf("FindByCredentialID(%s) failed: %v", cid, err)
	}
	return rec
}

func activeCount(t *testing.T, store credential.Store, principal string) int {
	t.Helper()
	all, err := store.FindAllForPrincipal(context.Background(), principal)
	if err != nil {
		t.Fatalf("FindAllForPrincipal failed: %v", err)
	}
	n := 0
	for _, rec := range all {
		if !rec.Revoked {
			n++
		}
	}
	return n
}

// flakyStore wraps a Store and lets tests inject failures per method.
type flakyStore struct {
	credential.Store

	mu        sync.Mutex
	swapErr   error
	swapCalls int
	findErr   error
	saveErr   error
}

func (s *flakyStore) SwapActive(ctx context.Context, swap credential.Swap) (credential.SwapResult, error) {
	s.mu.Lock()
	s.swapCalls++
	err := s.swapErr
	s.mu.Unlock()
	if err != nil {
		return credential.SwapResult{}, err
	}
	return s.Store.SwapActive(ctx, swap)
}

func (s *flakyStore) FindByTokenValue(ctx context.Context, token string) (*credential.Record, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.Store.FindByTokenValue(ctx, token)
}

func (s *flakyStore) FindByCredentialID(ctx context.Context, cid string) (*credential.Record, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.Store.FindByCredentialID(ctx, cid)
}

func (s *flakyStore) Save(ctx context.Context, rec *credential.Record) (*credential.Record, error) {
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	return s.Store.Save(ctx, rec)
}
