package chatauth

import (
	"context"
	"strings"
	"testing"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/projectchat/chatauth/credential"
	"github.com/projectchat/chatauth/credential/postgres"
)

func TestBuildRequiresExactlyOneStore(t *testing.T) {
	if _, err := New().WithConfig(testConfig()).Build(); err == nil || !strings.Contains(err.Error(), "store required") {
		t.Fatalf("expected missing store error, got %v", err)
	}

	_, rdb := newTestRedis(t)
	_, err := New().WithConfig(testConfig()).
		WithStore(credential.NewMemoryStore()).
		WithRedis(rdb).
		Build()
	if err == nil || !strings.Contains(err.Error(), "exactly one") {
		t.Fatalf("expected ambiguity error, got %v", err)
	}
}

func TestBuildSelectsBackend(t *testing.T) {
	_, rdb := newTestRedis(t)
	m := buildTestManager(t, New().WithConfig(testConfig()).WithRedis(rdb))
	rs, ok := m.store.(*credential.RedisStore)
	if !ok {
		t.Fatalf("expected RedisStore, got %T", m.store)
	}
	if rs == nil {
		t.Fatal("nil redis store")
	}

	pool, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	m = buildTestManager(t, New().WithConfig(testConfig()).WithPostgres(pool))
	if _, ok := m.store.(*postgres.Store); !ok {
		t.Fatalf("expected postgres.Store, got %T", m.store)
	}
}

func TestBuilderSingleUse(t *testing.T) {
	b := New().WithConfig(testConfig()).WithStore(credential.NewMemoryStore())
	buildTestManager(t, b)
	if _, err := b.Build(); err == nil {
		t.Fatal("expected second Build to fail")
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.JWT.PrivateKey = []byte("short")
	_, err := New().WithConfig(cfg).WithStore(credential.NewMemoryStore()).Build()
	if err == nil || !strings.Contains(err.Error(), "signer") {
		t.Fatalf("expected signer configuration error, got %v", err)
	}
}

func TestBuildWithoutMetrics(t *testing.T) {
	m := buildTestManager(t, New().
		WithConfig(testConfig()).
		WithStore(credential.NewMemoryStore()).
		WithMetricsEnabled(false))
	if _, err := m.StartSession(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if len(m.MetricsSnapshot().Counters) != 0 {
		t.Fatal("disabled metrics must report nothing")
	}
}
