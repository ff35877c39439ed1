package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/projectchat/chatauth"
	"github.com/projectchat/chatauth/credential"
	"github.com/projectchat/chatauth/internal/settings"
)

// openManager builds a session manager on the configured backend. The returned
// close function releases the manager and its connections.
func openManager(ctx context.Context, s *settings.Settings, logger *slog.Logger) (*chatauth.SessionManager, func(), error) {
	cfg, err := s.ManagerConfig()
	if err != nil {
		return nil, nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}

	b := chatauth.New().WithConfig(cfg).WithLogger(logger)
	release := func() {}

	switch s.Store.Backend {
	case settings.BackendRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{s.Redis.Addr},
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, oops.Code("REDIS_CONNECT_FAILED").With("addr", s.Redis.Addr).Wrap(err)
		}
		b = b.WithRedis(client)
		release = func() { _ = client.Close() }
	case settings.BackendPostgres:
		pool, err := pgxpool.New(ctx, s.Database.URL)
		if err != nil {
			return nil, nil, oops.Code("DB_CONNECT_FAILED").With("operation", "open pool").Wrap(err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, oops.Code("DB_CONNECT_FAILED").With("operation", "ping").Wrap(err)
		}
		b = b.WithPostgres(pool)
		release = pool.Close
	default:
		logger.Warn("using the in-memory credential store; sessions are lost on exit")
		b = b.WithStore(credential.NewMemoryStore())
	}

	manager, err := b.Build()
	if err != nil {
		release()
		return nil, nil, oops.Code("MANAGER_BUILD_FAILED").Wrap(err)
	}
	return manager, func() {
		manager.Close()
		release()
	}, nil
}
