package chatauth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/projectchat/chatauth/credential"
	"github.com/projectchat/chatauth/credential/postgres"
	"github.com/projectchat/chatauth/internal/audit"
	"github.com/projectchat/chatauth/jwt"
)

// Builder assembles a SessionManager. A Builder is single-use.
type Builder struct {
	config Config

	store    credential.Store
	redis    redis.UniversalClient
	postgres postgres.DB

	auditSink  AuditSink
	logger     *slog.Logger
	identities IdentityProvider
	now        func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration. The config is copied.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStore uses store as the credential backend.
func (b *Builder) WithStore(store credential.Store) *Builder {
	b.store = store
	return b
}

// WithRedis backs the manager with a RedisStore under Config.Store.RedisPrefix.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithPostgres backs the manager with a postgres.Store. The schema must be migrated.
func (b *Builder) WithPostgres(db postgres.DB) *Builder {
	b.postgres = db
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithIdentityProvider sets the claim lookup used when Refresh issues a new access token.
// Without one, refreshed access tokens carry only the principal id.
func (b *Builder) WithIdentityProvider(p IdentityProvider) *Builder {
	b.identities = p
	return b
}

// WithClock overrides the wall clock for token issuance, verification and audit timestamps.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and returns a ready SessionManager.
func (b *Builder) Build() (*SessionManager, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := b.resolveStore(cfg)
	if err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	signer, err := jwt.NewSigner(cfg.signerConfig(now))
	if err != nil {
		return nil, fmt.Errorf("configure signer: %w", err)
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &SessionManager{
		config:     cfg,
		store:      store,
		signer:     signer,
		identities: b.identities,
		logger:     logger.With("component", "chatauth"),
		metrics:    NewMetrics(cfg.Metrics),
		now:        now,
	}
	m.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	b.built = true
	return m, nil
}

func (b *Builder) resolveStore(cfg Config) (credential.Store, error) {
	configured := 0
	for _, set := range []bool{b.store != nil, b.redis != nil, b.postgres != nil} {
		if set {
			configured++
		}
	}
	switch {
	case configured == 0:
		return nil, errors.New("credential store required")
	case configured > 1:
		return nil, errors.New("exactly one of WithStore, WithRedis, WithPostgres may be set")
	case b.redis != nil:
		return credential.NewRedisStore(b.redis, cfg.Store.RedisPrefix), nil
	case b.postgres != nil:
		return postgres.New(b.postgres), nil
	default:
		return b.store, nil
	}
}
