package chatauth

import (
	"errors"
	"strings"
	"time"

	"github.com/projectchat/chatauth/jwt"
)

// Config holds every process-wide setting of a SessionManager.
//
// Config is copied by the Builder; mutating it after Build has no effect.
type Config struct {
	JWT     JWTConfig
	Store   StoreConfig
	Audit   AuditConfig
	Metrics MetricsConfig
	Sweep   SweepConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig holds token lifetimes and key material.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "hs256" (default) or "ed25519"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	KeyID         string
	// VerifyKeys maps retired kids to the key that still verifies their tokens:
	// a secret for hs256, a public key for ed25519. When set, every token must
	// carry a known kid and KeyID is required; the signing key is added under
	// KeyID automatically.
	VerifyKeys map[string][]byte
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig controls how the manager talks to the credential store.
type StoreConfig struct {
	// RedisPrefix namespaces keys when the builder creates a RedisStore.
	RedisPrefix string
	// OperationTimeout bounds each manager operation against the store. Zero disables it.
	OperationTimeout time.Duration
	// StartSessionAttempts bounds how often StartSession re-reads the active
	// record after losing a swap to a concurrent login.
	StartSessionAttempts int
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
SWEEP CONFIG
====================================
*/

// SweepConfig drives the background expiry sweeper.
type SweepConfig struct {
	// Interval between sweeps. Zero means sweep once and stop.
	Interval time.Duration
	// MaxRetries bounds backoff retries when the store is unavailable.
	MaxRetries uint64
	// InitialBackoff is the first retry delay; it doubles on every retry.
	InitialBackoff time.Duration
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns a configuration with no key material. Callers must
// set JWT.PrivateKey (and JWT.PublicKey for ed25519) before Build.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: string(jwt.MethodHS256),
			Issuer:        "chatauth",
		},
		Store: StoreConfig{
			RedisPrefix:          "crt",
			OperationTimeout:     3 * time.Second,
			StartSessionAttempts: 3,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
		Sweep: SweepConfig{
			Interval:       10 * time.Minute,
			MaxRetries:     5,
			InitialBackoff: 500 * time.Millisecond,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.JWT.VerifyKeys = cloneKeys(cfg.JWT.VerifyKeys)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneKeys(keys map[string][]byte) map[string][]byte {
	if len(keys) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(keys))
	for kid, key := range keys {
		out[kid] = cloneBytes(key)
	}
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks cfg for values the manager cannot run with. Key material is
// parsed later by jwt.NewSigner; Validate only checks presence.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT RefreshTTL must be > 0")
	}
	if c.JWT.AccessTTL%time.Second != 0 || c.JWT.RefreshTTL%time.Second != 0 {
		return errors.New("JWT TTLs must be whole seconds")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be longer than AccessTTL")
	}

	switch jwt.SigningMethod(c.JWT.SigningMethod) {
	case jwt.MethodHS256:
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("hs256 requires PrivateKey")
		}
	case jwt.MethodEd25519:
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("ed25519 requires PrivateKey")
		}
		if len(c.JWT.PublicKey) == 0 && len(c.JWT.VerifyKeys[c.JWT.KeyID]) == 0 {
			return errors.New("ed25519 requires PublicKey")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}
	if len(c.JWT.VerifyKeys) > 0 {
		if strings.TrimSpace(c.JWT.KeyID) == "" {
			return errors.New("JWT VerifyKeys requires KeyID")
		}
		for kid, key := range c.JWT.VerifyKeys {
			if strings.TrimSpace(kid) == "" || len(key) == 0 {
				return errors.New("JWT VerifyKeys entries need a kid and a key")
			}
		}
	}

	// Store
	if c.Store.OperationTimeout < 0 {
		return errors.New("Store OperationTimeout must be >= 0")
	}
	if c.Store.StartSessionAttempts < 1 {
		return errors.New("Store StartSessionAttempts must be >= 1")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	// Metrics
	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		return errors.New("Metrics EnableLatencyHistograms requires Metrics Enabled")
	}

	// Sweep
	if c.Sweep.Interval < 0 {
		return errors.New("Sweep Interval must be >= 0")
	}
	if c.Sweep.InitialBackoff <= 0 {
		return errors.New("Sweep InitialBackoff must be > 0")
	}

	return nil
}

func (c *Config) signerConfig(now func() time.Time) jwt.Config {
	return jwt.Config{
		AccessTTL:     c.JWT.AccessTTL,
		RefreshTTL:    c.JWT.RefreshTTL,
		SigningMethod: jwt.SigningMethod(c.JWT.SigningMethod),
		PrivateKey:    c.JWT.PrivateKey,
		PublicKey:     c.JWT.PublicKey,
		Issuer:        c.JWT.Issuer,
		KeyID:         c.JWT.KeyID,
		VerifyKeys:    c.verifyKeys(),
		Now:           now,
	}
}

// verifyKeys returns VerifyKeys with the current signing key filed under KeyID.
func (c *Config) verifyKeys() map[string][]byte {
	if len(c.JWT.VerifyKeys) == 0 {
		return nil
	}
	keys := cloneKeys(c.JWT.VerifyKeys)
	if _, ok := keys[c.JWT.KeyID]; !ok {
		current := c.JWT.PublicKey
		if jwt.SigningMethod(c.JWT.SigningMethod) == jwt.MethodHS256 {
			current = c.JWT.PrivateKey
		}
		keys[c.JWT.KeyID] = cloneBytes(current)
	}
	return keys
}
