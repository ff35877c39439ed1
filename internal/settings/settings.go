package settings

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/projectchat/chatauth"
)

// EnvPrefix prefixes every environment override, e.g. CHATAUTH_JWT_SECRET.
const EnvPrefix = "CHATAUTH"

// Backend names accepted by store.backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Settings is the file and environment view of a chatauthd deployment.
type Settings struct {
	Store    StoreSettings    `mapstructure:"store"`
	Redis    RedisSettings    `mapstructure:"redis"`
	Database DatabaseSettings `mapstructure:"database"`
	JWT      JWTSettings      `mapstructure:"jwt"`
	Sweep    SweepSettings    `mapstructure:"sweep"`
	Audit    AuditSettings    `mapstructure:"audit"`
	Log      LogSettings      `mapstructure:"log"`
}

type StoreSettings struct {
	Backend          string        `mapstructure:"backend"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

type RedisSettings struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type DatabaseSettings struct {
	URL string `mapstructure:"url"`
}

// JWTSettings carries key material. Secret is base64 and used for hs256;
// ed25519 reads PEM key files. VerifyKeys maps retired kids to a base64 secret
// (hs256) or a PEM public key file (ed25519); viper lower-cases the kids.
type JWTSettings struct {
	SigningMethod  string            `mapstructure:"signing_method"`
	Secret         string            `mapstructure:"secret"`
	PrivateKeyFile string            `mapstructure:"private_key_file"`
	PublicKeyFile  string            `mapstructure:"public_key_file"`
	Issuer         string            `mapstructure:"issuer"`
	KeyID          string            `mapstructure:"key_id"`
	VerifyKeys     map[string]string `mapstructure:"verify_keys"`
	AccessTTL      time.Duration     `mapstructure:"access_ttl"`
	RefreshTTL     time.Duration     `mapstructure:"refresh_ttl"`
}

type SweepSettings struct {
	Interval       time.Duration `mapstructure:"interval"`
	MaxRetries     uint64        `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

type AuditSettings struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
}

type LogSettings struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	d := chatauth.DefaultConfig()

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.operation_timeout", d.Store.OperationTimeout)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", d.Store.RedisPrefix)
	v.SetDefault("database.url", "")
	v.SetDefault("jwt.signing_method", d.JWT.SigningMethod)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.private_key_file", "")
	v.SetDefault("jwt.public_key_file", "")
	v.SetDefault("jwt.issuer", d.JWT.Issuer)
	v.SetDefault("jwt.key_id", "")
	v.SetDefault("jwt.access_ttl", d.JWT.AccessTTL)
	v.SetDefault("jwt.refresh_ttl", d.JWT.RefreshTTL)
	v.SetDefault("sweep.interval", d.Sweep.Interval)
	v.SetDefault("sweep.max_retries", d.Sweep.MaxRetries)
	v.SetDefault("sweep.initial_backoff", d.Sweep.InitialBackoff)
	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.buffer_size", d.Audit.BufferSize)
	v.SetDefault("log.level", "info")
}

// Load reads path (YAML; optional when empty) and applies CHATAUTH_*
// environment overrides, e.g. CHATAUTH_STORE_BACKEND or CHATAUTH_JWT_SECRET.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("settings: read %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("settings: decode: %w", err)
	}
	s.Store.Backend = strings.ToLower(strings.TrimSpace(s.Store.Backend))
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the backend selection. Key material and lifetimes are
// checked by chatauth.Config.Validate when the manager is built.
func (s *Settings) Validate() error {
	switch s.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if s.Redis.Addr == "" {
			return errors.New("settings: redis.addr required for the redis backend")
		}
	case BackendPostgres:
		if s.Database.URL == "" {
			return errors.New("settings: database.url required for the postgres backend")
		}
	default:
		return fmt.Errorf("settings: unknown store.backend %q", s.Store.Backend)
	}
	return nil
}

// ManagerConfig maps the settings onto chatauth.Config, decoding the signing
// secret and reading key files.
func (s *Settings) ManagerConfig() (chatauth.Config, error) {
	cfg := chatauth.DefaultConfig()
	cfg.JWT.AccessTTL = s.JWT.AccessTTL
	cfg.JWT.RefreshTTL = s.JWT.RefreshTTL
	cfg.JWT.SigningMethod = strings.ToLower(s.JWT.SigningMethod)
	cfg.JWT.Issuer = s.JWT.Issuer
	cfg.JWT.KeyID = s.JWT.KeyID
	cfg.Store.OperationTimeout = s.Store.OperationTimeout
	cfg.Store.RedisPrefix = s.Redis.Prefix
	cfg.Sweep.Interval = s.Sweep.Interval
	cfg.Sweep.MaxRetries = s.Sweep.MaxRetries
	cfg.Sweep.InitialBackoff = s.Sweep.InitialBackoff
	cfg.Audit.Enabled = s.Audit.Enabled
	if s.Audit.BufferSize > 0 {
		cfg.Audit.BufferSize = s.Audit.BufferSize
	}

	switch cfg.JWT.SigningMethod {
	case "ed25519":
		priv, err := os.ReadFile(s.JWT.PrivateKeyFile)
		if err != nil {
			return chatauth.Config{}, fmt.Errorf("settings: read jwt.private_key_file: %w", err)
		}
		pub, err := os.ReadFile(s.JWT.PublicKeyFile)
		if err != nil {
			return chatauth.Config{}, fmt.Errorf("settings: read jwt.public_key_file: %w", err)
		}
		cfg.JWT.PrivateKey = priv
		cfg.JWT.PublicKey = pub
	default:
		secret, err := decodeSecret(s.JWT.Secret)
		if err != nil {
			return chatauth.Config{}, err
		}
		cfg.JWT.PrivateKey = secret
	}

	if len(s.JWT.VerifyKeys) > 0 {
		cfg.JWT.VerifyKeys = make(map[string][]byte, len(s.JWT.VerifyKeys))
		for kid, value := range s.JWT.VerifyKeys {
			key, err := verifyKey(cfg.JWT.SigningMethod, kid, value)
			if err != nil {
				return chatauth.Config{}, err
			}
			cfg.JWT.VerifyKeys[kid] = key
		}
	}

	if err := cfg.Validate(); err != nil {
		return chatauth.Config{}, fmt.Errorf("settings: %w", err)
	}
	return cfg, nil
}

func decodeSecret(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errors.New("settings: jwt.secret required")
	}
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("settings: jwt.secret is not base64: %w", err)
	}
	if len(secret) < 32 {
		return nil, errors.New("settings: jwt.secret must decode to at least 32 bytes")
	}
	return secret, nil
}

func verifyKey(method, kid, value string) ([]byte, error) {
	if method == "ed25519" {
		key, err := os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("settings: read jwt.verify_keys.%s: %w", kid, err)
		}
		return key, nil
	}
	key, err := decodeSecret(value)
	if err != nil {
		return nil, fmt.Errorf("jwt.verify_keys.%s: %w", kid, err)
	}
	return key, nil
}

// LogLevel parses log.level; unknown values fall back to info.
func (s *Settings) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
