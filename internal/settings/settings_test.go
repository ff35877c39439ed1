package settings

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, s.Store.Backend)
	assert.Equal(t, 15*time.Minute, s.JWT.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, s.JWT.RefreshTTL)
	assert.Equal(t, "crt", s.Redis.Prefix)
	assert.Equal(t, slog.LevelInfo, s.LogLevel())
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	path := writeFile(t, "chatauth.yaml", `
store:
  backend: Redis
  operation_timeout: 2s
redis:
  addr: cache:6379
  prefix: "{chat}"
jwt:
  secret: `+testSecret+`
  access_ttl: 5m
  refresh_ttl: 24h
sweep:
  interval: 1m
log:
  level: debug
`)
	t.Setenv("CHATAUTH_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("CHATAUTH_JWT_ISSUER", "chat-api")

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, s.Store.Backend)
	assert.Equal(t, "redis.internal:6380", s.Redis.Addr)
	assert.Equal(t, "{chat}", s.Redis.Prefix)
	assert.Equal(t, 2*time.Second, s.Store.OperationTimeout)
	assert.Equal(t, slog.LevelDebug, s.LogLevel())

	cfg, err := s.ManagerConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.JWT.AccessTTL)
	assert.Equal(t, 24*time.Hour, cfg.JWT.RefreshTTL)
	assert.Equal(t, "chat-api", cfg.JWT.Issuer)
	assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), cfg.JWT.PrivateKey)
	assert.Equal(t, time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, "{chat}", cfg.Store.RedisPrefix)
}

func TestLoadRejectsBadBackends(t *testing.T) {
	t.Setenv("CHATAUTH_STORE_BACKEND", "mongo")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store.backend")

	t.Setenv("CHATAUTH_STORE_BACKEND", "postgres")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestManagerConfigSecret(t *testing.T) {
	cases := []struct {
		name   string
		secret string
		want   string
	}{
		{"missing", "", "jwt.secret required"},
		{"not base64", "%%%", "not base64"},
		{"too short", base64.StdEncoding.EncodeToString([]byte("short")), "at least 32 bytes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CHATAUTH_JWT_SECRET", tc.secret)
			s, err := Load("")
			require.NoError(t, err)
			_, err = s.ManagerConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestManagerConfigVerifyKeys(t *testing.T) {
	oldSecret := base64.StdEncoding.EncodeToString([]byte("old-secret-old-secret-old-secret"))
	path := writeFile(t, "chatauth.yaml", `
jwt:
  secret: `+testSecret+`
  key_id: k2
  verify_keys:
    K1: `+oldSecret+`
`)

	s, err := Load(path)
	require.NoError(t, err)
	cfg, err := s.ManagerConfig()
	require.NoError(t, err)
	assert.Equal(t, "k2", cfg.JWT.KeyID)
	require.Contains(t, cfg.JWT.VerifyKeys, "k1")
	assert.Equal(t, []byte("old-secret-old-secret-old-secret"), cfg.JWT.VerifyKeys["k1"])
}

func TestManagerConfigRejectsBadVerifyKey(t *testing.T) {
	path := writeFile(t, "chatauth.yaml", `
jwt:
  secret: `+testSecret+`
  key_id: k2
  verify_keys:
    k1: "%%%"
`)

	s, err := Load(path)
	require.NoError(t, err)
	_, err = s.ManagerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.verify_keys.k1")
}

func TestManagerConfigRejectsInvalidLifetimes(t *testing.T) {
	t.Setenv("CHATAUTH_JWT_SECRET", testSecret)
	t.Setenv("CHATAUTH_JWT_ACCESS_TTL", "2h")
	t.Setenv("CHATAUTH_JWT_REFRESH_TTL", "1h")

	s, err := Load("")
	require.NoError(t, err)
	_, err = s.ManagerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RefreshTTL")
}

func TestManagerConfigEd25519KeyFiles(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)

	privPath := writeFile(t, "jwt.key", string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})))
	pubPath := writeFile(t, "jwt.pub", string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})))

	t.Setenv("CHATAUTH_JWT_SIGNING_METHOD", "ed25519")
	t.Setenv("CHATAUTH_JWT_PRIVATE_KEY_FILE", privPath)
	t.Setenv("CHATAUTH_JWT_PUBLIC_KEY_FILE", pubPath)

	s, err := Load("")
	require.NoError(t, err)
	cfg, err := s.ManagerConfig()
	require.NoError(t, err)
	assert.Equal(t, "ed25519", cfg.JWT.SigningMethod)
	assert.NotEmpty(t, cfg.JWT.PrivateKey)
	assert.NotEmpty(t, cfg.JWT.PublicKey)
}

func TestLogLevelFallback(t *testing.T) {
	s := &Settings{Log: LogSettings{Level: "loud"}}
	assert.Equal(t, slog.LevelInfo, s.LogLevel())
}
