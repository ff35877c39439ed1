package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the algorithm used to sign and verify tokens.
type SigningMethod string

const (
	// MethodEd25519 signs with an Ed25519 key pair (EdDSA).
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with a shared HMAC-SHA256 secret.
	MethodHS256 SigningMethod = "hs256"
)

// TokenUse distinguishes access tokens from refresh tokens signed by the same key.
type TokenUse string

const (
	// UseAccess marks a short-lived bearer credential.
	UseAccess TokenUse = "access"
	// UseRefresh marks a refresh credential backed by a stored record.
	UseRefresh TokenUse = "refresh"
)

// minHMACKeyBytes is the smallest accepted HS256 secret.
const minHMACKeyBytes = 32

var (
	// ErrSignatureInvalid is returned when the signature, algorithm, key id or issuer does not check out.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrMalformed is returned when the token cannot be decoded or lacks a required claim.
	ErrMalformed = errors.New("token malformed")
	// ErrExpired is returned when the verification instant is at or past the token's expiry.
	ErrExpired = errors.New("token expired")
)

// Config holds signer key material and lifetimes.
//
// Config is read once by NewSigner and must not be mutated afterwards.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	KeyID         string
	VerifyKeys    map[string][]byte

	// Now overrides the wall clock. Tests use it to pin issuance and verification instants.
	Now func() time.Time
}

// Identity is the claim set carried by an access token.
type Identity struct {
	PrincipalID string
	Roles       []string
	AdminOf     []string
}

// Claims is the decoded payload of an access or refresh token.
type Claims struct {
	PrincipalID string   `json:"uid,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	AdminOf     []string `json:"admin_of,omitempty"`
	Use         TokenUse `json:"use"`
	jwt.RegisteredClaims
}

// Identity returns the access claim set of c.
func (c *Claims) Identity() Identity {
	return Identity{
		PrincipalID: c.PrincipalID,
		Roles:       append([]string(nil), c.Roles...),
		AdminOf:     append([]string(nil), c.AdminOf...),
	}
}

// Signer mints and verifies access and refresh tokens.
//
// A Signer is immutable after construction and safe for concurrent use.
type Signer struct {
	config Config
	method jwt.SigningMethod
	signer interface{}
	parser *jwt.Parser
}

// NewSigner validates cfg and returns a ready Signer.
func NewSigner(cfg Config) (*Signer, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.AccessTTL%time.Second != 0 || cfg.RefreshTTL%time.Second != 0 {
		return nil, errors.New("TTLs must be whole seconds")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	s := &Signer{config: cfg}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < minHMACKeyBytes {
			return nil, fmt.Errorf("hs256 requires a secret of at least %d bytes", minHMACKeyBytes)
		}
		s.method = jwt.SigningMethodHS256
		s.signer = cfg.PrivateKey
	case MethodEd25519:
		s.method = jwt.SigningMethodEdDSA
		if len(cfg.PrivateKey) > 0 {
			key, err := parseEdPrivateKey(cfg.PrivateKey)
			if err != nil {
				return nil, err
			}
			s.signer = key
		}
		if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires public key or verify key set")
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		for kid, key := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("verify key map contains empty kid")
			}
			if _, err := parseEdPublicKey(key); err != nil {
				return nil, fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(cfg.Now),
	}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}
	s.parser = jwt.NewParser(options...)
	return s, nil
}

// AccessTTL returns the configured access-token lifetime.
func (s *Signer) AccessTTL() time.Duration { return s.config.AccessTTL }

// RefreshTTL returns the configured refresh-token lifetime.
func (s *Signer) RefreshTTL() time.Duration { return s.config.RefreshTTL }

// IssueAccess mints an access token for subject carrying id.
func (s *Signer) IssueAccess(subject string, id Identity) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("empty subject")
	}
	now := s.now()
	claims := Claims{
		PrincipalID: id.PrincipalID,
		Roles:       id.Roles,
		AdminOf:     id.AdminOf,
		Use:         UseAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.AccessTTL)),
		},
	}
	return s.sign(claims)
}

// IssueRefresh mints a refresh token for subject with a fresh credential id in the jti claim.
func (s *Signer) IssueRefresh(subject string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("empty subject")
	}
	now := s.now()
	claims := Claims{
		Use: UseRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    s.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.RefreshTTL)),
		},
	}
	return s.sign(claims)
}

// Verify checks signature and expiry of token and returns its claims.
//
// Failures are reported as ErrMalformed, ErrExpired or ErrSignatureInvalid;
// the underlying parser error is wrapped for diagnostics.
func (s *Signer) Verify(token string) (*Claims, error) {
	parsed, err := s.parser.ParseWithClaims(token, &Claims{}, s.keyFunc)
	if err != nil {
		return nil, classify(err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrSignatureInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrMalformed)
	}
	return claims, nil
}

// VerifyAccess is Verify restricted to access tokens.
// A refresh token presented as a bearer credential is rejected as ErrSignatureInvalid.
func (s *Signer) VerifyAccess(token string) (*Claims, error) {
	claims, err := s.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Use != UseAccess {
		return nil, fmt.Errorf("%w: token use %q", ErrSignatureInvalid, claims.Use)
	}
	return claims, nil
}

// ExtractSubject returns the sub claim of a valid token.
func (s *Signer) ExtractSubject(token string) (string, error) {
	claims, err := s.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// ExtractCredentialID returns the jti claim of a valid token.
func (s *Signer) ExtractCredentialID(token string) (string, error) {
	claims, err := s.Verify(token)
	if err != nil {
		return "", err
	}
	if claims.ID == "" {
		return "", fmt.Errorf("%w: missing jti", ErrMalformed)
	}
	return claims.ID, nil
}

// ExtractExpiry returns the exp claim of a valid token.
func (s *Signer) ExtractExpiry(token string) (time.Time, error) {
	claims, err := s.Verify(token)
	if err != nil {
		return time.Time{}, err
	}
	return claims.ExpiresAt.Time, nil
}

// IsValidFor reports whether token verifies and names expectedSubject. It never returns an error.
func (s *Signer) IsValidFor(token, expectedSubject string) bool {
	claims, err := s.Verify(token)
	if err != nil {
		return false
	}
	return claims.Subject == expectedSubject
}

func (s *Signer) now() time.Time {
	// NumericDate has second precision; truncating keeps iat and exp exact.
	return s.config.Now().Truncate(time.Second)
}

func (s *Signer) sign(claims Claims) (string, error) {
	if s.signer == nil {
		return "", errors.New("signer has no private key")
	}
	token := jwt.NewWithClaims(s.method, claims)
	if s.config.KeyID != "" {
		token.Header["kid"] = s.config.KeyID
	}
	return token.SignedString(s.signer)
}

func (s *Signer) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != s.method.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}
	if len(s.config.VerifyKeys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := s.config.VerifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return s.verifyKey(key)
	}
	if s.config.KeyID != "" {
		kid, _ := t.Header["kid"].(string)
		if kid != s.config.KeyID {
			return nil, errors.New("unknown kid")
		}
	}
	if s.config.SigningMethod == MethodHS256 {
		return s.config.PrivateKey, nil
	}
	return s.verifyKey(s.config.PublicKey)
}

func (s *Signer) verifyKey(key []byte) (interface{}, error) {
	if s.config.SigningMethod == MethodHS256 {
		return key, nil
	}
	return parseEdPublicKey(key)
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
