package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod names a symmetric HMAC algorithm.
type SigningMethod string

const (
	MethodHS256 SigningMethod = "hs256"
	MethodHS384 SigningMethod = "hs384"
	MethodHS512 SigningMethod = "hs512"
)

// TokenType discriminates access from refresh tokens inside the payload.
type TokenType string

const (
	TypeAccess  TokenType = "access"
	TypeRefresh TokenType = "refresh"
)

var (
	ErrMalformed     = errors.New("jwt: malformed or unverifiable token")
	ErrExpired       = errors.New("jwt: token expired")
	ErrWrongType     = errors.New("jwt: unexpected token type")
	ErrMissingClaims = errors.New("jwt: missing required claims")
)

// minSecretLen keeps HMAC keys at least as long as the SHA-256 block output.
const minSecretLen = 32

// Config holds signing parameters. Secret is required; VerifySecrets lets
// tokens signed under a retired kid keep verifying during key rotation.
type Config struct {
	SigningMethod SigningMethod
	Secret        []byte
	Issuer        string
	Leeway        time.Duration
	MaxFutureIAT  time.Duration
	KeyID         string
	VerifySecrets map[string][]byte
	Now           func() time.Time
}

// Claims is the signed payload: {sub, type, exp, jti} plus iat and iss.
type Claims struct {
	Type TokenType `json:"type"`
	jwt.RegisteredClaims
}

// Manager signs and verifies tokens. It is immutable after construction and
// safe for concurrent use.
type Manager struct {
	config Config
	method jwt.SigningMethod
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.SigningMethod == "" {
		cfg.SigningMethod = MethodHS256
	}
	method, err := methodFor(cfg.SigningMethod)
	if err != nil {
		return nil, err
	}
	if len(cfg.Secret) < minSecretLen {
		return nil, fmt.Errorf("%s requires a secret of at least %d bytes", cfg.SigningMethod, minSecretLen)
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	for kid, key := range cfg.VerifySecrets {
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("verify secret map contains empty kid")
		}
		if len(key) < minSecretLen {
			return nil, fmt.Errorf("verify secret for kid %q is too short", kid)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{config: cfg, method: method}, nil
}

func methodFor(m SigningMethod) (jwt.SigningMethod, error) {
	switch SigningMethod(strings.ToLower(string(m))) {
	case MethodHS256:
		return jwt.SigningMethodHS256, nil
	case MethodHS384:
		return jwt.SigningMethodHS384, nil
	case MethodHS512:
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported signing method %q", m)
	}
}

// Sign issues a token of the given type for subject, valid for ttl.
func (m *Manager) Sign(subject string, typ TokenType, jti string, ttl time.Duration) (string, time.Time, error) {
	if subject == "" || jti == "" {
		return "", time.Time{}, ErrMissingClaims
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("jwt: ttl must be positive")
	}
	now := m.config.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        jti,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(m.method, claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}
	signed, err := token.SignedString(m.config.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse verifies signature, expiry, issuer and type.
func (m *Manager) Parse(tokenStr string, want TokenType) (*Claims, error) {
	return m.parse(tokenStr, want, true)
}

// ParseSignature verifies only signature, issuer and type, ignoring expiry.
// Refresh rotation uses it so an expired but known token still resolves to
// its durable record.
func (m *Manager) ParseSignature(tokenStr string, want TokenType) (*Claims, error) {
	return m.parse(tokenStr, want, false)
}

func (m *Manager) parse(tokenStr string, want TokenType, validateTime bool) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithTimeFunc(m.config.Now),
	}
	if validateTime {
		options = append(options, jwt.WithExpirationRequired())
		if m.config.Leeway > 0 {
			options = append(options, jwt.WithLeeway(m.config.Leeway))
		}
	} else {
		options = append(options, jwt.WithoutClaimsValidation())
	}
	if m.config.Issuer != "" && validateTime {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, m.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrMalformed
	}
	if !validateTime && m.config.Issuer != "" && claims.Issuer != m.config.Issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrMalformed)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrMissingClaims
	}
	if claims.Type != want {
		return nil, ErrWrongType
	}
	if claims.IssuedAt != nil && m.config.MaxFutureIAT > 0 {
		if claims.IssuedAt.Time.After(m.config.Now().Add(m.config.MaxFutureIAT)) {
			return nil, fmt.Errorf("%w: iat too far in the future", ErrMalformed)
		}
	}
	return claims, nil
}

func (m *Manager) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != m.method.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}
	kid, _ := t.Header["kid"].(string)
	if len(m.config.VerifySecrets) > 0 && kid != "" && kid != m.config.KeyID {
		key, ok := m.config.VerifySecrets[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return key, nil
	}
	if m.config.KeyID != "" && kid != m.config.KeyID {
		return nil, errors.New("unknown kid")
	}
	return m.config.Secret, nil
}
