package sterad

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized covers every credential failure; callers never learn why.
	ErrUnauthorized = errors.New("unauthorized")

	errMissingCredentials = errors.New("missing bearer credential")
	errAuthDisabled       = errors.New("admin authentication not configured")
)

const bearerPrefix = "bearer "

// TokenVerifier checks HS256 bearer tokens scoped to an issuer and audience.
type TokenVerifier struct {
	cfg    AuthConfig
	parser *jwt.Parser
}

func NewTokenVerifier(cfg AuthConfig) *TokenVerifier {
	return &TokenVerifier{
		cfg: cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30*time.Second),
		),
	}
}

// VerifyRequest validates the Authorization header of r. The returned error
// wraps ErrUnauthorized.
func (v *TokenVerifier) VerifyRequest(r *http.Request) error {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return fmt.Errorf("%w: %w", ErrUnauthorized, errMissingCredentials)
	}
	return v.Verify(strings.TrimSpace(header[len(bearerPrefix):]))
}

func (v *TokenVerifier) Verify(token string) error {
	if !v.cfg.Enabled() {
		return fmt.Errorf("%w: %w", ErrUnauthorized, errAuthDisabled)
	}
	if token == "" {
		return fmt.Errorf("%w: %w", ErrUnauthorized, errMissingCredentials)
	}
	parsed, err := v.parser.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return []byte(v.cfg.Secret), nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return ErrUnauthorized
	}
	return nil
}

// MintToken signs an admin token for subject valid for ttl from now.
func MintToken(cfg AuthConfig, subject string, ttl time.Duration, now time.Time) (string, error) {
	if len(cfg.Secret) < minSecretLength {
		return "", fmt.Errorf("signing secret must be at least %d characters", minSecretLength)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	claims := jwt.RegisteredClaims{
		Issuer:    cfg.Issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}
