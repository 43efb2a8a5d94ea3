package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

var (
	ErrMissingPeerSigningKey = errors.New("peer validator: signing key required")
	ErrMissingPeerIssuer     = errors.New("peer validator: issuer required")
	ErrMissingPeerToken      = errors.New("peer validator: token required")
	ErrInvalidPeerToken      = errors.New("peer validator: invalid token")
	ErrExpiredPeerToken      = errors.New("peer validator: token expired")
	ErrMissingPeerSubject    = errors.New("peer validator: subject required")
	ErrUnexpectedSigner      = errors.New("peer validator: unexpected signer")
)

// PeerClaims is the validated payload of a peer token.
type PeerClaims struct {
	Endpoint  string
	ExpiresAt time.Time
}

// TokenValidatorConfig describes how to validate peer tokens.
type TokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// TokenValidator validates HS256 peer tokens.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// NewTokenValidator constructs a validator with the provided configuration.
func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingPeerSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingPeerIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = PeerAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the signing peer.
func (v *TokenValidator) ValidateToken(tokenString string) (PeerClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return PeerClaims{}, ErrMissingPeerToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidPeerToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return PeerClaims{}, ErrExpiredPeerToken
		}
		return PeerClaims{}, fmt.Errorf("%w: %v", ErrInvalidPeerToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return PeerClaims{}, ErrInvalidPeerToken
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return PeerClaims{}, ErrMissingPeerSubject
	}
	result := PeerClaims{Endpoint: subject}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return result, nil
}

// ValidateRequest extracts the bearer token from the request and validates it.
func (v *TokenValidator) ValidateRequest(r *http.Request) (PeerClaims, error) {
	if r == nil {
		return PeerClaims{}, ErrMissingPeerToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, bearerPrefix) {
		return PeerClaims{}, ErrMissingPeerToken
	}
	return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
}

// RequireSigner checks that the token was signed by the expected node endpoint.
func RequireSigner(claims PeerClaims, expectedEndpoint string) error {
	if NormalizeEndpoint(claims.Endpoint) != NormalizeEndpoint(expectedEndpoint) {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedSigner, claims.Endpoint, expectedEndpoint)
	}
	return nil
}

// NormalizeEndpoint trims whitespace and trailing slashes so endpoints compare reliably.
func NormalizeEndpoint(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}
