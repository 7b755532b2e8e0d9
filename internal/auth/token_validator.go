package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerPrefix        = "Bearer "
	accessTokenQueryKey = "access_token"
)

var (
	// ErrAuthentication is the root of every token failure; the connection is refused.
	ErrAuthentication = errors.New("auth: authentication failed")

	ErrMissingToken       = fmt.Errorf("%w: token required", ErrAuthentication)
	ErrInvalidToken       = fmt.Errorf("%w: invalid token", ErrAuthentication)
	ErrExpiredToken       = fmt.Errorf("%w: token expired", ErrAuthentication)
	ErrMissingParticipant = fmt.Errorf("%w: participant required", ErrAuthentication)

	ErrMissingValidatorSecret = errors.New("token validator: signing key required")
	ErrMissingValidatorIssuer = errors.New("token validator: issuer required")
)

// ParticipantClaims is the JWT payload carried by participant bearer tokens.
type ParticipantClaims struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	jwt.RegisteredClaims
}

// TokenValidatorConfig describes how to validate participant tokens.
type TokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	// Audience is checked only when set.
	Audience string
	Clock    func() time.Time
}

// TokenValidator validates HS256 participant tokens.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// NewTokenValidator constructs a validator with the provided configuration.
func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingValidatorSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingValidatorIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      strings.TrimSpace(cfg.Audience),
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *TokenValidator) ValidateToken(tokenString string) (ParticipantClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return ParticipantClaims{}, ErrMissingToken
	}

	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	claims := &ParticipantClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm %s", t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ParticipantClaims{}, ErrExpiredToken
		}
		return ParticipantClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return ParticipantClaims{}, ErrInvalidToken
	}
	claims.ParticipantID = strings.TrimSpace(claims.ParticipantID)
	claims.DisplayName = strings.TrimSpace(claims.DisplayName)
	if claims.ParticipantID == "" {
		claims.ParticipantID = strings.TrimSpace(claims.Subject)
	}
	if claims.ParticipantID == "" {
		return ParticipantClaims{}, ErrMissingParticipant
	}
	return *claims, nil
}

// ValidateRequest reads the bearer token from the Authorization header, falling back to
// the access_token query parameter for browser websocket clients, and validates it.
func (v *TokenValidator) ValidateRequest(r *http.Request) (ParticipantClaims, error) {
	token := BearerToken(r)
	if token == "" {
		return ParticipantClaims{}, ErrMissingToken
	}
	return v.ValidateToken(token)
}

// BearerToken extracts the raw token from a request, or returns an empty string.
func BearerToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	if r.URL != nil {
		return strings.TrimSpace(r.URL.Query().Get(accessTokenQueryKey))
	}
	return ""
}
