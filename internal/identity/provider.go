// Package identity resolves connection credentials to user ids. The gateway
// calls a Provider during the WebSocket handshake, before the HTTP connection
// is upgraded.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that are malformed, expired, signed
// with the wrong key, or missing a subject.
var ErrInvalidToken = errors.New("identity: invalid token")

// Provider verifies a bearer token and returns the user id it names.
type Provider interface {
	VerifyToken(token string) (string, error)
}

// ValidUserID reports whether id is acceptable as a user id. The colon is
// reserved as the session id separator, so ids containing one would collide
// with another pair's session.
func ValidUserID(id string) bool {
	return id != "" && !strings.ContainsRune(id, ':')
}

// JWTProvider verifies HS256-signed JWTs issued by the account service. The
// user id is carried in the standard "sub" claim.
type JWTProvider struct {
	secret []byte
}

// NewJWTProvider creates a JWTProvider with the given shared signing secret.
func NewJWTProvider(secret string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret)}
}

// VerifyToken parses and validates the token, returning the subject user id.
func (p *JWTProvider) VerifyToken(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if !ValidUserID(claims.Subject) {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// IssueToken signs a token for the given user id, valid for ttl. Used by dev
// tooling and tests; production tokens come from the account service.
func (p *JWTProvider) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// InsecureProvider treats the token itself as the user id. For local
// development only; enabled explicitly via config.
type InsecureProvider struct{}

// VerifyToken returns the trimmed token as the user id.
func (InsecureProvider) VerifyToken(token string) (string, error) {
	userID := strings.TrimSpace(token)
	if !ValidUserID(userID) {
		return "", ErrInvalidToken
	}
	return userID, nil
}
