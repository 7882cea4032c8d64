// Package identity verifies bearer tokens issued by the identity provider and
// resolves them to an opaque user id.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail parsing, signature,
// expiry or issuer checks, or that carry no user id.
var ErrInvalidToken = errors.New("identity: invalid token")

// Verifier resolves a raw token to a user id.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// Claims is the token payload. UserID takes precedence over the standard
// subject claim.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier. An empty issuer disables the issuer
// check.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTVerifier{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(opts...),
	}
}

// VerifyToken parses and validates token and returns its user id.
func (v *JWTVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("%w: no user id claim", ErrInvalidToken)
	}
	return userID, nil
}

// IssueToken signs a token for userID. It is used by the demo CLI and tests;
// production tokens come from the identity provider.
func IssueToken(secret, issuer, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
