package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload issued by the authentication service.
type Claims struct {
	jwt.RegisteredClaims
	Principal string `json:"principal"`
	Name      string `json:"name,omitempty"`
}

// JWTAuthenticator verifies HMAC-signed tokens issued by the authentication
// service.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator builds a verifier for HS256 tokens signed with secret.
// issuer is optional; when set, tokens from any other issuer are rejected.
func NewJWTAuthenticator(secret, issuer string) (*JWTAuthenticator, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &JWTAuthenticator{secret: []byte(trimmed), issuer: strings.TrimSpace(issuer)}, nil
}

// Authenticate parses and verifies the token, returning the embedded identity.
func (a *JWTAuthenticator) Authenticate(_ context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, fmt.Errorf("empty token: %w", ErrUnauthenticated)
	}
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		options = append(options, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, options...)
	if err != nil {
		return Identity{}, fmt.Errorf("verify token: %v: %w", err, ErrUnauthenticated)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("invalid token: %w", ErrUnauthenticated)
	}
	principal := strings.TrimSpace(claims.Principal)
	if principal == "" {
		principal = strings.TrimSpace(claims.Subject)
	}
	if principal == "" {
		return Identity{}, fmt.Errorf("token missing principal: %w", ErrUnauthenticated)
	}
	return Identity{Principal: principal, Name: claims.Name}, nil
}
