package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HMACResolver verifies HS256 tokens signed with a shared secret.
type HMACResolver struct {
	secret []byte
	opts   Options
}

// NewHMACResolver creates a resolver for secret.
func NewHMACResolver(secret string, opts Options) (*HMACResolver, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 characters")
	}
	return &HMACResolver{secret: []byte(secret), opts: opts}, nil
}

// ResolveUser returns the token subject.
func (r *HMACResolver) ResolveUser(_ context.Context, tokenString string) (string, error) {
	return parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.secret, nil
	}, r.opts.parserOptions([]string{jwt.SigningMethodHS256.Alg()}))
}

// IssueToken mints an HS256 access token for userID. A zero ttl uses
// AccessTokenExpiry.
func (r *HMACResolver) IssueToken(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("subject is required")
	}
	if ttl <= 0 {
		ttl = AccessTokenExpiry
	}

	now := time.Now()
	aud := r.opts.Audience
	if aud == "" {
		aud = defaultAudience
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    r.opts.Issuer,
			Audience:  jwt.ClaimStrings{aud},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: "authenticated",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(r.secret)
}
