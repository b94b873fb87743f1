// Package auth resolves access tokens into user ids.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for any credential that does not resolve
// to a user.
var ErrUnauthenticated = errors.New("unauthenticated")

const (
	// AccessTokenExpiry is the default lifetime of tokens minted by IssueToken.
	AccessTokenExpiry = time.Hour

	defaultAudience = "authenticated"
)

// Claims are the access token claims the resolvers read.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Options narrow which tokens a resolver accepts.
type Options struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

func (o Options) parserOptions(methods []string) []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
	}
	if o.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(o.Issuer))
	}
	if o.Audience != "" {
		opts = append(opts, jwt.WithAudience(o.Audience))
	}
	if o.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(o.Leeway))
	}
	return opts
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func parse(tokenString string, keyFunc jwt.Keyfunc, opts []jwt.ParserOption) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if !token.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// ResolverFunc adapts a function to the resolver interface.
type ResolverFunc func(ctx context.Context, credential string) (string, error)

// ResolveUser calls f.
func (f ResolverFunc) ResolveUser(ctx context.Context, credential string) (string, error) {
	return f(ctx, credential)
}
