package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/markb/huddle/internal/log"
)

// JWKSResolver verifies RS/ES tokens against keys published at a JWKS URL.
// Keys are cached and refreshed in the background.
type JWKSResolver struct {
	jwks *keyfunc.JWKS
	opts Options
}

var jwksMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256"}

// NewJWKSResolver fetches the key set at url.
func NewJWKSResolver(ctx context.Context, url string, opts Options) (*JWKSResolver, error) {
	jwks, err := keyfunc.Get(url, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   5 * time.Minute,
		RefreshRateLimit:  time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.Error("auth: jwks refresh failed", "url", url, "error", err.Error())
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	log.Info("auth: jwks loaded", "url", url, "keys", len(jwks.KIDs()))
	return &JWKSResolver{jwks: jwks, opts: opts}, nil
}

// ResolveUser returns the token subject.
func (r *JWKSResolver) ResolveUser(_ context.Context, tokenString string) (string, error) {
	return parse(tokenString, r.jwks.Keyfunc, r.opts.parserOptions(jwksMethods))
}

// Close stops the background refresh.
func (r *JWKSResolver) Close() {
	r.jwks.EndBackground()
}
