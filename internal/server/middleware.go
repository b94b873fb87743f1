package server

import (
	"context"
	"net/http"

	"github.com/markb/huddle/internal/auth"
	"github.com/markb/huddle/internal/log"
)

type contextKey string

const UserIDContextKey contextKey = "user_id"

// authMiddleware resolves the bearer token into a user id.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			s.writeError(w, http.StatusUnauthorized, "no_authorization", "Authorization header required")
			return
		}
		token, ok := auth.BearerToken(header)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid_authorization", "Invalid authorization header format")
			return
		}
		if s.resolver == nil {
			s.writeError(w, http.StatusUnauthorized, "invalid_token", "Authentication is not configured")
			return
		}

		userID, err := s.resolver.ResolveUser(r.Context(), token)
		if err != nil {
			log.FromContext(r.Context()).Debug("server: token rejected", "error", err.Error())
			s.writeError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserID returns the authenticated user id stored by authMiddleware.
func GetUserID(r *http.Request) string {
	userID, _ := r.Context().Value(UserIDContextKey).(string)
	return userID
}
