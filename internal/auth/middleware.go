// ABOUTME: HTTP middleware for API key and admin token authentication
// ABOUTME: Extracts credentials from headers and adds an AuthContext to the request context

package auth

import (
	"context"
	"net/http"
	"strings"
)

// HeaderAPIKey carries the shared API key on networked requests.
const HeaderAPIKey = "X-Api-Key"

// AuthContext describes the authenticated caller for downstream handlers.
type AuthContext struct {
	// Subject is set when the caller presented an admin token.
	Subject string
	Admin   bool
}

type authContextKey struct{}

// WithAuth attaches an AuthContext to the context.
func WithAuth(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// FromContext retrieves the AuthContext, nil if the request was not
// authenticated through the middleware.
func FromContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return ac
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPAuthMiddleware authenticates requests with either an API key header
// or a bearer admin token. API-key callers get a plain AuthContext; admin
// tokens additionally set Admin and Subject.
func HTTPAuthMiddleware(apiKeys *APIKeyAuthenticator, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := r.Header.Get(HeaderAPIKey); key != "" {
				if err := apiKeys.Authenticate(r.Context(), key); err != nil {
					http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{})))
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}
			if verifier == nil {
				http.Error(w, `{"error":"token auth not configured"}`, http.StatusUnauthorized)
				return
			}

			subject, role, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ac := &AuthContext{Subject: subject, Admin: role == RoleAdmin}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), ac)))
		})
	}
}
