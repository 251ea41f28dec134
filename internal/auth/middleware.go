package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ContextKey is the key type for context values
type ContextKey string

// UserContextKey is the context key for user information
const UserContextKey ContextKey = "user"

// Middleware authenticates HTTP requests with bearer tokens
type Middleware struct {
	jwtManager *JWTManager
	skipAuth   bool // For development/testing
	logger     *zap.Logger
}

func NewMiddleware(jwtManager *JWTManager, skipAuth bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{jwtManager: jwtManager, skipAuth: skipAuth, logger: logger}
}

var devUser = &UserContext{
	Subject:   "dev",
	Scopes:    []string{ScopeDiagnosesRead, ScopeDiagnosesWrite},
	TokenType: "dev",
}

// HTTPMiddleware attaches the caller's UserContext or rejects the request.
// WebSocket upgrades may pass the token as an access_token query parameter
// because browsers cannot set headers on them.
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), devUser)))
			return
		}

		token, err := ExtractBearerToken(r.Header.Get("Authorization"))
		if err != nil && strings.HasSuffix(r.URL.Path, "/ws") {
			if q := r.URL.Query().Get("access_token"); q != "" {
				token, err = q, nil
			}
		}
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		userCtx, err := m.jwtManager.ValidateAccessToken(token)
		if err != nil {
			m.logger.Debug("Rejected token", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userCtx)))
	})
}

// RequireScopes rejects callers missing any of scopes with 403.
func RequireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userCtx, err := GetUserContext(r.Context())
			if err != nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			for _, s := range scopes {
				if !userCtx.HasScope(s) {
					writeError(w, http.StatusForbidden, "missing required scope: "+s)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithUser returns ctx carrying u.
func WithUser(ctx context.Context, u *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, u)
}

// GetUserContext extracts user context from context
func GetUserContext(ctx context.Context) (*UserContext, error) {
	userCtx, ok := ctx.Value(UserContextKey).(*UserContext)
	if !ok || userCtx == nil {
		return nil, ErrMissingContext
	}
	return userCtx, nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
