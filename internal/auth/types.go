package auth

import "errors"

// Scopes granted to API callers.
const (
	ScopeDiagnosesRead  = "diagnoses:read"
	ScopeDiagnosesWrite = "diagnoses:write"
)

var (
	ErrMissingToken   = errors.New("missing bearer token")
	ErrInvalidToken   = errors.New("invalid token")
	ErrMissingContext = errors.New("missing user context")
)

// UserContext identifies the authenticated caller of a request.
type UserContext struct {
	Subject   string   `json:"subject"`
	Scopes    []string `json:"scopes"`
	TokenType string   `json:"token_type"`
}

// HasScope reports whether the caller was granted scope.
func (u *UserContext) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
