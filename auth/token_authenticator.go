package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenAuthenticator accepts one shared API token, sent either as a bearer
// token or in X-API-Token.
type TokenAuthenticator struct {
	apiToken string
}

// NewTokenAuthenticator creates a new token authenticator
func NewTokenAuthenticator(token string) *TokenAuthenticator {
	return &TokenAuthenticator{apiToken: token}
}

// Authenticate checks the Authorization bearer token first, then X-API-Token.
func (a *TokenAuthenticator) Authenticate(r *http.Request) bool {
	if a.apiToken == "" {
		return false
	}

	if token, ok := bearerToken(r); ok {
		return a.matches(token)
	}

	if apiTokenHeader := r.Header.Get("X-API-Token"); apiTokenHeader != "" {
		return a.matches(apiTokenHeader)
	}

	return false
}

func (a *TokenAuthenticator) matches(token string) bool {
	return subtle.ConstantTimeCompare([]byte(a.apiToken), []byte(token)) == 1
}

func (a *TokenAuthenticator) GetAuthInfo(r *http.Request) map[string]interface{} {
	return map[string]interface{}{"auth_type": "token"}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return token, token != ""
}
