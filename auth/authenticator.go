// Package auth provides the optional access gate in front of the MCP endpoint.
package auth

import (
	"encoding/json"
	"net/http"

	"github.com/academia-mcp/academia/util"
)

// Authenticator defines an interface for authenticating HTTP requests
type Authenticator interface {
	// Authenticate verifies if the request is authenticated
	// Returns true if authenticated, false otherwise
	Authenticate(r *http.Request) bool

	// GetAuthInfo returns additional authentication information if needed,
	// such as the identity behind the request
	GetAuthInfo(r *http.Request) map[string]interface{}
}

// NoAuthenticator is an authenticator that always returns true
// Use this for public endpoints or for development
type NoAuthenticator struct{}

// NewNoAuthenticator creates a new authenticator that always authenticates
func NewNoAuthenticator() *NoAuthenticator {
	return &NoAuthenticator{}
}

// Authenticate always returns true
func (a *NoAuthenticator) Authenticate(r *http.Request) bool {
	return true
}

// GetAuthInfo returns empty auth info
func (a *NoAuthenticator) GetAuthInfo(r *http.Request) map[string]interface{} {
	return map[string]interface{}{
		"auth_type": "none",
	}
}

// AnyOf accepts a request when any of the wrapped authenticators does.
type AnyOf []Authenticator

// Authenticate implements Authenticator
func (a AnyOf) Authenticate(r *http.Request) bool {
	for _, inner := range a {
		if inner.Authenticate(r) {
			return true
		}
	}
	return false
}

// GetAuthInfo returns the info of the first authenticator that accepts r.
func (a AnyOf) GetAuthInfo(r *http.Request) map[string]interface{} {
	for _, inner := range a {
		if inner.Authenticate(r) {
			return inner.GetAuthInfo(r)
		}
	}
	return map[string]interface{}{"auth_type": "none"}
}

// FromConfig builds the authenticator described by cfg. It returns nil when
// neither a static token nor a JWT secret is configured.
func FromConfig(cfg *util.Config) Authenticator {
	var chain AnyOf
	if cfg.APIToken != "" {
		chain = append(chain, NewTokenAuthenticator(cfg.APIToken))
	}
	if cfg.JWTSecret != "" {
		var opts []JWTAuthOption
		if cfg.JWTIssuer != "" {
			opts = append(opts, WithIssuer(cfg.JWTIssuer))
		}
		if cfg.JWTAudience != "" {
			opts = append(opts, WithAudience(cfg.JWTAudience))
		}
		chain = append(chain, NewJWTAuthenticator([]byte(cfg.JWTSecret), opts...))
	}

	switch len(chain) {
	case 0:
		return nil
	case 1:
		return chain[0]
	default:
		return chain
	}
}

// Middleware rejects requests that authenticator does not accept with a 401
// JSON body. A nil authenticator lets every request through.
func Middleware(authenticator Authenticator, logger util.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = util.DefaultRootLogger()
	}
	logger = logger.WithComponent("auth")

	return func(next http.Handler) http.Handler {
		if authenticator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authenticator.Authenticate(r) {
				logger.Warn("unauthorized request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="academia-mcp"`)
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			logger.Debug("request authenticated", "method", r.Method, "path", r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}
