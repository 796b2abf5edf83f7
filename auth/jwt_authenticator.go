package auth

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// defaultCacheTTL bounds how long a token without exp stays cached.
const defaultCacheTTL = 5 * time.Minute

// JWTAuthenticator implements JWT-based authentication
type JWTAuthenticator struct {
	secretKey    interface{} // []byte for HMAC or *rsa.PublicKey for RSA
	issuer       string
	audience     string
	allowedAlgs  []string
	claimsParser func(claims jwt.MapClaims) (bool, error)
	expiryWindow time.Duration
	now          func() time.Time

	cacheMu    sync.Mutex
	tokenCache map[string]time.Time
}

// JWTAuthOption defines options for configuring the JWT authenticator
type JWTAuthOption func(*JWTAuthenticator)

// NewJWTAuthenticator creates a new JWT authenticator with the given options
func NewJWTAuthenticator(secretKey interface{}, opts ...JWTAuthOption) *JWTAuthenticator {
	auth := &JWTAuthenticator{
		secretKey:   secretKey,
		allowedAlgs: []string{"HS256", "HS384", "HS512"},
		now:         time.Now,
		tokenCache:  make(map[string]time.Time),
	}

	for _, opt := range opts {
		opt(auth)
	}

	return auth
}

// WithIssuer sets the required issuer for JWT tokens
func WithIssuer(issuer string) JWTAuthOption {
	return func(a *JWTAuthenticator) {
		a.issuer = issuer
	}
}

// WithAudience sets the required audience for JWT tokens
func WithAudience(audience string) JWTAuthOption {
	return func(a *JWTAuthenticator) {
		a.audience = audience
	}
}

// WithRSAPublicKey configures the authenticator to use RSA public key for verification
func WithRSAPublicKey(publicKey *rsa.PublicKey) JWTAuthOption {
	return func(a *JWTAuthenticator) {
		a.secretKey = publicKey
		a.allowedAlgs = []string{"RS256", "RS384", "RS512"}
	}
}

// WithAllowedAlgorithms sets the allowed signing algorithms
func WithAllowedAlgorithms(algs []string) JWTAuthOption {
	return func(a *JWTAuthenticator) {
		if len(algs) > 0 {
			a.allowedAlgs = algs
		}
	}
}

// WithExpiryWindow rejects tokens that expire within window
func WithExpiryWindow(window time.Duration) JWTAuthOption {
	return func(a *JWTAuthenticator) {
		a.expiryWindow = window
	}
}

// WithClaimsValidator adds custom claims validation
func WithClaimsValidator(validator func(claims jwt.MapClaims) (bool, error)) JWTAuthOption {
	return func(a *JWTAuthenticator) {
		a.claimsParser = validator
	}
}

// Authenticate validates the bearer JWT in the Authorization header
func (a *JWTAuthenticator) Authenticate(r *http.Request) bool {
	tokenStr, ok := bearerToken(r)
	if !ok {
		return false
	}

	if a.cached(tokenStr) {
		return true
	}

	claims, err := a.parse(tokenStr)
	if err != nil {
		return false
	}

	expiry := a.now().Add(defaultCacheTTL)
	if exp, ok := claims["exp"].(float64); ok {
		expTime := time.Unix(int64(exp), 0)
		if a.now().Add(a.expiryWindow).After(expTime) {
			return false
		}
		expiry = expTime.Add(-a.expiryWindow)
	}

	a.cacheMu.Lock()
	a.tokenCache[tokenStr] = expiry
	a.cacheMu.Unlock()

	return true
}

func (a *JWTAuthenticator) cached(tokenStr string) bool {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()

	expiry, found := a.tokenCache[tokenStr]
	if !found {
		return false
	}
	if a.now().Before(expiry) {
		return true
	}
	delete(a.tokenCache, tokenStr)
	return false
}

func (a *JWTAuthenticator) parse(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		alg := token.Method.Alg()
		for _, allowedAlg := range a.allowedAlgs {
			if alg == allowedAlg {
				return a.secretKey, nil
			}
		}
		return nil, fmt.Errorf("unexpected signing method: %v", alg)
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}

	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return nil, fmt.Errorf("issuer mismatch")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return nil, fmt.Errorf("audience mismatch")
	}

	if a.claimsParser != nil {
		valid, err := a.claimsParser(claims)
		if err != nil {
			return nil, err
		}
		if !valid {
			return nil, fmt.Errorf("claims rejected")
		}
	}

	return claims, nil
}

// GetAuthInfo returns the subject and issuer of a valid token
func (a *JWTAuthenticator) GetAuthInfo(r *http.Request) map[string]interface{} {
	result := map[string]interface{}{
		"auth_type": "jwt",
	}

	tokenStr, ok := bearerToken(r)
	if !ok {
		result["valid"] = false
		return result
	}

	claims, err := a.parse(tokenStr)
	if err != nil {
		result["valid"] = false
		return result
	}
	for _, key := range []string{"sub", "iss"} {
		if val, ok := claims[key]; ok {
			result[key] = val
		}
	}
	return result
}
