package controlplane

import (
	"net/http"
	"strings"

	"github.com/toolgate/gateway/internal/config"
)

// Authenticator validates control-plane bearer tokens against the
// configured token list, distinguishing the admin capability (every
// mutating operation) from the gateway capability (bundle reads and the
// governance evaluate endpoint).
type Authenticator struct {
	tokens []config.TokenConfig
}

func NewAuthenticator(tokens []config.TokenConfig) *Authenticator {
	return &Authenticator{tokens: tokens}
}

// authenticate verifies rawToken against every configured hash and returns
// the matching token's capability.
func (a *Authenticator) authenticate(rawToken string) (config.TokenCapability, bool) {
	if rawToken == "" {
		return "", false
	}
	for _, t := range a.tokens {
		match, err := config.VerifyToken(rawToken, t.Hash)
		if err != nil || !match {
			continue
		}
		return t.Capability, true
	}
	return "", false
}

// Require wraps next, rejecting requests whose bearer token doesn't
// authenticate to one of allowed.
func (a *Authenticator) Require(allowed ...config.TokenCapability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			capability, ok := a.authenticate(token)
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid or missing control-plane token")
				return
			}
			if !capabilityAllowed(capability, allowed) {
				writeError(w, http.StatusForbidden, "token capability does not permit this operation")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func capabilityAllowed(capability config.TokenCapability, allowed []config.TokenCapability) bool {
	for _, c := range allowed {
		if c == capability {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}
