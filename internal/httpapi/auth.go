// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/tombee/conductor/internal/secrets"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Principal is the authenticated caller a request is attributed to.
type Principal struct {
	Token            string
	Organization     string
	OrganizationSlug string
	ActorRole        string
	Scopes           []string
}

// PrincipalFromContext extracts the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}

// AuthConfig configures the bearer-token authentication middleware.
type AuthConfig struct {
	Secrets       *secrets.Manager
	RatePerSecond float64 // per-token limiter; 0 disables rate limiting
	Burst         int
	Logger        *slog.Logger

	// JWTSecret, if set, enables a fallback authentication path: a
	// bearer value that doesn't match any static registry token is
	// parsed as an HS256 JWT and, if it verifies, yields a Principal
	// from its claims instead of an unauthorized response.
	JWTSecret []byte
	JWTIssuer string
}

// jwtClaims is the claim shape gazeqad issues and accepts, mirroring
// the teacher's controller-auth Claims but carrying the organization,
// slug, role and scope fields httpapi.Principal needs instead of a
// single UserID.
type jwtClaims struct {
	jwt.RegisteredClaims
	Organization     string   `json:"organization,omitempty"`
	OrganizationSlug string   `json:"organization_slug,omitempty"`
	ActorRole        string   `json:"actor_role,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
}

// verifyJWT parses and validates an HS256 token against secret,
// returning the Principal it describes.
func verifyJWT(tokenString string, secret []byte, issuer string) (*Principal, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	token, err := parser.ParseWithClaims(tokenString, &jwtClaims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if issuer != "" && claims.Issuer != issuer {
		return nil, jwt.ErrTokenInvalidIssuer
	}
	return &Principal{
		Token:            tokenString,
		Organization:     claims.Organization,
		OrganizationSlug: claims.OrganizationSlug,
		ActorRole:        claims.ActorRole,
		Scopes:           claims.Scopes,
	}, nil
}

// Auth builds the bearer-token authentication middleware. It resolves the
// Authorization header's token against the secrets manager's composed
// registry, rejects unknown or malformed tokens, and applies a
// per-principal token-bucket rate limit once authenticated.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiters := &limiterSet{limiters: map[string]*rate.Limiter{}}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := extractBearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}

			registry := cfg.Secrets.GetTokenRegistry()
			var principal *Principal
			if entry, matched := lookupToken(registry, token); matched {
				principal = &Principal{
					Token:            token,
					Organization:     entry.Organization,
					OrganizationSlug: entry.OrganizationSlug,
					ActorRole:        entry.ActorRole,
					Scopes:           entry.Scopes,
				}
			} else if len(cfg.JWTSecret) > 0 {
				p, err := verifyJWT(token, cfg.JWTSecret, cfg.JWTIssuer)
				if err != nil {
					logger.Warn("httpapi: rejected invalid bearer token", "error", err)
					writeError(w, http.StatusUnauthorized, "invalid bearer token")
					return
				}
				principal = p
			} else {
				logger.Warn("httpapi: rejected unknown bearer token")
				writeError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}

			if cfg.RatePerSecond > 0 {
				limiter := limiters.get(token, cfg.RatePerSecond, cfg.Burst)
				if !limiter.Allow() {
					writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
					return
				}
			}

			ctx := context.WithValue(r.Context(), principalContextKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractBearerToken reads the X-API-Key header (for clients that can't
// set Authorization) and otherwise "Authorization: Bearer <token>"; when
// both are present, X-API-Key wins.
func extractBearerToken(r *http.Request) (string, bool) {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v, true
	}
	v := r.Header.Get("Authorization")
	if v == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(v, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(v, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// lookupToken performs a constant-time comparison against each registry
// key so token lookup doesn't leak timing information about near-matches.
func lookupToken(registry secrets.Registry, token string) (secrets.TokenEntry, bool) {
	tokenBytes := []byte(token)
	for candidate, entry := range registry {
		if subtle.ConstantTimeCompare(tokenBytes, []byte(candidate)) == 1 {
			return entry, true
		}
	}
	return secrets.TokenEntry{}, false
}

// limiterSet lazily allocates one rate.Limiter per token.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func (s *limiterSet) get(token string, perSecond float64, burst int) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[token]; ok {
		return l
	}
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(perSecond), burst)
	s.limiters[token] = l
	return l
}

// StaticBearer builds middleware that accepts only the single configured
// token, bypassing the principal/scope/tenant machinery entirely. Used
// for the alert-ingestion webhook, which has no run or organization of
// its own to be scoped to.
func StaticBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusUnauthorized, "alert webhook not configured")
				return
			}
			got, ok := extractBearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireScope builds middleware rejecting requests whose principal lacks
// endpointName in its scope set. Must run after Auth.
func RequireScope(endpointName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "no authenticated principal")
				return
			}
			if !MatchesScope(principal.Scopes, endpointName) {
				writeError(w, http.StatusForbidden, "token scope does not permit "+endpointName)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
