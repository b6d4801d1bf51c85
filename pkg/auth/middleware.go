package auth

import (
	"net"
	"net/http"
	"strings"

	"github.com/garudex-labs/caracal/pkg/api"
)

// publicPaths are served without authentication.
var publicPaths = []string{
	"/health",
	"/stats",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Middleware authenticates every non-public request through the chain and
// injects the identity into the request context. A nil or empty chain
// rejects everything (fail closed).
func Middleware(chain Chain) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			id, err := chain.Authenticate(r)
			if err != nil {
				detail := "Authentication required"
				if err != ErrNoCredentials {
					detail = "Credentials rejected"
				}
				api.WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", detail)
				return
			}

			ctx := WithIdentity(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware throttles per caller: the authenticated principal
// when present, the remote IP otherwise. Limiter store errors fail open so
// a Redis outage slows nothing but the throttling itself.
func RateLimitMiddleware(store LimiterStore, limit Limit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := clientIP(r)
			if id, ok := IdentityFrom(r.Context()); ok {
				actorID = id.PrincipalID
			}

			allowed, err := store.Allow(r.Context(), actorID, limit, 1)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				api.WriteTooManyRequests(w, limit.RetryAfter())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
