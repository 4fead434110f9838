package gateway

import (
	"crypto/hmac"
	"net/http"
	"strings"

	"github.com/peterje/popper/internal/api"
)

// Auth guards proxied traffic with a bearer token. Browsers cannot set
// headers on a WebSocket handshake, so the token is also accepted as the
// "token" query parameter.
type Auth struct {
	token []byte
}

func NewAuth(token string) *Auth {
	return &Auth{token: []byte(token)}
}

// Middleware returns an HTTP middleware that enforces authentication.
// Exempt paths: /gateway/health, /tunnel
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		if path == "/gateway/health" || path == "/tunnel" {
			next.ServeHTTP(w, r)
			return
		}

		if !a.valid(r) {
			api.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *Auth) valid(r *http.Request) bool {
	presented := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		presented = strings.TrimPrefix(h, "Bearer ")
	}
	if presented == "" || len(a.token) == 0 {
		return false
	}
	return hmac.Equal([]byte(presented), a.token)
}
