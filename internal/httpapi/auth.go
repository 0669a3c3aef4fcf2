package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// withAuth accepts either "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenMatches(r, tok) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func tokenMatches(r *http.Request, tok string) bool {
	got := r.URL.Query().Get("token")
	if got == "" {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if !strings.HasPrefix(ah, p) {
			return false
		}
		got = strings.TrimSpace(strings.TrimPrefix(ah, p))
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(tok)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
