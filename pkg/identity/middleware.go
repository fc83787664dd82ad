package identity

import (
	"log/slog"
	"net/http"
	"strings"
)

// Verifier turns a bearer token into a principal.
type Verifier interface {
	Verify(token string) (*Principal, error)
}

// Middleware attaches the principal for valid bearer tokens. Requests
// without a valid token pass through anonymous; handlers decide whether
// that is acceptable.
func Middleware(v Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearer(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			p, err := v.Verify(token)
			if err != nil {
				logger.Warn("invalid token", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			logger.Debug("authenticated principal", "id", p.ID, "email", p.Email)
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		// EventSource clients cannot set headers.
		return r.URL.Query().Get("access_token")
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
