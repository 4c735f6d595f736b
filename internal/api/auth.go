package api

import (
	"context"
	"net/http"
	"strings"

	"taskpilot/pkg/principal"
)

type ctxKey string

const principalContextKey ctxKey = "principal"

// authMiddleware resolves the Bearer API key to a principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(authz, prefix) {
			writeError(w, 401, "missing bearer token")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
		p, err := s.users.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, 401, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalContextKey, p)))
	})
}

func principalFromContext(ctx context.Context) *principal.Principal {
	p, _ := ctx.Value(principalContextKey).(*principal.Principal)
	return p
}

func isAdmin(p *principal.Principal) bool {
	return p != nil && p.Role == principal.RoleAdmin
}
