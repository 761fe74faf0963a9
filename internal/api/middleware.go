package api

import (
	"context"
	"net/http"

	"github.com/gravitational/trace"

	"github.com/nixci/runner/internal/forge"
)

type accountCtxKey struct{}

// requireBeta authenticates the request and rejects callers lacking the
// beta_user role (spec §3, §6, §7: AuthenticationRequired -> 401,
// BetaAccessRequired -> 403).
func (h *handlers) requireBeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, err := h.cfg.Auth.Authenticate(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		if !account.HasRole(forge.RoleBetaUser) {
			writeError(w, trace.AccessDenied("beta access required"))
			return
		}
		ctx := context.WithValue(r.Context(), accountCtxKey{}, account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accountFromContext(r *http.Request) *forge.Account {
	acc, _ := r.Context().Value(accountCtxKey{}).(*forge.Account)
	return acc
}
