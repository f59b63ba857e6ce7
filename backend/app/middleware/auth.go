package middleware

import (
	"context"
	"net/http"
	"strings"

	jwtutil "booth-agent/backend/app/jwt"
	"booth-agent/backend/global"
)

type ctxKey int

const ClaimsKey ctxKey = 1

// Auth guards the agent channel. A nil Verifier lets every request through.
type Auth struct{ Verifier *jwtutil.Verifier }

func (a *Auth) RequireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Verifier == nil {
			next.ServeHTTP(w, r)
			return
		}
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(authz, "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		claims, err := a.Verifier.Parse(strings.TrimPrefix(authz, "Bearer "))
		if err != nil {
			global.Logger.Warn().Err(err).Str("ip", r.RemoteAddr).Msg("agent token rejected")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
