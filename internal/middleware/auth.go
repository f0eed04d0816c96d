package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	"keygate/internal/auth"
	apierrors "keygate/internal/errors"
)

type adminKey struct{}

// RequireAdmin guards admin routes with a bearer token. The authenticated
// username is placed in the request context for audit attribution.
func RequireAdmin(issuer *auth.TokenIssuer, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				render.Render(w, r, apierrors.ErrUnauthorized)
				return
			}

			username, err := issuer.Verify(token)
			if err != nil {
				logger.WarnContext(r.Context(), "admin token rejected",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				render.Render(w, r, apierrors.ErrUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), adminKey{}, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminUser returns the authenticated admin username, or empty outside a
// guarded route.
func AdminUser(ctx context.Context) string {
	if username, ok := ctx.Value(adminKey{}).(string); ok {
		return username
	}
	return ""
}
