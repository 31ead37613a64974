package middleware

import (
	"context"
	"net/http"
	"strings"

	pkgmw "github.com/kilnworks/kiln/pkg/middleware"
)

// Tenant resolves the workspace that owns the request. It checks the
// X-Workspace-ID header, then the workspace query parameter, and falls
// back to the default workspace. Every store call downstream is scoped
// by the resolved owner id.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get("X-Workspace-ID"))
		if owner == "" {
			owner = strings.TrimSpace(r.URL.Query().Get("workspace"))
		}
		if owner == "" {
			owner = pkgmw.DefaultOwner
		}
		next.ServeHTTP(w, r.WithContext(pkgmw.SetOwner(r.Context(), owner)))
	})
}

// GetOwner retrieves the workspace id from the request context.
func GetOwner(ctx context.Context) string {
	return pkgmw.GetOwner(ctx)
}
