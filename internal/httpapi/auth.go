package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/layneker8/soft-turnos/internal/apierr"
	"github.com/layneker8/soft-turnos/internal/capability"
)

type authContextKey struct{}

type authInfo struct {
	Subject     string
	Permissions capability.Set
}

// AuthMiddleware verifies the bearer token of every non-public request and
// stores its subject and permissions in the request context.
func AuthMiddleware(secret []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, apierr.CodeUnauthorized, "missing bearer token", nil)
			return
		}
		claims, err := capability.Verify(secret, token)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, apierr.CodeUnauthorized, "invalid token", nil)
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, authInfo{Subject: claims.Subject, Permissions: claims.Set()})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func authFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(authContextKey{}).(authInfo)
	return info, ok
}

func subjectFromContext(ctx context.Context) string {
	info, _ := authFromContext(ctx)
	return info.Subject
}

func permissionsFromContext(ctx context.Context) capability.Set {
	info, _ := authFromContext(ctx)
	return info.Permissions
}

// requirePermission writes a 403 unless the caller holds any of perms.
func requirePermission(w http.ResponseWriter, r *http.Request, perms ...string) bool {
	info, ok := authFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, apierr.CodeUnauthorized, "missing bearer token", nil)
		return false
	}
	if !info.Permissions.HasAnyPermission(perms...) {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, apierr.CodeUnauthorized, "missing permission "+strings.Join(perms, " or "), nil)
		return false
	}
	return true
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	token = strings.TrimSpace(token)
	if strings.ContainsAny(token, " \t") {
		return ""
	}
	return token
}

func isPublicEndpoint(r *http.Request) bool {
	switch {
	case r.URL.Path == "/healthz", r.URL.Path == "/metrics":
		return true
	case strings.HasPrefix(r.URL.Path, "/realtime/"):
		return true
	case r.URL.Path == "/api/tickets/snapshot":
		return r.Method == http.MethodGet
	default:
		return r.Method == http.MethodOptions
	}
}
