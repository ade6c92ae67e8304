package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/reelworks/orchestrator/internal/api/problem"
)

// TenantIDKey is the context key for the authenticated tenant.
const TenantIDKey contextKey = "tenant_id"

// TenantHeader carries the caller's tenant. Authentication proper sits in
// front of this service; the engine only needs the scoping identity.
const TenantHeader = "X-Tenant-ID"

// RequireTenant rejects requests without a tenant identity and stores the
// tenant on the context for handlers and the rate limiter.
func RequireTenant(env string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := strings.TrimSpace(r.Header.Get(TenantHeader))
			if tenant == "" {
				problem.Write(w, r, http.StatusUnauthorized, problem.TypeValidation, "Missing tenant", nil, env,
					problem.WithDetail("the "+TenantHeader+" header is required"))
				return
			}
			ctx := context.WithValue(r.Context(), TenantIDKey, tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantID extracts the tenant from context, empty when unauthenticated.
func TenantID(ctx context.Context) string {
	if tenant, ok := ctx.Value(TenantIDKey).(string); ok {
		return tenant
	}
	return ""
}
