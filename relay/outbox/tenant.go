package outbox

import (
	"context"
	"strings"
)

type tenantIDContextKey string

// TenantIDContextKey stores the tenant id for tenant-scoped operations.
const TenantIDContextKey tenantIDContextKey = "outbox.tenant_id"

// ContextWithTenantID returns a context carrying tenantID.
func ContextWithTenantID(ctx context.Context, tenantID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, TenantIDContextKey, strings.TrimSpace(tenantID))
}

// TenantIDFromContext reads the tenant id from the context.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	tenantID, ok := ctx.Value(TenantIDContextKey).(string)
	if !ok || strings.TrimSpace(tenantID) == "" {
		return "", false
	}

	return strings.TrimSpace(tenantID), true
}
