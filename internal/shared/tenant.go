package shared

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Tenant scopes every read and mutation to an (entity, plant) pair.
// Cross-tenant visibility is a defect, so every repository statement must
// carry both predicates.
type Tenant struct {
	EntityID uuid.UUID
	PlantID  uuid.UUID
}

// Validate rejects tenants with a missing component.
func (t Tenant) Validate() error {
	if t.EntityID == uuid.Nil || t.PlantID == uuid.Nil {
		return fmt.Errorf("tenant requires entity and plant: %w", ErrValidation)
	}
	return nil
}

func (t Tenant) String() string {
	return fmt.Sprintf("%s/%s", t.EntityID, t.PlantID)
}

type tenantContextKey struct{}

// ContextWithTenant stores the tenant in context.
func ContextWithTenant(ctx context.Context, t Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, t)
}

// TenantFromContext extracts the tenant from context.
func TenantFromContext(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(tenantContextKey{}).(Tenant)
	return t, ok
}
