package out

import (
	"context"

	"github.com/google/uuid"

	"mailgate_server/core/domain"
)

// =============================================================================
// Credential Store Ports
// =============================================================================

// CredentialStore reads stored mail configurations. The gateway never writes
// credentials; provisioning happens out of band.
type CredentialStore interface {
	// GetByID returns the credential regardless of owner. Ownership checks
	// happen in the service layer so absent and not-owned collapse into the
	// same outward error.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.MailCredential, error)

	// ListByOwner returns all credentials owned by a user within a tenant.
	ListByOwner(ctx context.Context, tenantID, ownerUserID uuid.UUID) ([]*domain.MailCredential, error)
}

// TenantConfigStore resolves the tenant-scoped OAuth app identity used for
// Gmail token exchange.
type TenantConfigStore interface {
	GetByTenant(ctx context.Context, tenantID uuid.UUID) (*domain.TenantAPIConfig, error)
}
