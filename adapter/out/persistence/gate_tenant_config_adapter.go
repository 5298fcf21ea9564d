package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailgate_server/core/domain"
	"mailgate_server/pkg/crypto"
)

// Config keys holding the tenant's Gmail OAuth app identity.
const (
	configKeyGoogleClientID     = "GOOGLE_CLIENT_ID"
	configKeyGoogleClientSecret = "GOOGLE_CLIENT_SECRET"
)

// TenantConfigAdapter implements out.TenantConfigStore over the key/value
// tenant_api_configs table.
type TenantConfigAdapter struct {
	db *sqlx.DB
}

// NewTenantConfigAdapter creates a new TenantConfigAdapter.
func NewTenantConfigAdapter(db *sqlx.DB) *TenantConfigAdapter {
	return &TenantConfigAdapter{db: db}
}

type tenantConfigRow struct {
	ConfigKey   string    `db:"config_key"`
	ConfigValue string    `db:"config_value"`
	IsEncrypted bool      `db:"is_encrypted"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// GetByTenant assembles the Gmail app identity for a tenant. Missing keys
// leave their fields empty; completeness is the caller's judgment.
func (a *TenantConfigAdapter) GetByTenant(ctx context.Context, tenantID uuid.UUID) (*domain.TenantAPIConfig, error) {
	var rows []tenantConfigRow
	query := `
		SELECT config_key, config_value, COALESCE(is_encrypted, false) AS is_encrypted, updated_at
		FROM tenant_api_configs
		WHERE tenant_id = $1 AND config_key IN ($2, $3)`

	if err := a.db.SelectContext(ctx, &rows, query, tenantID, configKeyGoogleClientID, configKeyGoogleClientSecret); err != nil {
		return nil, err
	}

	cfg := &domain.TenantAPIConfig{TenantID: tenantID}
	for _, row := range rows {
		value := row.ConfigValue
		if row.IsEncrypted {
			if decrypted, err := crypto.DecryptSecret(value); err == nil {
				value = decrypted
			}
		}
		switch row.ConfigKey {
		case configKeyGoogleClientID:
			cfg.GoogleClientID = value
		case configKeyGoogleClientSecret:
			cfg.GoogleClientSecret = value
		}
		if row.UpdatedAt.After(cfg.UpdatedAt) {
			cfg.UpdatedAt = row.UpdatedAt
		}
	}
	return cfg, nil
}
