// Package persistence provides database adapters.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailgate_server/core/domain"
	"mailgate_server/pkg/crypto"
	"mailgate_server/pkg/logger"
)

// CredentialAdapter implements out.CredentialStore using PostgreSQL. The
// gateway only reads credentials; provisioning writes happen elsewhere.
type CredentialAdapter struct {
	db                *sqlx.DB
	encryptionEnabled bool
}

// NewCredentialAdapter creates a new CredentialAdapter.
func NewCredentialAdapter(db *sqlx.DB) *CredentialAdapter {
	err := crypto.Init()
	encryptionEnabled := err == nil
	if !encryptionEnabled {
		logger.Warn("Credential decryption disabled: %v", err)
	} else {
		logger.Info("Credential decryption enabled")
	}

	return &CredentialAdapter{
		db:                db,
		encryptionEnabled: encryptionEnabled,
	}
}

type mailCredentialRow struct {
	ID                 uuid.UUID      `db:"id"`
	UserID             uuid.UUID      `db:"user_id"`
	TenantID           uuid.UUID      `db:"tenant_id"`
	Provider           string         `db:"provider"`
	IsActive           bool           `db:"is_active"`
	GoogleRefreshToken sql.NullString `db:"google_refresh_token"`
	NwClientID         sql.NullString `db:"nw_client_id"`
	NwServiceAccount   sql.NullString `db:"nw_service_account"`
	NwPrivateKey       sql.NullString `db:"nw_private_key"`
	NwDomainID         sql.NullString `db:"nw_domain_id"`
	NwUserID           sql.NullString `db:"nw_user_id"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

const mailCredentialColumns = `
	id, user_id, tenant_id, provider, is_active,
	google_refresh_token, nw_client_id, nw_service_account,
	nw_private_key, nw_domain_id, nw_user_id, created_at, updated_at`

// GetByID returns the credential row regardless of owner. The ownership
// check lives in the service layer.
func (a *CredentialAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.MailCredential, error) {
	var row mailCredentialRow
	query := `SELECT ` + mailCredentialColumns + ` FROM user_mail_configs WHERE id = $1`

	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return a.toDomain(&row), nil
}

// ListByOwner returns all credentials a user owns within a tenant.
func (a *CredentialAdapter) ListByOwner(ctx context.Context, tenantID, ownerUserID uuid.UUID) ([]*domain.MailCredential, error) {
	var rows []mailCredentialRow
	query := `SELECT ` + mailCredentialColumns + `
		FROM user_mail_configs
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY created_at DESC`

	if err := a.db.SelectContext(ctx, &rows, query, tenantID, ownerUserID); err != nil {
		return nil, err
	}

	creds := make([]*domain.MailCredential, 0, len(rows))
	for i := range rows {
		creds = append(creds, a.toDomain(&rows[i]))
	}
	return creds, nil
}

func (a *CredentialAdapter) toDomain(row *mailCredentialRow) *domain.MailCredential {
	cred := &domain.MailCredential{
		ID:          row.ID,
		OwnerUserID: row.UserID,
		TenantID:    row.TenantID,
		Provider:    parseStoredProvider(row.Provider),
		IsActive:    row.IsActive,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}

	switch cred.Provider {
	case domain.MailProviderGmail:
		cred.Gmail = &domain.GmailCredential{
			RefreshToken: a.decryptSecret(row.GoogleRefreshToken.String),
		}
	case domain.MailProviderWorks:
		cred.Works = &domain.WorksCredential{
			ClientID:       row.NwClientID.String,
			ServiceAccount: row.NwServiceAccount.String,
			PrivateKeyPEM:  a.decryptSecret(row.NwPrivateKey.String),
			DomainID:       row.NwDomainID.String,
			UserID:         row.NwUserID.String,
		}
	}
	return cred
}

// parseStoredProvider maps DB provider tags, including the legacy
// "naverworks" value, onto the domain enum.
func parseStoredProvider(s string) domain.MailProvider {
	switch s {
	case "gmail":
		return domain.MailProviderGmail
	case "works", "naverworks":
		return domain.MailProviderWorks
	default:
		return domain.MailProvider(s)
	}
}

// decryptSecret decrypts a stored secret if it appears encrypted. Plaintext
// legacy rows pass through unchanged.
func (a *CredentialAdapter) decryptSecret(value string) string {
	if value == "" || !a.encryptionEnabled {
		return value
	}
	if !crypto.IsEncrypted(value) {
		return value
	}
	decrypted, err := crypto.DecryptSecret(value)
	if err != nil {
		return value
	}
	return decrypted
}
