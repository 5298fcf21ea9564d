package domain

import (
	"time"

	"github.com/google/uuid"

	"mailgate_server/pkg/apperr"
)

// MailProvider identifies which external mail system a credential targets.
type MailProvider string

const (
	MailProviderGmail MailProvider = "gmail"
	MailProviderWorks MailProvider = "works"
)

// Valid reports whether the provider is one the gateway supports.
func (p MailProvider) Valid() bool {
	return p == MailProviderGmail || p == MailProviderWorks
}

func (p MailProvider) String() string {
	return string(p)
}

// ParseMailProvider converts a request string to a MailProvider.
func ParseMailProvider(s string) (MailProvider, error) {
	p := MailProvider(s)
	if !p.Valid() {
		return "", apperr.BadRequest("unsupported mail provider")
	}
	return p, nil
}

// GmailCredential holds the per-user Gmail fields. The OAuth app identity
// (client id/secret) is tenant-scoped and resolved separately.
type GmailCredential struct {
	RefreshToken string `json:"-"`
}

// WorksCredential holds the service-account fields for the Works groupware.
type WorksCredential struct {
	ClientID       string `json:"client_id"`
	ServiceAccount string `json:"service_account"`
	PrivateKeyPEM  string `json:"-"`
	DomainID       string `json:"domain_id"`
	UserID         string `json:"user_id"`
}

// MailCredential is a stored mail configuration. Exactly one of Gmail or
// Works is set, matching Provider. Secret fields never serialize.
type MailCredential struct {
	ID          uuid.UUID    `json:"id"`
	OwnerUserID uuid.UUID    `json:"owner_user_id"`
	TenantID    uuid.UUID    `json:"tenant_id"`
	Provider    MailProvider `json:"provider"`
	IsActive    bool         `json:"is_active"`
	Gmail       *GmailCredential `json:"-"`
	Works       *WorksCredential `json:"-"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Validate checks that every field the provider's token exchange needs is
// present. Callers must not attempt any network call when this fails.
func (c *MailCredential) Validate() error {
	switch c.Provider {
	case MailProviderGmail:
		if c.Gmail == nil || c.Gmail.RefreshToken == "" {
			return apperr.IncompleteCredential(string(c.Provider))
		}
	case MailProviderWorks:
		if c.Works == nil {
			return apperr.IncompleteCredential(string(c.Provider))
		}
		w := c.Works
		if w.ClientID == "" || w.ServiceAccount == "" || w.PrivateKeyPEM == "" || w.DomainID == "" {
			return apperr.IncompleteCredential(string(c.Provider))
		}
	default:
		return apperr.BadRequest("unsupported mail provider")
	}
	return nil
}

// MailboxUserID resolves the Works mailbox owner, preferring the explicit
// target user and falling back to the service account itself.
func (c *MailCredential) MailboxUserID() string {
	if c.Works == nil {
		return ""
	}
	if c.Works.UserID != "" {
		return c.Works.UserID
	}
	return c.Works.ServiceAccount
}

// TenantAPIConfig holds the tenant-scoped OAuth app identity for Gmail.
type TenantAPIConfig struct {
	TenantID           uuid.UUID `json:"tenant_id"`
	GoogleClientID     string    `json:"-"`
	GoogleClientSecret string    `json:"-"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Complete reports whether the Gmail app identity is usable.
func (c *TenantAPIConfig) Complete() bool {
	return c != nil && c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// AccessToken is a transient upstream token. It is minted per request and
// never persisted.
type AccessToken struct {
	Value     string `json:"-"`
	ExpiresIn int    `json:"expires_in"`
}
