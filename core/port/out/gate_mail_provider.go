// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"

	"mailgate_server/core/domain"
)

// =============================================================================
// Mail Provider Port (Gmail, Works)
// =============================================================================

// MailListOptions controls a mailbox listing call.
type MailListOptions struct {
	MaxResults int
	PageCursor string
}

// MailListResult is one page of normalized summaries. NextCursor is empty
// when no further page exists.
type MailListResult struct {
	Mails      []domain.MailSummary
	NextCursor string
}

// MailProviderPort is the outbound port for external mailbox access. Each
// call authenticates on its own; implementations mint a fresh access token
// per invocation and never cache it.
type MailProviderPort interface {
	ProviderType() domain.MailProvider

	// Test verifies the credential end to end with the cheapest possible
	// upstream call.
	Test(ctx context.Context, cred *domain.MailCredential) error

	// List returns one page of inbox summaries, newest first.
	List(ctx context.Context, cred *domain.MailCredential, opts *MailListOptions) (*MailListResult, error)

	// Read returns one full message with its decoded body.
	Read(ctx context.Context, cred *domain.MailCredential, messageID string) (*domain.MailDetail, error)
}

// TokenSource exchanges stored credential material for a short-lived
// upstream access token.
type TokenSource interface {
	ObtainAccessToken(ctx context.Context, cred *domain.MailCredential) (*domain.AccessToken, error)
}
