// Package mailgate dispatches authenticated mailbox operations to the
// provider adapters.
package mailgate

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mailgate_server/adapter/out/persistence"
	"mailgate_server/core/domain"
	"mailgate_server/core/port/out"
	"mailgate_server/pkg/apperr"
)

// Action selects the mailbox operation.
type Action string

const (
	ActionTest Action = "test"
	ActionList Action = "list"
	ActionRead Action = "read"
)

// FetchRequest is the dispatcher's single-operation input.
type FetchRequest struct {
	Action       Action
	Provider     domain.MailProvider
	CredentialID uuid.UUID
	MessageID    string
	MaxResults   int
	PageCursor   string
}

// TestResult reports credential verification without upstream payload.
type TestResult struct {
	Success bool `json:"success"`
}

// ListResult is the caller-facing list page. NextCursor serializes as null
// when pagination ends.
type ListResult struct {
	Mails      []domain.MailSummary `json:"mails"`
	NextCursor *string              `json:"next_cursor"`
}

// Service is the gateway dispatcher. Stateless; one request per invocation.
type Service struct {
	credentials out.CredentialStore
	gmail       out.MailProviderPort
	works       out.MailProviderPort
	log         zerolog.Logger
}

// NewService creates the dispatcher with one adapter per supported provider.
func NewService(credentials out.CredentialStore, gmail, works out.MailProviderPort, log zerolog.Logger) *Service {
	return &Service{
		credentials: credentials,
		gmail:       gmail,
		works:       works,
		log:         log,
	}
}

// Dispatch runs one operation end to end: load credential, verify ownership,
// select the provider pair, invoke, normalize errors.
func (s *Service) Dispatch(ctx context.Context, callerID uuid.UUID, req *FetchRequest) (any, error) {
	switch req.Action {
	case ActionTest:
		if err := s.Test(ctx, callerID, req.CredentialID, req.Provider); err != nil {
			return nil, err
		}
		return &TestResult{Success: true}, nil
	case ActionList:
		return s.List(ctx, callerID, req.CredentialID, req.Provider, req.MaxResults, req.PageCursor)
	case ActionRead:
		return s.Read(ctx, callerID, req.CredentialID, req.Provider, req.MessageID)
	default:
		return nil, apperr.BadRequest("unsupported action")
	}
}

// Test verifies a credential end to end.
func (s *Service) Test(ctx context.Context, callerID, credentialID uuid.UUID, provider domain.MailProvider) error {
	cred, adapter, err := s.resolve(ctx, callerID, credentialID, provider)
	if err != nil {
		return err
	}
	return adapter.Test(ctx, cred)
}

// List returns one page of inbox summaries for a credential.
func (s *Service) List(ctx context.Context, callerID, credentialID uuid.UUID, provider domain.MailProvider, maxResults int, pageCursor string) (*ListResult, error) {
	cred, adapter, err := s.resolve(ctx, callerID, credentialID, provider)
	if err != nil {
		return nil, err
	}

	result, err := adapter.List(ctx, cred, &out.MailListOptions{
		MaxResults: domain.ClampListSize(maxResults),
		PageCursor: pageCursor,
	})
	if err != nil {
		return nil, err
	}

	mails := result.Mails
	if mails == nil {
		mails = []domain.MailSummary{}
	}
	var next *string
	if result.NextCursor != "" {
		next = &result.NextCursor
	}
	return &ListResult{Mails: mails, NextCursor: next}, nil
}

// Read returns one full message for a credential.
func (s *Service) Read(ctx context.Context, callerID, credentialID uuid.UUID, provider domain.MailProvider, messageID string) (*domain.MailDetail, error) {
	if messageID == "" {
		return nil, apperr.MissingField("message_id")
	}

	cred, adapter, err := s.resolve(ctx, callerID, credentialID, provider)
	if err != nil {
		return nil, err
	}
	return adapter.Read(ctx, cred, messageID)
}

// ListCredentials returns the caller's own mail configurations, secrets
// excluded by the domain serialization rules.
func (s *Service) ListCredentials(ctx context.Context, tenantID, callerID uuid.UUID) ([]*domain.MailCredential, error) {
	creds, err := s.credentials.ListByOwner(ctx, tenantID, callerID)
	if err != nil {
		return nil, apperr.DatabaseError("list mail credentials", err)
	}
	return creds, nil
}

// resolve loads the credential, enforces ownership, and picks the adapter.
// Absent, not-owned, and deactivated credentials all surface the same
// NotFound so callers cannot probe for existence.
func (s *Service) resolve(ctx context.Context, callerID, credentialID uuid.UUID, provider domain.MailProvider) (*domain.MailCredential, out.MailProviderPort, error) {
	cred, err := s.credentials.GetByID(ctx, credentialID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, nil, apperr.NotFound("mail credential")
		}
		return nil, nil, apperr.DatabaseError("load mail credential", err)
	}

	if cred.OwnerUserID != callerID {
		s.log.Warn().
			Str("credential_id", credentialID.String()).
			Str("caller_id", callerID.String()).
			Msg("credential access denied, owner mismatch")
		return nil, nil, apperr.NotFound("mail credential")
	}

	if !cred.IsActive {
		return nil, nil, apperr.NotFound("mail credential")
	}

	if provider != "" && provider != cred.Provider {
		return nil, nil, apperr.BadRequest("provider does not match the credential")
	}

	switch cred.Provider {
	case domain.MailProviderGmail:
		return cred, s.gmail, nil
	case domain.MailProviderWorks:
		return cred, s.works, nil
	default:
		return nil, nil, apperr.BadRequest("unsupported mail provider")
	}
}
