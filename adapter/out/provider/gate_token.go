package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"mailgate_server/core/domain"
	"mailgate_server/core/port/out"
	"mailgate_server/pkg/apperr"
	"mailgate_server/pkg/httputil"
)

// =============================================================================
// Token Endpoints
// =============================================================================

const (
	gmailTokenEndpoint = "https://oauth2.googleapis.com/token"
	worksTokenEndpoint = "https://auth.worksmobile.com/oauth2/v2.0/token"

	jwtBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	worksMailScope     = "mail.read"
)

// tokenResponse is the wire shape both token endpoints share. Success is
// determined by access_token presence, not by HTTP status: some endpoints
// return 200 with an error body.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// exchangeToken posts a form to a token endpoint and maps the outcome to the
// gateway error taxonomy. The form itself never appears in errors or logs.
func exchangeToken(ctx context.Context, client *http.Client, endpoint string, form url.Values, providerName string) (*domain.AccessToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperr.TokenExchangeFailed(providerName, "").WithError(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		if isTimeoutErr(err) {
			return nil, apperr.UpstreamTimeout(providerName)
		}
		return nil, apperr.TokenExchangeFailed(providerName, "").WithError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.TokenExchangeFailed(providerName, "").WithError(err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, apperr.TokenExchangeFailed(providerName, "unexpected response from token endpoint")
	}

	if tr.AccessToken == "" {
		reason := tr.ErrorDescription
		if reason == "" {
			reason = tr.Error
		}
		return nil, apperr.TokenExchangeFailed(providerName, reason)
	}

	return &domain.AccessToken{Value: tr.AccessToken, ExpiresIn: tr.ExpiresIn}, nil
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// =============================================================================
// Gmail Token Source (OAuth2 refresh-token exchange)
// =============================================================================

// GmailTokenSource mints access tokens from a stored refresh token. The
// OAuth app identity comes from the tenant config store at call time.
type GmailTokenSource struct {
	endpoint string
	tenants  out.TenantConfigStore
	client   *http.Client
	log      zerolog.Logger
}

// NewGmailTokenSource creates a Gmail token source. A zero Options
// targets the public token endpoint.
func NewGmailTokenSource(tenants out.TenantConfigStore, opts Options, log zerolog.Logger) *GmailTokenSource {
	endpoint := opts.TokenEndpoint
	if endpoint == "" {
		endpoint = gmailTokenEndpoint
	}
	client := opts.HTTPClient
	if client == nil {
		client = httputil.TokenClient()
	}

	return &GmailTokenSource{
		endpoint: endpoint,
		tenants:  tenants,
		client:   client,
		log:      log,
	}
}

// ObtainAccessToken exchanges the stored refresh token for a fresh access
// token. Nothing leaves this function except the token itself.
func (s *GmailTokenSource) ObtainAccessToken(ctx context.Context, cred *domain.MailCredential) (*domain.AccessToken, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}

	cfg, err := s.tenants.GetByTenant(ctx, cred.TenantID)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return nil, apperr.IncompleteCredential(string(domain.MailProviderGmail))
		}
		return nil, err
	}
	if !cfg.Complete() {
		return nil, apperr.IncompleteCredential(string(domain.MailProviderGmail))
	}

	s.log.Debug().
		Str("tenant_id", cred.TenantID.String()).
		Str("credential_id", cred.ID.String()).
		Msg("exchanging gmail refresh token")

	form := url.Values{}
	form.Set("client_id", cfg.GoogleClientID)
	form.Set("client_secret", cfg.GoogleClientSecret)
	form.Set("refresh_token", cred.Gmail.RefreshToken)
	form.Set("grant_type", "refresh_token")

	return exchangeToken(ctx, s.client, s.endpoint, form, string(domain.MailProviderGmail))
}

// =============================================================================
// Works Token Source (JWT-bearer assertion)
// =============================================================================

// WorksTokenSource mints access tokens by presenting a self-signed
// service-account assertion. A new assertion is built on every call.
type WorksTokenSource struct {
	endpoint string
	client   *http.Client
	log      zerolog.Logger
	now      func() time.Time
}

// NewWorksTokenSource creates a Works token source. A zero Options
// targets the public token endpoint.
func NewWorksTokenSource(opts Options, log zerolog.Logger) *WorksTokenSource {
	endpoint := opts.TokenEndpoint
	if endpoint == "" {
		endpoint = worksTokenEndpoint
	}
	client := opts.HTTPClient
	if client == nil {
		client = httputil.TokenClient()
	}

	return &WorksTokenSource{
		endpoint: endpoint,
		client:   client,
		log:      log,
		now:      time.Now,
	}
}

// ObtainAccessToken builds a fresh assertion and exchanges it.
func (s *WorksTokenSource) ObtainAccessToken(ctx context.Context, cred *domain.MailCredential) (*domain.AccessToken, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}

	assertion, err := BuildAssertion(&AssertionInput{
		Issuer:        cred.Works.ClientID,
		Subject:       cred.Works.ServiceAccount,
		Audience:      s.endpoint,
		DomainID:      cred.Works.DomainID,
		PrivateKeyPEM: cred.Works.PrivateKeyPEM,
	}, s.now())
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("tenant_id", cred.TenantID.String()).
		Str("credential_id", cred.ID.String()).
		Msg("exchanging works service-account assertion")

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrantType)
	form.Set("assertion", assertion)
	form.Set("client_id", cred.Works.ClientID)
	form.Set("scope", worksMailScope)

	return exchangeToken(ctx, s.client, s.endpoint, form, string(domain.MailProviderWorks))
}
