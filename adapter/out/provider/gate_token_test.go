package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mailgate_server/core/domain"
	"mailgate_server/pkg/apperr"
)

// =============================================================================
// Fixtures
// =============================================================================

type stubTenantStore struct {
	cfg   *domain.TenantAPIConfig
	err   error
	calls int
}

func (s *stubTenantStore) GetByTenant(ctx context.Context, tenantID uuid.UUID) (*domain.TenantAPIConfig, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.cfg, nil
}

func gmailCred() *domain.MailCredential {
	return &domain.MailCredential{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		TenantID:    uuid.New(),
		Provider:    domain.MailProviderGmail,
		IsActive:    true,
		Gmail:       &domain.GmailCredential{RefreshToken: "1//refresh-token"},
	}
}

func worksCred(pemText string) *domain.MailCredential {
	return &domain.MailCredential{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		TenantID:    uuid.New(),
		Provider:    domain.MailProviderWorks,
		IsActive:    true,
		Works: &domain.WorksCredential{
			ClientID:       "works-client",
			ServiceAccount: "svc@tenant",
			PrivateKeyPEM:  pemText,
			DomainID:       "400512345",
			UserID:         "user@tenant",
		},
	}
}

// =============================================================================
// Gmail Token Source
// =============================================================================

func TestGmailTokenExchange(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("bad form: %v", err)
		}
		gotForm = map[string]string{
			"client_id":     r.PostFormValue("client_id"),
			"client_secret": r.PostFormValue("client_secret"),
			"refresh_token": r.PostFormValue("refresh_token"),
			"grant_type":    r.PostFormValue("grant_type"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"T1","expires_in":3599,"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	src := NewGmailTokenSource(&stubTenantStore{cfg: &domain.TenantAPIConfig{
		GoogleClientID:     "app-id",
		GoogleClientSecret: "app-secret",
	}}, Options{TokenEndpoint: srv.URL, HTTPClient: srv.Client()}, zerolog.Nop())

	token, err := src.ObtainAccessToken(context.Background(), gmailCred())
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if token.Value != "T1" {
		t.Errorf("token = %q, want T1", token.Value)
	}
	if token.ExpiresIn != 3599 {
		t.Errorf("expires_in = %d, want 3599", token.ExpiresIn)
	}

	want := map[string]string{
		"client_id":     "app-id",
		"client_secret": "app-secret",
		"refresh_token": "1//refresh-token",
		"grant_type":    "refresh_token",
	}
	for k, v := range want {
		if gotForm[k] != v {
			t.Errorf("form[%s] = %q, want %q", k, gotForm[k], v)
		}
	}
}

func TestGmailTokenExchangeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer srv.Close()

	src := NewGmailTokenSource(&stubTenantStore{cfg: &domain.TenantAPIConfig{
		GoogleClientID:     "app-id",
		GoogleClientSecret: "app-secret",
	}}, Options{TokenEndpoint: srv.URL, HTTPClient: srv.Client()}, zerolog.Nop())

	_, err := src.ObtainAccessToken(context.Background(), gmailCred())
	if !apperr.IsCode(err, apperr.CodeTokenExchangeFailed) {
		t.Fatalf("expected TokenExchangeFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "expired or revoked") {
		t.Errorf("error should carry the upstream reason: %v", err)
	}
	if strings.Contains(err.Error(), "1//refresh-token") || strings.Contains(err.Error(), "app-secret") {
		t.Errorf("error leaks credential material: %v", err)
	}
}

func TestGmailTokenSuccessBodyWithErrorStatus(t *testing.T) {
	// Some endpoints report errors with a 200 and success bodies with
	// unexpected statuses. Presence of access_token decides the outcome.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"access_token":"T2","expires_in":3000}`))
	}))
	defer srv.Close()

	src := NewGmailTokenSource(&stubTenantStore{cfg: &domain.TenantAPIConfig{
		GoogleClientID:     "app-id",
		GoogleClientSecret: "app-secret",
	}}, Options{TokenEndpoint: srv.URL, HTTPClient: srv.Client()}, zerolog.Nop())

	token, err := src.ObtainAccessToken(context.Background(), gmailCred())
	if err != nil {
		t.Fatalf("access_token in body should win over status: %v", err)
	}
	if token.Value != "T2" {
		t.Errorf("token = %q, want T2", token.Value)
	}
}

func TestGmailTokenMissingTenantConfig(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	tests := []struct {
		name  string
		store *stubTenantStore
	}{
		{"store miss", &stubTenantStore{err: apperr.NotFound("tenant api config")}},
		{"empty client secret", &stubTenantStore{cfg: &domain.TenantAPIConfig{GoogleClientID: "app-id"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewGmailTokenSource(tt.store, Options{TokenEndpoint: srv.URL, HTTPClient: srv.Client()}, zerolog.Nop())

			_, err := src.ObtainAccessToken(context.Background(), gmailCred())
			if !apperr.IsCode(err, apperr.CodeIncompleteCredential) {
				t.Fatalf("expected IncompleteCredential, got %v", err)
			}
		})
	}

	if hits != 0 {
		t.Errorf("token endpoint was reached %d times, want 0", hits)
	}
}

func TestGmailTokenExchangeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the POST body so the server notices the client disconnect;
		// otherwise the request context is never cancelled and Close hangs (F6).
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	src := NewGmailTokenSource(&stubTenantStore{cfg: &domain.TenantAPIConfig{
		GoogleClientID:     "app-id",
		GoogleClientSecret: "app-secret",
	}}, Options{
		TokenEndpoint: srv.URL,
		HTTPClient:    &http.Client{Timeout: 50 * time.Millisecond},
	}, zerolog.Nop())

	_, err := src.ObtainAccessToken(context.Background(), gmailCred())
	if !apperr.IsCode(err, apperr.CodeUpstreamTimeout) {
		t.Fatalf("expected UpstreamTimeout for a stalled token endpoint, got %v", err)
	}
	if apperr.IsCode(err, apperr.CodeTokenExchangeFailed) {
		t.Error("a timeout must not surface as a token exchange rejection")
	}
}

// =============================================================================
// Works Token Source
// =============================================================================

func TestWorksTokenExchange(t *testing.T) {
	_, pemText := testKeyPEM(t)

	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("bad form: %v", err)
		}
		gotForm = map[string]string{
			"grant_type": r.PostFormValue("grant_type"),
			"assertion":  r.PostFormValue("assertion"),
			"client_id":  r.PostFormValue("client_id"),
			"scope":      r.PostFormValue("scope"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"W1","expires_in":86400}`))
	}))
	defer srv.Close()

	src := NewWorksTokenSource(Options{TokenEndpoint: srv.URL, HTTPClient: srv.Client()}, zerolog.Nop())
	src.now = func() time.Time { return time.Unix(1700000000, 0) }

	token, err := src.ObtainAccessToken(context.Background(), worksCred(pemText))
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if token.Value != "W1" {
		t.Errorf("token = %q, want W1", token.Value)
	}

	if gotForm["grant_type"] != jwtBearerGrantType {
		t.Errorf("grant_type = %q", gotForm["grant_type"])
	}
	if gotForm["client_id"] != "works-client" {
		t.Errorf("client_id = %q", gotForm["client_id"])
	}
	if gotForm["scope"] != worksMailScope {
		t.Errorf("scope = %q", gotForm["scope"])
	}
	if strings.Count(gotForm["assertion"], ".") != 2 {
		t.Errorf("assertion is not a three-segment JWT: %q", gotForm["assertion"])
	}
}

func TestWorksTokenIncompleteCredentialNoNetwork(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	src := NewWorksTokenSource(Options{TokenEndpoint: srv.URL, HTTPClient: srv.Client()}, zerolog.Nop())

	cred := worksCred("")
	cred.Works.PrivateKeyPEM = ""

	_, err := src.ObtainAccessToken(context.Background(), cred)
	if !apperr.IsCode(err, apperr.CodeIncompleteCredential) {
		t.Fatalf("expected IncompleteCredential, got %v", err)
	}
	if hits != 0 {
		t.Errorf("token endpoint was reached %d times, want 0", hits)
	}
	if strings.Contains(err.Error(), "private_key") || strings.Contains(err.Error(), "works-client") {
		t.Errorf("error names credential internals: %v", err)
	}
}

func TestWorksTokenExchangeRejected(t *testing.T) {
	_, pemText := testKeyPEM(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client","error_description":"client authentication failed"}`))
	}))
	defer srv.Close()

	src := NewWorksTokenSource(Options{TokenEndpoint: srv.URL, HTTPClient: srv.Client()}, zerolog.Nop())

	_, err := src.ObtainAccessToken(context.Background(), worksCred(pemText))
	if !apperr.IsCode(err, apperr.CodeTokenExchangeFailed) {
		t.Fatalf("expected TokenExchangeFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "client authentication failed") {
		t.Errorf("error should carry the upstream reason: %v", err)
	}
}
