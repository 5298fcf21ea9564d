package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"mailgate_server/core/domain"
	"mailgate_server/core/port/out"
	"mailgate_server/pkg/apperr"
	"mailgate_server/pkg/httputil"
)

const worksAPIBaseURL = "https://www.worksapis.com/v1.0"

// =============================================================================
// Works Wire Types
// =============================================================================

type worksAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type worksMessage struct {
	MailID       string         `json:"mailId"`
	ID           string         `json:"id"`
	Subject      string         `json:"subject"`
	From         *worksAddress  `json:"from"`
	To           []worksAddress `json:"to"`
	ReceivedDate string         `json:"receivedDate"`
	SentDate     string         `json:"sentDate"`
	Body         string         `json:"body"`
	IsRead       bool           `json:"isRead"`
	Attachments  []worksAttachment `json:"attachments"`
}

type worksAttachment struct {
	AttachmentID string `json:"attachmentId"`
	FileName     string `json:"fileName"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
}

// worksMessageList tolerates both field names the API has used for the
// message array.
type worksMessageList struct {
	Messages []worksMessage `json:"messages"`
	Mails    []worksMessage `json:"mails"`
}

func (l *worksMessageList) items() []worksMessage {
	if len(l.Messages) > 0 {
		return l.Messages
	}
	return l.Mails
}

// =============================================================================
// Works Adapter
// =============================================================================

// WorksAdapter implements out.MailProviderPort over the Works groupware REST
// API. List responses embed full summaries, so no per-message fan-out is
// needed.
type WorksAdapter struct {
	baseURL string
	tokens  out.TokenSource
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewWorksAdapter creates a Works adapter. A zero Options targets the
// public API. The fan-out options are ignored here: Works list responses
// already embed full summaries.
func NewWorksAdapter(tokens out.TokenSource, opts Options, log zerolog.Logger) *WorksAdapter {
	cbSettings := gobreaker.Settings{
		Name:        "works-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	baseURL := opts.APIBaseURL
	if baseURL == "" {
		baseURL = worksAPIBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = httputil.WorksClient()
	}

	return &WorksAdapter{
		baseURL: baseURL,
		tokens:  tokens,
		client:  client,
		cb:      gobreaker.NewCircuitBreaker(cbSettings),
		log:     log,
	}
}

// ProviderType returns the provider this adapter serves.
func (a *WorksAdapter) ProviderType() domain.MailProvider {
	return domain.MailProviderWorks
}

// Test verifies the credential with a one-item inbox list.
func (a *WorksAdapter) Test(ctx context.Context, cred *domain.MailCredential) error {
	token, err := a.tokens.ObtainAccessToken(ctx, cred)
	if err != nil {
		return err
	}

	var page worksMessageList
	path := a.mailboxPath(cred) + "?folderId=INBOX&count=1"
	return a.getJSON(ctx, token, path, &page)
}

// List fetches one page of inbox summaries. The page cursor is a numeric
// offset into the inbox.
func (a *WorksAdapter) List(ctx context.Context, cred *domain.MailCredential, opts *out.MailListOptions) (*out.MailListResult, error) {
	token, err := a.tokens.ObtainAccessToken(ctx, cred)
	if err != nil {
		return nil, err
	}

	maxResults := domain.DefaultMailListSize
	offset := 0
	if opts != nil {
		maxResults = domain.ClampListSize(opts.MaxResults)
		if opts.PageCursor != "" {
			offset, err = strconv.Atoi(opts.PageCursor)
			if err != nil || offset < 0 {
				return nil, apperr.BadRequest("invalid page cursor")
			}
		}
	}

	var page worksMessageList
	path := fmt.Sprintf("%s?folderId=INBOX&count=%d&offset=%d", a.mailboxPath(cred), maxResults, offset)
	if err := a.getJSON(ctx, token, path, &page); err != nil {
		return nil, err
	}

	items := page.items()
	summaries := make([]domain.MailSummary, 0, len(items))
	for _, m := range items {
		summaries = append(summaries, convertWorksSummary(&m))
	}

	// A full page implies more may follow; a short page ends pagination.
	nextCursor := ""
	if len(items) == maxResults {
		nextCursor = strconv.Itoa(offset + maxResults)
	}

	return &out.MailListResult{
		Mails:      summaries,
		NextCursor: nextCursor,
	}, nil
}

// Read fetches one full message.
func (a *WorksAdapter) Read(ctx context.Context, cred *domain.MailCredential, messageID string) (*domain.MailDetail, error) {
	token, err := a.tokens.ObtainAccessToken(ctx, cred)
	if err != nil {
		return nil, err
	}

	var msg worksMessage
	path := a.mailboxPath(cred) + "/" + url.PathEscape(messageID)
	if err := a.getJSON(ctx, token, path, &msg); err != nil {
		return nil, err
	}

	return convertWorksDetail(&msg), nil
}

func (a *WorksAdapter) mailboxPath(cred *domain.MailCredential) string {
	return fmt.Sprintf("/users/%s/mail/messages", url.PathEscape(cred.MailboxUserID()))
}

// getJSON performs an authenticated GET through the circuit breaker. The
// upstream response body never appears in errors.
func (a *WorksAdapter) getJSON(ctx context.Context, token *domain.AccessToken, path string, result any) error {
	endpoint := a.baseURL + path

	return a.executeWithCircuitBreaker(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return apperr.InternalWithError(err)
		}
		req.Header.Set("Authorization", "Bearer "+token.Value)

		resp, err := a.client.Do(req)
		if err != nil {
			if isTimeoutErr(err) {
				return apperr.UpstreamTimeout(string(domain.MailProviderWorks))
			}
			return apperr.Wrap(err, apperr.CodeUpstreamRejected, "works API unreachable", http.StatusBadGateway)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return apperr.UpstreamRejected(string(domain.MailProviderWorks), resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return apperr.Wrap(err, apperr.CodeUpstreamRejected, "works API returned an unreadable response", http.StatusBadGateway)
		}
		return nil
	})
}

func (a *WorksAdapter) executeWithCircuitBreaker(fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if ae := apperr.AsAppError(err); ae != nil {
				if ae.Code == apperr.CodeUpstreamRejected {
					if status, ok := ae.Details["upstream_status"].(int); ok && status >= 400 && status < 500 && status != 429 {
						return nil, &nonCircuitError{err: err}
					}
				}
			}
			return nil, err
		}
		return nil, nil
	})

	if nce, ok := err.(*nonCircuitError); ok {
		return nce.err
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperr.Wrap(err, apperr.CodeUpstreamRejected, "works API temporarily unavailable", http.StatusBadGateway)
	}
	return err
}

// =============================================================================
// Normalization
// =============================================================================

func (m *worksMessage) externalID() string {
	if m.MailID != "" {
		return m.MailID
	}
	return m.ID
}

func (m *worksMessage) receivedOrSent() string {
	if m.ReceivedDate != "" {
		return m.ReceivedDate
	}
	return m.SentDate
}

func convertWorksSummary(m *worksMessage) domain.MailSummary {
	subject := m.Subject
	if subject == "" {
		subject = domain.NoSubjectPlaceholder
	}

	return domain.MailSummary{
		ID:      m.externalID(),
		Subject: subject,
		Sender:  formatWorksAddress(m.From),
		Date:    m.receivedOrSent(),
		Snippet: domain.Snippet(m.Body),
		Unread:  !m.IsRead,
	}
}

func convertWorksDetail(m *worksMessage) *domain.MailDetail {
	subject := m.Subject
	if subject == "" {
		subject = domain.NoSubjectPlaceholder
	}

	recipients := make([]string, 0, len(m.To))
	for _, r := range m.To {
		if r.Address != "" {
			recipients = append(recipients, r.Address)
		}
	}

	attachments := make([]domain.MailAttachment, 0, len(m.Attachments))
	for _, att := range m.Attachments {
		attachments = append(attachments, domain.MailAttachment{
			ID:        att.AttachmentID,
			Filename:  att.FileName,
			MimeType:  att.ContentType,
			SizeBytes: att.Size,
		})
	}

	return &domain.MailDetail{
		ID:          m.externalID(),
		Subject:     subject,
		Sender:      formatWorksAddress(m.From),
		Recipients:  recipients,
		Date:        m.receivedOrSent(),
		Body:        m.Body,
		Attachments: attachments,
	}
}

// formatWorksAddress preserves the display name alongside the address.
func formatWorksAddress(addr *worksAddress) string {
	if addr == nil {
		return ""
	}
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, addr.Address)
	}
	return addr.Address
}
