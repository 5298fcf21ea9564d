package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"mailgate_server/core/domain"
	"mailgate_server/core/port/out"
	"mailgate_server/pkg/apperr"
	"mailgate_server/pkg/httputil"
)

const gmailAPIBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"

// gmailMetadataHeaders are the only headers the list fan-out requests.
// Keeping the set minimal shrinks each metadata response.
var gmailMetadataHeaders = []string{"Subject", "From", "Date"}

// =============================================================================
// Gmail Wire Types
// =============================================================================

type gmailMessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type gmailMessageList struct {
	Messages           []gmailMessageRef `json:"messages"`
	NextPageToken      string            `json:"nextPageToken"`
	ResultSizeEstimate int               `json:"resultSizeEstimate"`
}

type gmailMessage struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"threadId"`
	LabelIDs     []string  `json:"labelIds"`
	Snippet      string    `json:"snippet"`
	InternalDate string    `json:"internalDate"`
	Payload      *mimePart `json:"payload"`
}

// =============================================================================
// Gmail Adapter
// =============================================================================

// GmailAdapter implements out.MailProviderPort over the Gmail REST API. A
// fresh access token is minted per call through the injected token source.
type GmailAdapter struct {
	baseURL      string
	tokens       out.TokenSource
	client       *http.Client
	cb           *gobreaker.CircuitBreaker
	log          zerolog.Logger
	concurrency  int
	fetchTimeout time.Duration
}

// NewGmailAdapter creates a Gmail adapter. A zero Options targets the
// public API with the built-in defaults.
func NewGmailAdapter(tokens out.TokenSource, opts Options, log zerolog.Logger) *GmailAdapter {
	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
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
		baseURL = gmailAPIBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = httputil.GmailClient()
	}
	concurrency := opts.FetchConcurrency
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}

	return &GmailAdapter{
		baseURL:      baseURL,
		tokens:       tokens,
		client:       client,
		cb:           gobreaker.NewCircuitBreaker(cbSettings),
		log:          log,
		concurrency:  concurrency,
		fetchTimeout: fetchTimeout,
	}
}

// ProviderType returns the provider this adapter serves.
func (a *GmailAdapter) ProviderType() domain.MailProvider {
	return domain.MailProviderGmail
}

// Test verifies the credential with the cheapest authenticated call: a
// one-item list. The upstream payload is discarded.
func (a *GmailAdapter) Test(ctx context.Context, cred *domain.MailCredential) error {
	token, err := a.tokens.ObtainAccessToken(ctx, cred)
	if err != nil {
		return err
	}

	_, err = a.listMessageRefs(ctx, token, 1, "")
	return err
}

// List fetches one page of inbox summaries. The ID list comes first, then
// per-message metadata is fetched concurrently; items whose metadata fetch
// fails are dropped, and the survivors keep the ID list's order.
func (a *GmailAdapter) List(ctx context.Context, cred *domain.MailCredential, opts *out.MailListOptions) (*out.MailListResult, error) {
	token, err := a.tokens.ObtainAccessToken(ctx, cred)
	if err != nil {
		return nil, err
	}

	maxResults := domain.DefaultMailListSize
	cursor := ""
	if opts != nil {
		maxResults = domain.ClampListSize(opts.MaxResults)
		cursor = opts.PageCursor
	}

	page, err := a.listMessageRefs(ctx, token, maxResults, cursor)
	if err != nil {
		return nil, err
	}

	// The page size is also enforced here so an upstream that ignores
	// maxResults cannot amplify the fan-out.
	refs := page.Messages
	if len(refs) > maxResults {
		refs = refs[:maxResults]
	}

	summaries := a.fetchSummariesParallel(ctx, token, refs)

	return &out.MailListResult{
		Mails:      summaries,
		NextCursor: page.NextPageToken,
	}, nil
}

// Read fetches one full message and extracts its body and attachments.
func (a *GmailAdapter) Read(ctx context.Context, cred *domain.MailCredential, messageID string) (*domain.MailDetail, error) {
	token, err := a.tokens.ObtainAccessToken(ctx, cred)
	if err != nil {
		return nil, err
	}

	var msg gmailMessage
	path := fmt.Sprintf("/messages/%s", url.PathEscape(messageID))
	query := url.Values{}
	query.Set("format", "full")
	if err := a.getJSON(ctx, token, path, query, &msg); err != nil {
		return nil, err
	}

	return a.convertDetail(&msg)
}

// =============================================================================
// Upstream Calls
// =============================================================================

func (a *GmailAdapter) listMessageRefs(ctx context.Context, token *domain.AccessToken, maxResults int, cursor string) (*gmailMessageList, error) {
	query := url.Values{}
	query.Set("maxResults", strconv.Itoa(maxResults))
	if cursor != "" {
		query.Set("pageToken", cursor)
	}

	var page gmailMessageList
	if err := a.getJSON(ctx, token, "/messages", query, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// fetchSummariesParallel issues the metadata fan-out with a concurrency
// bound, then restores the input order and filters failed items.
func (a *GmailAdapter) fetchSummariesParallel(ctx context.Context, token *domain.AccessToken, refs []gmailMessageRef) []domain.MailSummary {
	if len(refs) == 0 {
		return []domain.MailSummary{}
	}

	type result struct {
		index   int
		summary domain.MailSummary
		err     error
	}

	results := make(chan result, len(refs))
	sem := make(chan struct{}, a.concurrency)

	for i, ref := range refs {
		go func(idx int, id string) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- result{index: idx, err: ctx.Err()}
				return
			}

			msgCtx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
			defer cancel()

			meta, err := a.getMessageMetadata(msgCtx, token, id)
			if err != nil {
				results <- result{index: idx, err: err}
				return
			}
			results <- result{index: idx, summary: a.convertSummary(meta)}
		}(i, ref.ID)
	}

	ordered := make([]*domain.MailSummary, len(refs))
	collected := 0
	for collected < len(refs) {
		select {
		case r := <-results:
			collected++
			if r.err == nil {
				s := r.summary
				ordered[r.index] = &s
			} else {
				a.log.Debug().Str("message_id", refs[r.index].ID).Err(r.err).Msg("dropping message from list, metadata fetch failed")
			}
		case <-ctx.Done():
			// Cancelled: discard partial results.
			return []domain.MailSummary{}
		}
	}

	// A cancellation can also land after every result was already queued;
	// the page is discarded either way.
	if ctx.Err() != nil {
		return []domain.MailSummary{}
	}

	summaries := make([]domain.MailSummary, 0, len(refs))
	for _, s := range ordered {
		if s != nil {
			summaries = append(summaries, *s)
		}
	}
	return summaries
}

func (a *GmailAdapter) getMessageMetadata(ctx context.Context, token *domain.AccessToken, id string) (*gmailMessage, error) {
	query := url.Values{}
	query.Set("format", "metadata")
	for _, h := range gmailMetadataHeaders {
		query.Add("metadataHeaders", h)
	}

	var msg gmailMessage
	path := fmt.Sprintf("/messages/%s", url.PathEscape(id))
	if err := a.getJSON(ctx, token, path, query, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// getJSON performs an authenticated GET through the circuit breaker and
// decodes the response. Non-2xx responses map to the gateway taxonomy; the
// response body is never echoed into errors.
func (a *GmailAdapter) getJSON(ctx context.Context, token *domain.AccessToken, path string, query url.Values, result any) error {
	endpoint := a.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	return a.executeWithCircuitBreaker(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return apperr.InternalWithError(err)
		}
		req.Header.Set("Authorization", "Bearer "+token.Value)

		resp, err := a.client.Do(req)
		if err != nil {
			if isTimeoutErr(err) {
				return apperr.UpstreamTimeout(string(domain.MailProviderGmail))
			}
			return apperr.Wrap(err, apperr.CodeUpstreamRejected, "gmail API unreachable", http.StatusBadGateway)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return apperr.UpstreamRejected(string(domain.MailProviderGmail), resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return apperr.Wrap(err, apperr.CodeUpstreamRejected, "gmail API returned an unreadable response", http.StatusBadGateway)
		}
		return nil
	})
}

// executeWithCircuitBreaker runs fn behind the breaker. Server-side failures
// (5xx, 429, timeouts) count toward tripping it; caller-side 4xx responses
// are wrapped so the circuit stays closed.
func (a *GmailAdapter) executeWithCircuitBreaker(fn func() error) error {
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
		return apperr.Wrap(err, apperr.CodeUpstreamRejected, "gmail API temporarily unavailable", http.StatusBadGateway)
	}
	return err
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

// =============================================================================
// Normalization
// =============================================================================

func (a *GmailAdapter) convertSummary(msg *gmailMessage) domain.MailSummary {
	var headers []mimeHeader
	if msg.Payload != nil {
		headers = msg.Payload.Headers
	}

	subject := headerValue(headers, "Subject")
	if subject == "" {
		subject = domain.NoSubjectPlaceholder
	}

	return domain.MailSummary{
		ID:      msg.ID,
		Subject: subject,
		Sender:  headerValue(headers, "From"),
		Date:    headerValue(headers, "Date"),
		Snippet: msg.Snippet,
		Unread:  hasLabel(msg.LabelIDs, "UNREAD"),
	}
}

func (a *GmailAdapter) convertDetail(msg *gmailMessage) (*domain.MailDetail, error) {
	body, err := extractBody(msg.Payload)
	if err != nil {
		return nil, err
	}
	attachments, err := extractAttachments(msg.Payload)
	if err != nil {
		return nil, err
	}
	if attachments == nil {
		attachments = []domain.MailAttachment{}
	}

	var headers []mimeHeader
	if msg.Payload != nil {
		headers = msg.Payload.Headers
	}

	subject := headerValue(headers, "Subject")
	if subject == "" {
		subject = domain.NoSubjectPlaceholder
	}

	return &domain.MailDetail{
		ID:          msg.ID,
		Subject:     subject,
		Sender:      headerValue(headers, "From"),
		Recipients:  splitAddressList(headerValue(headers, "To")),
		Date:        headerValue(headers, "Date"),
		Body:        body,
		Attachments: attachments,
	}, nil
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func splitAddressList(header string) []string {
	if header == "" {
		return []string{}
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
