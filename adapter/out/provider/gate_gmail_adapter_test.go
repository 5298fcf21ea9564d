package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mailgate_server/core/domain"
	"mailgate_server/core/port/out"
	"mailgate_server/pkg/apperr"
)

type stubTokenSource struct {
	token string
	err   error

	mu    sync.Mutex
	calls int
}

func (s *stubTokenSource) ObtainAccessToken(ctx context.Context, cred *domain.MailCredential) (*domain.AccessToken, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &domain.AccessToken{Value: s.token, ExpiresIn: 3600}, nil
}

func newTestGmailAdapter(t *testing.T, handler http.Handler) (*GmailAdapter, *httptest.Server, *stubTokenSource) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tokens := &stubTokenSource{token: "T1"}
	a := NewGmailAdapter(tokens, Options{APIBaseURL: srv.URL, HTTPClient: srv.Client()}, zerolog.Nop())
	return a, srv, tokens
}

func gmailMetaBody(id, subject string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"labelIds": ["INBOX", "UNREAD"],
		"snippet": "preview of %s",
		"payload": {
			"mimeType": "multipart/alternative",
			"headers": [
				{"name": "Subject", "value": %q},
				{"name": "From", "value": "Alice <alice@example.com>"},
				{"name": "Date", "value": "Mon, 2 Jun 2025 10:00:00 +0900"}
			]
		}
	}`, id, id, subject)
}

func TestGmailListOrderedFanOut(t *testing.T) {
	subjects := map[string]string{"m1": "Hi", "m2": "Yo", "m3": "Sup"}
	// Make earlier messages resolve last so completion order inverts
	// document order.
	delays := map[string]time.Duration{"m1": 60 * time.Millisecond, "m2": 30 * time.Millisecond, "m3": 0}

	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer T1" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("maxResults"); got != "3" {
			t.Errorf("maxResults = %q, want 3", got)
		}
		w.Write([]byte(`{"messages":[{"id":"m1"},{"id":"m2"},{"id":"m3"}],"nextPageToken":"cursor-2"}`))
	})
	mux.HandleFunc("/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/messages/"):]
		time.Sleep(delays[id])
		w.Write([]byte(gmailMetaBody(id, subjects[id])))
	})

	a, _, tokens := newTestGmailAdapter(t, mux)

	result, err := a.List(context.Background(), gmailCred(), &out.MailListOptions{MaxResults: 3})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	if len(result.Mails) != 3 {
		t.Fatalf("got %d mails, want 3", len(result.Mails))
	}
	wantSubjects := []string{"Hi", "Yo", "Sup"}
	for i, want := range wantSubjects {
		if result.Mails[i].Subject != want {
			t.Errorf("mails[%d].Subject = %q, want %q (source order)", i, result.Mails[i].Subject, want)
		}
	}
	if !result.Mails[0].Unread {
		t.Error("UNREAD label should map to unread=true")
	}
	if result.Mails[0].Sender != "Alice <alice@example.com>" {
		t.Errorf("sender = %q", result.Mails[0].Sender)
	}
	if result.NextCursor != "cursor-2" {
		t.Errorf("next cursor = %q", result.NextCursor)
	}
	if tokens.calls != 1 {
		t.Errorf("token minted %d times for one list call, want 1", tokens.calls)
	}
}

func TestGmailListDropsFailedMetadata(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":[{"id":"m1"},{"id":"m2"},{"id":"m3"}]}`))
	})
	mux.HandleFunc("/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/messages/"):]
		if id == "m2" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(gmailMetaBody(id, "Subject "+id)))
	})

	a, _, _ := newTestGmailAdapter(t, mux)

	result, err := a.List(context.Background(), gmailCred(), &out.MailListOptions{MaxResults: 3})
	if err != nil {
		t.Fatalf("partial metadata failure must not abort the list: %v", err)
	}

	if len(result.Mails) != 2 {
		t.Fatalf("got %d mails, want 2 (failed item dropped)", len(result.Mails))
	}
	if result.Mails[0].ID != "m1" || result.Mails[1].ID != "m3" {
		t.Errorf("surviving ids = %q, %q; want m1, m3 in order", result.Mails[0].ID, result.Mails[1].ID)
	}
}

func TestGmailListCancelledFanOutDiscardsPartials(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstDone := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":[{"id":"m1"},{"id":"m2"},{"id":"m3"}]}`))
	})
	mux.HandleFunc("/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/messages/"):]
		if id == "m1" {
			w.Write([]byte(gmailMetaBody("m1", "First")))
			close(firstDone)
			return
		}
		// The remaining fetches hang until the caller gives up.
		<-r.Context().Done()
	})

	a, _, _ := newTestGmailAdapter(t, mux)

	go func() {
		<-firstDone
		cancel()
	}()

	result, err := a.List(ctx, gmailCred(), &out.MailListOptions{MaxResults: 3})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(result.Mails) != 0 {
		t.Fatalf("got %d mails after cancellation, want 0 (completed fetches discarded too)", len(result.Mails))
	}
}

func TestGmailListUpstreamTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewGmailAdapter(&stubTokenSource{token: "T1"}, Options{
		APIBaseURL: srv.URL,
		HTTPClient: &http.Client{Timeout: 50 * time.Millisecond},
	}, zerolog.Nop())

	_, err := a.List(context.Background(), gmailCred(), nil)
	if !apperr.IsCode(err, apperr.CodeUpstreamTimeout) {
		t.Fatalf("expected UpstreamTimeout for a stalled upstream, got %v", err)
	}
}

func TestGmailListTruncatesOversizedPage(t *testing.T) {
	var mu sync.Mutex
	metaHits := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		// Five refs despite maxResults=2.
		w.Write([]byte(`{"messages":[{"id":"m1"},{"id":"m2"},{"id":"m3"},{"id":"m4"},{"id":"m5"}]}`))
	})
	mux.HandleFunc("/messages/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		metaHits++
		mu.Unlock()
		id := r.URL.Path[len("/messages/"):]
		w.Write([]byte(gmailMetaBody(id, "Subject "+id)))
	})

	a, _, _ := newTestGmailAdapter(t, mux)

	result, err := a.List(context.Background(), gmailCred(), &out.MailListOptions{MaxResults: 2})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(result.Mails) != 2 {
		t.Fatalf("got %d mails, want page size enforced at 2", len(result.Mails))
	}
	mu.Lock()
	defer mu.Unlock()
	if metaHits != 2 {
		t.Errorf("fan-out issued %d metadata fetches, want 2", metaHits)
	}
}

func TestGmailListFanOutConcurrencyBound(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0

	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":[{"id":"m1"},{"id":"m2"},{"id":"m3"},{"id":"m4"},{"id":"m5"},{"id":"m6"}]}`))
	})
	mux.HandleFunc("/messages/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()

		id := r.URL.Path[len("/messages/"):]
		w.Write([]byte(gmailMetaBody(id, "Subject "+id)))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewGmailAdapter(&stubTokenSource{token: "T1"}, Options{
		APIBaseURL:       srv.URL,
		HTTPClient:       srv.Client(),
		FetchConcurrency: 2,
	}, zerolog.Nop())

	result, err := a.List(context.Background(), gmailCred(), &out.MailListOptions{MaxResults: 6})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(result.Mails) != 6 {
		t.Fatalf("got %d mails, want 6", len(result.Mails))
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("observed %d concurrent metadata fetches, want at most 2", peak)
	}
}

func TestGmailTestCheapness(t *testing.T) {
	var mu sync.Mutex
	var paths []string

	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		w.Write([]byte(`{"messages":[{"id":"m1"}]}`))
	})
	mux.HandleFunc("/messages/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Write([]byte(gmailMetaBody("m1", "Hi")))
	})

	a, _, _ := newTestGmailAdapter(t, mux)

	if err := a.Test(context.Background(), gmailCred()); err != nil {
		t.Fatalf("test failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 {
		t.Fatalf("test issued %d upstream calls, want exactly 1: %v", len(paths), paths)
	}
	if paths[0] != "/messages?maxResults=1" {
		t.Errorf("test call = %q, want one-item list", paths[0])
	}
}

func TestGmailListUpstreamRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"insufficient scope"}}`))
	})

	a, _, _ := newTestGmailAdapter(t, mux)

	_, err := a.List(context.Background(), gmailCred(), nil)
	if !apperr.IsCode(err, apperr.CodeUpstreamRejected) {
		t.Fatalf("expected UpstreamRejected, got %v", err)
	}
	ae := apperr.AsAppError(err)
	if status, _ := ae.Details["upstream_status"].(int); status != http.StatusForbidden {
		t.Errorf("upstream_status = %v, want 403", ae.Details["upstream_status"])
	}
}

func TestGmailTokenFailureShortCircuits(t *testing.T) {
	hits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { hits++ })

	srv := httptest.NewServer(mux)
	defer srv.Close()

	tokens := &stubTokenSource{err: apperr.IncompleteCredential("gmail")}
	a := NewGmailAdapter(tokens, Options{APIBaseURL: srv.URL, HTTPClient: srv.Client()}, zerolog.Nop())

	for _, call := range []func() error{
		func() error { return a.Test(context.Background(), gmailCred()) },
		func() error { _, err := a.List(context.Background(), gmailCred(), nil); return err },
		func() error { _, err := a.Read(context.Background(), gmailCred(), "m1"); return err },
	} {
		if err := call(); !apperr.IsCode(err, apperr.CodeIncompleteCredential) {
			t.Errorf("expected IncompleteCredential passthrough, got %v", err)
		}
	}
	if hits != 0 {
		t.Errorf("mail API was reached %d times without a token, want 0", hits)
	}
}

func TestGmailRead(t *testing.T) {
	plainData := "SGVsbG8gZnJvbSBwbGFpbg" // "Hello from plain"
	htmlData := "PGI-SFRNTDwvYj4"

	mux := http.NewServeMux()
	mux.HandleFunc("/messages/m9", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("format"); got != "full" {
			t.Errorf("format = %q, want full", got)
		}
		fmt.Fprintf(w, `{
			"id": "m9",
			"labelIds": ["INBOX"],
			"payload": {
				"mimeType": "multipart/mixed",
				"headers": [
					{"name": "Subject", "value": "Quarterly report"},
					{"name": "From", "value": "Bob <bob@example.com>"},
					{"name": "To", "value": "a@example.com, Carol <c@example.com>"},
					{"name": "Date", "value": "Tue, 3 Jun 2025 09:00:00 +0900"}
				],
				"parts": [
					{
						"mimeType": "multipart/alternative",
						"parts": [
							{"mimeType": "text/html", "body": {"data": %q}},
							{"mimeType": "text/plain", "body": {"data": %q}}
						]
					},
					{
						"mimeType": "application/pdf",
						"filename": "report.pdf",
						"body": {"attachmentId": "att-9", "size": 2048}
					}
				]
			}
		}`, htmlData, plainData)
	})

	a, _, _ := newTestGmailAdapter(t, mux)

	detail, err := a.Read(context.Background(), gmailCred(), "m9")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if detail.Body != "Hello from plain" {
		t.Errorf("body = %q, want decoded plain text", detail.Body)
	}
	if detail.Subject != "Quarterly report" {
		t.Errorf("subject = %q", detail.Subject)
	}
	if len(detail.Recipients) != 2 || detail.Recipients[1] != "Carol <c@example.com>" {
		t.Errorf("recipients = %v", detail.Recipients)
	}
	if len(detail.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(detail.Attachments))
	}
	att := detail.Attachments[0]
	if att.ID != "att-9" || att.Filename != "report.pdf" || att.MimeType != "application/pdf" || att.SizeBytes != 2048 {
		t.Errorf("attachment = %+v", att)
	}
}

func TestGmailReadNoSubject(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"m1","payload":{"mimeType":"text/plain","headers":[],"body":{"data":"aGk"}}}`))
	})

	a, _, _ := newTestGmailAdapter(t, mux)

	detail, err := a.Read(context.Background(), gmailCred(), "m1")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if detail.Subject != domain.NoSubjectPlaceholder {
		t.Errorf("subject = %q, want placeholder", detail.Subject)
	}
	if detail.Body != "hi" {
		t.Errorf("body = %q", detail.Body)
	}
	if len(detail.Recipients) != 0 {
		t.Errorf("recipients = %v, want empty", detail.Recipients)
	}
}
