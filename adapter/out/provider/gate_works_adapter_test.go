package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mailgate_server/core/domain"
	"mailgate_server/core/port/out"
	"mailgate_server/pkg/apperr"
)

func newTestWorksAdapter(t *testing.T, handler http.Handler) *WorksAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a := NewWorksAdapter(&stubTokenSource{token: "W1"}, Options{APIBaseURL: srv.URL, HTTPClient: srv.Client()}, zerolog.Nop())
	return a
}

func worksListBody(n int) string {
	body := `{"messages":[`
	for i := 0; i < n; i++ {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{
			"mailId": "w%d",
			"subject": "Mail %d",
			"from": {"name": "Dana", "address": "dana@tenant"},
			"receivedDate": "2025-06-0%dT10:00:00+09:00",
			"body": "body of message %d",
			"isRead": %t
		}`, i, i, i+1, i, i%2 == 0)
	}
	return body + `]}`
}

func TestWorksList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/user@tenant/mail/messages", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer W1" {
			t.Errorf("Authorization = %q", got)
		}
		q := r.URL.Query()
		if q.Get("folderId") != "INBOX" {
			t.Errorf("folderId = %q", q.Get("folderId"))
		}
		if q.Get("count") != "2" || q.Get("offset") != "0" {
			t.Errorf("count=%q offset=%q, want 2/0", q.Get("count"), q.Get("offset"))
		}
		w.Write([]byte(worksListBody(2)))
	})

	a := newTestWorksAdapter(t, mux)

	result, err := a.List(context.Background(), worksCred("unused"), &out.MailListOptions{MaxResults: 2})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	if len(result.Mails) != 2 {
		t.Fatalf("got %d mails, want 2", len(result.Mails))
	}
	first := result.Mails[0]
	if first.ID != "w0" || first.Subject != "Mail 0" {
		t.Errorf("first = %+v", first)
	}
	if first.Sender != "Dana <dana@tenant>" {
		t.Errorf("sender = %q, want name and address preserved", first.Sender)
	}
	if first.Unread {
		t.Error("isRead=true should map to unread=false")
	}
	if !result.Mails[1].Unread {
		t.Error("isRead=false should map to unread=true")
	}
	if first.Snippet != "body of message 0" {
		t.Errorf("snippet = %q", first.Snippet)
	}

	// Full page: next cursor advances by the page size.
	if result.NextCursor != "2" {
		t.Errorf("next cursor = %q, want 2", result.NextCursor)
	}
}

func TestWorksListShortPageEndsPagination(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/user@tenant/mail/messages", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("offset") != "20" {
			t.Errorf("offset = %q, want cursor passthrough", q.Get("offset"))
		}
		w.Write([]byte(worksListBody(1)))
	})

	a := newTestWorksAdapter(t, mux)

	result, err := a.List(context.Background(), worksCred("unused"), &out.MailListOptions{MaxResults: 20, PageCursor: "20"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if result.NextCursor != "" {
		t.Errorf("next cursor = %q, want empty for short page", result.NextCursor)
	}
}

func TestWorksListInvalidCursor(t *testing.T) {
	a := newTestWorksAdapter(t, http.NewServeMux())

	for _, cursor := range []string{"abc", "-5"} {
		_, err := a.List(context.Background(), worksCred("unused"), &out.MailListOptions{PageCursor: cursor})
		if !apperr.IsCode(err, apperr.CodeBadRequest) {
			t.Errorf("cursor %q: expected BadRequest, got %v", cursor, err)
		}
	}
}

func TestWorksMailboxFallsBackToServiceAccount(t *testing.T) {
	called := false
	mux := http.NewServeMux()
	mux.HandleFunc("/users/svc@tenant/mail/messages", func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte(`{"messages":[]}`))
	})

	a := newTestWorksAdapter(t, mux)

	cred := worksCred("unused")
	cred.Works.UserID = ""

	if _, err := a.List(context.Background(), cred, nil); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !called {
		t.Error("mailbox path should fall back to the service account")
	}
}

func TestWorksTestCheapness(t *testing.T) {
	var counts []string
	mux := http.NewServeMux()
	mux.HandleFunc("/users/user@tenant/mail/messages", func(w http.ResponseWriter, r *http.Request) {
		counts = append(counts, r.URL.Query().Get("count"))
		w.Write([]byte(`{"messages":[]}`))
	})

	a := newTestWorksAdapter(t, mux)

	if err := a.Test(context.Background(), worksCred("unused")); err != nil {
		t.Fatalf("test failed: %v", err)
	}
	if len(counts) != 1 || counts[0] != "1" {
		t.Errorf("test calls = %v, want a single count=1 probe", counts)
	}
}

func TestWorksRead(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/user@tenant/mail/messages/w7", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"mailId": "w7",
			"subject": "Contract",
			"from": {"name": "Eve", "address": "eve@tenant"},
			"to": [{"name": "You", "address": "you@tenant"}, {"address": "other@tenant"}],
			"receivedDate": "2025-06-05T10:00:00+09:00",
			"body": "full body text",
			"attachments": [
				{"attachmentId": "wa-1", "fileName": "contract.pdf", "contentType": "application/pdf", "size": 4096}
			]
		}`))
	})

	a := newTestWorksAdapter(t, mux)

	detail, err := a.Read(context.Background(), worksCred("unused"), "w7")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if detail.ID != "w7" || detail.Subject != "Contract" {
		t.Errorf("detail = %+v", detail)
	}
	if detail.Sender != "Eve <eve@tenant>" {
		t.Errorf("sender = %q", detail.Sender)
	}
	if len(detail.Recipients) != 2 || detail.Recipients[0] != "you@tenant" {
		t.Errorf("recipients = %v", detail.Recipients)
	}
	if detail.Body != "full body text" {
		t.Errorf("body = %q", detail.Body)
	}
	if len(detail.Attachments) != 1 || detail.Attachments[0].Filename != "contract.pdf" {
		t.Errorf("attachments = %v", detail.Attachments)
	}
}

func TestWorksReadRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/user@tenant/mail/messages/w404", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"NOT_FOUND","description":"mail not found"}`))
	})

	a := newTestWorksAdapter(t, mux)

	_, err := a.Read(context.Background(), worksCred("unused"), "w404")
	if !apperr.IsCode(err, apperr.CodeUpstreamRejected) {
		t.Fatalf("expected UpstreamRejected, got %v", err)
	}
	ae := apperr.AsAppError(err)
	if status, _ := ae.Details["upstream_status"].(int); status != http.StatusNotFound {
		t.Errorf("upstream_status = %v", ae.Details["upstream_status"])
	}
}

func TestWorksListUpstreamTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/user@tenant/mail/messages", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewWorksAdapter(&stubTokenSource{token: "W1"}, Options{
		APIBaseURL: srv.URL,
		HTTPClient: &http.Client{Timeout: 50 * time.Millisecond},
	}, zerolog.Nop())

	_, err := a.List(context.Background(), worksCred("unused"), nil)
	if !apperr.IsCode(err, apperr.CodeUpstreamTimeout) {
		t.Fatalf("expected UpstreamTimeout for a stalled upstream, got %v", err)
	}
}

func TestWorksEmptySubjectPlaceholder(t *testing.T) {
	msg := &worksMessage{MailID: "w1", IsRead: true}
	if got := convertWorksSummary(msg).Subject; got != domain.NoSubjectPlaceholder {
		t.Errorf("subject = %q, want placeholder", got)
	}
	if got := convertWorksDetail(msg).Subject; got != domain.NoSubjectPlaceholder {
		t.Errorf("detail subject = %q, want placeholder", got)
	}
}
