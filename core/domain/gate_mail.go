package domain

// List sizing. Requests above the cap are clamped, not rejected.
const (
	DefaultMailListSize = 20
	MaxMailListSize     = 100
)

// SnippetLength bounds the preview text derived from a message body.
const SnippetLength = 100

// NoSubjectPlaceholder substitutes for messages without a Subject header.
const NoSubjectPlaceholder = "(no subject)"

// MailSummary is a normalized list-view item.
type MailSummary struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Sender  string `json:"sender"`
	Date    string `json:"date"`
	Snippet string `json:"snippet"`
	Unread  bool   `json:"unread"`
}

// MailAttachment describes an attachment without fetching its content.
type MailAttachment struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// MailDetail is a normalized single message with its decoded body.
type MailDetail struct {
	ID          string           `json:"id"`
	Subject     string           `json:"subject"`
	Sender      string           `json:"sender"`
	Recipients  []string         `json:"recipients"`
	Date        string           `json:"date"`
	Body        string           `json:"body"`
	Attachments []MailAttachment `json:"attachments"`
}

// Snippet derives a preview from body text, truncated to SnippetLength runes.
func Snippet(body string) string {
	runes := []rune(body)
	if len(runes) <= SnippetLength {
		return string(runes)
	}
	return string(runes[:SnippetLength])
}

// ClampListSize normalizes a requested page size to the allowed range.
func ClampListSize(n int) int {
	if n <= 0 {
		return DefaultMailListSize
	}
	if n > MaxMailListSize {
		return MaxMailListSize
	}
	return n
}
