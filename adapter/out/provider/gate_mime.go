package provider

import (
	"net/http"
	"strings"

	"mailgate_server/core/domain"
	"mailgate_server/pkg/apperr"
	"mailgate_server/pkg/crypto"
)

// =============================================================================
// MIME Part Tree Extraction
// =============================================================================

// maxMimeDepth bounds part-tree recursion. Real messages nest a handful of
// levels; anything deeper is treated as a malformed payload.
const maxMimeDepth = 20

// mimePart mirrors the upstream message payload part shape. The extractor
// only reads it, never mutates it.
type mimePart struct {
	MimeType string       `json:"mimeType"`
	Filename string       `json:"filename"`
	Headers  []mimeHeader `json:"headers"`
	Body     mimePartBody `json:"body"`
	Parts    []*mimePart  `json:"parts"`
}

type mimeHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type mimePartBody struct {
	AttachmentID string `json:"attachmentId"`
	Size         int64  `json:"size"`
	Data         string `json:"data"`
}

func errMimeTooDeep() *apperr.AppError {
	return apperr.New(apperr.CodeUpstreamRejected, "message payload nests deeper than supported", http.StatusBadGateway)
}

// extractBody walks the part tree in document order and returns the first
// text/plain leaf's decoded content. Plain text wins over HTML at any depth;
// only when no plain-text leaf exists does the first text/html leaf apply.
// A message without any text body yields an empty string, not an error.
func extractBody(root *mimePart) (string, error) {
	if root == nil {
		return "", nil
	}

	plain, err := findBody(root, "text/plain", 0)
	if err != nil {
		return "", err
	}
	if plain != "" {
		return plain, nil
	}

	return findBody(root, "text/html", 0)
}

func findBody(node *mimePart, mimeType string, depth int) (string, error) {
	if depth > maxMimeDepth {
		return "", errMimeTooDeep()
	}

	if node.MimeType == mimeType && node.Body.Data != "" {
		decoded, err := crypto.Base64URLDecodeLenient(node.Body.Data)
		if err == nil {
			return string(decoded), nil
		}
		// Undecodable leaf: keep walking, a sibling may carry the body.
	}

	for _, child := range node.Parts {
		body, err := findBody(child, mimeType, depth+1)
		if err != nil {
			return "", err
		}
		if body != "" {
			return body, nil
		}
	}
	return "", nil
}

// extractAttachments collects every node that carries both a filename and an
// attachment reference, in pre-order. Duplicates are kept as-is.
func extractAttachments(root *mimePart) ([]domain.MailAttachment, error) {
	if root == nil {
		return nil, nil
	}

	var attachments []domain.MailAttachment
	if err := collectAttachments(root, 0, &attachments); err != nil {
		return nil, err
	}
	return attachments, nil
}

func collectAttachments(node *mimePart, depth int, acc *[]domain.MailAttachment) error {
	if depth > maxMimeDepth {
		return errMimeTooDeep()
	}

	if node.Filename != "" && node.Body.AttachmentID != "" {
		*acc = append(*acc, domain.MailAttachment{
			ID:        node.Body.AttachmentID,
			Filename:  node.Filename,
			MimeType:  node.MimeType,
			SizeBytes: node.Body.Size,
		})
	}

	for _, child := range node.Parts {
		if err := collectAttachments(child, depth+1, acc); err != nil {
			return err
		}
	}
	return nil
}

// headerValue returns the first header matching name, or empty.
func headerValue(headers []mimeHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
