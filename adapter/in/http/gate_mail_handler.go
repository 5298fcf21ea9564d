package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailgate_server/core/domain"
	"mailgate_server/core/service/mailgate"
	"mailgate_server/pkg/apperr"
)

// MailHandler exposes the mail gateway operations.
type MailHandler struct {
	gateway *mailgate.Service
}

// NewMailHandler creates a new mail handler.
func NewMailHandler(gateway *mailgate.Service) *MailHandler {
	return &MailHandler{gateway: gateway}
}

// Register registers mail gateway routes.
func (h *MailHandler) Register(router fiber.Router) {
	mail := router.Group("/mail")

	// Single-operation dispatch surface
	mail.Post("/fetch", h.Fetch)

	// REST aliases over the same operations
	mail.Get("/credentials", h.ListCredentials)
	mail.Get("/credentials/:id/test", h.TestCredential)
	mail.Get("/credentials/:id/messages", h.ListMessages)
	mail.Get("/credentials/:id/messages/:messageId", h.ReadMessage)
}

// fetchRequest is the dispatch surface's wire input.
type fetchRequest struct {
	Action       string `json:"action"`
	Provider     string `json:"provider"`
	CredentialID string `json:"credential_id"`
	MessageID    string `json:"message_id"`
	MaxResults   int    `json:"max_results"`
	PageCursor   string `json:"page_cursor"`
}

// Fetch dispatches one mailbox operation described by the request body.
func (h *MailHandler) Fetch(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return AppErrorResponse(c, apperr.Unauthorized(""))
	}

	var body fetchRequest
	if err := c.BodyParser(&body); err != nil {
		return AppErrorResponse(c, apperr.BadRequest("invalid request body"))
	}

	req, err := h.toDispatchRequest(&body)
	if err != nil {
		return AppErrorResponse(c, err)
	}

	result, err := h.gateway.Dispatch(c.UserContext(), userID, req)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return c.JSON(result)
}

func (h *MailHandler) toDispatchRequest(body *fetchRequest) (*mailgate.FetchRequest, error) {
	if body.CredentialID == "" {
		return nil, apperr.MissingField("credential_id")
	}
	credentialID, err := uuid.Parse(body.CredentialID)
	if err != nil {
		return nil, apperr.BadRequest("invalid credential_id")
	}

	var provider domain.MailProvider
	if body.Provider != "" {
		provider, err = domain.ParseMailProvider(body.Provider)
		if err != nil {
			return nil, err
		}
	}

	return &mailgate.FetchRequest{
		Action:       mailgate.Action(body.Action),
		Provider:     provider,
		CredentialID: credentialID,
		MessageID:    body.MessageID,
		MaxResults:   body.MaxResults,
		PageCursor:   body.PageCursor,
	}, nil
}

// ListCredentials returns the caller's mail configurations. Secret fields
// never serialize.
func (h *MailHandler) ListCredentials(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return AppErrorResponse(c, apperr.Unauthorized(""))
	}
	tenantID, err := GetTenantID(c)
	if err != nil {
		return AppErrorResponse(c, apperr.Unauthorized(""))
	}

	creds, err := h.gateway.ListCredentials(c.UserContext(), tenantID, userID)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	if creds == nil {
		creds = []*domain.MailCredential{}
	}
	return c.JSON(fiber.Map{"credentials": creds})
}

// TestCredential verifies one credential end to end.
func (h *MailHandler) TestCredential(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return AppErrorResponse(c, apperr.Unauthorized(""))
	}
	credentialID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return AppErrorResponse(c, apperr.BadRequest("invalid credential id"))
	}

	if err := h.gateway.Test(c.UserContext(), userID, credentialID, ""); err != nil {
		return AppErrorResponse(c, err)
	}
	return c.JSON(mailgate.TestResult{Success: true})
}

// ListMessages returns one page of inbox summaries.
func (h *MailHandler) ListMessages(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return AppErrorResponse(c, apperr.Unauthorized(""))
	}
	credentialID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return AppErrorResponse(c, apperr.BadRequest("invalid credential id"))
	}

	maxResults := c.QueryInt("max_results", domain.DefaultMailListSize)
	pageCursor := c.Query("page_cursor")

	result, err := h.gateway.List(c.UserContext(), userID, credentialID, "", maxResults, pageCursor)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return c.JSON(result)
}

// ReadMessage returns one full message.
func (h *MailHandler) ReadMessage(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return AppErrorResponse(c, apperr.Unauthorized(""))
	}
	credentialID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return AppErrorResponse(c, apperr.BadRequest("invalid credential id"))
	}

	detail, err := h.gateway.Read(c.UserContext(), userID, credentialID, "", c.Params("messageId"))
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return c.JSON(detail)
}
