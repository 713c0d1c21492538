// Package provider implements mail provider adapters.
package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/out"
	"ticket_worker/pkg/logger"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	gmailUser          = "me"
	gmailUnreadQuery   = "is:unread"
	gmailPageSize      = 100
	gmailUnreadLabel   = "UNREAD"
	gmailMaxPartDepth  = 20
	userinfoEmailScope = "https://www.googleapis.com/auth/userinfo.email"
)

// =============================================================================
// Gmail Adapter
// =============================================================================

// GmailConfig holds Gmail configuration.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// HTTPClient is the base client for token and API calls.
	HTTPClient *http.Client
	// Endpoint and APIEndpoint override Google URLs, used by tests.
	Endpoint    *oauth2.Endpoint
	APIEndpoint string
}

// GmailAdapter implements out.MailProvider for the Gmail REST API.
type GmailAdapter struct {
	config      *oauth2.Config
	httpClient  *http.Client
	apiEndpoint string
	cb          *breaker
}

// NewGmailAdapter creates a new Gmail adapter.
func NewGmailAdapter(cfg *GmailConfig) *GmailAdapter {
	endpoint := google.Endpoint
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &GmailAdapter{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes: []string{
				userinfoEmailScope,
				gmail.GmailModifyScope, // read + remove UNREAD label
			},
			Endpoint: endpoint,
		},
		httpClient:  httpClient,
		apiEndpoint: cfg.APIEndpoint,
		cb:          newBreaker(domain.ProviderGmail),
	}
}

// Name returns the provider name.
func (a *GmailAdapter) Name() string {
	return domain.ProviderGmail
}

// =============================================================================
// Authentication
// =============================================================================

// AuthorizationURL returns the OAuth consent URL. Offline access with forced
// consent guarantees a refresh token on every grant.
func (a *GmailAdapter) AuthorizationURL(state string) string {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode exchanges an authorization code and resolves the mailbox address.
func (a *GmailAdapter) ExchangeCode(ctx context.Context, code string) (*domain.Authorization, error) {
	ctx = a.withHTTPClient(ctx)

	var token *oauth2.Token
	err := a.cb.execute("exchange_code", func() error {
		var exErr error
		token, exErr = a.config.Exchange(ctx, code)
		return exErr
	})
	if err != nil {
		return nil, a.wrapError("exchange_code", err)
	}

	svc, err := a.getService(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}

	var profile *gmail.Profile
	err = a.cb.execute("get_profile", func() error {
		var apiErr error
		profile, apiErr = svc.Users.GetProfile(gmailUser).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, a.wrapError("get_profile", err)
	}

	return &domain.Authorization{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		Email:        profile.EmailAddress,
	}, nil
}

// RefreshAccessToken trades the refresh token for a new access token.
func (a *GmailAdapter) RefreshAccessToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, out.NewProviderError(a.Name(), "refresh_token", out.ProviderErrAuth, 0, "no refresh token stored", nil)
	}
	ctx = a.withHTTPClient(ctx)

	var token *oauth2.Token
	err := a.cb.execute("refresh_token", func() error {
		var rErr error
		token, rErr = a.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		return rErr
	})
	if err != nil {
		return nil, a.wrapError("refresh_token", err)
	}
	return token, nil
}

// =============================================================================
// Messages
// =============================================================================

// FetchUnread lists unread messages and loads each one with its attachments.
func (a *GmailAdapter) FetchUnread(ctx context.Context, accessToken string) ([]domain.NormalizedMessage, error) {
	ctx = a.withHTTPClient(ctx)
	svc, err := a.getService(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	ids, err := a.listUnreadIDs(ctx, svc)
	if err != nil {
		return nil, err
	}

	messages := make([]domain.NormalizedMessage, 0, len(ids))
	for _, id := range ids {
		var msg *gmail.Message
		err := a.cb.execute("get_message", func() error {
			var apiErr error
			msg, apiErr = svc.Users.Messages.Get(gmailUser, id).Format("full").Context(ctx).Do()
			return apiErr
		})
		if err != nil {
			return nil, a.wrapError("get_message", err)
		}

		normalized, err := a.convertMessage(ctx, svc, msg)
		if err != nil {
			return nil, err
		}
		messages = append(messages, normalized)
	}

	sortByReceived(messages)
	linkThreads(messages)
	logger.WithField("provider", a.Name()).Debug("fetched %d unread messages", len(messages))
	return messages, nil
}

func (a *GmailAdapter) listUnreadIDs(ctx context.Context, svc *gmail.Service) ([]string, error) {
	var ids []string
	pageToken := ""

	for {
		req := svc.Users.Messages.List(gmailUser).Q(gmailUnreadQuery).MaxResults(gmailPageSize)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		var resp *gmail.ListMessagesResponse
		err := a.cb.execute("list_messages", func() error {
			var apiErr error
			resp, apiErr = req.Context(ctx).Do()
			return apiErr
		})
		if err != nil {
			return nil, a.wrapError("list_messages", err)
		}

		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}

		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

// MarkRead removes the UNREAD label.
func (a *GmailAdapter) MarkRead(ctx context.Context, messageID, accessToken string) error {
	ctx = a.withHTTPClient(ctx)
	svc, err := a.getService(ctx, accessToken)
	if err != nil {
		return err
	}

	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{gmailUnreadLabel}}
	err = a.cb.execute("mark_read", func() error {
		_, apiErr := svc.Users.Messages.Modify(gmailUser, messageID, req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return a.wrapError("mark_read", err)
	}
	return nil
}

// =============================================================================
// Conversion
// =============================================================================

// convertMessage normalizes a full-format message. Gmail thread ids equal the
// id of the first message of the thread, so the root is the message whose id
// matches its thread id and every other message points at the thread id.
// linkThreads repairs batches that lack that message.
func (a *GmailAdapter) convertMessage(ctx context.Context, svc *gmail.Service, msg *gmail.Message) (domain.NormalizedMessage, error) {
	result := domain.NormalizedMessage{
		ID:             msg.Id,
		ConversationID: msg.ThreadId,
		ReceivedAt:     time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.ThreadId != "" && msg.ThreadId != msg.Id {
		result.ParentID = msg.ThreadId
	}

	if msg.Payload != nil {
		result.Subject = getHeader(msg.Payload.Headers, "Subject")
		from := parseEmailAddress(getHeader(msg.Payload.Headers, "From"))
		result.SenderAddress = from.Address
		result.SenderName = from.Name
		result.SenderFirstName, result.SenderLastName = domain.SplitName(from.Name)

		var body messageBody
		extractBody(msg.Payload, &body, 0)
		result.Body = body.best()
	}
	if result.Body == "" {
		result.Body = msg.Snippet
	}
	result.TicketRef = domain.ParseTicketRef(result.Subject)

	if msg.Payload != nil {
		attachments, err := a.loadAttachments(ctx, svc, msg.Id, msg.Payload, 0)
		if err != nil {
			return result, err
		}
		result.Attachments = attachments
	}

	return result, nil
}

// loadAttachments walks the part tree and resolves attachment bytes inline.
func (a *GmailAdapter) loadAttachments(ctx context.Context, svc *gmail.Service, messageID string, part *gmail.MessagePart, depth int) ([]domain.MessageAttachment, error) {
	if part == nil || depth > gmailMaxPartDepth {
		return nil, nil
	}

	var attachments []domain.MessageAttachment
	if part.Filename != "" && part.Body != nil {
		data := part.Body.Data
		if data == "" && part.Body.AttachmentId != "" {
			var body *gmail.MessagePartBody
			err := a.cb.execute("get_attachment", func() error {
				var apiErr error
				body, apiErr = svc.Users.Messages.Attachments.Get(gmailUser, messageID, part.Body.AttachmentId).Context(ctx).Do()
				return apiErr
			})
			if err != nil {
				return nil, a.wrapError("get_attachment", err)
			}
			data = body.Data
		}

		decoded, err := decodeBase64URL(data)
		if err != nil {
			return nil, out.NewProviderError(a.Name(), "get_attachment", out.ProviderErrInvalidInput, 0,
				fmt.Sprintf("failed to decode attachment %s", part.Filename), err)
		}
		attachments = append(attachments, domain.MessageAttachment{
			Filename:    part.Filename,
			ContentType: part.MimeType,
			Data:        decoded,
		})
	}

	for _, p := range part.Parts {
		nested, err := a.loadAttachments(ctx, svc, messageID, p, depth+1)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, nested...)
	}
	return attachments, nil
}

type messageBody struct {
	text string
	html string
}

func (b *messageBody) best() string {
	if strings.TrimSpace(b.text) != "" {
		return b.text
	}
	return b.html
}

func extractBody(part *gmail.MessagePart, body *messageBody, depth int) {
	if part == nil || depth > gmailMaxPartDepth {
		return
	}
	// attachment parts carry their own bodies
	if part.Filename == "" && part.Body != nil && part.Body.Data != "" {
		switch part.MimeType {
		case "text/plain":
			if body.text == "" {
				if data, err := decodeBase64URL(part.Body.Data); err == nil {
					body.text = string(data)
				}
			}
		case "text/html":
			if body.html == "" {
				if data, err := decodeBase64URL(part.Body.Data); err == nil {
					body.html = string(data)
				}
			}
		}
	}

	for _, p := range part.Parts {
		extractBody(p, body, depth+1)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func (a *GmailAdapter) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

func (a *GmailAdapter) getService(ctx context.Context, accessToken string) (*gmail.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, src))}
	if a.apiEndpoint != "" {
		opts = append(opts, option.WithEndpoint(a.apiEndpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, out.NewProviderError(a.Name(), "client", out.ProviderErrNetwork, 0, "failed to create gmail client", err)
	}
	return svc, nil
}

func (a *GmailAdapter) wrapError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var pe *out.ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return out.NewProviderError(a.Name(), operation, out.ProviderErrTokenExpired, apiErr.Code, "token expired", err)
		case http.StatusForbidden:
			if strings.Contains(strings.ToLower(apiErr.Message), "rate limit") {
				return out.NewProviderError(a.Name(), operation, out.ProviderErrRateLimit, apiErr.Code, "rate limit exceeded", err)
			}
			return out.NewProviderError(a.Name(), operation, out.ProviderErrAuth, apiErr.Code, "access denied", err)
		case http.StatusNotFound:
			return out.NewProviderError(a.Name(), operation, out.ProviderErrNotFound, apiErr.Code, "not found", err)
		case http.StatusTooManyRequests:
			return out.NewProviderError(a.Name(), operation, out.ProviderErrRateLimit, apiErr.Code, "too many requests", err)
		}
		return out.NewProviderError(a.Name(), operation, out.ProviderErrServer, apiErr.Code, "server error", err)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return out.NewProviderError(a.Name(), operation, out.ProviderErrAuth, status, "token endpoint rejected the request", err)
	}

	return out.NewProviderError(a.Name(), operation, out.ProviderErrNetwork, 0, "request failed", err)
}

// linkThreads handles threads whose first message is not in the batch, read
// or handled by an earlier run. The earliest fetched message becomes the root
// and keeps pointing at the thread id; the others point at it. messages must
// be sorted.
func linkThreads(messages []domain.NormalizedMessage) {
	present := make(map[string]bool, len(messages))
	for i := range messages {
		present[messages[i].ID] = true
	}

	roots := make(map[string]string)
	for i := range messages {
		threadID := messages[i].ConversationID
		if threadID == "" || present[threadID] {
			continue
		}
		rootID, ok := roots[threadID]
		if !ok {
			roots[threadID] = messages[i].ID
			continue
		}
		messages[i].ParentID = rootID
	}
}

func getHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// decodeBase64URL accepts padded and unpadded URL-safe base64.
func decodeBase64URL(s string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ out.MailProvider = (*GmailAdapter)(nil)
