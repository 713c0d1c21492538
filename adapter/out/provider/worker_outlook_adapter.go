package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/out"
	"ticket_worker/pkg/logger"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const (
	defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	graphMessageSelect  = "id,conversationId,subject,from,body,receivedDateTime,hasAttachments"
	graphPageSize       = 50
)

// =============================================================================
// Outlook Adapter
// =============================================================================

// OutlookConfig holds Outlook configuration.
type OutlookConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TenantID     string

	HTTPClient *http.Client
	// Endpoint and GraphBaseURL override Microsoft URLs, used by tests.
	Endpoint     *oauth2.Endpoint
	GraphBaseURL string
}

// OutlookAdapter implements out.MailProvider for Microsoft Graph.
type OutlookAdapter struct {
	config     *oauth2.Config
	httpClient *http.Client
	baseURL    string
	cb         *breaker
}

// NewOutlookAdapter creates a new Outlook adapter.
func NewOutlookAdapter(cfg *OutlookConfig) *OutlookAdapter {
	tenantID := cfg.TenantID
	if tenantID == "" {
		tenantID = "common"
	}
	endpoint := microsoft.AzureADEndpoint(tenantID)
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}

	baseURL := strings.TrimRight(cfg.GraphBaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGraphBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &OutlookAdapter{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes: []string{
				"offline_access",
				"https://graph.microsoft.com/Mail.ReadWrite",
				"https://graph.microsoft.com/User.Read",
			},
			Endpoint: endpoint,
		},
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         newBreaker(domain.ProviderOutlook),
	}
}

// Name returns the provider name.
func (a *OutlookAdapter) Name() string {
	return domain.ProviderOutlook
}

// =============================================================================
// Authentication
// =============================================================================

// AuthorizationURL returns the OAuth consent URL.
func (a *OutlookAdapter) AuthorizationURL(state string) string {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode exchanges an authorization code and resolves the mailbox
// address from the token claims, falling back to the /me profile.
func (a *OutlookAdapter) ExchangeCode(ctx context.Context, code string) (*domain.Authorization, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)

	var token *oauth2.Token
	err := a.cb.execute("exchange_code", func() error {
		var exErr error
		token, exErr = a.config.Exchange(ctx, code)
		return exErr
	})
	if err != nil {
		return nil, a.wrapError("exchange_code", err)
	}

	email := emailFromAccessToken(token.AccessToken)
	if email == "" {
		var me struct {
			Mail              string `json:"mail"`
			UserPrincipalName string `json:"userPrincipalName"`
		}
		err := a.cb.execute("get_profile", func() error {
			return a.doGet(ctx, token.AccessToken, a.baseURL+"/me?$select=mail,userPrincipalName", "get_profile", &me)
		})
		if err != nil {
			return nil, err
		}
		email = me.Mail
		if email == "" {
			email = me.UserPrincipalName
		}
	}

	return &domain.Authorization{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		Email:        email,
	}, nil
}

// RefreshAccessToken trades the refresh token for a new access token.
func (a *OutlookAdapter) RefreshAccessToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, out.NewProviderError(a.Name(), "refresh_token", out.ProviderErrAuth, 0, "no refresh token stored", nil)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)

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

// emailFromAccessToken reads the mailbox address from the token claims.
// Graph access tokens are not meant to be verified by clients.
func emailFromAccessToken(accessToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return ""
	}
	for _, key := range []string{"unique_name", "upn", "preferred_username"} {
		if v, ok := claims[key].(string); ok && strings.Contains(v, "@") {
			return v
		}
	}
	return ""
}

// =============================================================================
// Messages
// =============================================================================

type graphMessage struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversationId"`
	Subject          string    `json:"subject"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	HasAttachments   bool      `json:"hasAttachments"`
	From             *struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	IsInline     bool   `json:"isInline"`
	ContentBytes string `json:"contentBytes"`
}

// FetchUnread pages through the unread messages of the inbox owner.
func (a *OutlookAdapter) FetchUnread(ctx context.Context, accessToken string) ([]domain.NormalizedMessage, error) {
	params := url.Values{}
	params.Set("$filter", "isRead eq false")
	params.Set("$select", graphMessageSelect)
	params.Set("$top", fmt.Sprintf("%d", graphPageSize))
	next := a.baseURL + "/me/messages?" + params.Encode()

	var raw []graphMessage
	for next != "" {
		var page struct {
			Value    []graphMessage `json:"value"`
			NextLink string         `json:"@odata.nextLink"`
		}
		link := next
		err := a.cb.execute("list_messages", func() error {
			return a.doGet(ctx, accessToken, link, "list_messages", &page)
		})
		if err != nil {
			return nil, err
		}
		raw = append(raw, page.Value...)
		next = page.NextLink
	}

	messages := make([]domain.NormalizedMessage, 0, len(raw))
	for _, m := range raw {
		msg := a.convertMessage(m)
		if m.HasAttachments {
			attachments, err := a.listAttachments(ctx, accessToken, m.ID)
			if err != nil {
				return nil, err
			}
			msg.Attachments = attachments
		}
		messages = append(messages, msg)
	}

	sortByReceived(messages)
	linkConversations(messages)

	logger.WithField("provider", a.Name()).Debug("fetched %d unread messages", len(messages))
	return messages, nil
}

func (a *OutlookAdapter) listAttachments(ctx context.Context, accessToken, messageID string) ([]domain.MessageAttachment, error) {
	var resp struct {
		Value []graphAttachment `json:"value"`
	}
	link := a.baseURL + "/me/messages/" + url.PathEscape(messageID) + "/attachments"
	err := a.cb.execute("get_attachment", func() error {
		return a.doGet(ctx, accessToken, link, "get_attachment", &resp)
	})
	if err != nil {
		return nil, err
	}

	var attachments []domain.MessageAttachment
	for _, att := range resp.Value {
		// item and reference attachments carry no bytes
		if att.ODataType != "" && att.ODataType != "#microsoft.graph.fileAttachment" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(att.ContentBytes)
		if err != nil {
			return nil, out.NewProviderError(a.Name(), "get_attachment", out.ProviderErrInvalidInput, 0,
				fmt.Sprintf("failed to decode attachment %s", att.Name), err)
		}
		attachments = append(attachments, domain.MessageAttachment{
			Filename:    att.Name,
			ContentType: att.ContentType,
			Data:        data,
		})
	}
	return attachments, nil
}

// MarkRead sets isRead on the message.
func (a *OutlookAdapter) MarkRead(ctx context.Context, messageID, accessToken string) error {
	link := a.baseURL + "/me/messages/" + url.PathEscape(messageID)
	return a.cb.execute("mark_read", func() error {
		return a.doPatch(ctx, accessToken, link, "mark_read", map[string]bool{"isRead": true})
	})
}

func (a *OutlookAdapter) convertMessage(m graphMessage) domain.NormalizedMessage {
	msg := domain.NormalizedMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Subject:        m.Subject,
		Body:           m.Body.Content,
		ReceivedAt:     m.ReceivedDateTime.UTC(),
		TicketRef:      domain.ParseTicketRef(m.Subject),
	}
	if m.From != nil {
		msg.SenderAddress = m.From.EmailAddress.Address
		msg.SenderName = m.From.EmailAddress.Name
		msg.SenderFirstName, msg.SenderLastName = domain.SplitName(m.From.EmailAddress.Name)
	}
	return msg
}

// linkConversations sets ParentID on every message of a conversationId group
// to the earliest message of the group. messages must be sorted.
func linkConversations(messages []domain.NormalizedMessage) {
	roots := make(map[string]string)
	for i := range messages {
		convID := messages[i].ConversationID
		if convID == "" {
			continue
		}
		rootID, ok := roots[convID]
		if !ok {
			roots[convID] = messages[i].ID
			continue
		}
		messages[i].ParentID = rootID
	}
}

// =============================================================================
// HTTP helpers
// =============================================================================

func (a *OutlookAdapter) doGet(ctx context.Context, accessToken, link, operation string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return out.NewProviderError(a.Name(), operation, out.ProviderErrInvalidInput, 0, "invalid request", err)
	}
	req.Header.Set("Prefer", `outlook.body-content-type="text"`)
	return a.do(req, accessToken, operation, result)
}

func (a *OutlookAdapter) doPatch(ctx context.Context, accessToken, link, operation string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return out.NewProviderError(a.Name(), operation, out.ProviderErrInvalidInput, 0, "invalid request body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, link, bytes.NewReader(data))
	if err != nil {
		return out.NewProviderError(a.Name(), operation, out.ProviderErrInvalidInput, 0, "invalid request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, accessToken, operation, nil)
}

func (a *OutlookAdapter) do(req *http.Request, accessToken, operation string, result interface{}) error {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return out.NewProviderError(a.Name(), operation, out.ProviderErrNetwork, 0, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return a.wrapHTTPError(operation, resp.StatusCode, string(body))
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return out.NewProviderError(a.Name(), operation, out.ProviderErrServer, resp.StatusCode, "invalid response body", err)
		}
	}
	return nil
}

func (a *OutlookAdapter) wrapHTTPError(operation string, statusCode int, body string) error {
	switch statusCode {
	case http.StatusUnauthorized:
		return out.NewProviderError(a.Name(), operation, out.ProviderErrTokenExpired, statusCode, "token expired", nil)
	case http.StatusForbidden:
		return out.NewProviderError(a.Name(), operation, out.ProviderErrAuth, statusCode, "access denied", nil)
	case http.StatusNotFound:
		return out.NewProviderError(a.Name(), operation, out.ProviderErrNotFound, statusCode, "not found", nil)
	case http.StatusTooManyRequests:
		return out.NewProviderError(a.Name(), operation, out.ProviderErrRateLimit, statusCode, "too many requests", nil)
	}
	if statusCode < 500 {
		return out.NewProviderError(a.Name(), operation, out.ProviderErrInvalidInput, statusCode, body, nil)
	}
	return out.NewProviderError(a.Name(), operation, out.ProviderErrServer, statusCode, body, nil)
}

func (a *OutlookAdapter) wrapError(operation string, err error) error {
	var pe *out.ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return out.NewProviderError(a.Name(), operation, out.ProviderErrAuth, status, "token endpoint rejected the request", err)
	}
	return out.NewProviderError(a.Name(), operation, out.ProviderErrNetwork, 0, "request failed", err)
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ out.MailProvider = (*OutlookAdapter)(nil)
