package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/out"
	"ticket_worker/core/service/thread"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGmailTestServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var modified []string

	b64 := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

	messages := map[string]map[string]any{
		"root1": {
			"id": "root1", "threadId": "root1", "internalDate": "1700000000000", "snippet": "snip",
			"payload": map[string]any{
				"mimeType": "multipart/mixed",
				"headers": []map[string]string{
					{"name": "Subject", "value": "Printer broken"},
					{"name": "From", "value": "Jane Doe <Jane@Example.com>"},
				},
				"parts": []map[string]any{
					{"mimeType": "text/plain", "body": map[string]any{"data": b64("It jams.")}},
					{"mimeType": "text/plain", "filename": "log.txt", "body": map[string]any{"attachmentId": "att1", "size": 5}},
				},
			},
		},
		"reply1": {
			"id": "reply1", "threadId": "root1", "internalDate": "1700000060000",
			"payload": map[string]any{
				"mimeType": "text/html",
				"headers": []map[string]string{
					{"name": "Subject", "value": "Re: [Support #42] Printer broken"},
					{"name": "From", "value": "bob@example.com"},
				},
				"body": map[string]any{"data": b64("<p>still</p>")},
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "is:unread", r.URL.Query().Get("q"))
		assert.Equal(t, "Bearer access", r.Header.Get("Authorization"))
		// newest first, the adapter must sort
		if r.URL.Query().Get("pageToken") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"messages":      []map[string]string{{"id": "reply1", "threadId": "root1"}},
				"nextPageToken": "p2",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "root1", "threadId": "root1"}},
		})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
		switch {
		case strings.HasSuffix(rest, "/attachments/att1"):
			json.NewEncoder(w).Encode(map[string]any{"data": b64("hello"), "size": 5})
		case strings.HasSuffix(rest, "/modify"):
			body, _ := io.ReadAll(r.Body)
			assert.Contains(t, string(body), "UNREAD")
			modified = append(modified, strings.TrimSuffix(rest, "/modify"))
			json.NewEncoder(w).Encode(map[string]any{"id": strings.TrimSuffix(rest, "/modify")})
		default:
			msg, ok := messages[rest]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": 404, "message": "Not Found"}})
				return
			}
			json.NewEncoder(w).Encode(msg)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &modified
}

func TestGmailFetchUnread(t *testing.T) {
	srv, _ := newGmailTestServer(t)
	a := NewGmailAdapter(&GmailConfig{ClientID: "id", APIEndpoint: srv.URL + "/"})

	msgs, err := a.FetchUnread(context.Background(), "access")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	root := msgs[0]
	assert.Equal(t, "root1", root.ID)
	assert.True(t, root.IsRoot())
	assert.Equal(t, "root1", root.ConversationID)
	assert.Equal(t, "jane@example.com", root.SenderAddress)
	assert.Equal(t, "Jane", root.SenderFirstName)
	assert.Equal(t, "Doe", root.SenderLastName)
	assert.Equal(t, "It jams.", root.Body)
	require.Len(t, root.Attachments, 1)
	assert.Equal(t, "log.txt", root.Attachments[0].Filename)
	assert.Equal(t, []byte("hello"), root.Attachments[0].Data)

	reply := msgs[1]
	assert.Equal(t, "root1", reply.ParentID)
	assert.Equal(t, "<p>still</p>", reply.Body)
	assert.Equal(t, int64(42), reply.TicketRef)
	assert.True(t, reply.ReceivedAt.After(root.ReceivedAt))
}

func TestGmailMarkRead(t *testing.T) {
	srv, modified := newGmailTestServer(t)
	a := NewGmailAdapter(&GmailConfig{ClientID: "id", APIEndpoint: srv.URL + "/"})

	require.NoError(t, a.MarkRead(context.Background(), "root1", "access"))
	assert.Equal(t, []string{"root1"}, *modified)
}

func TestGmailWrapError(t *testing.T) {
	a := NewGmailAdapter(&GmailConfig{ClientID: "id"})

	tests := []struct {
		code int
		msg  string
		want out.ProviderErrorCode
	}{
		{401, "Invalid Credentials", out.ProviderErrTokenExpired},
		{403, "User Rate Limit Exceeded", out.ProviderErrRateLimit},
		{403, "Insufficient Permission", out.ProviderErrAuth},
		{404, "Not Found", out.ProviderErrNotFound},
		{429, "Too Many Requests", out.ProviderErrRateLimit},
		{503, "Backend Error", out.ProviderErrServer},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := a.wrapError("get_message", &googleapi.Error{Code: tt.code, Message: tt.msg})
			var pe *out.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.want, pe.Code)
			assert.Equal(t, tt.code, pe.StatusCode)
		})
	}
}

func TestParseEmailAddress(t *testing.T) {
	tests := []struct {
		raw      string
		wantName string
		wantAddr string
	}{
		{"Jane Doe <jane@example.com>", "Jane Doe", "jane@example.com"},
		{"jane@example.com", "", "jane@example.com"},
		{`"Doe, Jane" <JANE@example.com>`, "Doe, Jane", "jane@example.com"},
		{"", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := parseEmailAddress(tt.raw)
			assert.Equal(t, tt.wantName, got.Name)
			assert.Equal(t, tt.wantAddr, got.Address)
		})
	}
}

func TestDecodeBase64URL(t *testing.T) {
	padded := base64.URLEncoding.EncodeToString([]byte("ab"))
	raw := base64.RawURLEncoding.EncodeToString([]byte("ab"))

	for _, in := range []string{padded, raw} {
		got, err := decodeBase64URL(in)
		require.NoError(t, err)
		assert.Equal(t, "ab", string(got))
	}
}

func TestBreakerPassesClientErrors(t *testing.T) {
	b := newBreaker("test")
	notFound := out.NewProviderError("test", "get", out.ProviderErrNotFound, 404, "not found", nil)

	for i := 0; i < 10; i++ {
		err := b.execute("get", func() error { return notFound })
		assert.Equal(t, notFound, err)
	}
	assert.Equal(t, "closed", b.state())
}

func TestGmailRevokedTokenDoesNotBlockOtherJobs(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
	}))
	t.Cleanup(tokenSrv.Close)
	apiSrv, _ := newGmailTestServer(t)

	a := NewGmailAdapter(&GmailConfig{
		ClientID:    "id",
		Endpoint:    &oauth2.Endpoint{TokenURL: tokenSrv.URL, AuthStyle: oauth2.AuthStyleInParams},
		APIEndpoint: apiSrv.URL + "/",
	})
	ctx := context.Background()

	// one job with a revoked grant, retried on every tick
	for i := 0; i < 10; i++ {
		_, err := a.RefreshAccessToken(ctx, "revoked-refresh-token")
		var pe *out.ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, out.ProviderErrAuth, pe.Code)
		assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
	}
	assert.Equal(t, "closed", a.cb.state())

	// a healthy job on the same adapter still syncs
	msgs, err := a.FetchUnread(ctx, "access")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestIsClientError(t *testing.T) {
	resp := func(code int) *http.Response { return &http.Response{StatusCode: code} }

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"provider 404", out.NewProviderError("gmail", "get", out.ProviderErrNotFound, 404, "not found", nil), true},
		{"provider 429", out.NewProviderError("gmail", "get", out.ProviderErrRateLimit, 429, "slow down", nil), false},
		{"api 401", &googleapi.Error{Code: 401}, true},
		{"api 503", &googleapi.Error{Code: 503}, false},
		{"token 400", &oauth2.RetrieveError{Response: resp(400), ErrorCode: "invalid_grant"}, true},
		{"token 401", &oauth2.RetrieveError{Response: resp(401), ErrorCode: "invalid_client"}, true},
		{"token 500", &oauth2.RetrieveError{Response: resp(500)}, false},
		{"token code only", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}, true},
		{"network", io.ErrUnexpectedEOF, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isClientError(tt.err))
		})
	}
}

func TestLinkThreadsWithoutFirstMessage(t *testing.T) {
	at := func(min int) time.Time { return time.Date(2024, 5, 1, 9, min, 0, 0, time.UTC) }
	reply := func(id, threadID string, min int) domain.NormalizedMessage {
		return domain.NormalizedMessage{ID: id, ConversationID: threadID, ParentID: threadID, ReceivedAt: at(min)}
	}

	messages := []domain.NormalizedMessage{
		reply("r1", "t1", 1), // t1 itself was read by an earlier run
		{ID: "t2", ConversationID: "t2", ReceivedAt: at(2)},
		reply("r2", "t1", 3),
		reply("r3", "t2", 4),
		reply("r4", "t1", 5),
	}
	linkThreads(messages)

	assert.Equal(t, "t1", messages[0].ParentID, "batch root keeps the thread link")
	assert.Equal(t, "r1", messages[2].ParentID)
	assert.Equal(t, "r1", messages[4].ParentID)
	assert.Equal(t, "t2", messages[3].ParentID, "thread with its first message is untouched")

	convs := thread.Reconcile(messages)
	require.Len(t, convs, 2)
	assert.Equal(t, "r1", convs[0].Root.ID)
	assert.Len(t, convs[0].Replies, 2)
	assert.Equal(t, "t2", convs[1].Root.ID)
	assert.Len(t, convs[1].Replies, 1)
}
