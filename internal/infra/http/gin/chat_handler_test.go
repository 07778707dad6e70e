package ginserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appchat "homematch/internal/app/chat"
	"homematch/internal/app/identity"
	domainuser "homematch/internal/domain/user"
	"homematch/internal/infra/config"
	ginserver "homematch/internal/infra/http/gin"
	"homematch/internal/infra/obs"
	"homematch/internal/infra/storage/memory"
)

var testSecret = []byte("handler-test-secret")

type env struct {
	server *httptest.Server
	chats  *appchat.Service
}

func newEnv(t *testing.T, userIDs ...string) *env {
	t.Helper()
	users := memory.NewUserRepository()
	for _, id := range userIDs {
		users.Put(domainuser.User{ID: domainuser.ID(id), Email: id + "@example.com", Active: true})
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier := &identity.Verifier{Users: users, Secret: testSecret}
	chats := &appchat.Service{Store: memory.NewChatStore(), Users: users, Logger: logger}

	httpServer := ginserver.NewServer(
		config.Config{Env: "test", HTTPAddr: ":0"},
		obs.Middleware{Logger: logger},
		obs.NewHealthHandlers(func() error { return nil }, func() int { return 0 }),
		ginserver.Handlers{
			Chat:           ginserver.ChatHandler{Chats: chats, Logger: logger},
			AuthMiddleware: ginserver.AuthMiddleware{Verifier: verifier, Logger: logger}.Handle,
		},
	)
	server := httptest.NewServer(httpServer.Handler)
	t.Cleanup(server.Close)
	return &env{server: server, chats: chats}
}

func (e *env) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		token, err := identity.Sign(testSecret, userID, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestConversationsRequireAuth(t *testing.T) {
	e := newEnv(t, "alice")
	resp := e.do(t, http.MethodGet, "/api/v1/conversations", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAndListConversations(t *testing.T) {
	e := newEnv(t, "alice", "bob")

	resp := e.do(t, http.MethodPost, "/api/v1/conversations", "alice", map[string]string{
		"receiver_id": "bob",
		"listing_id":  "listing-7",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conv struct {
		ID        string `json:"id"`
		User1ID   string `json:"user1_id"`
		User2ID   string `json:"user2_id"`
		ListingID string `json:"listing_id"`
	}
	decode(t, resp, &conv)
	require.NotEmpty(t, conv.ID)
	require.Equal(t, "listing-7", conv.ListingID)

	// the peer sees the same thread
	resp = e.do(t, http.MethodGet, "/api/v1/conversations", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Items []struct {
			ID          string `json:"id"`
			UnreadCount int    `json:"unread_count"`
		} `json:"items"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Items, 1)
	require.Equal(t, conv.ID, list.Items[0].ID)
}

func TestCreateConversationValidation(t *testing.T) {
	e := newEnv(t, "alice")

	resp := e.do(t, http.MethodPost, "/api/v1/conversations", "alice", map[string]string{"receiver_id": "alice"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/v1/conversations", "alice", map[string]string{"receiver_id": "ghost"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/v1/conversations", "alice", map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendAndListMessages(t *testing.T) {
	e := newEnv(t, "alice", "bob", "carol")
	conv, err := e.chats.GetOrCreateConversation(context.Background(), "alice", "bob", "", "")
	require.NoError(t, err)

	resp := e.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", "alice", map[string]string{
		"content": "any news on the viewing?",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg struct {
		ID       string `json:"id"`
		SenderID string `json:"sender_id"`
		Content  string `json:"content"`
	}
	decode(t, resp, &msg)
	require.Equal(t, "alice", msg.SenderID)

	// outsiders are rejected
	resp = e.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", "carol", map[string]string{"content": "hi"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Items []struct {
			Content string `json:"content"`
			IsRead  bool   `json:"is_read"`
		} `json:"items"`
	}
	decode(t, resp, &page)
	require.Len(t, page.Items, 1)
	require.Equal(t, "any news on the viewing?", page.Items[0].Content)
	require.False(t, page.Items[0].IsRead)
}

func TestSendMessageValidation(t *testing.T) {
	e := newEnv(t, "alice", "bob")
	conv, err := e.chats.GetOrCreateConversation(context.Background(), "alice", "bob", "", "")
	require.NoError(t, err)

	resp := e.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", "alice", map[string]string{"content": "   "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/v1/conversations/missing/messages", "alice", map[string]string{"content": "hi"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMarkReadEndpoint(t *testing.T) {
	e := newEnv(t, "alice", "bob")
	conv, err := e.chats.GetOrCreateConversation(context.Background(), "alice", "bob", "", "")
	require.NoError(t, err)
	_, _, err = e.chats.SendMessage(context.Background(), appchat.SendParams{
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        "unread",
	})
	require.NoError(t, err)

	resp := e.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/read", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Updated int `json:"updated"`
	}
	decode(t, resp, &result)
	require.Equal(t, 1, result.Updated)
}

func TestDeleteEndpoints(t *testing.T) {
	e := newEnv(t, "alice", "bob")
	conv, err := e.chats.GetOrCreateConversation(context.Background(), "alice", "bob", "", "")
	require.NoError(t, err)
	msg, _, err := e.chats.SendMessage(context.Background(), appchat.SendParams{
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        "to be removed",
	})
	require.NoError(t, err)

	// only the author may delete a message
	resp := e.do(t, http.MethodDelete, "/api/v1/messages/"+msg.ID, "bob", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = e.do(t, http.MethodDelete, "/api/v1/messages/"+msg.ID, "alice", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/api/v1/conversations/"+conv.ID, "bob", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID, "alice", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	e := newEnv(t, "alice")
	for _, path := range []string{"/livez", "/readyz", "/healthz"} {
		resp := e.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
