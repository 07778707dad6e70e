package realtime_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	appchat "homematch/internal/app/chat"
	"homematch/internal/app/identity"
	domainuser "homematch/internal/domain/user"
	"homematch/internal/infra/storage/memory"
	"homematch/internal/realtime"
)

var testSecret = []byte("gateway-test-secret")

type fixture struct {
	gateway *realtime.Gateway
	chats   *appchat.Service
	server  *httptest.Server
}

func newFixture(t *testing.T, userIDs ...string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	users := memory.NewUserRepository()
	for _, id := range userIDs {
		users.Put(domainuser.User{
			ID:        domainuser.ID(id),
			Email:     id + "@example.com",
			FirstName: strings.ToUpper(id[:1]) + id[1:],
			Active:    true,
		})
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier := &identity.Verifier{Users: users, Secret: testSecret}
	chats := &appchat.Service{Store: memory.NewChatStore(), Users: users, Logger: logger}
	gateway := realtime.NewGateway(verifier, chats, logger, realtime.Config{})

	router := gin.New()
	router.GET("/ws", gateway.HandleWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gateway.Shutdown(ctx)
	})
	return &fixture{gateway: gateway, chats: chats, server: server}
}

func (f *fixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := identity.Sign(testSecret, userID, time.Minute)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *fixture) conversation(t *testing.T, a, b string) string {
	t.Helper()
	conv, err := f.chats.GetOrCreateConversation(context.Background(), a, b, "", "")
	require.NoError(t, err)
	return conv.ID
}

func (f *fixture) waitRoomSize(t *testing.T, room string, size int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.gateway.Registry().MembersOf(room)) == size
	}, 2*time.Second, 10*time.Millisecond)
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// waitEvent reads frames until the wanted event arrives.
func waitEvent(t *testing.T, conn *websocket.Conn, event string) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f frame
		err := conn.ReadJSON(&f)
		require.NoError(t, err, "waiting for %q", event)
		if f.Event == event {
			return f
		}
	}
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var f frame
	err := conn.ReadJSON(&f)
	require.Error(t, err, "expected no frame, got %q", f.Event)
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	f := newFixture(t, "alice")
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, 0, f.gateway.ConnectionCount())
}

func TestHandshakeRejectsInactiveUser(t *testing.T) {
	f := newFixture(t, "alice")
	token, err := identity.Sign(testSecret, "nobody", time.Minute)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectJoinsPersonalRoom(t *testing.T) {
	f := newFixture(t, "alice")
	f.dial(t, "alice")
	f.waitRoomSize(t, realtime.UserRoom("alice"), 1)
	require.Equal(t, 1, f.gateway.ConnectionCount())
}

func TestJoinConversationDeniedForOutsider(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	convID := f.conversation(t, "alice", "bob")

	carol := f.dial(t, "carol")
	send(t, carol, realtime.EventJoinConversation, convID)

	errFrame := waitEvent(t, carol, realtime.EventError)
	var data struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(errFrame.Data, &data))
	require.Equal(t, "Conversation not found", data.Message)
	require.Empty(t, f.gateway.Registry().MembersOf(realtime.ConversationRoom(convID)))
}

func TestSendMessageBroadcastsToRoomAndNotifiesRecipient(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	convID := f.conversation(t, "alice", "bob")

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	send(t, alice, realtime.EventJoinConversation, convID)
	send(t, bob, realtime.EventJoinConversation, convID)
	f.waitRoomSize(t, realtime.ConversationRoom(convID), 2)

	send(t, alice, realtime.EventSendMessage, map[string]any{
		"conversationId": convID,
		"content":        "hi, is the flat still available?",
	})

	got := waitEvent(t, bob, realtime.EventNewMessage)
	var payload struct {
		ConversationID string `json:"conversationId"`
		Message        struct {
			SenderID string `json:"senderId"`
			Content  string `json:"content"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(got.Data, &payload))
	require.Equal(t, convID, payload.ConversationID)
	require.Equal(t, "alice", payload.Message.SenderID)
	require.Equal(t, "hi, is the flat still available?", payload.Message.Content)

	// the recipient's personal room also gets a notification
	notif := waitEvent(t, bob, realtime.EventMessageNotification)
	var notifData struct {
		Sender struct {
			ID string `json:"id"`
		} `json:"sender"`
	}
	require.NoError(t, json.Unmarshal(notif.Data, &notifData))
	require.Equal(t, "alice", notifData.Sender.ID)

	// the sender gets the room echo as delivery confirmation
	waitEvent(t, alice, realtime.EventNewMessage)
}

func TestMessageNotificationReachesRecipientWithoutRoomJoin(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	convID := f.conversation(t, "alice", "bob")

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	send(t, alice, realtime.EventJoinConversation, convID)
	f.waitRoomSize(t, realtime.ConversationRoom(convID), 1)
	f.waitRoomSize(t, realtime.UserRoom("bob"), 1)

	send(t, alice, realtime.EventSendMessage, map[string]any{
		"conversationId": convID,
		"content":        "ping",
	})
	waitEvent(t, bob, realtime.EventMessageNotification)
}

func TestServiceSendBypassesSocketFanout(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	convID := f.conversation(t, "alice", "bob")

	bob := f.dial(t, "bob")
	send(t, bob, realtime.EventJoinConversation, convID)
	f.waitRoomSize(t, realtime.ConversationRoom(convID), 1)

	// a send through the service (the REST path) persists without reaching
	// connected sockets; only gateway-dispatched sends fan out
	_, _, err := f.chats.SendMessage(context.Background(), appchat.SendParams{
		ConversationID: convID,
		SenderID:       "alice",
		Content:        "persisted only",
	})
	require.NoError(t, err)
	expectSilence(t, bob)

	messages, err := f.chats.ListMessages(context.Background(), convID, "bob", 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	convID := f.conversation(t, "alice", "bob")

	alice := f.dial(t, "alice")
	send(t, alice, realtime.EventSendMessage, map[string]any{
		"conversationId": convID,
		"content":        "   ",
	})
	errFrame := waitEvent(t, alice, realtime.EventError)
	var data struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(errFrame.Data, &data))
	require.Equal(t, "Message content is required", data.Message)

	send(t, alice, realtime.EventSendMessage, map[string]any{
		"conversationId": convID,
		"content":        strings.Repeat("a", 1001),
	})
	errFrame = waitEvent(t, alice, realtime.EventError)
	require.NoError(t, json.Unmarshal(errFrame.Data, &data))
	require.Equal(t, "Message content exceeds 1000 characters", data.Message)
}

func TestTypingExcludesSender(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	convID := f.conversation(t, "alice", "bob")

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	send(t, alice, realtime.EventJoinConversation, convID)
	send(t, bob, realtime.EventJoinConversation, convID)
	f.waitRoomSize(t, realtime.ConversationRoom(convID), 2)

	send(t, alice, realtime.EventTyping, map[string]any{
		"conversationId": convID,
		"isTyping":       true,
	})
	got := waitEvent(t, bob, realtime.EventUserTyping)
	var data struct {
		UserID   string `json:"userId"`
		IsTyping bool   `json:"isTyping"`
	}
	require.NoError(t, json.Unmarshal(got.Data, &data))
	require.Equal(t, "alice", data.UserID)
	require.True(t, data.IsTyping)

	expectSilence(t, alice)
}

func TestMarkAsReadNotifiesRoom(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	convID := f.conversation(t, "alice", "bob")
	_, _, err := f.chats.SendMessage(context.Background(), appchat.SendParams{
		ConversationID: convID,
		SenderID:       "alice",
		Content:        "unread before bob connects",
	})
	require.NoError(t, err)

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	send(t, alice, realtime.EventJoinConversation, convID)
	send(t, bob, realtime.EventJoinConversation, convID)
	f.waitRoomSize(t, realtime.ConversationRoom(convID), 2)

	send(t, bob, realtime.EventMarkAsRead, convID)
	got := waitEvent(t, alice, realtime.EventMessagesRead)
	var data struct {
		ConversationID string `json:"conversationId"`
		ReadBy         string `json:"readBy"`
	}
	require.NoError(t, json.Unmarshal(got.Data, &data))
	require.Equal(t, convID, data.ConversationID)
	require.Equal(t, "bob", data.ReadBy)

	count, err := f.chats.UnreadCount(context.Background(), convID, "bob")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestDisconnectBroadcastsOffline(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	f.waitRoomSize(t, realtime.UserRoom("alice"), 1)
	f.waitRoomSize(t, realtime.UserRoom("bob"), 1)

	require.NoError(t, bob.Close())

	got := waitEvent(t, alice, realtime.EventUserOffline)
	var data struct {
		UserID string `json:"userId"`
	}
	require.NoError(t, json.Unmarshal(got.Data, &data))
	require.Equal(t, "bob", data.UserID)

	require.Eventually(t, func() bool {
		return f.gateway.ConnectionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownEventResponds(t *testing.T) {
	f := newFixture(t, "alice")
	alice := f.dial(t, "alice")
	send(t, alice, "warp-drive", nil)
	errFrame := waitEvent(t, alice, realtime.EventError)
	var data struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(errFrame.Data, &data))
	require.Equal(t, "Unknown event: warp-drive", data.Message)
}

func TestShutdownRefusesNewConnections(t *testing.T) {
	f := newFixture(t, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.gateway.Shutdown(ctx))

	token, err := identity.Sign(testSecret, "alice", time.Minute)
	require.NoError(t, err)
	url := fmt.Sprintf("ws%s/ws?token=%s", strings.TrimPrefix(f.server.URL, "http"), token)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
