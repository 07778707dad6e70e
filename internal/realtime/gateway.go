package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	appchat "homematch/internal/app/chat"
	"homematch/internal/app/identity"
	domainchat "homematch/internal/domain/chat"
)

// Room keys. Rooms are live broadcast groups, never persisted.
func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }
func UserRoom(userID string) string                 { return "user:" + userID }

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	// maxFrameSize bounds inbound frames; the largest legal payload is a
	// 1000-rune message plus envelope overhead.
	maxFrameSize = 8 << 10
)

// Config tunes gateway timeouts and buffers.
type Config struct {
	// HandlerTimeout bounds store calls inside a single event handler.
	HandlerTimeout time.Duration
	// HandshakeTimeout bounds how long an unauthenticated connection may
	// occupy a transport slot.
	HandshakeTimeout time.Duration
	// SendBuffer is the per-connection outbound queue; a full queue drops
	// the connection rather than stalling broadcasts.
	SendBuffer int
}

func (c Config) withDefaults() Config {
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Gateway accepts websocket connections, authenticates them and dispatches
// protocol events. It owns the registry; handler errors stay scoped to the
// triggering connection and never take the process down.
type Gateway struct {
	registry *Registry
	verifier *identity.Verifier
	chats    *appchat.Service
	logger   *slog.Logger
	upgrader websocket.Upgrader
	cfg      Config

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

func NewGateway(verifier *identity.Verifier, chats *appchat.Service, logger *slog.Logger, cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		registry: NewRegistry(),
		verifier: verifier,
		chats:    chats,
		logger:   logger,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// Registry exposes the connection registry, mainly for tests and health.
func (g *Gateway) Registry() *Registry { return g.registry }

// ConnectionCount reports live connections for the health endpoint.
func (g *Gateway) ConnectionCount() int { return g.registry.Len() }

// HandleWS authenticates the handshake and, only on success, completes the
// upgrade. A failed handshake never produces a registered connection.
func (g *Gateway) HandleWS(c *gin.Context) {
	if !g.beginSession() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	defer g.wg.Done()
	token := bearerToken(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), g.cfg.HandshakeTimeout)
	principal, err := g.verifier.Verify(ctx, token)
	cancel()
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": authReason(err)})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err, "user_id", principal.ID)
		return
	}

	sess := newSession(uuid.NewString(), principal, g.cfg.SendBuffer)
	g.registry.Register(sess)
	g.registry.JoinRoom(sess.ID, UserRoom(principal.ID))
	g.logger.Info("user connected", "user_id", principal.ID, "email", principal.Email, "connection_id", sess.ID)

	go g.writePump(sess, conn)
	g.readPump(sess, conn)
	g.disconnect(sess, "transport closed")
}

func bearerToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func authReason(err error) string {
	switch {
	case errors.Is(err, identity.ErrNoToken):
		return "Authentication error: No token provided"
	case errors.Is(err, identity.ErrInactiveUser):
		return "Authentication error: User not found or inactive"
	default:
		return "Authentication error: Invalid token"
	}
}

func (g *Gateway) readPump(sess *Session, conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("read failed", "error", err, "connection_id", sess.ID)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			g.deliver(sess, Outbound{Event: EventError, Data: ErrorData{Message: "Invalid event frame"}})
			continue
		}
		g.dispatch(sess, env)
	}
}

func (g *Gateway) writePump(sess *Session, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case out := <-sess.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sess.done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// dispatch routes one inbound event. Events from the same connection arrive
// through a single read loop, so per-connection FIFO ordering holds without
// extra coordination.
func (g *Gateway) dispatch(sess *Session, env Envelope) {
	switch env.Event {
	case EventJoinConversation:
		g.handleJoin(sess, env.Data)
	case EventLeaveConversation:
		g.handleLeave(sess, env.Data)
	case EventSendMessage:
		g.handleSendMessage(sess, env.Data)
	case EventTyping:
		g.handleTyping(sess, env.Data)
	case EventMarkAsRead:
		g.handleMarkRead(sess, env.Data)
	case EventSetOnline:
		g.broadcastAll(Outbound{Event: EventUserOnline, Data: PresenceData{UserID: sess.User.ID, User: userRef(sess.User)}}, sess.ID)
	case EventSetOffline:
		g.broadcastAll(Outbound{Event: EventUserOffline, Data: PresenceData{UserID: sess.User.ID, User: userRef(sess.User)}}, sess.ID)
	default:
		g.deliver(sess, Outbound{Event: EventError, Data: ErrorData{Message: "Unknown event: " + env.Event}})
	}
}

func (g *Gateway) handleJoin(sess *Session, raw json.RawMessage) {
	conversationID, err := decodeConversationID(raw)
	if err != nil {
		g.scopedError(sess, "join conversation", err)
		return
	}
	ctx, cancel := g.handlerContext()
	defer cancel()
	// Membership is always store-verified; a client-supplied flag is never
	// trusted.
	if _, err := g.chats.GetConversation(ctx, conversationID, sess.User.ID); err != nil {
		g.scopedError(sess, "join conversation", err)
		return
	}
	g.registry.JoinRoom(sess.ID, ConversationRoom(conversationID))
	g.logger.Info("user joined conversation", "user_id", sess.User.ID, "conversation_id", conversationID)
}

func (g *Gateway) handleLeave(sess *Session, raw json.RawMessage) {
	conversationID, err := decodeConversationID(raw)
	if err != nil {
		g.scopedError(sess, "leave conversation", err)
		return
	}
	g.registry.LeaveRoom(sess.ID, ConversationRoom(conversationID))
	g.logger.Info("user left conversation", "user_id", sess.User.ID, "conversation_id", conversationID)
}

func (g *Gateway) handleSendMessage(sess *Session, raw json.RawMessage) {
	payload, err := decodeSendMessage(raw)
	if err != nil {
		g.scopedError(sess, "send message", err)
		return
	}
	ctx, cancel := g.handlerContext()
	defer cancel()
	msg, conv, err := g.chats.SendMessage(ctx, appchat.SendParams{
		ConversationID: payload.ConversationID,
		SenderID:       sess.User.ID,
		Content:        payload.Content,
		ListingID:      payload.ListingID,
		BuyerRequestID: payload.BuyerRequestID,
	})
	if err != nil {
		g.scopedError(sess, "send message", err)
		return
	}
	record := messageRecord(msg)
	// The sender sits in the conversation room too, so the room broadcast
	// doubles as its delivery confirmation.
	g.broadcastRoom(ConversationRoom(conv.ID), Outbound{
		Event: EventNewMessage,
		Data:  NewMessageData{Message: record, ConversationID: conv.ID},
	}, "")
	g.broadcastRoom(UserRoom(conv.OtherParticipant(sess.User.ID)), Outbound{
		Event: EventMessageNotification,
		Data:  MessageNotificationData{Message: record, ConversationID: conv.ID, Sender: userRef(sess.User)},
	}, "")
	g.logger.Info("message sent", "conversation_id", conv.ID, "sender_id", sess.User.ID, "message_id", msg.ID)
}

func (g *Gateway) handleTyping(sess *Session, raw json.RawMessage) {
	payload, err := decodeTyping(raw)
	if err != nil {
		g.scopedError(sess, "send typing state", err)
		return
	}
	g.broadcastRoom(ConversationRoom(payload.ConversationID), Outbound{
		Event: EventUserTyping,
		Data:  TypingData{UserID: sess.User.ID, IsTyping: payload.IsTyping, User: userRef(sess.User)},
	}, sess.ID)
}

func (g *Gateway) handleMarkRead(sess *Session, raw json.RawMessage) {
	conversationID, err := decodeConversationID(raw)
	if err != nil {
		g.scopedError(sess, "mark messages as read", err)
		return
	}
	ctx, cancel := g.handlerContext()
	defer cancel()
	if _, err := g.chats.MarkRead(ctx, conversationID, sess.User.ID); err != nil {
		g.scopedError(sess, "mark messages as read", err)
		return
	}
	g.broadcastRoom(ConversationRoom(conversationID), Outbound{
		Event: EventMessagesRead,
		Data:  MessagesReadData{ConversationID: conversationID, ReadBy: sess.User.ID},
	}, sess.ID)
	g.logger.Info("messages marked read", "conversation_id", conversationID, "user_id", sess.User.ID)
}

// disconnect runs the teardown lifecycle once per session: unregister, leave
// every room, announce offline. Presence fan-out is global, matching the
// marketplace's everyone-sees-everyone presence model.
func (g *Gateway) disconnect(sess *Session, reason string) {
	sess.close()
	if g.registry.Unregister(sess.ID) == nil {
		return
	}
	g.logger.Info("user disconnected", "user_id", sess.User.ID, "connection_id", sess.ID, "reason", reason)
	g.broadcastAll(Outbound{
		Event: EventUserOffline,
		Data:  PresenceData{UserID: sess.User.ID, User: userRef(sess.User)},
	}, sess.ID)
}

func (g *Gateway) broadcastRoom(room string, out Outbound, excludeSession string) {
	for _, member := range g.registry.MembersOf(room) {
		if member.ID == excludeSession {
			continue
		}
		g.deliver(member, out)
	}
}

func (g *Gateway) broadcastAll(out Outbound, excludeSession string) {
	for _, member := range g.registry.Sessions() {
		if member.ID == excludeSession {
			continue
		}
		g.deliver(member, out)
	}
}

func (g *Gateway) deliver(sess *Session, out Outbound) {
	if sess.trySend(out) {
		return
	}
	g.logger.Warn("send queue full, dropping connection", "user_id", sess.User.ID, "connection_id", sess.ID)
	g.disconnect(sess, "send queue overflow")
}

func (g *Gateway) scopedError(sess *Session, action string, err error) {
	var msg string
	switch {
	case errors.Is(err, domainchat.ErrConversationNotFound), errors.Is(err, domainchat.ErrNotParticipant):
		msg = "Conversation not found"
	case errors.Is(err, domainchat.ErrEmptyContent):
		msg = "Message content is required"
	case errors.Is(err, domainchat.ErrContentTooLong):
		msg = "Message content exceeds 1000 characters"
	case errors.Is(err, errBadPayload):
		msg = "Invalid payload"
	default:
		// Store failures keep their detail server-side only.
		msg = "Failed to " + action
		g.logger.Error("handler failed", "action", action, "error", err, "user_id", sess.User.ID, "connection_id", sess.ID)
	}
	g.deliver(sess, Outbound{Event: EventError, Data: ErrorData{Message: msg}})
}

func (g *Gateway) handlerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.cfg.HandlerTimeout)
}

// beginSession reserves a slot in the drain group. The check and the Add
// happen under the same lock as Shutdown's draining flip, so no handshake can
// slip in after the wait for in-flight handlers has started.
func (g *Gateway) beginSession() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return false
	}
	g.wg.Add(1)
	return true
}

// Shutdown stops accepting connections, closes live ones and waits for
// in-flight handlers to drain or the context to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	g.mu.Unlock()
	for _, sess := range g.registry.Sessions() {
		sess.close()
	}
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
