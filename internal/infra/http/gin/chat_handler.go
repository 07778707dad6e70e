package ginserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	gin "github.com/gin-gonic/gin"

	appchat "homematch/internal/app/chat"
	domainchat "homematch/internal/domain/chat"
	"homematch/internal/infra/obs"
)

// ChatHTTP exposes conversation and message endpoints.
type ChatHTTP interface {
	ListMyConversations(c *gin.Context)
	CreateConversation(c *gin.Context)
	GetConversation(c *gin.Context)
	ListMessages(c *gin.Context)
	SendMessage(c *gin.Context)
	MarkRead(c *gin.Context)
	DeleteConversation(c *gin.Context)
	DeleteMessage(c *gin.Context)
}

// ChatHandler bridges HTTP with the chat service. The websocket gateway uses
// the same service and store, so both surfaces agree on validation and
// membership rules; REST writes persist and publish domain events but do not
// fan out to live sockets.
type ChatHandler struct {
	Chats  *appchat.Service
	Logger *slog.Logger
}

type conversationDTO struct {
	ID             string    `json:"id"`
	User1ID        string    `json:"user1_id"`
	User2ID        string    `json:"user2_id"`
	ListingID      string    `json:"listing_id,omitempty"`
	BuyerRequestID string    `json:"buyer_request_id,omitempty"`
	UnreadCount    int       `json:"unread_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type messageDTO struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"is_read"`
	ListingID      string    `json:"listing_id,omitempty"`
	BuyerRequestID string    `json:"buyer_request_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toConversationDTO(conv *domainchat.Conversation, unread int) conversationDTO {
	return conversationDTO{
		ID:             conv.ID,
		User1ID:        conv.User1ID,
		User2ID:        conv.User2ID,
		ListingID:      conv.ListingID,
		BuyerRequestID: conv.BuyerRequestID,
		UnreadCount:    unread,
		CreatedAt:      conv.CreatedAt,
		UpdatedAt:      conv.UpdatedAt,
	}
}

func toMessageDTO(msg *domainchat.Message) messageDTO {
	return messageDTO{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		IsRead:         msg.IsRead,
		ListingID:      msg.ListingID,
		BuyerRequestID: msg.BuyerRequestID,
		CreatedAt:      msg.CreatedAt,
	}
}

// ListMyConversations returns the caller's threads with unread counts.
func (h ChatHandler) ListMyConversations(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	limit := parsePositiveIntStrict(c.Query("limit"), 50)
	summaries, err := h.Chats.ListConversations(c.Request.Context(), principal.ID, limit)
	if err != nil {
		h.respondChatError(c, err, "list conversations", "user_id", principal.ID)
		return
	}
	items := make([]conversationDTO, 0, len(summaries))
	for i := range summaries {
		items = append(items, toConversationDTO(&summaries[i].Conversation, summaries[i].UnreadCount))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// CreateConversation gets or creates the single thread with another user.
func (h ChatHandler) CreateConversation(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	var req struct {
		ReceiverID     string `json:"receiver_id"`
		ListingID      string `json:"listing_id"`
		BuyerRequestID string `json:"buyer_request_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.ReceiverID = strings.TrimSpace(req.ReceiverID)
	if req.ReceiverID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "receiver_id is required"})
		return
	}
	conv, err := h.Chats.GetOrCreateConversation(c.Request.Context(), principal.ID, req.ReceiverID, req.ListingID, req.BuyerRequestID)
	if err != nil {
		h.respondChatError(c, err, "create conversation", "user_id", principal.ID, "receiver_id", req.ReceiverID)
		return
	}
	c.JSON(http.StatusOK, toConversationDTO(conv, 0))
}

// GetConversation returns a single thread the caller participates in.
func (h ChatHandler) GetConversation(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}
	conv, err := h.Chats.GetConversation(c.Request.Context(), conversationID, principal.ID)
	if err != nil {
		h.respondChatError(c, err, "load conversation", "conversation_id", conversationID, "user_id", principal.ID)
		return
	}
	unread, err := h.Chats.UnreadCount(c.Request.Context(), conversationID, principal.ID)
	if err != nil {
		unread = 0
	}
	c.JSON(http.StatusOK, toConversationDTO(conv, unread))
}

// ListMessages returns a page of history, oldest first. The optional before
// query parameter (RFC 3339) pages backwards through older messages.
func (h ChatHandler) ListMessages(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}
	limit := parsePositiveIntStrict(c.Query("limit"), 50)
	var before time.Time
	if raw := strings.TrimSpace(c.Query("before")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "before must be RFC 3339"})
			return
		}
		before = parsed
	}
	messages, err := h.Chats.ListMessages(c.Request.Context(), conversationID, principal.ID, limit, before)
	if err != nil {
		h.respondChatError(c, err, "list messages", "conversation_id", conversationID, "user_id", principal.ID)
		return
	}
	items := make([]messageDTO, 0, len(messages))
	for i := range messages {
		items = append(items, toMessageDTO(&messages[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// SendMessage posts a message over REST. The message is persisted and a
// domain event is published; realtime delivery happens only for sends that
// arrive through the socket gateway. Clients poll history after REST sends.
func (h ChatHandler) SendMessage(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}
	var req struct {
		Content        string `json:"content"`
		ListingID      string `json:"listing_id"`
		BuyerRequestID string `json:"buyer_request_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, _, err := h.Chats.SendMessage(c.Request.Context(), appchat.SendParams{
		ConversationID: conversationID,
		SenderID:       principal.ID,
		Content:        req.Content,
		ListingID:      req.ListingID,
		BuyerRequestID: req.BuyerRequestID,
	})
	if err != nil {
		h.respondChatError(c, err, "send message", "conversation_id", conversationID, "user_id", principal.ID)
		return
	}
	c.JSON(http.StatusCreated, toMessageDTO(msg))
}

// MarkRead marks every message from the other participant as read.
func (h ChatHandler) MarkRead(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}
	updated, err := h.Chats.MarkRead(c.Request.Context(), conversationID, principal.ID)
	if err != nil {
		h.respondChatError(c, err, "mark read", "conversation_id", conversationID, "user_id", principal.ID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// DeleteConversation removes a thread and all of its messages.
func (h ChatHandler) DeleteConversation(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}
	if err := h.Chats.DeleteConversation(c.Request.Context(), conversationID, principal.ID); err != nil {
		h.respondChatError(c, err, "delete conversation", "conversation_id", conversationID, "user_id", principal.ID)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteMessage removes a single message authored by the caller.
func (h ChatHandler) DeleteMessage(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	messageID := strings.TrimSpace(c.Param("id"))
	if messageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message id is required"})
		return
	}
	if err := h.Chats.DeleteMessage(c.Request.Context(), messageID, principal.ID); err != nil {
		h.respondChatError(c, err, "delete message", "message_id", messageID, "user_id", principal.ID)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h ChatHandler) respondChatError(c *gin.Context, err error, action string, attrs ...any) {
	switch {
	case errors.Is(err, domainchat.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, domainchat.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	case errors.Is(err, appchat.ErrReceiverNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "receiver not found"})
	case errors.Is(err, domainchat.ErrNotParticipant), errors.Is(err, domainchat.ErrNotSender):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, domainchat.ErrSelfConversation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
	case errors.Is(err, domainchat.ErrEmptyContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
	case errors.Is(err, domainchat.ErrContentTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": "content exceeds maximum length"})
	default:
		if h.Logger != nil {
			base := []any{"action", action, "error", err, "request_id", obs.RequestIDFromContext(c.Request.Context())}
			h.Logger.Error("chat call failed", append(base, attrs...)...)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parsePositiveIntStrict(raw string, def int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return def
	}
	return value
}

var _ ChatHTTP = (*ChatHandler)(nil)
