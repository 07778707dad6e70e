package realtime

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"homematch/internal/app/identity"
	domainchat "homematch/internal/domain/chat"
)

// Inbound event names.
const (
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventSendMessage       = "send-message"
	EventTyping            = "typing"
	EventMarkAsRead        = "mark-as-read"
	EventSetOnline         = "set-online"
	EventSetOffline        = "set-offline"
)

// Outbound event names.
const (
	EventNewMessage          = "new-message"
	EventMessageNotification = "message-notification"
	EventUserTyping          = "user-typing"
	EventMessagesRead        = "messages-read"
	EventUserOnline          = "user-online"
	EventUserOffline         = "user-offline"
	EventError               = "error"
)

var validate = validator.New()

// Envelope is the inbound wire frame: {"event": ..., "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is the outgoing wire frame.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// SendMessagePayload is the send-message event payload. Content bounds are
// owned by the chat domain so socket and REST sends report the same errors;
// the validator only guards frame shape here.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Content        string `json:"content"`
	ListingID      string `json:"listingId,omitempty"`
	BuyerRequestID string `json:"buyerRequestId,omitempty"`
}

// TypingPayload is the typing event payload.
type TypingPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	IsTyping       bool   `json:"isTyping"`
}

var errBadPayload = errors.New("realtime: malformed event payload")

func decodeSendMessage(raw json.RawMessage) (SendMessagePayload, error) {
	var payload SendMessagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return SendMessagePayload{}, errBadPayload
	}
	if err := validate.Struct(payload); err != nil {
		return SendMessagePayload{}, errBadPayload
	}
	return payload, nil
}

func decodeTyping(raw json.RawMessage) (TypingPayload, error) {
	var payload TypingPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return TypingPayload{}, errBadPayload
	}
	if err := validate.Struct(payload); err != nil {
		return TypingPayload{}, errBadPayload
	}
	return payload, nil
}

// decodeConversationID accepts both the bare-string form and the object form
// {"conversationId": "..."} that different client versions send.
func decodeConversationID(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		id = strings.TrimSpace(id)
		if id == "" {
			return "", errBadPayload
		}
		return id, nil
	}
	var wrapped struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return "", errBadPayload
	}
	wrapped.ConversationID = strings.TrimSpace(wrapped.ConversationID)
	if wrapped.ConversationID == "" {
		return "", errBadPayload
	}
	return wrapped.ConversationID, nil
}

// UserRef identifies a user in outbound events.
type UserRef struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func userRef(p identity.Principal) UserRef {
	return UserRef{ID: p.ID, Email: p.Email, FirstName: p.FirstName, LastName: p.LastName}
}

// MessageRecord is the wire form of a persisted message.
type MessageRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	ListingID      string    `json:"listingId,omitempty"`
	BuyerRequestID string    `json:"buyerRequestId,omitempty"`
	IsRead         bool      `json:"isRead"`
	CreatedAt      time.Time `json:"createdAt"`
}

func messageRecord(m *domainchat.Message) MessageRecord {
	return MessageRecord{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		ListingID:      m.ListingID,
		BuyerRequestID: m.BuyerRequestID,
		IsRead:         m.IsRead,
		CreatedAt:      m.CreatedAt,
	}
}

// NewMessageData is broadcast to the conversation room.
type NewMessageData struct {
	Message        MessageRecord `json:"message"`
	ConversationID string        `json:"conversationId"`
}

// MessageNotificationData targets the recipient's personal room so delivery
// does not depend on conversation-room membership.
type MessageNotificationData struct {
	Message        MessageRecord `json:"message"`
	ConversationID string        `json:"conversationId"`
	Sender         UserRef       `json:"sender"`
}

// TypingData is fanned out to the conversation room, excluding the typist.
type TypingData struct {
	UserID   string  `json:"userId"`
	IsTyping bool    `json:"isTyping"`
	User     UserRef `json:"user"`
}

// MessagesReadData notifies the room that the counterpart caught up.
type MessagesReadData struct {
	ConversationID string `json:"conversationId"`
	ReadBy         string `json:"readBy"`
}

// PresenceData carries online/offline announcements.
type PresenceData struct {
	UserID string  `json:"userId"`
	User   UserRef `json:"user"`
}

// ErrorData is a scoped error delivered only to the triggering connection.
type ErrorData struct {
	Message string `json:"message"`
}
