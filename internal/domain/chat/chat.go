package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrConversationNotFound = errors.New("chat: conversation not found")
	ErrMessageNotFound      = errors.New("chat: message not found")
	ErrNotParticipant       = errors.New("chat: user is not a conversation participant")
	ErrSelfConversation     = errors.New("chat: conversation requires two distinct users")
	ErrEmptyContent         = errors.New("chat: message content is required")
	ErrContentTooLong       = errors.New("chat: message content exceeds maximum length")
	ErrNotSender            = errors.New("chat: only the sender may delete a message")
)

// MaxContentLength bounds message content in runes after trimming.
const MaxContentLength = 1000

// Conversation is a 1:1 thread between two users, optionally anchored to a
// listing or buyer request. The participant pair is stored normalized so that
// User1ID < User2ID, which makes the pair key stable regardless of who
// initiated the thread.
type Conversation struct {
	ID             string
	User1ID        string
	User2ID        string
	ListingID      string
	BuyerRequestID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasParticipant reports whether the user belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.User1ID == userID || c.User2ID == userID)
}

// OtherParticipant returns the peer of the given user, or empty when the user
// is not part of the conversation.
func (c Conversation) OtherParticipant(userID string) string {
	switch userID {
	case c.User1ID:
		return c.User2ID
	case c.User2ID:
		return c.User1ID
	default:
		return ""
	}
}

// PairKey derives the normalized lookup key for an unordered user pair.
func PairKey(a, b string) string {
	a, b = NormalizePair(a, b)
	return a + ":" + b
}

// NormalizePair orders two user ids lexicographically.
func NormalizePair(a, b string) (string, string) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if b < a {
		return b, a
	}
	return a, b
}

// Message is a persisted chat message. IsRead flips only through MarkRead,
// and only for messages the reader did not author.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	ListingID      string
	BuyerRequestID string
	IsRead         bool
	CreatedAt      time.Time
}

// ValidateContent trims and bounds message content.
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", ErrContentTooLong
	}
	return content, nil
}

// NewMessageParams carries the fields needed to persist a message.
type NewMessageParams struct {
	ConversationID string
	SenderID       string
	Content        string
	ListingID      string
	BuyerRequestID string
	CreatedAt      time.Time
}

// Store is the durable conversation/message store the gateway commits through.
// A broadcast happens only after the store confirmed persistence.
type Store interface {
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// FindConversationByPair locates the single conversation for an unordered
	// user pair, or ErrConversationNotFound.
	FindConversationByPair(ctx context.Context, userA, userB string) (*Conversation, error)
	// CreateConversation inserts a conversation for the pair. The store keeps
	// at most one conversation per pair: a concurrent create for the same pair
	// returns the existing thread.
	CreateConversation(ctx context.Context, conv *Conversation) (*Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	AddMessage(ctx context.Context, params NewMessageParams) (*Message, error)
	// ListMessages returns messages ordered by server-assigned CreatedAt
	// ascending; before, when non-zero, bounds the page to older messages.
	ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]Message, error)
	// MarkMessagesRead flips IsRead on every unread message in the
	// conversation not authored by readerID and returns how many changed.
	MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	DeleteMessage(ctx context.Context, id string) error
}
