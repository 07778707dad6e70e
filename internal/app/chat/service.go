package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	domainchat "homematch/internal/domain/chat"
	domainuser "homematch/internal/domain/user"
)

var ErrReceiverNotFound = errors.New("chat: receiver not found")

// EventPublisher fans chat domain events out to downstream collaborators
// (notification digests, emails). Publishing is best-effort: a broker outage
// never fails the originating operation.
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
}

// Service implements the conversation/message operations shared by the
// realtime gateway and the REST surface. The store is the commit point; the
// service never signals success before the store does.
type Service struct {
	Store  domainchat.Store
	Users  domainuser.Repository
	Events EventPublisher
	Topic  string
	Logger *slog.Logger
}

// ConversationSummary augments a conversation with the caller's unread count.
type ConversationSummary struct {
	Conversation domainchat.Conversation
	UnreadCount  int
}

// GetOrCreateConversation returns the single thread for the unordered
// (initiator, receiver) pair, creating it when absent.
func (s *Service) GetOrCreateConversation(ctx context.Context, initiatorID, receiverID, listingID, buyerRequestID string) (*domainchat.Conversation, error) {
	initiatorID = strings.TrimSpace(initiatorID)
	receiverID = strings.TrimSpace(receiverID)
	if initiatorID == "" || receiverID == "" || initiatorID == receiverID {
		return nil, domainchat.ErrSelfConversation
	}
	if s.Users != nil {
		if _, err := s.Users.ByID(ctx, domainuser.ID(receiverID)); err != nil {
			if errors.Is(err, domainuser.ErrNotFound) {
				return nil, ErrReceiverNotFound
			}
			return nil, fmt.Errorf("chat: receiver lookup failed: %w", err)
		}
	}

	existing, err := s.Store.FindConversationByPair(ctx, initiatorID, receiverID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domainchat.ErrConversationNotFound) {
		return nil, err
	}

	user1, user2 := domainchat.NormalizePair(initiatorID, receiverID)
	now := time.Now().UTC()
	conv, err := s.Store.CreateConversation(ctx, &domainchat.Conversation{
		ID:             uuid.NewString(),
		User1ID:        user1,
		User2ID:        user2,
		ListingID:      strings.TrimSpace(listingID),
		BuyerRequestID: strings.TrimSpace(buyerRequestID),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, conv.ID, conversationCreatedEvent{
		Type:           "conversation-created",
		ConversationID: conv.ID,
		Participants:   []string{conv.User1ID, conv.User2ID},
		ListingID:      conv.ListingID,
		BuyerRequestID: conv.BuyerRequestID,
		At:             conv.CreatedAt,
	})
	return conv, nil
}

// GetConversation loads a conversation the user participates in.
func (s *Service) GetConversation(ctx context.Context, conversationID, userID string) (*domainchat.Conversation, error) {
	conv, err := s.Store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, domainchat.ErrNotParticipant
	}
	return conv, nil
}

// ListConversations returns the caller's threads, newest activity first, each
// carrying the caller's unread count.
func (s *Service) ListConversations(ctx context.Context, userID string, limit int) ([]ConversationSummary, error) {
	conversations, err := s.Store.ListConversations(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	summaries := make([]ConversationSummary, 0, len(conversations))
	for _, conv := range conversations {
		unread, err := s.Store.UnreadCount(ctx, conv.ID, userID)
		if err != nil {
			if s.Logger != nil {
				s.Logger.Warn("unread count failed", "conversation_id", conv.ID, "user_id", userID, "error", err)
			}
			unread = 0
		}
		summaries = append(summaries, ConversationSummary{Conversation: conv, UnreadCount: unread})
	}
	return summaries, nil
}

// SendParams carries an outgoing message.
type SendParams struct {
	ConversationID string
	SenderID       string
	Content        string
	ListingID      string
	BuyerRequestID string
}

// SendMessage validates content and membership, persists the message and
// returns it together with the refreshed conversation. Validation failures
// leave no partial state behind.
func (s *Service) SendMessage(ctx context.Context, params SendParams) (*domainchat.Message, *domainchat.Conversation, error) {
	content, err := domainchat.ValidateContent(params.Content)
	if err != nil {
		return nil, nil, err
	}
	conv, err := s.GetConversation(ctx, params.ConversationID, params.SenderID)
	if err != nil {
		return nil, nil, err
	}
	msg, err := s.Store.AddMessage(ctx, domainchat.NewMessageParams{
		ConversationID: conv.ID,
		SenderID:       params.SenderID,
		Content:        content,
		ListingID:      strings.TrimSpace(params.ListingID),
		BuyerRequestID: strings.TrimSpace(params.BuyerRequestID),
	})
	if err != nil {
		return nil, nil, err
	}
	conv.UpdatedAt = msg.CreatedAt
	s.publish(ctx, conv.ID, messageCreatedEvent{
		Type:           "message-created",
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		SenderID:       msg.SenderID,
		RecipientID:    conv.OtherParticipant(msg.SenderID),
		At:             msg.CreatedAt,
	})
	return msg, conv, nil
}

// ListMessages returns a page of history ordered by server timestamp
// ascending. Clients order by CreatedAt/ID, never by delivery order.
func (s *Service) ListMessages(ctx context.Context, conversationID, userID string, limit int, before time.Time) ([]domainchat.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.Store.ListMessages(ctx, conversationID, limit, before)
}

// MarkRead flips every unread message not authored by the reader and reports
// how many changed.
func (s *Service) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	conv, err := s.GetConversation(ctx, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	updated, err := s.Store.MarkMessagesRead(ctx, conv.ID, readerID)
	if err != nil {
		return 0, err
	}
	if updated > 0 {
		s.publish(ctx, conv.ID, messagesReadEvent{
			Type:           "messages-read",
			ConversationID: conv.ID,
			ReadBy:         readerID,
			Count:          updated,
			At:             time.Now().UTC(),
		})
	}
	return updated, nil
}

// UnreadCount reports the caller's unread messages in a conversation.
func (s *Service) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	if _, err := s.GetConversation(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	return s.Store.UnreadCount(ctx, conversationID, userID)
}

// DeleteMessage removes a single message; only its sender may do so.
func (s *Service) DeleteMessage(ctx context.Context, messageID, userID string) error {
	msg, err := s.Store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return domainchat.ErrNotSender
	}
	return s.Store.DeleteMessage(ctx, messageID)
}

// DeleteConversation removes a thread and cascades to its messages; either
// participant may do so.
func (s *Service) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	if _, err := s.GetConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.Store.DeleteConversation(ctx, conversationID)
}

func (s *Service) publish(ctx context.Context, key string, event any) {
	if s.Events == nil || s.Topic == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("chat event encode failed", "error", err)
		}
		return
	}
	if err := s.Events.Publish(ctx, s.Topic, key, payload, nil); err != nil && s.Logger != nil {
		s.Logger.Warn("chat event publish failed", "topic", s.Topic, "key", key, "error", err)
	}
}

type conversationCreatedEvent struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Participants   []string  `json:"participants"`
	ListingID      string    `json:"listing_id,omitempty"`
	BuyerRequestID string    `json:"buyer_request_id,omitempty"`
	At             time.Time `json:"at"`
}

type messageCreatedEvent struct {
	Type           string    `json:"type"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	RecipientID    string    `json:"recipient_id"`
	At             time.Time `json:"at"`
}

type messagesReadEvent struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	ReadBy         string    `json:"read_by"`
	Count          int       `json:"count"`
	At             time.Time `json:"at"`
}
