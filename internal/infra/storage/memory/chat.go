package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	domainchat "homematch/internal/domain/chat"
)

// ChatStore keeps conversations and messages in memory. Good for dev mode and
// tests, not for production.
type ChatStore struct {
	mu             sync.RWMutex
	conversations  map[string]*domainchat.Conversation
	byPair         map[string]string
	messages       map[string]*domainchat.Message
	byConversation map[string][]string

	// Now lets tests pin timestamps; defaults to time.Now.
	Now func() time.Time
}

func NewChatStore() *ChatStore {
	return &ChatStore{
		conversations:  make(map[string]*domainchat.Conversation),
		byPair:         make(map[string]string),
		messages:       make(map[string]*domainchat.Message),
		byConversation: make(map[string][]string),
	}
}

func (s *ChatStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *ChatStore) GetConversation(ctx context.Context, id string) (*domainchat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, domainchat.ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

func (s *ChatStore) FindConversationByPair(ctx context.Context, userA, userB string) (*domainchat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[domainchat.PairKey(userA, userB)]
	if !ok {
		return nil, domainchat.ErrConversationNotFound
	}
	return cloneConversation(s.conversations[id]), nil
}

func (s *ChatStore) CreateConversation(ctx context.Context, conv *domainchat.Conversation) (*domainchat.Conversation, error) {
	if conv.User1ID == conv.User2ID {
		return nil, domainchat.ErrSelfConversation
	}
	key := domainchat.PairKey(conv.User1ID, conv.User2ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	// A concurrent create for the same pair returns the thread that won.
	if existingID, ok := s.byPair[key]; ok {
		return cloneConversation(s.conversations[existingID]), nil
	}
	stored := cloneConversation(conv)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.conversations[stored.ID] = stored
	s.byPair[key] = stored.ID
	return cloneConversation(stored), nil
}

func (s *ChatStore) ListConversations(ctx context.Context, userID string, limit int) ([]domainchat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domainchat.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.HasParticipant(userID) {
			out = append(out, *cloneConversation(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ChatStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return domainchat.ErrConversationNotFound
	}
	delete(s.conversations, id)
	delete(s.byPair, domainchat.PairKey(conv.User1ID, conv.User2ID))
	for _, messageID := range s.byConversation[id] {
		delete(s.messages, messageID)
	}
	delete(s.byConversation, id)
	return nil
}

func (s *ChatStore) AddMessage(ctx context.Context, params domainchat.NewMessageParams) (*domainchat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[params.ConversationID]
	if !ok {
		return nil, domainchat.ErrConversationNotFound
	}
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	msg := &domainchat.Message{
		ID:             uuid.NewString(),
		ConversationID: params.ConversationID,
		SenderID:       params.SenderID,
		Content:        params.Content,
		ListingID:      params.ListingID,
		BuyerRequestID: params.BuyerRequestID,
		CreatedAt:      createdAt.UTC(),
	}
	s.messages[msg.ID] = msg
	s.byConversation[conv.ID] = append(s.byConversation[conv.ID], msg.ID)
	conv.UpdatedAt = msg.CreatedAt
	return cloneMessage(msg), nil
}

func (s *ChatStore) ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]domainchat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, domainchat.ErrConversationNotFound
	}
	out := make([]domainchat.Message, 0)
	for _, messageID := range s.byConversation[conversationID] {
		msg := s.messages[messageID]
		if !before.IsZero() && !msg.CreatedAt.Before(before) {
			continue
		}
		out = append(out, *cloneMessage(msg))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *ChatStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return 0, domainchat.ErrConversationNotFound
	}
	updated := 0
	for _, messageID := range s.byConversation[conversationID] {
		msg := s.messages[messageID]
		if msg.SenderID == readerID || msg.IsRead {
			continue
		}
		msg.IsRead = true
		updated++
	}
	return updated, nil
}

func (s *ChatStore) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, messageID := range s.byConversation[conversationID] {
		msg := s.messages[messageID]
		if msg.SenderID != userID && !msg.IsRead {
			count++
		}
	}
	return count, nil
}

func (s *ChatStore) GetMessage(ctx context.Context, id string) (*domainchat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, domainchat.ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

func (s *ChatStore) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return domainchat.ErrMessageNotFound
	}
	delete(s.messages, id)
	ids := s.byConversation[msg.ConversationID]
	for i, messageID := range ids {
		if messageID == id {
			s.byConversation[msg.ConversationID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func cloneConversation(c *domainchat.Conversation) *domainchat.Conversation {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

func cloneMessage(m *domainchat.Message) *domainchat.Message {
	if m == nil {
		return nil
	}
	out := *m
	return &out
}

var _ domainchat.Store = (*ChatStore)(nil)
