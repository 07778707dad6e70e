package scylla

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"

	domainchat "homematch/internal/domain/chat"
)

// Store implements the durable conversation/message store on Scylla.
type Store struct {
	session *gocql.Session
	logger  *slog.Logger
}

// NewStore builds a Store.
func NewStore(session *gocql.Session, logger *slog.Logger) *Store {
	return &Store{session: session, logger: logger}
}

var errSessionNil = errors.New("scylla session not initialized")

func (s *Store) GetConversation(ctx context.Context, id string) (*domainchat.Conversation, error) {
	if s.session == nil {
		return nil, errSessionNil
	}
	uuid, err := gocql.ParseUUID(strings.TrimSpace(id))
	if err != nil {
		return nil, domainchat.ErrConversationNotFound
	}
	var row conversationRow
	if err := s.session.
		Query(`SELECT id, participants, listing_id, buyer_request_id, created_at, updated_at FROM conversations WHERE id = ? LIMIT 1`, uuid).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(&row.ID, &row.Participants, &row.ListingID, &row.BuyerRequestID, &row.CreatedAt, &row.UpdatedAt); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, domainchat.ErrConversationNotFound
		}
		return nil, err
	}
	return row.toConversation(), nil
}

func (s *Store) FindConversationByPair(ctx context.Context, userA, userB string) (*domainchat.Conversation, error) {
	if s.session == nil {
		return nil, errSessionNil
	}
	var conversationID gocql.UUID
	if err := s.session.
		Query(`SELECT conversation_id FROM conversations_by_pair WHERE pair_key = ? LIMIT 1`, domainchat.PairKey(userA, userB)).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(&conversationID); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, domainchat.ErrConversationNotFound
		}
		return nil, err
	}
	return s.GetConversation(ctx, conversationID.String())
}

func (s *Store) CreateConversation(ctx context.Context, conv *domainchat.Conversation) (*domainchat.Conversation, error) {
	if s.session == nil {
		return nil, errSessionNil
	}
	if conv.User1ID == conv.User2ID {
		return nil, domainchat.ErrSelfConversation
	}
	id := gocql.TimeUUID()
	if parsed, err := gocql.ParseUUID(conv.ID); err == nil {
		id = parsed
	}
	now := conv.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	pairKey := domainchat.PairKey(conv.User1ID, conv.User2ID)

	// LWT on the pair table is the commit point for the one-thread-per-pair
	// invariant; a lost race returns the winner's thread.
	var existingPair string
	var existingID gocql.UUID
	applied, err := s.session.
		Query(`INSERT INTO conversations_by_pair (pair_key, conversation_id) VALUES (?, ?) IF NOT EXISTS`, pairKey, id).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		ScanCAS(&existingPair, &existingID)
	if err != nil {
		return nil, err
	}
	if !applied {
		return s.GetConversation(ctx, existingID.String())
	}

	user1, user2 := domainchat.NormalizePair(conv.User1ID, conv.User2ID)
	if err := s.session.
		Query(`INSERT INTO conversations (id, pair_key, participants, listing_id, buyer_request_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, pairKey, []string{user1, user2}, conv.ListingID, conv.BuyerRequestID, now, now).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return nil, err
	}
	return &domainchat.Conversation{
		ID:             id.String(),
		User1ID:        user1,
		User2ID:        user2,
		ListingID:      conv.ListingID,
		BuyerRequestID: conv.BuyerRequestID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]domainchat.Conversation, error) {
	if s.session == nil {
		return nil, errSessionNil
	}
	iter := s.session.
		Query(`SELECT id, participants, listing_id, buyer_request_id, created_at, updated_at FROM conversations WHERE participants CONTAINS ? ALLOW FILTERING`, userID).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()

	var row conversationRow
	conversations := make([]domainchat.Conversation, 0)
	for iter.Scan(&row.ID, &row.Participants, &row.ListingID, &row.BuyerRequestID, &row.CreatedAt, &row.UpdatedAt) {
		conversations = append(conversations, *row.toConversation())
		row = conversationRow{}
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})
	if limit > 0 && len(conversations) > limit {
		conversations = conversations[:limit]
	}
	return conversations, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if s.session == nil {
		return errSessionNil
	}
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	conversationID, err := gocql.ParseUUID(conv.ID)
	if err != nil {
		return domainchat.ErrConversationNotFound
	}

	iter := s.session.
		Query(`SELECT message_id FROM messages WHERE conversation_id = ?`, conversationID).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	var messageID gocql.UUID
	for iter.Scan(&messageID) {
		if err := s.session.
			Query(`DELETE FROM messages_by_id WHERE message_id = ?`, messageID).
			WithContext(ctx).
			Consistency(gocql.Quorum).
			Exec(); err != nil && s.logger != nil {
			s.logger.Warn("message index cleanup failed", "message_id", messageID, "error", err)
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}

	if err := s.session.
		Query(`DELETE FROM messages WHERE conversation_id = ?`, conversationID).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return err
	}
	if err := s.session.
		Query(`DELETE FROM conversations_by_pair WHERE pair_key = ?`, domainchat.PairKey(conv.User1ID, conv.User2ID)).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return err
	}
	return s.session.
		Query(`DELETE FROM conversations WHERE id = ?`, conversationID).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec()
}

func (s *Store) AddMessage(ctx context.Context, params domainchat.NewMessageParams) (*domainchat.Message, error) {
	if s.session == nil {
		return nil, errSessionNil
	}
	conversationID, err := gocql.ParseUUID(params.ConversationID)
	if err != nil {
		return nil, domainchat.ErrConversationNotFound
	}
	at := params.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	messageID := gocql.TimeUUID()
	if err := s.session.
		Query(`INSERT INTO messages (conversation_id, message_id, sender_id, content, listing_id, buyer_request_id, is_read, created_at) VALUES (?, ?, ?, ?, ?, ?, false, ?)`,
			conversationID, messageID, params.SenderID, params.Content, params.ListingID, params.BuyerRequestID, at).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return nil, err
	}
	if err := s.session.
		Query(`INSERT INTO messages_by_id (message_id, conversation_id) VALUES (?, ?)`, messageID, conversationID).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return nil, err
	}
	// best-effort activity bump
	if err := s.session.
		Query(`UPDATE conversations SET updated_at = ? WHERE id = ?`, at, conversationID).
		WithContext(ctx).
		Consistency(gocql.One).
		Exec(); err != nil && s.logger != nil {
		s.logger.Warn("failed to bump conversation activity", "error", err, "conversation_id", conversationID)
	}
	return &domainchat.Message{
		ID:             messageID.String(),
		ConversationID: params.ConversationID,
		SenderID:       params.SenderID,
		Content:        params.Content,
		ListingID:      params.ListingID,
		BuyerRequestID: params.BuyerRequestID,
		CreatedAt:      at,
	}, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]domainchat.Message, error) {
	if s.session == nil {
		return nil, errSessionNil
	}
	convID, err := gocql.ParseUUID(conversationID)
	if err != nil {
		return nil, domainchat.ErrConversationNotFound
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var iter *gocql.Iter
	if !before.IsZero() {
		iter = s.session.
			Query(`SELECT conversation_id, message_id, sender_id, content, listing_id, buyer_request_id, is_read, created_at FROM messages WHERE conversation_id = ? AND message_id < minTimeuuid(?) LIMIT ?`,
				convID, before.UTC(), limit).
			WithContext(ctx).
			Consistency(gocql.One).
			Iter()
	} else {
		iter = s.session.
			Query(`SELECT conversation_id, message_id, sender_id, content, listing_id, buyer_request_id, is_read, created_at FROM messages WHERE conversation_id = ? LIMIT ?`,
				convID, limit).
			WithContext(ctx).
			Consistency(gocql.One).
			Iter()
	}

	var row messageRow
	messages := make([]domainchat.Message, 0, limit)
	for iter.Scan(&row.ConversationID, &row.ID, &row.SenderID, &row.Content, &row.ListingID, &row.BuyerRequestID, &row.IsRead, &row.CreatedAt) {
		messages = append(messages, *row.toMessage())
		row = messageRow{}
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	// rows come newest-first off the DESC clustering; history pages read
	// oldest-first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *Store) MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int, error) {
	if s.session == nil {
		return 0, errSessionNil
	}
	convID, err := gocql.ParseUUID(conversationID)
	if err != nil {
		return 0, domainchat.ErrConversationNotFound
	}
	iter := s.session.
		Query(`SELECT message_id, sender_id, is_read FROM messages WHERE conversation_id = ?`, convID).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	var (
		messageID gocql.UUID
		senderID  string
		isRead    bool
		pending   []gocql.UUID
	)
	for iter.Scan(&messageID, &senderID, &isRead) {
		if senderID != readerID && !isRead {
			pending = append(pending, messageID)
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	updated := 0
	for _, id := range pending {
		if err := s.session.
			Query(`UPDATE messages SET is_read = true WHERE conversation_id = ? AND message_id = ?`, convID, id).
			WithContext(ctx).
			Consistency(gocql.Quorum).
			Exec(); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (s *Store) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	if s.session == nil {
		return 0, errSessionNil
	}
	convID, err := gocql.ParseUUID(conversationID)
	if err != nil {
		return 0, domainchat.ErrConversationNotFound
	}
	iter := s.session.
		Query(`SELECT sender_id, is_read FROM messages WHERE conversation_id = ?`, convID).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	var (
		senderID string
		isRead   bool
		count    int
	)
	for iter.Scan(&senderID, &isRead) {
		if senderID != userID && !isRead {
			count++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*domainchat.Message, error) {
	if s.session == nil {
		return nil, errSessionNil
	}
	messageID, err := gocql.ParseUUID(strings.TrimSpace(id))
	if err != nil {
		return nil, domainchat.ErrMessageNotFound
	}
	var conversationID gocql.UUID
	if err := s.session.
		Query(`SELECT conversation_id FROM messages_by_id WHERE message_id = ? LIMIT 1`, messageID).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(&conversationID); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, domainchat.ErrMessageNotFound
		}
		return nil, err
	}
	var row messageRow
	if err := s.session.
		Query(`SELECT conversation_id, message_id, sender_id, content, listing_id, buyer_request_id, is_read, created_at FROM messages WHERE conversation_id = ? AND message_id = ? LIMIT 1`,
			conversationID, messageID).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(&row.ConversationID, &row.ID, &row.SenderID, &row.Content, &row.ListingID, &row.BuyerRequestID, &row.IsRead, &row.CreatedAt); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, domainchat.ErrMessageNotFound
		}
		return nil, err
	}
	return row.toMessage(), nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	if s.session == nil {
		return errSessionNil
	}
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	conversationID, _ := gocql.ParseUUID(msg.ConversationID)
	messageID, _ := gocql.ParseUUID(msg.ID)
	if err := s.session.
		Query(`DELETE FROM messages WHERE conversation_id = ? AND message_id = ?`, conversationID, messageID).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return err
	}
	return s.session.
		Query(`DELETE FROM messages_by_id WHERE message_id = ?`, messageID).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec()
}

type conversationRow struct {
	ID             gocql.UUID
	Participants   []string
	ListingID      string
	BuyerRequestID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (r conversationRow) toConversation() *domainchat.Conversation {
	conv := &domainchat.Conversation{
		ID:             r.ID.String(),
		ListingID:      r.ListingID,
		BuyerRequestID: r.BuyerRequestID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	participants := append([]string(nil), r.Participants...)
	sort.Strings(participants)
	if len(participants) > 0 {
		conv.User1ID = participants[0]
	}
	if len(participants) > 1 {
		conv.User2ID = participants[1]
	}
	return conv
}

type messageRow struct {
	ID             gocql.UUID
	ConversationID gocql.UUID
	SenderID       string
	Content        string
	ListingID      string
	BuyerRequestID string
	IsRead         bool
	CreatedAt      time.Time
}

func (r messageRow) toMessage() *domainchat.Message {
	return &domainchat.Message{
		ID:             r.ID.String(),
		ConversationID: r.ConversationID.String(),
		SenderID:       r.SenderID,
		Content:        r.Content,
		ListingID:      r.ListingID,
		BuyerRequestID: r.BuyerRequestID,
		IsRead:         r.IsRead,
		CreatedAt:      r.CreatedAt,
	}
}

var _ domainchat.Store = (*Store)(nil)
