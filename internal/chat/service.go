package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/alumnihub/chat-service/internal/common"
	"gorm.io/gorm"
)

var (
	ErrNotParticipant   = errors.New("user is not a participant of this conversation")
	ErrEmptyMessage     = errors.New("message content is empty")
	ErrSelfConversation = errors.New("cannot open a conversation with yourself")
)

// UnreadCounter tracks per-user per-conversation unread counts. Counter
// failures must not fail the send path; implementations return zero values
// on error and the service logs and moves on.
type UnreadCounter interface {
	Incr(ctx context.Context, userID uint64, conversationID string) error
	Clear(ctx context.Context, userID uint64, conversationID string) error
	Get(ctx context.Context, userID uint64, conversationID string) (int64, error)
	All(ctx context.Context, userID uint64) (map[string]int64, error)
}

type Service struct {
	repo   *Repo
	unread UnreadCounter
}

func NewService(repo *Repo, unread UnreadCounter) *Service {
	return &Service{repo: repo, unread: unread}
}

// FindOrCreateConversation returns the direct thread between uid and peerID,
// creating it on first contact.
func (s *Service) FindOrCreateConversation(ctx context.Context, uid, peerID uint64) (*Conversation, error) {
	if uid == peerID {
		return nil, ErrSelfConversation
	}

	conv, err := s.repo.GetConversationByPair(ctx, uid, peerID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	a, b := NormalizePair(uid, peerID)
	conv = &Conversation{ID: id, UserAID: a, UserBID: b}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		// lost a race against the peer opening the same thread
		if existing, getErr := s.repo.GetConversationByPair(ctx, uid, peerID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return conv, nil
}

func (s *Service) GetConversation(ctx context.Context, uid uint64, conversationID string) (*Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(uid) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// SendMessage validates, persists, and bumps the recipient's unread count.
// It returns the stored message together with the refreshed conversation so
// callers can fan both out without a second query.
func (s *Service) SendMessage(ctx context.Context, senderID uint64, conversationID, content string) (*Message, *Conversation, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, ErrEmptyMessage
	}

	conv, err := s.GetConversation(ctx, senderID, conversationID)
	if err != nil {
		return nil, nil, err
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, nil, err
	}
	msg := &Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return nil, nil, err
	}

	conv.LastMessageID = &msg.ID
	conv.LastMessageContent = &msg.Content
	conv.LastMessageSenderID = &msg.SenderID
	conv.LastMessageAt = &msg.CreatedAt

	recipient := conv.Peer(senderID)
	if err := s.unread.Incr(ctx, recipient, conversationID); err != nil {
		log.Printf("unread incr failed user=%d conversation=%s err=%v", recipient, conversationID, err)
	}

	return msg, conv, nil
}

// ConversationView is a list entry: the thread plus its unread count for
// the requesting user. Peer profile data is joined by the HTTP layer.
type ConversationView struct {
	Conversation
	PeerID uint64 `json:"peer_id"`
	Unread int64  `json:"unread"`
}

func (s *Service) ListConversations(ctx context.Context, uid uint64) ([]ConversationView, error) {
	convs, err := s.repo.ListConversationsForUser(ctx, uid)
	if err != nil {
		return nil, err
	}

	counts, err := s.unread.All(ctx, uid)
	if err != nil {
		log.Printf("unread fetch failed user=%d err=%v", uid, err)
		counts = nil
	}

	views := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		views = append(views, ConversationView{
			Conversation: c,
			PeerID:       c.Peer(uid),
			Unread:       counts[c.ID],
		})
	}
	return views, nil
}

func (s *Service) ListMessages(ctx context.Context, uid uint64, conversationID string, limit int, beforeID string) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if _, err := s.GetConversation(ctx, uid, conversationID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, conversationID, limit, beforeID)
}

// Unread returns the reader's unread count for one conversation.
func (s *Service) Unread(ctx context.Context, uid uint64, conversationID string) (int64, error) {
	return s.unread.Get(ctx, uid, conversationID)
}

// MarkRead flags a single message read and clears the reader's unread
// counter for the conversation.
func (s *Service) MarkRead(ctx context.Context, readerID uint64, conversationID, messageID string) error {
	if _, err := s.GetConversation(ctx, readerID, conversationID); err != nil {
		return err
	}
	if err := s.repo.MarkMessageRead(ctx, conversationID, messageID, readerID); err != nil {
		return err
	}
	if err := s.unread.Clear(ctx, readerID, conversationID); err != nil {
		log.Printf("unread clear failed user=%d conversation=%s err=%v", readerID, conversationID, err)
	}
	return nil
}
