package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateConversation(ctx context.Context, c *Conversation) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) GetConversationByPair(ctx context.Context, a, b uint64) (*Conversation, error) {
	a, b = NormalizePair(a, b)
	var c Conversation
	if err := r.db.WithContext(ctx).
		Where("user_a_id = ? AND user_b_id = ?", a, b).
		First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversationsForUser returns the user's conversations, most recently
// active first. Threads that never saw a message sort by creation time.
func (r *Repo) ListConversationsForUser(ctx context.Context, uid uint64) ([]Conversation, error) {
	var convs []Conversation
	if err := r.db.WithContext(ctx).
		Where("user_a_id = ? OR user_b_id = ?", uid, uid).
		Order("COALESCE(last_message_at, created_at) DESC").
		Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

// InsertMessage writes the message and refreshes the parent conversation's
// last-message summary in one transaction.
func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Model(&Conversation{}).
			Where("id = ?", m.ConversationID).
			Updates(map[string]any{
				"last_message_id":        m.ID,
				"last_message_content":   m.Content,
				"last_message_sender_id": m.SenderID,
				"last_message_at":        m.CreatedAt,
			}).Error
	})
}

// ListMessages returns messages in DESC id order (newest -> oldest).
// ULIDs sort lexicographically by creation time, so keyset pagination on
// the id works the same way it did on numeric ids.
func (r *Repo) ListMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		Limit(limit)

	if beforeID != "" {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkMessageRead flags one message read. The sender's own messages are
// excluded so a client echo can never mark its own send.
func (r *Repo) MarkMessageRead(ctx context.Context, conversationID, messageID string, readerID uint64) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND conversation_id = ? AND sender_id <> ?", messageID, conversationID, readerID).
		Update("read", true).Error
}

func (r *Repo) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// Notification rows are written by the offline-digest worker.
func (r *Repo) CreateNotification(ctx context.Context, n *Notification) error {
	return r.db.WithContext(ctx).Create(n).Error
}

func (r *Repo) GetNotificationByMessage(ctx context.Context, messageID string, recipientID uint64) (*Notification, error) {
	var n Notification
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND recipient_id = ?", messageID, recipientID).
		First(&n).Error
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotificationOrGetExisting makes redelivered queue jobs idempotent:
// the unique (message_id, recipient_id) index wins races, and the loser
// reads back the row that got in first.
func (r *Repo) CreateNotificationOrGetExisting(ctx context.Context, n *Notification) (*Notification, bool, error) {
	err := r.db.WithContext(ctx).Create(n).Error
	if err == nil {
		return n, true, nil
	}

	existing, getErr := r.GetNotificationByMessage(ctx, n.MessageID, n.RecipientID)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

func (r *Repo) MarkNotificationSent(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":  NotificationSent,
			"sent_at": time.Now(),
		}).Error
}
