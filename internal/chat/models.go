package chat

import "time"

// Conversation is a direct two-party thread. The participant pair is
// normalized so that UserAID < UserBID, which keeps (user_a_id, user_b_id)
// unique regardless of who opened the thread.
type Conversation struct {
	ID      string `gorm:"primaryKey;size:26" json:"id"` // ULID
	UserAID uint64 `gorm:"not null;uniqueIndex:uniq_conv_pair,priority:1;index" json:"user_a_id"`
	UserBID uint64 `gorm:"not null;uniqueIndex:uniq_conv_pair,priority:2;index" json:"user_b_id"`

	// Denormalized last-message summary for list rendering without
	// touching the messages table.
	LastMessageID       *string    `gorm:"size:26" json:"last_message_id,omitempty"`
	LastMessageContent  *string    `gorm:"type:text" json:"last_message_content,omitempty"`
	LastMessageSenderID *uint64    `json:"last_message_sender_id,omitempty"`
	LastMessageAt       *time.Time `gorm:"index" json:"last_message_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

// HasParticipant reports whether uid is a member of the conversation.
func (c *Conversation) HasParticipant(uid uint64) bool {
	return uid == c.UserAID || uid == c.UserBID
}

// Peer returns the other participant. Callers must have checked membership.
func (c *Conversation) Peer(uid uint64) uint64 {
	if uid == c.UserAID {
		return c.UserBID
	}
	return c.UserAID
}

type Message struct {
	ID             string    `gorm:"primaryKey;size:26" json:"id"` // ULID
	ConversationID string    `gorm:"size:26;not null;index" json:"conversation_id"`
	SenderID       uint64    `gorm:"not null;index" json:"sender_id"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	Read           bool      `gorm:"not null;default:false" json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// NormalizePair orders a participant pair for storage.
func NormalizePair(a, b uint64) (uint64, uint64) {
	if a > b {
		return b, a
	}
	return a, b
}
