package chat

import "time"

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
)

// Notification records that a message arrived while its recipient had no
// open connection. The digest worker turns pending rows into outbound
// notifications for the alumni-network mailer.
type Notification struct {
	ID string `gorm:"primaryKey;size:26"` // ULID

	MessageID      string `gorm:"size:26;not null;index:uniq_notif_msg_recipient,unique,priority:1"`
	RecipientID    uint64 `gorm:"not null;index:uniq_notif_msg_recipient,unique,priority:2"`
	ConversationID string `gorm:"size:26;not null;index"`

	Status NotificationStatus `gorm:"type:varchar(16);index;not null"`

	SentAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Notification) TableName() string { return "chat_notifications" }
