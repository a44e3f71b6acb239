// Package protocol defines the JSON frames exchanged over a realtime
// connection, shared by the websocket endpoint, the long-poll fallback,
// and the Go client.
package protocol

import "github.com/alumnihub/chat-service/internal/chat"

// Client -> server frame types.
const (
	TypeJoin     = "join"
	TypeLeave    = "leave"
	TypeSend     = "message"
	TypeTyping   = "typing"
	TypeMarkRead = "mark_read"
)

// Server -> client frame types.
const (
	TypeWelcome      = "welcome"
	TypeMessage      = "message"
	TypeConversation = "conversation"
	TypePresence     = "presence"
	TypeRead         = "read"
	TypeError        = "error"
	// TypeTyping is reused in both directions.
)

// Error codes carried by error frames.
const (
	ErrCodeInvalidFrame = "invalid_frame"
	ErrCodeNotFound     = "not_found"
	ErrCodeForbidden    = "forbidden"
	ErrCodeEmptyMessage = "empty_message"
	ErrCodeInternal     = "internal"
)

type Base struct {
	Type string `json:"type"`
}

// ClientFrame is the inbound union: one struct covers every client frame
// so dispatch is a single unmarshal plus a type switch.
type ClientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	IsTyping       bool   `json:"is_typing,omitempty"`
}

// WelcomeFrame opens every connection with the authenticated identity and
// a fresh presence snapshot. Clients must discard any presence state held
// before the connection gap and rebuild from this snapshot.
type WelcomeFrame struct {
	Base
	UserID uint64   `json:"user_id"`
	Online []uint64 `json:"online"`
}

// MessageFrame delivers a full message to the members of its conversation
// room, the sender's own connection included (UI echo confirmation).
type MessageFrame struct {
	Base
	ConversationID string        `json:"conversation_id"`
	Message        *chat.Message `json:"message"`
}

// ConversationFrame is the global activity notification: it goes to every
// connection of both participants regardless of room membership, carrying
// just the summary a conversation list needs.
type ConversationFrame struct {
	Base
	ConversationID string        `json:"conversation_id"`
	LastMessage    *chat.Message `json:"last_message"`
	Unread         int64         `json:"unread"`
}

type TypingFrame struct {
	Base
	ConversationID string `json:"conversation_id"`
	UserID         uint64 `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

type PresenceFrame struct {
	Base
	UserID uint64 `json:"user_id"`
	Online bool   `json:"is_online"`
}

type ReadFrame struct {
	Base
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         uint64 `json:"user_id"`
}

type ErrorFrame struct {
	Base
	Code   string `json:"code"`
	Reason string `json:"error"`
}

// ServerEvent is the outbound union used by clients to decode any server
// frame with a single unmarshal.
type ServerEvent struct {
	Type           string        `json:"type"`
	UserID         uint64        `json:"user_id,omitempty"`
	Online         []uint64      `json:"online,omitempty"`
	IsOnline       bool          `json:"is_online,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Message        *chat.Message `json:"message,omitempty"`
	LastMessage    *chat.Message `json:"last_message,omitempty"`
	Unread         int64         `json:"unread,omitempty"`
	MessageID      string        `json:"message_id,omitempty"`
	IsTyping       bool          `json:"is_typing,omitempty"`
	Code           string        `json:"code,omitempty"`
	Reason         string        `json:"error,omitempty"`
}
