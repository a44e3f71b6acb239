// Package realtime serves the persistent bidirectional connection: the
// websocket endpoint, the long-poll fallback transport, and the frame
// dispatch shared by both.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/alumnihub/chat-service/internal/chat"
	"github.com/alumnihub/chat-service/internal/hub"
	"github.com/alumnihub/chat-service/internal/presence"
	"github.com/alumnihub/chat-service/internal/realtime/protocol"
)

// Notifier enqueues an offline-recipient notification. Implemented by the
// rabbitmq publisher; nil disables the pipeline.
type Notifier interface {
	PublishMessageNotification(ctx context.Context, messageID string, recipientID uint64) error
}

// Gateway applies inbound client frames to the chat service and fans the
// results back out through the hub. It is transport-agnostic: the websocket
// pumps and the poll sessions both feed it raw frame bytes.
type Gateway struct {
	hub      *hub.Hub
	presence *presence.Store
	svc      *chat.Service
	notifier Notifier
}

func NewGateway(h *hub.Hub, p *presence.Store, svc *chat.Service, n Notifier) *Gateway {
	g := &Gateway{hub: h, presence: p, svc: svc, notifier: n}

	// Presence transitions fan out to everyone with an open connection.
	p.Subscribe(func(ev presence.Event) {
		frame := protocol.PresenceFrame{
			Base:   protocol.Base{Type: protocol.TypePresence},
			UserID: ev.UserID,
			Online: ev.Online,
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return
		}
		g.broadcastAll(data, ev.UserID)
	})

	return g
}

// broadcastAll sends to every registered user except the one the event is
// about (their own tabs learn their state from their connections).
func (g *Gateway) broadcastAll(data []byte, exceptUserID uint64) {
	for _, uid := range g.presence.Snapshot() {
		if uid == exceptUserID {
			continue
		}
		g.hub.SendToUser(uid, data)
	}
}

// Welcome builds the connection-opening frame with a fresh presence
// snapshot.
func (g *Gateway) Welcome(userID uint64) protocol.WelcomeFrame {
	return protocol.WelcomeFrame{
		Base:   protocol.Base{Type: protocol.TypeWelcome},
		UserID: userID,
		Online: g.presence.Snapshot(),
	}
}

// HandleFrame dispatches one inbound frame from conn.
func (g *Gateway) HandleFrame(ctx context.Context, conn *hub.Conn, data []byte) {
	var frame protocol.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		g.sendError(conn, protocol.ErrCodeInvalidFrame, "invalid JSON frame")
		return
	}

	switch frame.Type {
	case protocol.TypeJoin:
		g.handleJoin(ctx, conn, frame)
	case protocol.TypeLeave:
		g.hub.Leave(conn, frame.ConversationID)
	case protocol.TypeSend:
		g.handleSend(ctx, conn, frame)
	case protocol.TypeTyping:
		g.handleTyping(conn, frame)
	case protocol.TypeMarkRead:
		g.handleMarkRead(ctx, conn, frame)
	default:
		g.sendError(conn, protocol.ErrCodeInvalidFrame, "unknown frame type: "+frame.Type)
	}
}

func (g *Gateway) handleJoin(ctx context.Context, conn *hub.Conn, frame protocol.ClientFrame) {
	if frame.ConversationID == "" {
		g.sendError(conn, protocol.ErrCodeInvalidFrame, "conversation_id required")
		return
	}
	if _, err := g.svc.GetConversation(ctx, conn.UserID, frame.ConversationID); err != nil {
		g.sendServiceError(conn, err)
		return
	}
	g.hub.Join(conn, frame.ConversationID)
}

func (g *Gateway) handleSend(ctx context.Context, conn *hub.Conn, frame protocol.ClientFrame) {
	msg, conv, err := g.svc.SendMessage(ctx, conn.UserID, frame.ConversationID, frame.Content)
	if err != nil {
		g.sendServiceError(conn, err)
		return
	}

	// Full delivery to the open views of this conversation, sender echo
	// included.
	g.hub.BroadcastRoomJSON(frame.ConversationID, protocol.MessageFrame{
		Base:           protocol.Base{Type: protocol.TypeMessage},
		ConversationID: frame.ConversationID,
		Message:        msg,
	}, "")

	// Activity notification to every connection of both participants,
	// room-joined or not, so conversation lists stay fresh.
	for _, uid := range []uint64{conv.UserAID, conv.UserBID} {
		unread, uerr := g.svc.Unread(ctx, uid, conv.ID)
		if uerr != nil {
			unread = 0
		}
		g.hub.SendToUserJSON(uid, protocol.ConversationFrame{
			Base:           protocol.Base{Type: protocol.TypeConversation},
			ConversationID: conv.ID,
			LastMessage:    msg,
			Unread:         unread,
		})
	}

	// Recipient fully offline: hand the message to the digest pipeline.
	recipient := conv.Peer(conn.UserID)
	if g.notifier != nil && !g.hub.UserConnected(recipient) {
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.notifier.PublishMessageNotification(pctx, msg.ID, recipient); err != nil {
			log.Printf("notification publish failed message=%s recipient=%d err=%v", msg.ID, recipient, err)
		}
	}
}

func (g *Gateway) handleTyping(conn *hub.Conn, frame protocol.ClientFrame) {
	// Typing is room-scoped and ephemeral: nothing persists, and a sender
	// that never joined the room has no business signalling in it.
	if !g.hub.InRoom(conn, frame.ConversationID) {
		g.sendError(conn, protocol.ErrCodeForbidden, "join the conversation before sending typing state")
		return
	}
	g.hub.BroadcastRoomJSON(frame.ConversationID, protocol.TypingFrame{
		Base:           protocol.Base{Type: protocol.TypeTyping},
		ConversationID: frame.ConversationID,
		UserID:         conn.UserID,
		IsTyping:       frame.IsTyping,
	}, conn.ID)
}

func (g *Gateway) handleMarkRead(ctx context.Context, conn *hub.Conn, frame protocol.ClientFrame) {
	if frame.ConversationID == "" || frame.MessageID == "" {
		g.sendError(conn, protocol.ErrCodeInvalidFrame, "conversation_id and message_id required")
		return
	}
	if err := g.svc.MarkRead(ctx, conn.UserID, frame.ConversationID, frame.MessageID); err != nil {
		g.sendServiceError(conn, err)
		return
	}
	g.hub.BroadcastRoomJSON(frame.ConversationID, protocol.ReadFrame{
		Base:           protocol.Base{Type: protocol.TypeRead},
		ConversationID: frame.ConversationID,
		MessageID:      frame.MessageID,
		UserID:         conn.UserID,
	}, conn.ID)
}

func (g *Gateway) sendError(conn *hub.Conn, code, reason string) {
	g.hub.SendToConnJSON(conn, protocol.ErrorFrame{
		Base:   protocol.Base{Type: protocol.TypeError},
		Code:   code,
		Reason: reason,
	})
}

func (g *Gateway) sendServiceError(conn *hub.Conn, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		g.sendError(conn, protocol.ErrCodeEmptyMessage, "message content is empty")
	case errors.Is(err, chat.ErrNotParticipant):
		g.sendError(conn, protocol.ErrCodeForbidden, "not a participant of this conversation")
	case errors.Is(err, gorm.ErrRecordNotFound):
		g.sendError(conn, protocol.ErrCodeNotFound, "conversation not found")
	default:
		log.Printf("realtime frame failed user=%d err=%v", conn.UserID, err)
		g.sendError(conn, protocol.ErrCodeInternal, "internal error")
	}
}
