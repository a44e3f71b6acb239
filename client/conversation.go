package client

import (
	"sync"
	"time"

	"github.com/alumnihub/chat-service/internal/chat"
	"github.com/alumnihub/chat-service/internal/realtime/protocol"
)

// How long a peer stays "typing" without an explicit stop. The sender is
// not trusted to always deliver the stop signal.
const typingTTL = 5 * time.Second

// ChatView is the open-conversation transcript: it appends inbound
// messages in receipt order, acknowledges reads, and tracks who is typing.
type ChatView struct {
	m              *Manager
	conversationID string
	unsub          func()

	mu         sync.Mutex
	transcript []chat.Message
	typing     map[uint64]time.Time // expiry per sender
	closed     bool

	now func() time.Time
}

// OpenConversation joins the conversation's room and returns a live view.
// History should be seeded separately from the REST collaborator.
func (m *Manager) OpenConversation(conversationID string) (*ChatView, error) {
	v := &ChatView{
		m:              m,
		conversationID: conversationID,
		typing:         make(map[uint64]time.Time),
		now:            time.Now,
	}
	v.unsub = m.Subscribe(v.handleEvent)
	if err := m.SetActiveConversation(conversationID); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

// SeedHistory initializes the transcript from fetched history, oldest
// first. Live receipts append after it.
func (v *ChatView) SeedHistory(msgs []chat.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.transcript = append([]chat.Message(nil), msgs...)
}

// Close detaches the view from the event stream. The room itself is left
// when another conversation becomes active.
func (v *ChatView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	unsub := v.unsub
	v.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (v *ChatView) handleEvent(ev protocol.ServerEvent) {
	if ev.ConversationID != v.conversationID {
		return
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}

	switch ev.Type {
	case protocol.TypeMessage:
		if ev.Message == nil {
			v.mu.Unlock()
			return
		}
		// receipt order, append-only; no server-sequence re-sort
		v.transcript = append(v.transcript, *ev.Message)
		mine := ev.Message.SenderID == v.m.UserID()
		v.mu.Unlock()

		// reading the open conversation acknowledges the peer's message
		if !mine {
			_ = v.m.MarkRead(v.conversationID, ev.Message.ID)
		}
		return

	case protocol.TypeTyping:
		if ev.IsTyping {
			v.typing[ev.UserID] = v.now().Add(typingTTL)
		} else {
			delete(v.typing, ev.UserID)
		}

	case protocol.TypeRead:
		for i := range v.transcript {
			if v.transcript[i].ID == ev.MessageID {
				v.transcript[i].Read = true
				break
			}
		}
	}
	v.mu.Unlock()
}

// Messages returns a copy of the transcript.
func (v *ChatView) Messages() []chat.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]chat.Message(nil), v.transcript...)
}

// TypingUsers returns the senders currently typing, expired entries
// filtered out.
func (v *ChatView) TypingUsers() []uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	var ids []uint64
	for id, expiry := range v.typing {
		if expiry.After(now) {
			ids = append(ids, id)
		} else {
			delete(v.typing, id)
		}
	}
	return ids
}

// TranscriptEntry is one rendered transcript row. NewDay marks messages
// that should be preceded by a date separator.
type TranscriptEntry struct {
	NewDay  bool
	Message chat.Message
}

// Entries renders the transcript with date-boundary separators: a message
// on a different calendar day than its predecessor starts a new day.
func (v *ChatView) Entries() []TranscriptEntry {
	msgs := v.Messages()
	entries := make([]TranscriptEntry, 0, len(msgs))
	for i, msg := range msgs {
		newDay := i == 0 || !sameDay(msgs[i-1].CreatedAt, msg.CreatedAt)
		entries = append(entries, TranscriptEntry{NewDay: newDay, Message: msg})
	}
	return entries
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
