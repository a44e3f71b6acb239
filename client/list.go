package client

import (
	"sort"
	"sync"

	"github.com/alumnihub/chat-service/internal/chat"
	"github.com/alumnihub/chat-service/internal/realtime/protocol"
)

// ListEntry is one conversation-list row.
type ListEntry struct {
	ConversationID string
	PeerID         uint64
	LastMessage    *chat.Message
	Unread         int64
}

// ConversationList keeps the user's conversations ordered by most recent
// activity. It listens to the global activity notifications, not to room
// traffic, so any conversation's new message re-sorts the list.
type ConversationList struct {
	m *Manager

	mu      sync.Mutex
	entries []ListEntry
	unsub   func()
}

func NewConversationList(m *Manager) *ConversationList {
	l := &ConversationList{m: m}
	l.unsub = m.Subscribe(l.handleEvent)
	return l
}

// Close detaches the list from the event stream.
func (l *ConversationList) Close() {
	l.mu.Lock()
	unsub := l.unsub
	l.unsub = nil
	l.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// Load seeds the list from the REST conversation fetch.
func (l *ConversationList) Load(entries []ListEntry) {
	l.mu.Lock()
	l.entries = append([]ListEntry(nil), entries...)
	l.resort()
	l.mu.Unlock()
}

func (l *ConversationList) handleEvent(ev protocol.ServerEvent) {
	if ev.Type != protocol.TypeConversation || ev.LastMessage == nil {
		return
	}

	// messages for the open conversation are read as they arrive
	unread := ev.Unread
	if ev.ConversationID == l.m.ActiveConversation() {
		unread = 0
	}

	l.mu.Lock()
	found := false
	for i := range l.entries {
		if l.entries[i].ConversationID == ev.ConversationID {
			l.entries[i].LastMessage = ev.LastMessage
			l.entries[i].Unread = unread
			found = true
			break
		}
	}
	if !found {
		entry := ListEntry{
			ConversationID: ev.ConversationID,
			LastMessage:    ev.LastMessage,
			Unread:         unread,
		}
		// first contact from an unseen thread: the sender is the peer
		if ev.LastMessage.SenderID != l.m.UserID() {
			entry.PeerID = ev.LastMessage.SenderID
		}
		l.entries = append(l.entries, entry)
	}
	l.resort()
	l.mu.Unlock()
}

// resort orders by last activity, newest first. Callers hold the lock.
func (l *ConversationList) resort() {
	sort.SliceStable(l.entries, func(i, j int) bool {
		a, b := l.entries[i].LastMessage, l.entries[j].LastMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.CreatedAt.After(b.CreatedAt)
		}
	})
}

// Entry is a rendered list row: the stored entry plus the live presence
// dot derived from the manager's online set.
type Entry struct {
	ListEntry
	PeerOnline bool
}

func (l *ConversationList) Entries() []Entry {
	l.mu.Lock()
	stored := append([]ListEntry(nil), l.entries...)
	l.mu.Unlock()

	out := make([]Entry, 0, len(stored))
	for _, e := range stored {
		out = append(out, Entry{
			ListEntry:  e,
			PeerOnline: e.PeerID != 0 && l.m.IsOnline(e.PeerID),
		})
	}
	return out
}
