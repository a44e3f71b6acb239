package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumnihub/chat-service/internal/chat"
	"github.com/alumnihub/chat-service/internal/realtime/protocol"
)

func startedManager(t *testing.T, ft *fakeTransport) *Manager {
	t.Helper()
	m := newTestManager(dialerFor(ft), failingDialer(errors.New("unused")))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Close() })
	return m
}

func msgEvent(convID string, msg chat.Message) protocol.ServerEvent {
	return protocol.ServerEvent{Type: protocol.TypeMessage, ConversationID: convID, Message: &msg}
}

func TestChatViewAppendsInReceiptOrder(t *testing.T) {
	ft := newFakeTransport("fake", welcomeEv(1))
	m := startedManager(t, ft)

	v, err := m.OpenConversation("conv-1")
	require.NoError(t, err)

	base := time.Now()
	// timestamps deliberately out of order: receipt order wins, no re-sort
	v.handleEvent(msgEvent("conv-1", chat.Message{ID: "m1", SenderID: 2, Content: "late clock", CreatedAt: base.Add(time.Minute)}))
	v.handleEvent(msgEvent("conv-1", chat.Message{ID: "m2", SenderID: 1, Content: "early clock", CreatedAt: base}))

	msgs := v.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestChatViewAcknowledgesPeerMessages(t *testing.T) {
	ft := newFakeTransport("fake", welcomeEv(1))
	m := startedManager(t, ft)

	v, err := m.OpenConversation("conv-1")
	require.NoError(t, err)

	v.handleEvent(msgEvent("conv-1", chat.Message{ID: "m1", SenderID: 2, Content: "hi"}))
	v.handleEvent(msgEvent("conv-1", chat.Message{ID: "m2", SenderID: 1, Content: "echo of my own send"}))

	assert.Contains(t, ft.sentFrames(), protocol.ClientFrame{
		Type: protocol.TypeMarkRead, ConversationID: "conv-1", MessageID: "m1",
	})
	for _, f := range ft.sentFrames() {
		assert.NotEqual(t, "m2", f.MessageID, "own messages are never acknowledged")
	}
}

func TestChatViewIgnoresOtherConversations(t *testing.T) {
	ft := newFakeTransport("fake", welcomeEv(1))
	m := startedManager(t, ft)

	v, err := m.OpenConversation("conv-1")
	require.NoError(t, err)

	v.handleEvent(msgEvent("conv-2", chat.Message{ID: "m1", SenderID: 2, Content: "elsewhere"}))
	assert.Empty(t, v.Messages())
}

func TestTypingUsersExpire(t *testing.T) {
	ft := newFakeTransport("fake", welcomeEv(1))
	m := startedManager(t, ft)

	v, err := m.OpenConversation("conv-1")
	require.NoError(t, err)

	cur := time.Now()
	v.now = func() time.Time { return cur }

	v.handleEvent(protocol.ServerEvent{Type: protocol.TypeTyping, ConversationID: "conv-1", UserID: 2, IsTyping: true})
	assert.Equal(t, []uint64{2}, v.TypingUsers())

	// a lost stop signal clears on its own after the TTL
	cur = cur.Add(typingTTL + time.Second)
	assert.Empty(t, v.TypingUsers())
}

func TestTypingStopClearsImmediately(t *testing.T) {
	ft := newFakeTransport("fake", welcomeEv(1))
	m := startedManager(t, ft)

	v, err := m.OpenConversation("conv-1")
	require.NoError(t, err)

	v.handleEvent(protocol.ServerEvent{Type: protocol.TypeTyping, ConversationID: "conv-1", UserID: 2, IsTyping: true})
	v.handleEvent(protocol.ServerEvent{Type: protocol.TypeTyping, ConversationID: "conv-1", UserID: 2, IsTyping: false})
	assert.Empty(t, v.TypingUsers())
}

func TestReadReceiptFlagsTranscript(t *testing.T) {
	ft := newFakeTransport("fake", welcomeEv(1))
	m := startedManager(t, ft)

	v, err := m.OpenConversation("conv-1")
	require.NoError(t, err)
	v.SeedHistory([]chat.Message{{ID: "m1", SenderID: 1, Content: "hello"}})

	v.handleEvent(protocol.ServerEvent{Type: protocol.TypeRead, ConversationID: "conv-1", MessageID: "m1", UserID: 2})

	msgs := v.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Read)
}

func subscriberCount(m *Manager) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func TestClosedViewsDetachFromManager(t *testing.T) {
	ft := newFakeTransport("fake", welcomeEv(1))
	m := startedManager(t, ft)

	// navigating in and out of conversations must not pile up handlers
	for i := 0; i < 100; i++ {
		v, err := m.OpenConversation("conv-1")
		require.NoError(t, err)
		v.Close()
		v.Close() // double close is a no-op
	}

	assert.Zero(t, subscriberCount(m), "closed views must not stay subscribed")
}

func TestClosedViewStopsUpdating(t *testing.T) {
	ft := newFakeTransport("fake", welcomeEv(1))
	m := startedManager(t, ft)

	v, err := m.OpenConversation("conv-1")
	require.NoError(t, err)
	v.Close()

	v.handleEvent(msgEvent("conv-1", chat.Message{ID: "m1", SenderID: 2, Content: "hi"}))
	assert.Empty(t, v.Messages())
}

func TestEntriesInsertDaySeparators(t *testing.T) {
	ft := newFakeTransport("fake", welcomeEv(1))
	m := startedManager(t, ft)

	v, err := m.OpenConversation("conv-1")
	require.NoError(t, err)

	day1 := time.Date(2026, 3, 9, 22, 30, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 10, 0, 5, 0, 0, time.UTC)
	v.SeedHistory([]chat.Message{
		{ID: "m1", CreatedAt: day1},
		{ID: "m2", CreatedAt: day1.Add(10 * time.Minute)},
		{ID: "m3", CreatedAt: day2},
	})

	entries := v.Entries()
	require.Len(t, entries, 3)
	assert.True(t, entries[0].NewDay, "first message always opens a day")
	assert.False(t, entries[1].NewDay)
	assert.True(t, entries[2].NewDay, "midnight crossing starts a new day")
}
