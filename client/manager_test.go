package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumnihub/chat-service/internal/realtime/protocol"
)

// fakeTransport is a scriptable in-memory Transport: tests push server
// events in and inspect the frames the manager wrote out.
type fakeTransport struct {
	name   string
	events chan protocol.ServerEvent
	dead   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	frames []protocol.ClientFrame
}

func newFakeTransport(name string, welcome protocol.ServerEvent) *fakeTransport {
	t := &fakeTransport{
		name:   name,
		events: make(chan protocol.ServerEvent, 16),
		dead:   make(chan struct{}),
	}
	t.events <- welcome
	return t
}

func (t *fakeTransport) push(ev protocol.ServerEvent) { t.events <- ev }

// kill makes the next ReadEvent fail, simulating a dropped connection.
func (t *fakeTransport) kill() { t.once.Do(func() { close(t.dead) }) }

func (t *fakeTransport) ReadEvent() (protocol.ServerEvent, error) {
	select {
	case ev := <-t.events:
		return ev, nil
	case <-t.dead:
		return protocol.ServerEvent{}, errors.New("connection dropped")
	}
}

func (t *fakeTransport) WriteFrame(frame protocol.ClientFrame) error {
	t.mu.Lock()
	t.frames = append(t.frames, frame)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) sentFrames() []protocol.ClientFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.ClientFrame, len(t.frames))
	copy(out, t.frames)
	return out
}

func (t *fakeTransport) Close() error { t.kill(); return nil }
func (t *fakeTransport) Name() string { return t.name }

// scriptDialer runs a per-call script and counts attempts.
type scriptDialer struct {
	mu    sync.Mutex
	calls int
	next  func(call int) (Transport, error)
}

func (d *scriptDialer) Dial(ctx context.Context, baseURL, token string) (Transport, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	return d.next(n)
}

func (d *scriptDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func dialerFor(t *fakeTransport) *scriptDialer {
	return &scriptDialer{next: func(int) (Transport, error) { return t, nil }}
}

func failingDialer(err error) *scriptDialer {
	return &scriptDialer{next: func(int) (Transport, error) { return nil, err }}
}

func welcomeEv(userID uint64, online ...uint64) protocol.ServerEvent {
	return protocol.ServerEvent{Type: protocol.TypeWelcome, UserID: userID, Online: online}
}

func newTestManager(preferred, fallback Dialer) *Manager {
	return NewManager(Options{
		Token:        "token",
		DialTimeout:  time.Second,
		MaxRetries:   3,
		RetryDelay:   time.Millisecond,
		TypingWindow: time.Hour, // typing never expires on its own in these tests
		Preferred:    preferred,
		Fallback:     fallback,
	})
}

func TestStartRequiresCredential(t *testing.T) {
	pref := failingDialer(errors.New("must not be dialed"))
	m := NewManager(Options{Preferred: pref, Fallback: pref})

	err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrNoCredential)
	assert.Zero(t, pref.callCount(), "no credential means no connection attempt")
}

func TestStartPopulatesIdentityAndPresence(t *testing.T) {
	ft := newFakeTransport("fake", welcomeEv(1, 2, 3))
	m := newTestManager(dialerFor(ft), failingDialer(errors.New("unused")))
	defer m.Close()

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Connected())
	assert.Equal(t, uint64(1), m.UserID())
	assert.True(t, m.IsOnline(2))
	assert.True(t, m.IsOnline(3))
	assert.False(t, m.IsOnline(4))
}

func TestStartRetriesTransientFailure(t *testing.T) {
	ft := newFakeTransport("fake", welcomeEv(1))
	dialer := &scriptDialer{next: func(call int) (Transport, error) {
		if call <= 2 {
			return nil, errors.New("network down")
		}
		return ft, nil
	}}
	m := newTestManager(dialer, failingDialer(errors.New("also down")))
	defer m.Close()

	err := m.Start(context.Background())
	require.Error(t, err, "the first attempt's failure is still reported")

	// the bounded backoff keeps working in the background
	require.Eventually(t, func() bool { return m.Connected() }, time.Second, 5*time.Millisecond,
		"a transient failure at startup must be retried")
	assert.GreaterOrEqual(t, dialer.callCount(), 3)
}

func TestAuthFailureSkipsFallback(t *testing.T) {
	pref := failingDialer(fmt.Errorf("%w: handshake returned 401", ErrAuthFailed))
	fb := failingDialer(errors.New("must not be dialed"))
	m := newTestManager(pref, fb)

	err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.Zero(t, fb.callCount(), "a rejected credential would fail on any transport")
	assert.False(t, m.Connected())

	// and it is terminal: no background retry either
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, pref.callCount())
}

func TestTransportFallback(t *testing.T) {
	pref := failingDialer(errors.New("websocket blocked"))
	ft := newFakeTransport("fallback", welcomeEv(1))
	m := newTestManager(pref, dialerFor(ft))
	defer m.Close()

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Connected())
	assert.Equal(t, 1, pref.callCount())
}

func TestFallbackFailureReportsPreferredError(t *testing.T) {
	prefErr := errors.New("websocket blocked")
	m := newTestManager(failingDialer(prefErr), failingDialer(errors.New("poll down")))

	err := m.Start(context.Background())
	require.ErrorIs(t, err, prefErr, "the preferred transport's failure is the one worth surfacing")
}

func TestPresenceEventsUpdateOnlineSet(t *testing.T) {
	ft := newFakeTransport("fake", welcomeEv(1, 2))
	m := newTestManager(dialerFor(ft), failingDialer(errors.New("unused")))
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))

	ft.push(protocol.ServerEvent{Type: protocol.TypePresence, UserID: 5, IsOnline: true})
	require.Eventually(t, func() bool { return m.IsOnline(5) }, time.Second, 5*time.Millisecond)

	ft.push(protocol.ServerEvent{Type: protocol.TypePresence, UserID: 2, IsOnline: false})
	require.Eventually(t, func() bool { return !m.IsOnline(2) }, time.Second, 5*time.Millisecond)
	assert.True(t, m.IsOnline(5), "other users' presence is untouched")
}

func TestReconnectRejoinsActiveConversation(t *testing.T) {
	t1 := newFakeTransport("first", welcomeEv(1, 9))
	t2 := newFakeTransport("second", welcomeEv(1, 3))
	dialer := &scriptDialer{next: func(call int) (Transport, error) {
		if call == 1 {
			return t1, nil
		}
		return t2, nil
	}}
	m := newTestManager(dialer, failingDialer(errors.New("unused")))
	defer m.Close()

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.SetActiveConversation("conv-1"))
	require.Contains(t, t1.sentFrames(), protocol.ClientFrame{Type: protocol.TypeJoin, ConversationID: "conv-1"})

	t1.kill()

	require.Eventually(t, func() bool { return m.Connected() && dialer.callCount() >= 2 },
		time.Second, 5*time.Millisecond, "manager should reconnect on its own")

	// the fresh connection rejoins the active room and replaces presence
	assert.Contains(t, t2.sentFrames(), protocol.ClientFrame{Type: protocol.TypeJoin, ConversationID: "conv-1"})
	assert.Equal(t, "conv-1", m.ActiveConversation())
	require.Eventually(t, func() bool { return m.IsOnline(3) && !m.IsOnline(9) },
		time.Second, 5*time.Millisecond, "presence must come from the new snapshot only")
}

func TestReconnectGivesUpAfterBudget(t *testing.T) {
	t1 := newFakeTransport("first", welcomeEv(1))
	dialer := &scriptDialer{next: func(call int) (Transport, error) {
		if call == 1 {
			return t1, nil
		}
		return nil, errors.New("still down")
	}}
	down := failingDialer(errors.New("still down"))
	m := newTestManager(dialer, down)
	defer m.Close()

	require.NoError(t, m.Start(context.Background()))
	t1.kill()

	require.Eventually(t, func() bool { return dialer.callCount() == 1+m.opts.MaxRetries },
		time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, m.Connected(), "exhausted budget leaves the manager disconnected")
	assert.Equal(t, 1+m.opts.MaxRetries, dialer.callCount(), "no attempts past the budget")
}

func TestSendMessageValidation(t *testing.T) {
	ft := newFakeTransport("fake", welcomeEv(1))
	m := newTestManager(dialerFor(ft), failingDialer(errors.New("unused")))
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))

	assert.ErrorIs(t, m.SendMessage("conv-1", ""), ErrEmptyMessage)
	assert.ErrorIs(t, m.SendMessage("conv-1", "   \n\t"), ErrEmptyMessage)
	assert.Empty(t, ft.sentFrames(), "rejected sends never reach the wire")
}

func TestSendMessageWhileDisconnected(t *testing.T) {
	m := newTestManager(failingDialer(errors.New("down")), failingDialer(errors.New("down")))
	assert.ErrorIs(t, m.SendMessage("conv-1", "hello"), ErrNotConnected)
}

func TestSendCancelsPendingTyping(t *testing.T) {
	ft := newFakeTransport("fake", welcomeEv(1))
	m := newTestManager(dialerFor(ft), failingDialer(errors.New("unused")))
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))

	m.NotifyTyping("conv-1")
	require.NoError(t, m.SendMessage("conv-1", "hello"))

	frames := ft.sentFrames()
	require.Len(t, frames, 3)
	assert.Equal(t, protocol.ClientFrame{Type: protocol.TypeTyping, ConversationID: "conv-1", IsTyping: true}, frames[0])
	assert.Equal(t, protocol.ClientFrame{Type: protocol.TypeTyping, ConversationID: "conv-1"}, frames[1],
		"the stop signal precedes the message so the indicator never lingers")
	assert.Equal(t, protocol.TypeSend, frames[2].Type)
	assert.Equal(t, "hello", frames[2].Content)
}

func TestSetActiveConversationSwitchesRooms(t *testing.T) {
	ft := newFakeTransport("fake", welcomeEv(1))
	m := newTestManager(dialerFor(ft), failingDialer(errors.New("unused")))
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.SetActiveConversation("conv-1"))
	require.NoError(t, m.SetActiveConversation("conv-1")) // no-op
	require.NoError(t, m.SetActiveConversation("conv-2"))

	frames := ft.sentFrames()
	require.Len(t, frames, 3)
	assert.Equal(t, protocol.ClientFrame{Type: protocol.TypeJoin, ConversationID: "conv-1"}, frames[0])
	assert.Equal(t, protocol.ClientFrame{Type: protocol.TypeLeave, ConversationID: "conv-1"}, frames[1])
	assert.Equal(t, protocol.ClientFrame{Type: protocol.TypeJoin, ConversationID: "conv-2"}, frames[2])
}

func TestCloseStopsReconnect(t *testing.T) {
	t1 := newFakeTransport("first", welcomeEv(1))
	dialer := dialerFor(t1)
	m := newTestManager(dialer, failingDialer(errors.New("unused")))
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Close())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.callCount(), "a closed manager must not dial again")
	assert.False(t, m.Connected())
}
