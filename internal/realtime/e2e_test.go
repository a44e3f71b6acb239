package realtime_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/alumnihub/chat-service/client"
	"github.com/alumnihub/chat-service/internal/auth"
	"github.com/alumnihub/chat-service/internal/chat"
	"github.com/alumnihub/chat-service/internal/config"
	"github.com/alumnihub/chat-service/internal/db"
	"github.com/alumnihub/chat-service/internal/httpapi"
	"github.com/alumnihub/chat-service/internal/httpapi/handlers"
	"github.com/alumnihub/chat-service/internal/hub"
	"github.com/alumnihub/chat-service/internal/presence"
	"github.com/alumnihub/chat-service/internal/realtime"
	"github.com/alumnihub/chat-service/internal/users"
)

type memUnread struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newMemUnread() *memUnread { return &memUnread{counts: make(map[string]int64)} }

func (m *memUnread) key(uid uint64, conv string) string { return fmt.Sprintf("%d/%s", uid, conv) }

func (m *memUnread) Incr(ctx context.Context, uid uint64, conv string) error {
	m.mu.Lock()
	m.counts[m.key(uid, conv)]++
	m.mu.Unlock()
	return nil
}

func (m *memUnread) Clear(ctx context.Context, uid uint64, conv string) error {
	m.mu.Lock()
	delete(m.counts, m.key(uid, conv))
	m.mu.Unlock()
	return nil
}

func (m *memUnread) Get(ctx context.Context, uid uint64, conv string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[m.key(uid, conv)], nil
}

func (m *memUnread) All(ctx context.Context, uid uint64) (map[string]int64, error) {
	return map[string]int64{}, nil
}

type testEnv struct {
	server  *httptest.Server
	chatSvc *chat.Service
	users   *users.Service
	cfg     config.Config
}

var dbSeq int

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dbSeq++
	dsn := fmt.Sprintf("file:e2e%d?mode=memory&cache=shared", dbSeq)
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	cfg := config.Config{
		JWTSecret:       "e2e-secret",
		PingInterval:    30 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageSize:  1 << 16,
		PollWindow:      200 * time.Millisecond,
		PollIdleTimeout: 30 * time.Second,
	}

	usersRepo := users.NewRepo(gdb)
	usersSvc := users.NewService(usersRepo)
	chatSvc := chat.NewService(chat.NewRepo(gdb), newMemUnread())

	p := presence.NewStore()
	h := hub.NewHub(p)
	gw := realtime.NewGateway(h, p, chatSvc, nil)
	rt := realtime.NewServer(cfg, h, gw)

	router := httpapi.NewRouter(cfg, handlers.NewHandler(cfg, usersSvc, usersRepo, chatSvc), rt)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, chatSvc: chatSvc, users: usersSvc, cfg: cfg}
}

// registerUser creates an account and returns its id and a signed token.
func (e *testEnv) registerUser(t *testing.T, email string) (uint64, string) {
	t.Helper()
	u, err := e.users.Register(context.Background(), email, "password123", "Test User", 2018)
	require.NoError(t, err)
	token, err := auth.SignJWT(u.ID, e.cfg.JWTSecret, time.Hour)
	require.NoError(t, err)
	return u.ID, token
}

func (e *testEnv) connect(t *testing.T, token string, opts ...func(*client.Options)) *client.Manager {
	t.Helper()
	o := client.Options{
		BaseURL:      e.server.URL,
		Token:        token,
		DialTimeout:  2 * time.Second,
		MaxRetries:   2,
		RetryDelay:   10 * time.Millisecond,
		TypingWindow: 50 * time.Millisecond,
	}
	for _, fn := range opts {
		fn(&o)
	}
	m := client.NewManager(o)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Close() })
	return m
}

// brokenDialer forces the fallback transport path.
type brokenDialer struct{}

func (brokenDialer) Dial(ctx context.Context, baseURL, token string) (client.Transport, error) {
	return nil, errors.New("websocket unavailable")
}

func TestTwoClientsExchangeHello(t *testing.T) {
	env := newTestEnv(t)

	aliceID, aliceToken := env.registerUser(t, "alice@alum.example")
	bobID, bobToken := env.registerUser(t, "bob@alum.example")

	conv, err := env.chatSvc.FindOrCreateConversation(context.Background(), aliceID, bobID)
	require.NoError(t, err)

	alice := env.connect(t, aliceToken)
	bob := env.connect(t, bobToken)

	// both ends see each other online
	require.Eventually(t, func() bool { return alice.IsOnline(bobID) }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return bob.IsOnline(aliceID) }, 3*time.Second, 10*time.Millisecond)

	aliceView, err := alice.OpenConversation(conv.ID)
	require.NoError(t, err)
	bobView, err := bob.OpenConversation(conv.ID)
	require.NoError(t, err)
	bobList := client.NewConversationList(bob)

	// joins are processed server side before the send fan-out matters
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, alice.SendMessage(conv.ID, "hello"))

	require.Eventually(t, func() bool {
		msgs := bobView.Messages()
		return len(msgs) == 1 && msgs[0].Content == "hello" && msgs[0].SenderID == aliceID
	}, 3*time.Second, 10*time.Millisecond, "the peer must receive the message")

	require.Eventually(t, func() bool {
		msgs := aliceView.Messages()
		return len(msgs) == 1 && msgs[0].Content == "hello"
	}, 3*time.Second, 10*time.Millisecond, "the sender gets the echo confirmation")

	// bob's open view acknowledged the message; alice sees the receipt
	require.Eventually(t, func() bool {
		msgs := aliceView.Messages()
		return len(msgs) == 1 && msgs[0].Read
	}, 3*time.Second, 10*time.Millisecond)

	// the activity notification reached bob's conversation list
	require.Eventually(t, func() bool {
		entries := bobList.Entries()
		return len(entries) == 1 &&
			entries[0].ConversationID == conv.ID &&
			entries[0].LastMessage != nil &&
			entries[0].LastMessage.Content == "hello"
	}, 3*time.Second, 10*time.Millisecond)

	// the message is durable
	stored, err := env.chatSvc.ListMessages(context.Background(), bobID, conv.ID, 10, "")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hello", stored[0].Content)
}

func TestTypingIndicatorReachesPeerOnly(t *testing.T) {
	env := newTestEnv(t)

	aliceID, aliceToken := env.registerUser(t, "alice@alum.example")
	bobID, bobToken := env.registerUser(t, "bob@alum.example")

	conv, err := env.chatSvc.FindOrCreateConversation(context.Background(), aliceID, bobID)
	require.NoError(t, err)

	alice := env.connect(t, aliceToken)
	bob := env.connect(t, bobToken)

	aliceView, err := alice.OpenConversation(conv.ID)
	require.NoError(t, err)
	bobView, err := bob.OpenConversation(conv.ID)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	alice.NotifyTyping(conv.ID)

	require.Eventually(t, func() bool {
		ids := bobView.TypingUsers()
		return len(ids) == 1 && ids[0] == aliceID
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, aliceView.TypingUsers(), "the typer never sees their own indicator")

	// the quiet window passes, the stop signal clears the indicator
	require.Eventually(t, func() bool { return len(bobView.TypingUsers()) == 0 },
		3*time.Second, 10*time.Millisecond)
}

func TestLongPollFallbackDeliversMessages(t *testing.T) {
	env := newTestEnv(t)

	aliceID, aliceToken := env.registerUser(t, "alice@alum.example")
	bobID, bobToken := env.registerUser(t, "bob@alum.example")

	conv, err := env.chatSvc.FindOrCreateConversation(context.Background(), aliceID, bobID)
	require.NoError(t, err)

	alice := env.connect(t, aliceToken)
	// bob's websocket is "blocked"; the manager falls back to long-polling
	bob := env.connect(t, bobToken, func(o *client.Options) { o.Preferred = brokenDialer{} })

	require.True(t, bob.Connected())

	_, err = alice.OpenConversation(conv.ID)
	require.NoError(t, err)
	bobView, err := bob.OpenConversation(conv.ID)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	require.NoError(t, alice.SendMessage(conv.ID, "hello over poll"))

	require.Eventually(t, func() bool {
		msgs := bobView.Messages()
		return len(msgs) == 1 && msgs[0].Content == "hello over poll"
	}, 5*time.Second, 20*time.Millisecond)

	// the poll transport can write too
	require.NoError(t, bob.SendMessage(conv.ID, "ack"))
	require.Eventually(t, func() bool {
		stored, err := env.chatSvc.ListMessages(context.Background(), aliceID, conv.ID, 10, "")
		return err == nil && len(stored) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)

	m := client.NewManager(client.Options{
		BaseURL:     env.server.URL,
		Token:       "not-a-jwt",
		DialTimeout: 2 * time.Second,
	})
	err := m.Start(context.Background())
	require.ErrorIs(t, err, client.ErrAuthFailed)
}
