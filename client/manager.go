package client

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/alumnihub/chat-service/internal/realtime/protocol"
)

var (
	// ErrNoCredential means no bearer token was supplied: the manager makes
	// no connection attempt at all.
	ErrNoCredential = errors.New("no session credential")
	// ErrNotConnected rejects a send while the connection is down. Nothing
	// is queued; the caller decides what to disable in the UI.
	ErrNotConnected = errors.New("not connected")
	// ErrEmptyMessage rejects whitespace-only content before any network
	// round-trip.
	ErrEmptyMessage = errors.New("message content is empty")
)

type Options struct {
	BaseURL string
	Token   string

	DialTimeout  time.Duration // per connection attempt
	MaxRetries   int           // bounded reconnect attempts per gap
	RetryDelay   time.Duration // base delay, scaled linearly per attempt
	TypingWindow time.Duration // typing debounce quiet period

	// Preferred/Fallback override the transports, mainly for tests.
	Preferred Dialer
	Fallback  Dialer
}

func (o *Options) withDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.TypingWindow <= 0 {
		o.TypingWindow = time.Second
	}
	if o.Preferred == nil {
		o.Preferred = wsDialer{}
	}
	if o.Fallback == nil {
		o.Fallback = pollDialer{}
	}
}

// Manager owns the realtime connection: one transport at a time, automatic
// bounded reconnection, the mirrored online-user set, and the single active
// conversation room. Everything else in the package observes it.
type Manager struct {
	opts Options

	mu        sync.Mutex
	transport Transport
	connected bool
	gen       int // connection generation, shields against stale read loops
	userID    uint64
	online    map[uint64]bool
	active    string // active conversation room, "" when none
	subs      []subscriber
	subSeq    int
	typing    map[string]*Debouncer
	closed    bool
}

type subscriber struct {
	id int
	fn func(protocol.ServerEvent)
}

func NewManager(opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		opts:   opts,
		online: make(map[uint64]bool),
		typing: make(map[string]*Debouncer),
	}
}

// Start performs the first connection attempt synchronously so callers know
// immediately whether the credential was accepted. A transient failure here
// is reported but not terminal: the same bounded backoff that covers a
// dropped connection keeps retrying in the background.
func (m *Manager) Start(ctx context.Context) error {
	if m.opts.Token == "" {
		return ErrNoCredential
	}
	err := m.establish(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAuthFailed) {
		return err
	}
	go m.reconnect()
	return err
}

// dial runs the two-phase connect: preferred transport first, then at most
// one fallback attempt for a transport-class failure. Auth failures are
// terminal either way.
func (m *Manager) dial(ctx context.Context) (Transport, error) {
	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	t, err := m.opts.Preferred.Dial(dctx, m.opts.BaseURL, m.opts.Token)
	cancel()
	if err == nil {
		return t, nil
	}
	if errors.Is(err, ErrAuthFailed) {
		return nil, err
	}

	log.Printf("preferred transport failed, falling back err=%v", err)

	dctx, cancel = context.WithTimeout(ctx, m.opts.DialTimeout)
	t, ferr := m.opts.Fallback.Dial(dctx, m.opts.BaseURL, m.opts.Token)
	cancel()
	if ferr != nil {
		if errors.Is(ferr, ErrAuthFailed) {
			return nil, ferr
		}
		return nil, err
	}
	return t, nil
}

// establish dials, consumes the welcome frame, resynchronizes presence and
// room membership, and hands the transport to a fresh read loop.
func (m *Manager) establish(ctx context.Context) error {
	t, err := m.dial(ctx)
	if err != nil {
		return err
	}

	// The welcome frame is always first on the wire; it carries the fresh
	// presence snapshot that replaces anything from before the gap.
	ev, err := t.ReadEvent()
	if err != nil {
		_ = t.Close()
		return err
	}
	if ev.Type != protocol.TypeWelcome {
		_ = t.Close()
		return errors.New("expected welcome frame, got " + ev.Type)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = t.Close()
		return errors.New("manager closed")
	}
	m.transport = t
	m.connected = true
	m.gen++
	gen := m.gen
	m.userID = ev.UserID
	m.online = make(map[uint64]bool, len(ev.Online))
	for _, id := range ev.Online {
		m.online[id] = true
	}
	active := m.active
	m.mu.Unlock()

	// Room membership is connection-scoped: a fresh connection has no
	// memory of prior joins.
	if active != "" {
		if err := t.WriteFrame(protocol.ClientFrame{
			Type:           protocol.TypeJoin,
			ConversationID: active,
		}); err != nil {
			log.Printf("room rejoin failed conversation=%s err=%v", active, err)
		}
	}

	m.dispatch(ev)
	log.Printf("connected transport=%s user=%d", t.Name(), ev.UserID)

	go m.readLoop(t, gen)
	return nil
}

func (m *Manager) readLoop(t Transport, gen int) {
	for {
		ev, err := t.ReadEvent()
		if err != nil {
			m.handleDisconnect(t, gen, err)
			return
		}
		m.apply(ev)
		m.dispatch(ev)
	}
}

// apply mutates the state the manager owns; everything else just gets the
// event forwarded.
func (m *Manager) apply(ev protocol.ServerEvent) {
	switch ev.Type {
	case protocol.TypePresence:
		m.mu.Lock()
		if ev.IsOnline {
			m.online[ev.UserID] = true
		} else {
			delete(m.online, ev.UserID)
		}
		m.mu.Unlock()
	case protocol.TypeWelcome:
		m.mu.Lock()
		m.online = make(map[uint64]bool, len(ev.Online))
		for _, id := range ev.Online {
			m.online[id] = true
		}
		m.mu.Unlock()
	}
}

func (m *Manager) dispatch(ev protocol.ServerEvent) {
	m.mu.Lock()
	fns := make([]func(protocol.ServerEvent), len(m.subs))
	for i, s := range m.subs {
		fns[i] = s.fn
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (m *Manager) handleDisconnect(t Transport, gen int, cause error) {
	_ = t.Close()

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.transport = nil
	// presence is only authoritative for the connection that delivered it
	m.online = make(map[uint64]bool)
	m.mu.Unlock()

	log.Printf("connection lost err=%v", cause)
	go m.reconnect()
}

// reconnect retries with a linear backoff up to MaxRetries. Exhausting the
// budget leaves the manager disconnected for good; sends keep failing with
// ErrNotConnected until the caller builds a new manager.
func (m *Manager) reconnect() {
	for attempt := 1; attempt <= m.opts.MaxRetries; attempt++ {
		time.Sleep(time.Duration(attempt) * m.opts.RetryDelay)

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		err := m.establish(context.Background())
		if err == nil {
			return
		}
		if errors.Is(err, ErrAuthFailed) {
			log.Printf("reconnect aborted, credential rejected")
			return
		}
		log.Printf("reconnect attempt %d/%d failed err=%v", attempt, m.opts.MaxRetries, err)
	}
	log.Printf("reconnect attempts exhausted, staying disconnected")
}

// Close stops the manager for good: the transport is closed and no further
// reconnection happens.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.connected = false
	t := m.transport
	m.transport = nil
	m.mu.Unlock()

	if t != nil {
		return t.Close()
	}
	return nil
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Manager) UserID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Online returns a copy of the live online-user set.
func (m *Manager) Online() map[uint64]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]bool, len(m.online))
	for id := range m.online {
		out[id] = true
	}
	return out
}

func (m *Manager) IsOnline(userID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[userID]
}

// Subscribe registers an event handler and returns its release. Handlers
// run on the read loop goroutine and must not block; callers that come and
// go (views, lists) must release on teardown or they leak.
func (m *Manager) Subscribe(fn func(protocol.ServerEvent)) (unsubscribe func()) {
	m.mu.Lock()
	m.subSeq++
	id := m.subSeq
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}
}

func (m *Manager) writeFrame(frame protocol.ClientFrame) error {
	m.mu.Lock()
	t := m.transport
	ok := m.connected
	m.mu.Unlock()
	if !ok || t == nil {
		return ErrNotConnected
	}
	return t.WriteFrame(frame)
}

// SetActiveConversation makes one conversation the live-update target:
// the previous room is left before the new one is joined, and re-setting
// the current conversation is a no-op.
func (m *Manager) SetActiveConversation(conversationID string) error {
	m.mu.Lock()
	if conversationID == m.active {
		m.mu.Unlock()
		return nil
	}
	prev := m.active
	m.active = conversationID
	t := m.transport
	connected := m.connected
	m.mu.Unlock()

	if !connected || t == nil {
		// membership is re-established on the next connect
		return nil
	}
	if prev != "" {
		if err := t.WriteFrame(protocol.ClientFrame{Type: protocol.TypeLeave, ConversationID: prev}); err != nil {
			return err
		}
	}
	if conversationID != "" {
		return t.WriteFrame(protocol.ClientFrame{Type: protocol.TypeJoin, ConversationID: conversationID})
	}
	return nil
}

// ActiveConversation returns the conversation currently joined for live
// updates, if any.
func (m *Manager) ActiveConversation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SendMessage validates locally, flushes any pending typing state, and
// fires the message frame without waiting for a round-trip.
func (m *Manager) SendMessage(conversationID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if !m.Connected() {
		return ErrNotConnected
	}

	// the typing indicator must not linger after the send
	m.typingFor(conversationID).Flush()

	return m.writeFrame(protocol.ClientFrame{
		Type:           protocol.TypeSend,
		ConversationID: conversationID,
		Content:        content,
	})
}

// NotifyTyping is called on every local input change; the per-conversation
// debouncer collapses bursts into one start/stop pair.
func (m *Manager) NotifyTyping(conversationID string) {
	m.typingFor(conversationID).Touch()
}

func (m *Manager) typingFor(conversationID string) *Debouncer {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.typing[conversationID]
	if !ok {
		d = NewDebouncer(m.opts.TypingWindow, func(isTyping bool) {
			_ = m.writeFrame(protocol.ClientFrame{
				Type:           protocol.TypeTyping,
				ConversationID: conversationID,
				IsTyping:       isTyping,
			})
		})
		m.typing[conversationID] = d
	}
	return d
}

// MarkRead acknowledges a received message.
func (m *Manager) MarkRead(conversationID, messageID string) error {
	return m.writeFrame(protocol.ClientFrame{
		Type:           protocol.TypeMarkRead,
		ConversationID: conversationID,
		MessageID:      messageID,
	})
}
