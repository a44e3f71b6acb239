// Package client is the Go client for the realtime chat service: it owns
// the connection lifecycle, presence mirror, room membership, message
// send/receive, typing debounce, and conversation-list sync.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alumnihub/chat-service/internal/realtime/protocol"
)

// ErrAuthFailed marks a handshake rejected by credential validation. It is
// terminal for the connection attempt: no transport fallback, no retry.
var ErrAuthFailed = errors.New("authentication failed")

// Transport is one established realtime connection. ReadEvent blocks until
// a server frame arrives or the connection dies.
type Transport interface {
	ReadEvent() (protocol.ServerEvent, error)
	WriteFrame(frame protocol.ClientFrame) error
	Close() error
	Name() string
}

// Dialer establishes a Transport. Implementations must return ErrAuthFailed
// (wrapped is fine) when the server rejects the credential, so the manager
// can tell auth errors from transport errors.
type Dialer interface {
	Dial(ctx context.Context, baseURL, token string) (Transport, error)
}

// --- websocket transport (preferred) ---

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, baseURL, token string) (Transport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/realtime/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake returned %d", ErrAuthFailed, resp.StatusCode)
		}
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) Name() string { return "websocket" }

func (t *wsTransport) ReadEvent() (protocol.ServerEvent, error) {
	var ev protocol.ServerEvent
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, err
	}
	return ev, nil
}

func (t *wsTransport) WriteFrame(frame protocol.ClientFrame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(frame)
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	return t.conn.Close()
}

// --- long-poll transport (fallback) ---

type pollDialer struct{}

type pollEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		SessionID string            `json:"session_id"`
		Frames    []json.RawMessage `json:"frames"`
	} `json:"data"`
}

func (pollDialer) Dial(ctx context.Context, baseURL, token string) (Transport, error) {
	t := &pollTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
		events:  make(chan protocol.ServerEvent, 64),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}

	env, status, err := t.do(ctx, http.MethodPost, t.baseURL+"/realtime/poll", nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, fmt.Errorf("%w: poll connect returned %d", ErrAuthFailed, status)
	}
	if status != http.StatusOK || env.Data.SessionID == "" {
		return nil, fmt.Errorf("poll connect failed: status %d", status)
	}
	t.sessionID = env.Data.SessionID

	go t.pollLoop()
	return t, nil
}

type pollTransport struct {
	baseURL   string
	token     string
	sessionID string
	http      *http.Client

	events chan protocol.ServerEvent
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func (t *pollTransport) Name() string { return "long-poll" }

func (t *pollTransport) do(ctx context.Context, method, rawURL string, body []byte) (*pollEnvelope, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	var env pollEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, resp.StatusCode, err
	}
	return &env, resp.StatusCode, nil
}

func (t *pollTransport) pollLoop() {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		env, status, err := t.do(context.Background(), http.MethodGet,
			t.baseURL+"/realtime/poll/"+t.sessionID, nil)
		if err != nil {
			t.fail(err)
			return
		}
		if status == http.StatusGone {
			t.fail(errors.New("poll session expired"))
			return
		}
		if status != http.StatusOK {
			t.fail(fmt.Errorf("poll failed: status %d", status))
			return
		}

		for _, raw := range env.Data.Frames {
			var ev protocol.ServerEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			select {
			case t.events <- ev:
			case <-t.done:
				return
			}
		}
	}
}

func (t *pollTransport) fail(err error) {
	select {
	case t.errs <- err:
	default:
	}
}

func (t *pollTransport) ReadEvent() (protocol.ServerEvent, error) {
	select {
	case ev := <-t.events:
		return ev, nil
	case err := <-t.errs:
		return protocol.ServerEvent{}, err
	case <-t.done:
		return protocol.ServerEvent{}, errors.New("transport closed")
	}
}

func (t *pollTransport) WriteFrame(frame protocol.ClientFrame) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, status, err := t.do(ctx, http.MethodPost, t.baseURL+"/realtime/poll/"+t.sessionID, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("poll send failed: status %d", status)
	}
	return nil
}

func (t *pollTransport) Close() error {
	t.once.Do(func() { close(t.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, _ = t.do(ctx, http.MethodDelete, t.baseURL+"/realtime/poll/"+t.sessionID, nil)
	return nil
}
