package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alumnihub/chat-service/internal/chat"
)

// REST consumes the request/response collaborators: login, conversation
// list, and message history. Every call carries the bearer credential.
type REST struct {
	BaseURL string
	Token   string

	HTTP *http.Client
}

func NewREST(baseURL, token string) *REST {
	return &REST{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (r *REST) do(ctx context.Context, method, path string, body any, out any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("bad response (status %d): %w", resp.StatusCode, err)
	}
	if env.Code != 0 {
		return fmt.Errorf("api error %d: %s", env.Code, env.Message)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// Login exchanges credentials for a bearer token.
func (r *REST) Login(ctx context.Context, email, password string) (token string, userID uint64, err error) {
	var data struct {
		ID    uint64 `json:"id"`
		Token string `json:"token"`
	}
	err = r.do(ctx, http.MethodPost, "/login", map[string]string{
		"email":    email,
		"password": password,
	}, &data)
	if err != nil {
		return "", 0, err
	}
	r.Token = data.Token
	return data.Token, data.ID, nil
}

// OpenConversation finds or creates the direct thread with a peer.
func (r *REST) OpenConversation(ctx context.Context, peerID uint64) (*chat.Conversation, error) {
	var data struct {
		Conversation *chat.Conversation `json:"conversation"`
	}
	err := r.do(ctx, http.MethodPost, "/conversations", map[string]uint64{"peer_id": peerID}, &data)
	if err != nil {
		return nil, err
	}
	return data.Conversation, nil
}

type conversationRow struct {
	chat.Conversation
	PeerID uint64 `json:"peer_id"`
	Unread int64  `json:"unread"`
}

// ListConversations fetches the ordered conversation list as seed data for
// a ConversationList.
func (r *REST) ListConversations(ctx context.Context) ([]ListEntry, error) {
	var data struct {
		Conversations []conversationRow `json:"conversations"`
	}
	if err := r.do(ctx, http.MethodGet, "/conversations", nil, &data); err != nil {
		return nil, err
	}

	entries := make([]ListEntry, 0, len(data.Conversations))
	for _, row := range data.Conversations {
		entry := ListEntry{
			ConversationID: row.ID,
			PeerID:         row.PeerID,
			Unread:         row.Unread,
		}
		if row.LastMessageID != nil {
			entry.LastMessage = &chat.Message{
				ID:             *row.LastMessageID,
				ConversationID: row.ID,
			}
			if row.LastMessageContent != nil {
				entry.LastMessage.Content = *row.LastMessageContent
			}
			if row.LastMessageSenderID != nil {
				entry.LastMessage.SenderID = *row.LastMessageSenderID
			}
			if row.LastMessageAt != nil {
				entry.LastMessage.CreatedAt = *row.LastMessageAt
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ListMessages fetches one history page, newest first, for keyset paging.
func (r *REST) ListMessages(ctx context.Context, conversationID string, limit int, beforeID string) (msgs []chat.Message, nextBeforeID string, err error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if beforeID != "" {
		q.Set("before_id", beforeID)
	}
	path := "/conversations/" + conversationID + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var data struct {
		Messages     []chat.Message `json:"messages"`
		NextBeforeID string         `json:"next_before_id"`
	}
	if err := r.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, "", err
	}
	return data.Messages, data.NextBeforeID, nil
}
