// Package hub owns the registry of live realtime connections, the per-user
// connection sets, and the per-conversation rooms that scope message and
// typing fan-out.
package hub

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/alumnihub/chat-service/internal/presence"
)

const sendBuffer = 256

// Conn is one live client connection. The transport behind it (websocket
// pump or poll session) drains Send; the hub never touches the wire.
type Conn struct {
	ID     string
	UserID uint64
	Send   chan []byte

	closed bool // guarded by the hub mutex
}

type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	byUser   map[uint64]map[string]*Conn
	rooms    map[string]map[string]*Conn // conversation id -> member connections
	presence *presence.Store
}

func NewHub(p *presence.Store) *Hub {
	return &Hub{
		conns:    make(map[string]*Conn),
		byUser:   make(map[uint64]map[string]*Conn),
		rooms:    make(map[string]map[string]*Conn),
		presence: p,
	}
}

// NewConn allocates an unregistered connection for a user.
func (h *Hub) NewConn(userID uint64) *Conn {
	return &Conn{
		ID:     uuid.New().String(),
		UserID: userID,
		Send:   make(chan []byte, sendBuffer),
	}
}

// Register adds the connection to the registry and counts it toward the
// user's presence.
func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	if h.byUser[conn.UserID] == nil {
		h.byUser[conn.UserID] = make(map[string]*Conn)
	}
	h.byUser[conn.UserID][conn.ID] = conn
	h.mu.Unlock()

	h.presence.Connect(conn.UserID)
	log.Printf("connection registered conn=%s user=%d", conn.ID, conn.UserID)
}

// Unregister drops the connection, all of its room memberships, and its
// presence count. Safe to call more than once.
func (h *Hub) Unregister(conn *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[conn.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn.ID)
	if set := h.byUser[conn.UserID]; set != nil {
		delete(set, conn.ID)
		if len(set) == 0 {
			delete(h.byUser, conn.UserID)
		}
	}
	for room, members := range h.rooms {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if !conn.closed {
		conn.closed = true
		close(conn.Send)
	}
	h.mu.Unlock()

	h.presence.Disconnect(conn.UserID)
	log.Printf("connection unregistered conn=%s user=%d", conn.ID, conn.UserID)
}

// Join adds the connection to a conversation room. Joining a room the
// connection already belongs to is a no-op.
func (h *Hub) Join(conn *Conn, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn.ID]; !ok {
		return
	}
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[string]*Conn)
	}
	h.rooms[conversationID][conn.ID] = conn
}

// Leave removes the connection from a conversation room.
func (h *Hub) Leave(conn *Conn, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[conversationID]
	if members == nil {
		return
	}
	delete(members, conn.ID)
	if len(members) == 0 {
		delete(h.rooms, conversationID)
	}
}

// InRoom reports room membership for a connection.
func (h *Hub) InRoom(conn *Conn, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[conversationID][conn.ID]
	return ok
}

// BroadcastRoom delivers data to every member of the conversation room.
// exceptConnID may name one connection to skip (e.g. the typing sender).
func (h *Hub) BroadcastRoom(conversationID string, data []byte, exceptConnID string) {
	h.mu.RLock()
	var stale []*Conn
	for _, conn := range h.rooms[conversationID] {
		if conn.ID == exceptConnID {
			continue
		}
		select {
		case conn.Send <- data:
		default:
			stale = append(stale, conn)
		}
	}
	h.mu.RUnlock()

	h.dropStale(stale)
}

// SendToUser delivers data to every open connection of a user, regardless
// of room membership. Used for global activity notifications.
func (h *Hub) SendToUser(userID uint64, data []byte) {
	h.mu.RLock()
	var stale []*Conn
	for _, conn := range h.byUser[userID] {
		select {
		case conn.Send <- data:
		default:
			stale = append(stale, conn)
		}
	}
	h.mu.RUnlock()

	h.dropStale(stale)
}

// SendToConn delivers data to a single connection.
func (h *Hub) SendToConn(conn *Conn, data []byte) {
	h.mu.RLock()
	_, registered := h.conns[conn.ID]
	h.mu.RUnlock()
	if !registered {
		return
	}
	select {
	case conn.Send <- data:
	default:
		h.dropStale([]*Conn{conn})
	}
}

// UserConnected reports whether the user has at least one registered
// connection.
func (h *Hub) UserConnected(userID uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

func (h *Hub) dropStale(conns []*Conn) {
	for _, conn := range conns {
		log.Printf("connection buffer full, dropping conn=%s user=%d", conn.ID, conn.UserID)
		h.Unregister(conn)
	}
}

// JSON helpers so callers don't repeat marshal-and-log.

func (h *Hub) BroadcastRoomJSON(conversationID string, v any, exceptConnID string) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("marshal room broadcast failed: %v", err)
		return
	}
	h.BroadcastRoom(conversationID, data, exceptConnID)
}

func (h *Hub) SendToUserJSON(userID uint64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("marshal user send failed: %v", err)
		return
	}
	h.SendToUser(userID, data)
}

func (h *Hub) SendToConnJSON(conn *Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("marshal conn send failed: %v", err)
		return
	}
	h.SendToConn(conn, data)
}
