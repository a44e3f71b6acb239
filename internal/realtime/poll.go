package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alumnihub/chat-service/internal/common"
	"github.com/alumnihub/chat-service/internal/config"
	"github.com/alumnihub/chat-service/internal/hub"
)

// PollManager backs the long-poll fallback transport. A poll session is a
// regular hub connection whose Send channel is drained by GET requests
// instead of a websocket write pump; inbound frames arrive as POST bodies.
type PollManager struct {
	cfg     config.Config
	hub     *hub.Hub
	gateway *Gateway

	mu       sync.Mutex
	sessions map[string]*pollSession
}

type pollSession struct {
	conn     *hub.Conn
	lastSeen time.Time
}

func newPollManager(cfg config.Config, h *hub.Hub, g *Gateway) *PollManager {
	pm := &PollManager{
		cfg:      cfg,
		hub:      h,
		gateway:  g,
		sessions: make(map[string]*pollSession),
	}
	go pm.reap()
	return pm
}

// reap expires sessions whose client stopped polling without a close.
func (pm *PollManager) reap() {
	ticker := time.NewTicker(pm.cfg.PollIdleTimeout / 2)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-pm.cfg.PollIdleTimeout)

		pm.mu.Lock()
		var expired []*pollSession
		for id, sess := range pm.sessions {
			if sess.lastSeen.Before(cutoff) {
				delete(pm.sessions, id)
				expired = append(expired, sess)
			}
		}
		pm.mu.Unlock()

		for _, sess := range expired {
			pm.hub.Unregister(sess.conn)
		}
	}
}

func (pm *PollManager) get(id string) *pollSession {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	sess, ok := pm.sessions[id]
	if !ok {
		return nil
	}
	sess.lastSeen = time.Now()
	return sess
}

// connect opens a poll session and returns its id.
func (pm *PollManager) connect(userID uint64) string {
	conn := pm.hub.NewConn(userID)
	pm.hub.Register(conn)
	pm.hub.SendToConnJSON(conn, pm.gateway.Welcome(userID))

	pm.mu.Lock()
	pm.sessions[conn.ID] = &pollSession{conn: conn, lastSeen: time.Now()}
	pm.mu.Unlock()

	return conn.ID
}

func (pm *PollManager) close(id string) bool {
	pm.mu.Lock()
	sess, ok := pm.sessions[id]
	delete(pm.sessions, id)
	pm.mu.Unlock()
	if !ok {
		return false
	}
	pm.hub.Unregister(sess.conn)
	return true
}

// drain blocks up to the poll window for the first frame, then collects
// whatever else is already queued. ok is false once the hub has closed
// the connection.
func (pm *PollManager) drain(sess *pollSession, window time.Duration) (frames []json.RawMessage, ok bool) {
	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case data, open := <-sess.conn.Send:
		if !open {
			return nil, false
		}
		frames = append(frames, json.RawMessage(data))
	case <-timer.C:
		return frames, true
	}

	for {
		select {
		case data, open := <-sess.conn.Send:
			if !open {
				return frames, true
			}
			frames = append(frames, json.RawMessage(data))
		default:
			return frames, true
		}
	}
}

// HandlePollConnect opens a poll session: POST /realtime/poll
func (s *Server) HandlePollConnect(c *gin.Context) {
	uid, ok := s.authenticate(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	id := s.poll.connect(uid)
	common.OK(c, gin.H{"session_id": id})
}

// HandlePollEvents drains frames: GET /realtime/poll/:session_id
func (s *Server) HandlePollEvents(c *gin.Context) {
	uid, ok := s.authenticate(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sess := s.poll.get(c.Param("session_id"))
	if sess == nil || sess.conn.UserID != uid {
		common.Fail(c, http.StatusGone, 41001, "poll session expired")
		return
	}

	frames, alive := s.poll.drain(sess, s.cfg.PollWindow)
	if !alive {
		s.poll.close(sess.conn.ID)
		common.Fail(c, http.StatusGone, 41001, "poll session expired")
		return
	}
	if frames == nil {
		frames = []json.RawMessage{}
	}
	common.OK(c, gin.H{"frames": frames})
}

// HandlePollSend accepts one inbound frame: POST /realtime/poll/:session_id
func (s *Server) HandlePollSend(c *gin.Context) {
	uid, ok := s.authenticate(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sess := s.poll.get(c.Param("session_id"))
	if sess == nil || sess.conn.UserID != uid {
		common.Fail(c, http.StatusGone, 41001, "poll session expired")
		return
	}

	data, err := c.GetRawData()
	if err != nil || len(data) == 0 {
		common.Fail(c, http.StatusBadRequest, 10001, "frame body required")
		return
	}
	if int64(len(data)) > s.cfg.MaxMessageSize {
		common.Fail(c, http.StatusBadRequest, 10005, "frame too large")
		return
	}

	s.gateway.HandleFrame(context.Background(), sess.conn, data)
	common.OK(c, nil)
}

// HandlePollClose tears a session down: DELETE /realtime/poll/:session_id
func (s *Server) HandlePollClose(c *gin.Context) {
	uid, ok := s.authenticate(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sess := s.poll.get(c.Param("session_id"))
	if sess == nil || sess.conn.UserID != uid {
		common.Fail(c, http.StatusGone, 41001, "poll session expired")
		return
	}
	s.poll.close(sess.conn.ID)
	common.OK(c, nil)
}
