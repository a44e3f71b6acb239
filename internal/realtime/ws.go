package realtime

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/alumnihub/chat-service/internal/auth"
	"github.com/alumnihub/chat-service/internal/common"
	"github.com/alumnihub/chat-service/internal/config"
	"github.com/alumnihub/chat-service/internal/hub"
)

// Server exposes the realtime endpoints over both transports.
type Server struct {
	cfg      config.Config
	hub      *hub.Hub
	gateway  *Gateway
	poll     *PollManager
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, h *hub.Hub, g *Gateway) *Server {
	return &Server{
		cfg:     cfg,
		hub:     h,
		gateway: g,
		poll:    newPollManager(cfg, h, g),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The bearer token is the gate; origin is not.
				return true
			},
		},
	}
}

// authenticate resolves the bearer credential for a realtime handshake.
// Browser websocket clients cannot set headers, so the token may ride in
// the query string as well.
func (s *Server) authenticate(c *gin.Context) (uint64, bool) {
	token := c.Query("token")
	if token == "" {
		h := c.GetHeader("Authorization")
		if strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		return 0, false
	}
	uid, err := auth.ParseJWT(token, s.cfg.JWTSecret)
	if err != nil {
		return 0, false
	}
	return uid, true
}

// HandleWebSocket upgrades the connection and runs the read/write pumps.
// Authentication failures are rejected before the upgrade so clients can
// tell an auth error (HTTP 401) from a transport error.
func (s *Server) HandleWebSocket(c *gin.Context) {
	uid, ok := s.authenticate(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade failed user=%d err=%v", uid, err)
		return
	}

	conn := s.hub.NewConn(uid)
	s.hub.Register(conn)
	s.hub.SendToConnJSON(conn, s.gateway.Welcome(uid))

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn, ws)
	go s.readPump(conn, ws)
}

func (s *Server) readPump(conn *hub.Conn, ws *websocket.Conn) {
	defer func() {
		s.hub.Unregister(conn)
		ws.Close()
	}()

	ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("websocket read failed user=%d err=%v", conn.UserID, err)
			}
			break
		}
		// The upgrade request's context dies with the handshake; frames
		// are handled against the connection's own lifetime.
		s.gateway.HandleFrame(context.Background(), conn, data)
	}
}

func (s *Server) writePump(conn *hub.Conn, ws *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case data, ok := <-conn.Send:
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// hub closed the channel
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
