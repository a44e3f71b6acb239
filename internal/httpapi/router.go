package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alumnihub/chat-service/internal/common"
	"github.com/alumnihub/chat-service/internal/config"
	"github.com/alumnihub/chat-service/internal/httpapi/handlers"
	"github.com/alumnihub/chat-service/internal/httpapi/middleware"
	"github.com/alumnihub/chat-service/internal/realtime"
)

func NewRouter(cfg config.Config, h *handlers.Handler, rt *realtime.Server) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", func(c *gin.Context) {
		common.OK(c, gin.H{"pong": true})
	})

	// auth
	r.POST("/users", h.Register)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)
	authGroup.GET("/users/:id", h.GetUserByID)

	// chat REST collaborators (JWT required)
	authGroup.POST("/conversations", h.OpenConversation)
	authGroup.GET("/conversations", h.ListConversations)
	authGroup.GET("/conversations/:id/messages", h.ListMessages)

	// realtime endpoints authenticate themselves: websocket handshakes and
	// long-poll requests carry the token in the query string.
	r.GET("/realtime/ws", rt.HandleWebSocket)
	r.POST("/realtime/poll", rt.HandlePollConnect)
	r.GET("/realtime/poll/:session_id", rt.HandlePollEvents)
	r.POST("/realtime/poll/:session_id", rt.HandlePollSend)
	r.DELETE("/realtime/poll/:session_id", rt.HandlePollClose)

	return r
}
