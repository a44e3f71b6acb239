package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/alumnihub/chat-service/internal/auth"
	"github.com/alumnihub/chat-service/internal/common"
)

const UserIDKey = "user_id"

// AuthRequired validates the bearer token and stashes the user id in the
// gin context under UserIDKey.
func AuthRequired(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}
		uid, err := auth.ParseJWT(strings.TrimPrefix(h, "Bearer "), jwtSecret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}
