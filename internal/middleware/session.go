// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// SessionHeader 是前端携带会话端标识的请求头。
	SessionHeader = "X-Session-ID"
	// SessionCookie 是没有请求头时使用的 cookie 名称。
	SessionCookie = "fmc_session"
	sessionKey    = "sessionID"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// SessionMiddleware 从请求头、查询参数或 cookie 中提取会话端标识，都没有时生成一个新的并写回 cookie。
// 会话端标识只用于区分浏览器标签页的消息队列，不做身份认证。
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(SessionHeader)
		if id == "" {
			id = c.Query("session_id")
		}
		if id == "" {
			if cookie, err := c.Cookie(SessionCookie); err == nil {
				id = cookie
			}
		}
		if id != "" && !sessionIDPattern.MatchString(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的会话标识", "data": nil})
			return
		}
		if id == "" {
			id = uuid.NewString()
			c.SetCookie(SessionCookie, id, 0, "/", "", false, true)
		}

		c.Set(sessionKey, id)
		c.Header(SessionHeader, id)
		c.Next()
	}
}

// SessionID 返回 SessionMiddleware 写入的会话端标识。
func SessionID(c *gin.Context) string {
	return c.GetString(sessionKey)
}
