// Package middleware 提供 HTTP 中间件
package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"artisan-gen-api/pkg/logger"
)

// CallbackTokenHeader 执行引擎回调鉴权头
const CallbackTokenHeader = "X-Callback-Token"

// CallbackAuth 回调共享密钥鉴权中间件。
// 引擎回调不走用户 JWT，凭投递任务时下发的共享密钥进入。
func CallbackAuth(sharedSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sharedSecret == "" {
			logger.Warn(c.Request.Context(), "callback shared secret not configured, rejecting callback")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":     401,
				"message":  "callback authentication not configured",
				"trace_id": c.GetString("trace_id"),
			})
			return
		}

		token := c.GetHeader(CallbackTokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(sharedSecret)) != 1 {
			logger.Warn(c.Request.Context(), "callback token mismatch",
				"path", c.Request.URL.Path,
				"ip", c.ClientIP(),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":     401,
				"message":  "invalid callback token",
				"trace_id": c.GetString("trace_id"),
			})
			return
		}

		c.Next()
	}
}
