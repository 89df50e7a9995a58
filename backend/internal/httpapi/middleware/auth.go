package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"canvasCollab/backend/internal/auth"
)

const (
	CtxUserID   = "userId"
	CtxUsername = "username"
)

// AuthMiddleware 本地校验 access token，写入 userId/username
func AuthMiddleware(signer *auth.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		claims, err := signer.ParseAccessToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": err.Error(),
			})
			return
		}

		c.Set(CtxUserID, claims.UserID)
		c.Set(CtxUsername, claims.Username)
		c.Next()
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
