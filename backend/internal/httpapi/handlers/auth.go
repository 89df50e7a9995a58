package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"canvasCollab/backend/internal/auth"
)

type refreshReq struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// Refresh POST /auth/refresh：用 refresh token 换新的 access token
func Refresh(signer *auth.Signer, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refreshReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
			return
		}
		claims, err := signer.ParseToken(req.RefreshToken)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "invalid refresh token"})
			return
		}
		if claims.Type != auth.TypeRefresh {
			c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "refresh token required"})
			return
		}

		access, exp, err := signer.SignAccessToken(claims.UserID, claims.Username, ttl)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "sign access token failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"accessToken": access,
			"expiresIn":   int(time.Until(exp).Seconds()),
			"tokenType":   "Bearer",
			"user":        gin.H{"userId": claims.UserID, "username": claims.Username},
		})
	}
}
