package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"canvasCollab/backend/internal/cache"
)

type member struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// Presence GET /rooms/:roomId/presence 房间在线成员（跨中继实例）
type Presence struct {
	cache cache.PresenceCache
}

func NewPresence(c cache.PresenceCache) *Presence {
	return &Presence{cache: c}
}

func (h *Presence) Register(g gin.IRoutes) {
	g.GET("/rooms/:roomId/presence", h.GetMembers)
	g.GET("/rooms", h.GetRooms)
}

func (h *Presence) GetMembers(c *gin.Context) {
	roomID := c.Param("roomId")
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()
	members, err := h.cache.GetAliveMembers(ctx, roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	out := make([]member, len(members))
	for i, m := range members {
		out[i] = member{UserID: m.UserID, UserName: m.UserName}
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "activeUsers": len(out), "members": out})
}

func (h *Presence) GetRooms(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()
	rooms, err := h.cache.GetRooms(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}
