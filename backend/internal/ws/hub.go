package ws

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"canvasCollab/backend/internal/cache"
)

type Hub struct {
	// 在线状态落在 redis，多实例共享；为 nil 时只按本实例连接数计算
	presence cache.PresenceCache
	log      zerolog.Logger

	mu sync.RWMutex
	// roomID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache, log zerolog.Logger) *Hub {
	return &Hub{presence: p, log: log, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入房间，返回本实例该房间的连接数
func (h *Hub) Join(roomID string, c *Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		// 一个用户可开多个标签页/设备，房间里按连接存
		h.rooms[roomID] = make(map[*Conn]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	return len(h.rooms[roomID])
}

// Leave 返回离开后本实例该房间剩余的连接数
func (h *Hub) Leave(roomID string, c *Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[roomID]
	if !ok {
		return 0
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.rooms, roomID)
		return 0
	}
	return len(conns)
}

func (h *Hub) localCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Broadcast 发给本实例房间内除 except 以外的所有连接
func (h *Hub) Broadcast(roomID string, except *Conn, frame []byte) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(frame)
	}
}

// ActiveUsers 房间在线人数：有 presence 时取 redis 里未过期的成员数（跨实例），
// 查询失败退回本实例连接数
func (h *Hub) ActiveUsers(ctx context.Context, roomID string) int {
	local := h.localCount(roomID)
	if h.presence == nil {
		return local
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	members, err := h.presence.GetAliveMembers(ctx, roomID)
	if err != nil {
		h.log.Warn().Err(err).Str("room", roomID).Msg("get alive members failed")
		return local
	}
	if len(members) < local {
		return local
	}
	return len(members)
}
