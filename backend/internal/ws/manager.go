package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"canvasCollab/backend/internal/cache"
	"canvasCollab/backend/internal/httpapi/middleware"
	"canvasCollab/backend/internal/room"
	"canvasCollab/backend/internal/wire"
)

// 允许本地开发环境的来源
var allowedOriginPrefixes = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 非浏览器客户端不发送 Origin
		return true
	}
	for _, p := range allowedOriginPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

type Config struct {
	PresenceTTL time.Duration
	CursorTTL   time.Duration
	// 房间最后一个连接离开后保存快照的超时
	ReleaseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 2 * time.Minute
	}
	if c.CursorTTL <= 0 {
		c.CursorTTL = 10 * time.Second
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = 5 * time.Second
	}
	return c
}

type Manager struct {
	hub      *Hub
	svc      room.Service
	sem      *room.Semaphore
	presence cache.PresenceCache
	fanout   *Fanout
	cfg      Config
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewManager presence 可以为 nil（单实例，不落 redis）
func NewManager(hub *Hub, svc room.Service, sem *room.Semaphore, presence cache.PresenceCache, cfg Config, log zerolog.Logger) *Manager {
	if sem == nil {
		sem = room.NewSemaphore(room.DefaultSemaphore)
	}
	return &Manager{
		hub:      hub,
		svc:      svc,
		sem:      sem,
		presence: presence,
		cfg:      cfg.withDefaults(),
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

// UseFanout 打开多实例转发；收到的远端帧交给 HandleRemote
func (m *Manager) UseFanout(f *Fanout) { m.fanout = f }

// WebSocketConnect GET /rooms/:roomId/ws
func (m *Manager) WebSocketConnect(c *gin.Context) {
	roomID := c.Param("roomId")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "room id missing"})
		return
	}
	peerID := strings.TrimSpace(c.Query("peerId"))
	if peerID == "" {
		peerID = uuid.NewString()
	}
	userID := c.GetString(middleware.CtxUserID)
	if userID == "" {
		userID = peerID
	}
	userName := c.GetString(middleware.CtxUsername)

	ws, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	ctx := c.Request.Context()
	snap, err := m.svc.Join(ctx, roomID, peerID)
	if err != nil {
		m.log.Error().Err(err).Str("room", roomID).Msg("join room failed")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "join failed"),
			time.Now().Add(writeWait))
		return
	}

	conn := newConn(ws, m, roomID, peerID, userID, userName)
	m.hub.Join(roomID, conn)
	m.touchPresence(ctx, conn)
	active := m.hub.ActiveUsers(ctx, roomID)

	// 先启动写循环，init 一定是连接收到的第一帧
	go conn.writeLoop()
	conn.enqueueMessage(&wire.Message{Type: wire.TypeInit, State: &snap, ActiveUsers: active})
	m.replayCursors(ctx, conn)
	m.relay(ctx, roomID, conn, &wire.Message{Type: wire.TypeUserJoined, UserID: userID, UserName: userName, ActiveUsers: active})
	conn.log.Info().Int("activeUsers", active).Msg("peer joined")

	// 阻塞至连接关闭
	conn.readLoop(ctx)

	m.leave(conn)
}

func (m *Manager) leave(conn *Conn) {
	// 请求 ctx 可能已经取消，离开流程用独立的 ctx
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReleaseTimeout)
	defer cancel()

	m.hub.Leave(conn.roomID, conn)
	conn.closeSend()
	if m.presence != nil {
		if err := m.presence.RemoveMember(ctx, conn.roomID, conn.peerID); err != nil {
			conn.log.Warn().Err(err).Msg("remove member failed")
		}
	}
	active := m.hub.ActiveUsers(ctx, conn.roomID)
	m.relay(ctx, conn.roomID, nil, &wire.Message{Type: wire.TypeUserLeft, UserID: conn.userID, UserName: conn.userName, ActiveUsers: active})

	// 房间最后一个成员离开时由服务落盘并释放
	if err := m.svc.Leave(ctx, conn.roomID, conn.peerID); err != nil {
		conn.log.Error().Err(err).Msg("release room failed")
	}
	conn.log.Info().Int("activeUsers", active).Msg("peer left")
}

// replayCursors 把房间里其他人最近的光标发给新连接
func (m *Manager) replayCursors(ctx context.Context, conn *Conn) {
	if m.presence == nil {
		return
	}
	members, err := m.presence.GetAliveMembers(ctx, conn.roomID)
	if err != nil {
		conn.log.Warn().Err(err).Msg("get alive members failed")
		return
	}
	for _, mem := range members {
		if mem.UserID == conn.peerID {
			continue
		}
		frame, err := m.presence.GetCursor(ctx, conn.roomID, mem.UserID)
		if err != nil || frame == nil {
			continue
		}
		conn.enqueue(frame)
	}
}

func (m *Manager) touchPresence(ctx context.Context, c *Conn) {
	if m.presence == nil {
		return
	}
	if err := m.presence.AddMember(ctx, c.roomID, c.peerID, c.userName, m.cfg.PresenceTTL); err != nil {
		c.log.Warn().Err(err).Msg("add member failed")
	}
}

// relay 发给房间里除 from 以外的连接，并转发到其他中继实例
func (m *Manager) relay(ctx context.Context, roomID string, from *Conn, msg *wire.Message) {
	frame, err := wire.Encode(msg)
	if err != nil {
		m.log.Error().Err(err).Str("type", msg.Type).Msg("encode frame failed")
		return
	}
	m.relayFrame(ctx, roomID, from, frame)
}

func (m *Manager) relayFrame(ctx context.Context, roomID string, from *Conn, frame []byte) {
	m.hub.Broadcast(roomID, from, frame)
	if m.fanout != nil {
		if err := m.fanout.Publish(ctx, roomID, frame); err != nil {
			m.log.Warn().Err(err).Str("room", roomID).Msg("fanout publish failed")
		}
	}
}

// HandleRemote 处理其他实例转发来的帧：画布更新先并入本实例的房间状态，再发给本地连接
func (m *Manager) HandleRemote(ctx context.Context, roomID string, frame []byte) {
	msg, err := wire.Decode(frame)
	if err != nil {
		m.log.Debug().Err(err).Str("room", roomID).Msg("drop undecodable fanout frame")
		return
	}
	// 本实例没有该房间的连接，不需要维护房间状态
	if m.hub.localCount(roomID) == 0 {
		return
	}
	if msg.Type == wire.TypeCanvasUpdate {
		if _, err := m.svc.Apply(ctx, roomID, room.Update{
			SenderID: msg.SenderID,
			Seq:      msg.Seq,
			Elements: msg.Elements,
			AppState: msg.AppState,
			Files:    msg.Files,
			Relayed:  true,
		}); err != nil {
			m.log.Warn().Err(err).Str("room", roomID).Msg("apply relayed update failed")
		}
	}
	m.hub.Broadcast(roomID, nil, frame)
}
