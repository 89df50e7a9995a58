package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"canvasCollab/backend/internal/room"
	"canvasCollab/backend/internal/wire"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 16 << 20
	sendBuffer   = 64
)

type Conn struct {
	ws       *websocket.Conn
	m        *Manager
	roomID   string
	peerID   string
	userID   string
	userName string
	log      zerolog.Logger

	mu     sync.RWMutex
	closed bool
	// 出站帧队列，只由 writeLoop 消费
	send chan []byte
}

func newConn(ws *websocket.Conn, m *Manager, roomID, peerID, userID, userName string) *Conn {
	return &Conn{
		ws:       ws,
		m:        m,
		roomID:   roomID,
		peerID:   peerID,
		userID:   userID,
		userName: userName,
		log:      m.log.With().Str("room", roomID).Str("peer", peerID).Logger(),
		send:     make(chan []byte, sendBuffer),
	}
}

// enqueue 队列满了就丢弃：慢连接不拖住整个房间，下一次全量更新会补上
func (c *Conn) enqueue(frame []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.log.Warn().Msg("send queue full, frame dropped")
	}
}

func (c *Conn) enqueueMessage(msg *wire.Message) {
	b, err := wire.Encode(msg)
	if err != nil {
		c.log.Error().Err(err).Str("type", msg.Type).Msg("encode frame failed")
		return
	}
	c.enqueue(b)
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.m.touchPresence(ctx, c)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info().Err(err).Msg("connection closed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.BinaryMessage {
			continue
		}
		msg, err := wire.Decode(data)
		if err != nil {
			// 坏帧丢掉，连接保留
			c.log.Debug().Err(err).Msg("drop undecodable frame")
			continue
		}
		switch msg.Type {
		case wire.TypeCanvasUpdate:
			c.handleCanvasUpdate(ctx, msg)
		case wire.TypeCursorUpdate:
			c.handleCursor(ctx, msg)
		default:
			// init / user-joined / user-left 只由中继下发
			c.log.Debug().Str("type", msg.Type).Msg("ignore client frame")
		}
	}
}

func (c *Conn) handleCanvasUpdate(ctx context.Context, msg *wire.Message) {
	// 以连接身份为准，客户端不能冒充别人
	msg.SenderID = c.peerID

	applyCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := c.m.sem.Acquire(applyCtx); err != nil {
		c.log.Warn().Err(err).Msg("room busy, update dropped")
		return
	}
	defer c.m.sem.Release()

	applied, err := c.m.svc.Apply(applyCtx, c.roomID, room.Update{
		SenderID: msg.SenderID,
		Seq:      msg.Seq,
		Elements: msg.Elements,
		AppState: msg.AppState,
		Files:    msg.Files,
	})
	if errors.Is(err, room.ErrDuplicateOrOutOfOrder) {
		c.log.Debug().Uint64("seq", msg.Seq).Msg("duplicate update dropped")
		return
	}
	if err != nil {
		c.log.Error().Err(err).Msg("apply update failed")
		return
	}
	c.log.Debug().Uint64("revision", applied.Revision).Int("changed", len(applied.Changed)).Msg("update applied")
	c.m.relay(ctx, c.roomID, c, msg)
}

func (c *Conn) handleCursor(ctx context.Context, msg *wire.Message) {
	msg.SenderID = c.peerID
	if msg.UserID == "" {
		msg.UserID = c.userID
	}
	if msg.UserName == "" {
		msg.UserName = c.userName
	}
	frame, err := wire.Encode(msg)
	if err != nil {
		return
	}
	if c.m.presence != nil {
		if err := c.m.presence.SetCursor(ctx, c.roomID, c.peerID, frame, c.m.cfg.CursorTTL); err != nil {
			c.log.Warn().Err(err).Msg("set cursor failed")
		}
	}
	c.m.relayFrame(ctx, c.roomID, c, frame)
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
