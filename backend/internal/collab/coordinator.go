// Package collab 是协作房间的客户端：维护一条到中继的 WebSocket 连接，
// 节流广播本地变更，把远端变更交给 reconcile 合并后写回文档，并维护其他人的光标。
package collab

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"canvasCollab/backend/internal/scene"
)

var (
	// ErrConnectionFailed 连接建立失败或传输层出错；底层错误只作为附加信息
	ErrConnectionFailed = errors.New("collab: connection failed")
	// ErrNotConnected 当前没有活跃连接
	ErrNotConnected = errors.New("collab: not connected")
)

const (
	DefaultThrottle      = 100 * time.Millisecond
	DefaultSweepInterval = 5 * time.Second
	DefaultCursorStale   = 10 * time.Second

	writeWait = 10 * time.Second
	sendQueue = 64
)

// Identity 本端身份；PeerID 区分同一用户的多个连接
type Identity struct {
	PeerID   string
	UserID   string
	UserName string
	Color    string
}

type Config struct {
	Throttle      time.Duration
	SweepInterval time.Duration
	CursorStale   time.Duration
	// 附在连接 URL 上的访问令牌（?token=）
	Token  string
	Secure bool
}

type Coordinator struct {
	cfg    Config
	id     Identity
	dialer *websocket.Dialer
	now    func() time.Time
	log    zerolog.Logger

	mu      sync.Mutex
	state   State
	session *session
	peers   int
	cursors map[string]*Cursor

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

type Option func(*Coordinator)

func WithConfig(cfg Config) Option { return func(c *Coordinator) { c.cfg = cfg } }

func WithIdentity(id Identity) Option { return func(c *Coordinator) { c.id = id } }

func WithDialer(d *websocket.Dialer) Option { return func(c *Coordinator) { c.dialer = d } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(c *Coordinator) { c.log = l } }

func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		dialer:  websocket.DefaultDialer,
		now:     time.Now,
		log:     zerolog.Nop(),
		cursors: make(map[string]*Cursor),
		subs:    make(map[int]func(Event)),
	}
	for _, o := range opts {
		o(c)
	}
	if c.cfg.Throttle <= 0 {
		c.cfg.Throttle = DefaultThrottle
	}
	if c.cfg.SweepInterval <= 0 {
		c.cfg.SweepInterval = DefaultSweepInterval
	}
	if c.cfg.CursorStale <= 0 {
		c.cfg.CursorStale = DefaultCursorStale
	}
	if c.id.PeerID == "" {
		c.id.PeerID = uuid.NewString()
	}
	return c
}

func (c *Coordinator) Identity() Identity { return c.id }

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:     c.state,
		Connected: c.state == StateConnected,
		PeerCount: c.peers,
		Cursors:   c.cursorListLocked(),
	}
}

// Connect 连接到 host 上的房间；已有连接时先断开旧连接。
// 不做自动重连，失败后的重试策略由调用方决定
func (c *Coordinator) Connect(ctx context.Context, host, roomID string, doc scene.Document) error {
	c.Disconnect()

	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx, host, roomID)
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		err = fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		c.log.Warn().Err(err).Str("room", roomID).Msg("collab: dial failed")
		c.emit(Event{Type: EventError, Err: err})
		return err
	}

	s := newSession(c, conn, doc, roomID)

	c.mu.Lock()
	if c.state != StateConnecting {
		// 拨号期间被 Disconnect 了
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: disconnected while dialing", ErrConnectionFailed)
	}
	c.state = StateConnected
	c.session = s
	c.mu.Unlock()

	s.start()
	c.log.Info().Str("room", roomID).Str("peer", c.id.PeerID).Msg("collab: connected")
	c.emit(Event{Type: EventConnected})
	return nil
}

func (c *Coordinator) dial(ctx context.Context, host, roomID string) (*websocket.Conn, error) {
	u := url.URL{
		Scheme:  "ws",
		Host:    host,
		Path:    "/rooms/" + roomID + "/ws",
		RawPath: "/rooms/" + url.PathEscape(roomID) + "/ws",
	}
	if c.cfg.Secure {
		u.Scheme = "wss"
	}
	q := u.Query()
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	q.Set("peerId", c.id.PeerID)
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// Disconnect 关闭连接、清空光标、停掉所有定时器；可重复调用
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	s := c.session
	wasActive := c.state != StateDisconnected
	c.session = nil
	c.state = StateDisconnected
	c.peers = 0
	clear(c.cursors)
	c.mu.Unlock()

	if s != nil {
		s.close()
	}
	if wasActive {
		c.emit(Event{Type: EventDisconnected})
	}
}

// dropSession 读循环结束时调用；只有 s 仍是当前会话时才改状态
func (c *Coordinator) dropSession(s *session, cause error) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.state = StateDisconnected
	c.peers = 0
	clear(c.cursors)
	c.mu.Unlock()

	s.close()
	if cause != nil {
		c.emit(Event{Type: EventError, Err: fmt.Errorf("%w: %v", ErrConnectionFailed, cause)})
	}
	c.log.Info().Str("room", s.roomID).Msg("collab: disconnected")
	c.emit(Event{Type: EventDisconnected})
}

// current 返回 s 是否仍是活跃会话；迟到的回调据此直接丢弃
func (c *Coordinator) current(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == s
}

// UpdateCursor 广播本端光标位置；发送队列满时丢弃
func (c *Coordinator) UpdateCursor(x, y float64) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	return s.sendCursor(x, y)
}
