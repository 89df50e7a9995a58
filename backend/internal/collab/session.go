package collab

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"canvasCollab/backend/internal/reconcile"
	"canvasCollab/backend/internal/scene"
	"canvasCollab/backend/internal/wire"
)

// session 一次连接的生命周期；断开后整体丢弃，不复用
type session struct {
	c      *Coordinator
	conn   *websocket.Conn
	doc    scene.Document
	roomID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	unsubscribe func()

	// syncMu 串行化远端合并和出站快照，两者对 lastVersion 的读写不能交错
	syncMu sync.Mutex
	// sendMu 串行化整个 flush，出站帧按 seq 顺序入队；加锁顺序 sendMu -> syncMu
	sendMu sync.Mutex

	// 以下字段由 c.mu 保护
	throttle   *time.Timer
	scheduled  bool
	lastSendAt time.Time
	seq        uint64 // 最近一次发出的序号
	// lastVersion 已经同步过的场景版本：发出的加上远端带来的增量，
	// 文档版本高于它说明还有本地改动没发出去
	lastVersion int64
	// sentFiles 本地文件至少发过一次；remoteFiles 从房间收到的文件，不再回传
	sentFiles   map[string]bool
	remoteFiles map[string]bool
}

func newSession(c *Coordinator, conn *websocket.Conn, doc scene.Document, roomID string) *session {
	return &session{
		c:           c,
		conn:        conn,
		doc:         doc,
		roomID:      roomID,
		send:        make(chan []byte, sendQueue),
		done:        make(chan struct{}),
		sentFiles:   make(map[string]bool),
		remoteFiles: make(map[string]bool),
	}
}

func (s *session) start() {
	s.unsubscribe = s.doc.OnChange(s.onLocalChange)
	go s.readLoop()
	go s.writeLoop()
	go s.sweepLoop()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.c.mu.Lock()
		if s.throttle != nil {
			s.throttle.Stop()
			s.throttle = nil
		}
		s.c.mu.Unlock()

		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.c.dropSession(s, nil)
			} else {
				s.c.dropSession(s, err)
			}
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			// 单条坏消息不影响会话
			s.c.log.Warn().Err(err).Str("room", s.roomID).Msg("collab: inbound frame skipped")
			continue
		}
		if !s.c.current(s) {
			return
		}
		s.handle(msg)
	}
}

// writeLoop 唯一的写协程，保证出站帧不乱序
func (s *session) writeLoop() {
	for {
		select {
		case b := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				// 关闭由读循环感知并驱动状态机
				s.c.log.Warn().Err(err).Str("room", s.roomID).Msg("collab: write failed")
				s.c.emit(Event{Type: EventError, Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)})
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) sweepLoop() {
	t := time.NewTicker(s.c.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweepCursors()
		case <-s.done:
			return
		}
	}
}

func (s *session) sweepCursors() {
	c := s.c
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	now := c.now()
	evicted := 0
	for id, cur := range c.cursors {
		if now.Sub(cur.LastUpdate) > c.cfg.CursorStale {
			delete(c.cursors, id)
			evicted++
		}
	}
	list := c.cursorListLocked()
	c.mu.Unlock()

	if evicted > 0 {
		c.emit(Event{Type: EventCursorsChanged, Cursors: list})
	}
}

func (s *session) handle(msg *wire.Message) {
	switch msg.Type {
	case wire.TypeInit:
		s.applyInit(msg)
	case wire.TypeCanvasUpdate:
		s.applyUpdate(msg)
	case wire.TypeCursorUpdate:
		s.applyCursor(msg)
	case wire.TypeUserJoined, wire.TypeUserLeft:
		c := s.c
		c.mu.Lock()
		c.peers = msg.ActiveUsers
		c.mu.Unlock()
		c.emit(Event{Type: EventPeersChanged, PeerCount: msg.ActiveUsers})
	}
}

// applyInit 加入时房间状态是权威的，直接替换，不做合并
func (s *session) applyInit(msg *wire.Message) {
	var snap scene.Snapshot
	if msg.State != nil {
		snap = *msg.State
	}
	if snap.Elements == nil {
		snap.Elements = []scene.Element{}
	}

	c := s.c
	s.syncMu.Lock()
	c.mu.Lock()
	s.lastVersion = scene.SceneVersion(snap.Elements)
	for id := range snap.Files {
		s.remoteFiles[id] = true
	}
	c.peers = msg.ActiveUsers
	c.mu.Unlock()

	st := s.doc.AppState().Apply(snap.AppState.Broadcast())
	s.doc.AddFiles(s.doc.Files().Missing(snap.Files))
	s.doc.UpdateScene(scene.SceneUpdate{Elements: snap.Elements, AppState: &st})
	s.syncMu.Unlock()

	c.log.Debug().Str("room", s.roomID).Int("elements", len(snap.Elements)).Int("activeUsers", msg.ActiveUsers).Msg("collab: init applied")
	c.emit(Event{Type: EventSynced, PeerCount: msg.ActiveUsers})
}

func (s *session) applyUpdate(msg *wire.Message) {
	c := s.c
	c.mu.Lock()
	echo := s.seq > 0 && msg.Seq == s.seq && (msg.SenderID == c.id.PeerID || msg.SenderID == "")
	c.mu.Unlock()
	if echo {
		return
	}

	missing := s.doc.Files().Missing(msg.Files)
	var st *scene.AppState
	if msg.AppState != nil {
		cur := s.doc.AppState()
		next := cur.Apply(*msg.AppState)
		if next.Broadcast() != cur.Broadcast() {
			st = &next
		}
	}

	s.syncMu.Lock()
	changed := false
	_ = s.doc.MutateElements(func(local []scene.Element) ([]scene.Element, error) {
		merged := reconcile.Elements(local, msg.Elements)
		if !reconcile.Changed(local, merged) {
			return nil, nil
		}
		changed = true
		// 只把远端带来的增量记为已同步，文档回调触发的出站检查看到版本没变就跳过，
		// 还没发出去的本地改动保留在差值里，下一次发送照常带上
		c.mu.Lock()
		s.lastVersion += scene.SceneVersion(merged) - scene.SceneVersion(local)
		c.mu.Unlock()
		return merged, nil
	})
	if !changed && st == nil && len(missing) == 0 {
		s.syncMu.Unlock()
		return
	}

	c.mu.Lock()
	for _, f := range missing {
		s.remoteFiles[f.ID] = true
	}
	c.mu.Unlock()

	s.doc.AddFiles(missing)
	if st != nil {
		s.doc.UpdateScene(scene.SceneUpdate{AppState: st})
	}
	s.syncMu.Unlock()
	c.emit(Event{Type: EventRemoteApplied})
}

func (s *session) applyCursor(msg *wire.Message) {
	peer := msg.SenderID
	if peer == "" {
		peer = msg.UserID
	}
	c := s.c
	if peer == "" || peer == c.id.PeerID {
		return
	}

	c.mu.Lock()
	cur, ok := c.cursors[peer]
	if !ok {
		cur = &Cursor{PeerID: peer}
		c.cursors[peer] = cur
	}
	cur.X, cur.Y = msg.X, msg.Y
	if msg.Color != "" {
		cur.Color = msg.Color
	}
	if msg.UserName != "" {
		cur.Name = msg.UserName
	}
	cur.LastUpdate = c.now()
	list := c.cursorListLocked()
	c.mu.Unlock()

	c.emit(Event{Type: EventCursorsChanged, Cursors: list})
}

// onLocalChange 文档变更回调：纯限流，已排期的发送会在发送时读取最新状态
func (s *session) onLocalChange() {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s || s.scheduled {
		return
	}
	s.scheduled = true
	delay := c.cfg.Throttle - c.now().Sub(s.lastSendAt)
	if delay < 0 {
		delay = 0
	}
	s.throttle = time.AfterFunc(delay, s.flush)
}

func (s *session) flush() {
	c := s.c
	c.mu.Lock()
	s.scheduled = false
	s.throttle = nil
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.syncMu.Lock()
	elements := s.doc.SceneElements()
	version := scene.SceneVersion(elements)
	files := s.doc.Files()
	app := s.doc.AppState().Broadcast()

	// 被存活元素引用的本地文件每次都带上：中继丢掉的帧不会重发，
	// 只发一次的话其他人可能永远拿不到图片
	referenced := make(map[string]bool)
	for _, el := range elements {
		if !el.IsDeleted && el.FileID != "" {
			referenced[el.FileID] = true
		}
	}

	c.mu.Lock()
	if version == s.lastVersion {
		c.mu.Unlock()
		s.syncMu.Unlock()
		return
	}
	var newFiles scene.FileMap
	for id, f := range files {
		if s.remoteFiles[id] || (s.sentFiles[id] && !referenced[id]) {
			continue
		}
		if newFiles == nil {
			newFiles = make(scene.FileMap)
		}
		newFiles[id] = f
		s.sentFiles[id] = true
	}
	s.seq++
	msg := &wire.Message{
		Type:     wire.TypeCanvasUpdate,
		Elements: elements,
		AppState: &app,
		Files:    newFiles,
		Seq:      s.seq,
		SenderID: c.id.PeerID,
	}
	s.lastVersion = version
	s.lastSendAt = c.now()
	c.mu.Unlock()

	// 入队可能阻塞，只持有 sendMu，不挡住读循环的合并
	s.syncMu.Unlock()

	b, err := wire.Encode(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("collab: encode update")
		return
	}
	select {
	case s.send <- b:
	case <-s.done:
	}
}

func (s *session) sendCursor(x, y float64) error {
	id := s.c.id
	b, err := wire.Encode(&wire.Message{
		Type:     wire.TypeCursorUpdate,
		SenderID: id.PeerID,
		UserID:   id.UserID,
		UserName: id.UserName,
		Color:    id.Color,
		X:        x,
		Y:        y,
	})
	if err != nil {
		return err
	}
	select {
	case s.send <- b:
	case <-s.done:
		return ErrNotConnected
	default:
		// 队列满了，丢弃这次光标
	}
	return nil
}
