package collab

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"canvasCollab/backend/internal/scene"
	"canvasCollab/backend/internal/wire"
)

// fakeRoom 一个最小的中继：记录收到的帧，测试可以主动下发帧
type fakeRoom struct {
	t        *testing.T
	srv      *httptest.Server
	conns    chan *websocket.Conn
	received chan *wire.Message
	paths    chan string
	closed   chan error
}

func newFakeRoom(t *testing.T, onJoin func(*websocket.Conn)) *fakeRoom {
	t.Helper()
	r := &fakeRoom{
		t:        t,
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan *wire.Message, 64),
		paths:    make(chan string, 4),
		closed:   make(chan error, 4),
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := up.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.paths <- req.URL.RequestURI()
		if onJoin != nil {
			onJoin(ws)
		}
		r.conns <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				r.closed <- err
				return
			}
			if m, err := wire.Decode(data); err == nil {
				r.received <- m
			}
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRoom) host() string { return strings.TrimPrefix(r.srv.URL, "http://") }

func (r *fakeRoom) conn() *websocket.Conn {
	select {
	case c := <-r.conns:
		return c
	case <-time.After(2 * time.Second):
		r.t.Fatalf("no connection")
		return nil
	}
}

func sendFrame(t *testing.T, ws *websocket.Conn, m *wire.Message) {
	t.Helper()
	b, err := wire.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

// events 把事件收集到 channel 里
func events(c *Coordinator) chan Event {
	ch := make(chan Event, 128)
	c.Subscribe(func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

func waitEvent(t *testing.T, ch chan Event, typ EventType, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ && (match == nil || match(ev)) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return Event{}
		}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestConnect_InitAppliedDirectly(t *testing.T) {
	room := newFakeRoom(t, func(ws *websocket.Conn) {
		sendFrame(t, ws, &wire.Message{
			Type: wire.TypeInit,
			State: &scene.Snapshot{
				Elements: []scene.Element{{ID: "a", Version: 1}},
				AppState: scene.AppState{Name: "shared"},
				Files:    scene.FileMap{"f1": {ID: "f1", MimeType: "image/png"}},
			},
			ActiveUsers: 3,
		})
	})

	doc := scene.NewMemory()
	// 本地版本更高，但 init 是直接替换而不是合并
	doc.UpdateScene(scene.SceneUpdate{Elements: []scene.Element{{ID: "a", Version: 9}, {ID: "local", Version: 1}}})

	c := NewCoordinator(WithConfig(Config{Token: "tkn"}))
	ev := events(c)
	if err := c.Connect(context.Background(), room.host(), "room 1", doc); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	waitEvent(t, ev, EventSynced, nil)
	els := doc.SceneElements()
	if len(els) != 1 || els[0].ID != "a" || els[0].Version != 1 {
		t.Fatalf("elements = %+v, want init snapshot", els)
	}
	if doc.AppState().Name != "shared" {
		t.Fatalf("broadcast app state not applied")
	}
	if _, ok := doc.Files()["f1"]; !ok {
		t.Fatalf("init files not added")
	}
	if st := c.Status(); !st.Connected || st.PeerCount != 3 {
		t.Fatalf("status = %+v", st)
	}

	path := <-room.paths
	if !strings.HasPrefix(path, "/rooms/room%201/ws?") || !strings.Contains(path, "token=tkn") {
		t.Fatalf("dial path = %q", path)
	}
}

func TestSelfEchoSuppressed(t *testing.T) {
	room := newFakeRoom(t, nil)
	doc := scene.NewMemory()
	c := NewCoordinator(WithIdentity(Identity{PeerID: "me"}), WithConfig(Config{Throttle: 10 * time.Millisecond}))
	ev := events(c)
	if err := c.Connect(context.Background(), room.host(), "r", doc); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	ws := room.conn()

	doc.UpdateScene(scene.SceneUpdate{Elements: []scene.Element{{ID: "mine", Version: 1}}})

	var out *wire.Message
	select {
	case out = <-room.received:
	case <-time.After(2 * time.Second):
		t.Fatalf("no outbound update")
	}
	if out.Type != wire.TypeCanvasUpdate || out.SenderID != "me" || out.Seq != 1 {
		t.Fatalf("outbound = %+v", out)
	}

	// 回声：同一个 seq、发送者是自己，带上一个能被观察到的元素
	sendFrame(t, ws, &wire.Message{Type: wire.TypeCanvasUpdate, Seq: out.Seq, SenderID: "me",
		Elements: []scene.Element{{ID: "echo", Version: 1}}})
	// 没有 senderId 的回声同样丢弃
	sendFrame(t, ws, &wire.Message{Type: wire.TypeCanvasUpdate, Seq: out.Seq,
		Elements: []scene.Element{{ID: "echo2", Version: 1}}})
	// 别人的消息即使 seq 相同也要应用
	sendFrame(t, ws, &wire.Message{Type: wire.TypeCanvasUpdate, Seq: out.Seq, SenderID: "other",
		Elements: []scene.Element{{ID: "theirs", Version: 1}}})

	waitEvent(t, ev, EventRemoteApplied, nil)
	ids := map[string]bool{}
	for _, el := range doc.SceneElements() {
		ids[el.ID] = true
	}
	if !ids["mine"] || !ids["theirs"] || ids["echo"] || ids["echo2"] {
		t.Fatalf("elements after echo = %v", ids)
	}

	// 应用远端变更不会再被广播回去
	select {
	case m := <-room.received:
		t.Fatalf("remote change echoed back: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemoteUpdateMerged(t *testing.T) {
	room := newFakeRoom(t, nil)
	doc := scene.NewMemory()
	doc.UpdateScene(scene.SceneUpdate{Elements: []scene.Element{{ID: "a", Version: 5, X: 1}, {ID: "b", Version: 1}}})

	c := NewCoordinator()
	ev := events(c)
	if err := c.Connect(context.Background(), room.host(), "r", doc); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	ws := room.conn()

	sendFrame(t, ws, &wire.Message{Type: wire.TypeCanvasUpdate, Seq: 4, SenderID: "p2", Elements: []scene.Element{
		{ID: "a", Version: 3, X: 100}, // 旧版本，忽略
		{ID: "b", Version: 2, X: 7},
	}})
	waitEvent(t, ev, EventRemoteApplied, nil)

	a, _ := doc.Element("a")
	b, _ := doc.Element("b")
	if a.X != 1 || b.X != 7 {
		t.Fatalf("merge result a=%+v b=%+v", a, b)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	room := newFakeRoom(t, nil)
	doc := scene.NewMemory()
	c := NewCoordinator()
	ev := events(c)
	if err := c.Connect(context.Background(), room.host(), "r", doc); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	ws := room.conn()

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{0xc1, 0x00}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	sendFrame(t, ws, &wire.Message{Type: wire.TypeUserJoined, ActiveUsers: 2})
	waitEvent(t, ev, EventPeersChanged, nil)
	if st := c.Status(); !st.Connected || st.PeerCount != 2 {
		t.Fatalf("status = %+v", st)
	}
}

func TestStaleCursorEvicted(t *testing.T) {
	room := newFakeRoom(t, nil)
	var mu sync.Mutex
	clock := time.Unix(1000, 0)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	c := NewCoordinator(
		WithClock(now),
		WithConfig(Config{SweepInterval: 10 * time.Millisecond, CursorStale: 10 * time.Second}),
	)
	ev := events(c)
	if err := c.Connect(context.Background(), room.host(), "r", scene.NewMemory()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	ws := room.conn()

	sendFrame(t, ws, &wire.Message{Type: wire.TypeCursorUpdate, SenderID: "p2", UserName: "bob", X: 3, Y: 4})
	waitEvent(t, ev, EventCursorsChanged, func(e Event) bool { return len(e.Cursors) == 1 })
	if cur := c.Status().Cursors; len(cur) != 1 || cur[0].Name != "bob" || cur[0].X != 3 {
		t.Fatalf("cursors = %+v", cur)
	}

	// 未超时不清理
	mu.Lock()
	clock = clock.Add(5 * time.Second)
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	if len(c.Status().Cursors) != 1 {
		t.Fatalf("fresh cursor evicted")
	}

	mu.Lock()
	clock = clock.Add(6 * time.Second)
	mu.Unlock()
	waitEvent(t, ev, EventCursorsChanged, func(e Event) bool { return len(e.Cursors) == 0 })
	if len(c.Status().Cursors) != 0 {
		t.Fatalf("stale cursor still visible")
	}
}

func TestThrottleLastStateWins(t *testing.T) {
	room := newFakeRoom(t, nil)
	doc := scene.NewMemory()
	c := NewCoordinator(WithConfig(Config{Throttle: 80 * time.Millisecond}))
	if err := c.Connect(context.Background(), room.host(), "r", doc); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	room.conn()

	for i := 1; i <= 20; i++ {
		doc.UpdateScene(scene.SceneUpdate{Elements: []scene.Element{{ID: "a", Version: int64(i)}}})
	}

	var frames []*wire.Message
	timeout := time.After(500 * time.Millisecond)
collect:
	for {
		select {
		case m := <-room.received:
			frames = append(frames, m)
		case <-timeout:
			break collect
		}
	}
	if len(frames) == 0 || len(frames) >= 20 {
		t.Fatalf("frames = %d, want throttled", len(frames))
	}
	last := frames[len(frames)-1]
	if last.Elements[0].Version != 20 {
		t.Fatalf("last frame version = %d, want latest state 20", last.Elements[0].Version)
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].Seq <= frames[i-1].Seq {
			t.Fatalf("frames reordered: %d after %d", frames[i].Seq, frames[i-1].Seq)
		}
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	room := newFakeRoom(t, nil)
	c := NewCoordinator()
	ev := events(c)
	if err := c.Connect(context.Background(), room.host(), "r", scene.NewMemory()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ws := room.conn()
	sendFrame(t, ws, &wire.Message{Type: wire.TypeCursorUpdate, SenderID: "p2"})
	waitEvent(t, ev, EventCursorsChanged, nil)

	c.Disconnect()
	c.Disconnect()

	st := c.Status()
	if st.State != StateDisconnected || len(st.Cursors) != 0 {
		t.Fatalf("status after disconnect = %+v", st)
	}
	if err := c.UpdateCursor(1, 2); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("UpdateCursor err = %v", err)
	}
}

func TestReconnectTearsDownPrevious(t *testing.T) {
	room := newFakeRoom(t, nil)
	c := NewCoordinator()
	if err := c.Connect(context.Background(), room.host(), "r1", scene.NewMemory()); err != nil {
		t.Fatalf("Connect 1: %v", err)
	}
	room.conn()
	if err := c.Connect(context.Background(), room.host(), "r2", scene.NewMemory()); err != nil {
		t.Fatalf("Connect 2: %v", err)
	}
	defer c.Disconnect()
	room.conn()

	select {
	case err := <-room.closed:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("first connection not closed cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first connection leaked")
	}
	if st := c.Status(); !st.Connected {
		t.Fatalf("status = %+v", st)
	}
}

func TestUpdateCursorSends(t *testing.T) {
	room := newFakeRoom(t, nil)
	c := NewCoordinator(WithIdentity(Identity{PeerID: "me", UserID: "u1", UserName: "alice", Color: "#f00"}))
	if err := c.Connect(context.Background(), room.host(), "r", scene.NewMemory()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	room.conn()

	if err := c.UpdateCursor(10, 20); err != nil {
		t.Fatalf("UpdateCursor: %v", err)
	}
	select {
	case m := <-room.received:
		if m.Type != wire.TypeCursorUpdate || m.X != 10 || m.Y != 20 || m.UserName != "alice" || m.SenderID != "me" {
			t.Fatalf("cursor frame = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no cursor frame")
	}
}

func TestConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	c := NewCoordinator()
	ev := events(c)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Connect(ctx, host, "r", scene.NewMemory())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("err = %v, want ErrConnectionFailed", err)
	}
	got := waitEvent(t, ev, EventError, nil)
	if !errors.Is(got.Err, ErrConnectionFailed) {
		t.Fatalf("event err = %v", got.Err)
	}
	if c.Status().State != StateDisconnected {
		t.Fatalf("state = %v", c.Status().State)
	}
}

func TestServerCloseDrivesDisconnected(t *testing.T) {
	room := newFakeRoom(t, nil)
	c := NewCoordinator()
	ev := events(c)
	if err := c.Connect(context.Background(), room.host(), "r", scene.NewMemory()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ws := room.conn()
	_ = ws.Close()

	waitEvent(t, ev, EventDisconnected, nil)
	eventually(t, func() bool { return c.Status().State == StateDisconnected }, "state disconnected")
}

// nextUpdate 等下一条 canvas-update，超时返回 nil
func nextUpdate(room *fakeRoom, wait time.Duration) *wire.Message {
	deadline := time.After(wait)
	for {
		select {
		case m := <-room.received:
			if m.Type == wire.TypeCanvasUpdate {
				return m
			}
		case <-deadline:
			return nil
		}
	}
}

func elementVersion(m *wire.Message, id string) int64 {
	for _, el := range m.Elements {
		if el.ID == id {
			return el.Version
		}
	}
	return 0
}

func TestLocalEditSurvivesRemoteMergeInThrottleWindow(t *testing.T) {
	room := newFakeRoom(t, nil)
	doc := scene.NewMemory()
	c := NewCoordinator(WithIdentity(Identity{PeerID: "me"}), WithConfig(Config{Throttle: 400 * time.Millisecond}))
	ev := events(c)
	if err := c.Connect(context.Background(), room.host(), "r", doc); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	ws := room.conn()

	doc.UpdateScene(scene.SceneUpdate{Elements: []scene.Element{{ID: "a", Version: 2}}})
	first := nextUpdate(room, 2*time.Second)
	if first == nil || elementVersion(first, "a") != 2 {
		t.Fatalf("first send = %+v", first)
	}

	// 窗口内的本地修改，随后到达一条别人的更新
	_ = doc.MutateElements(func(els []scene.Element) ([]scene.Element, error) {
		els[0].Version = 3
		return els, nil
	})
	sendFrame(t, ws, &wire.Message{Type: wire.TypeCanvasUpdate, Seq: 1, SenderID: "other",
		Elements: []scene.Element{{ID: "b", Version: 2}}})
	waitEvent(t, ev, EventRemoteApplied, nil)

	next := nextUpdate(room, 2*time.Second)
	if next == nil {
		t.Fatalf("local edit a.v3 never broadcast")
	}
	if v := elementVersion(next, "a"); v != 3 {
		t.Fatalf("next send a.v = %d, want 3", v)
	}

	// 之后没有别的改动，不应再发
	if m := nextUpdate(room, 600*time.Millisecond); m != nil {
		t.Fatalf("unexpected extra send: %+v", m)
	}
}

func TestReferencedFilesReoffered(t *testing.T) {
	room := newFakeRoom(t, nil)
	doc := scene.NewMemory()
	c := NewCoordinator(WithConfig(Config{Throttle: 10 * time.Millisecond}))
	ev := events(c)
	if err := c.Connect(context.Background(), room.host(), "r", doc); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	ws := room.conn()

	// 别人的文件只收不发
	sendFrame(t, ws, &wire.Message{Type: wire.TypeCanvasUpdate, Seq: 1, SenderID: "other",
		Elements: []scene.Element{{ID: "theirs", Type: scene.TypeImage, Version: 1, FileID: "remote"}},
		Files:    scene.FileMap{"remote": {ID: "remote", MimeType: "image/png"}}})
	waitEvent(t, ev, EventRemoteApplied, nil)

	doc.AddFiles([]scene.File{{ID: "img", MimeType: "image/png"}, {ID: "loose", MimeType: "image/png"}})
	_ = doc.MutateElements(func(els []scene.Element) ([]scene.Element, error) {
		return append(els, scene.Element{ID: "pic", Type: scene.TypeImage, Version: 1, FileID: "img"}), nil
	})
	first := nextUpdate(room, 2*time.Second)
	if first == nil {
		t.Fatalf("no outbound update")
	}
	if _, ok := first.Files["img"]; !ok {
		t.Fatalf("first frame files = %v", first.Files)
	}
	if _, ok := first.Files["loose"]; !ok {
		t.Fatalf("unreferenced file never offered: %v", first.Files)
	}
	if _, ok := first.Files["remote"]; ok {
		t.Fatalf("remote file sent back")
	}

	// 上一帧可能被中继丢掉，图片还被引用就继续带上
	time.Sleep(20 * time.Millisecond)
	_ = doc.MutateElements(func(els []scene.Element) ([]scene.Element, error) {
		for i := range els {
			if els[i].ID == "pic" {
				els[i] = scene.Bump(els[i])
			}
		}
		return els, nil
	})
	second := nextUpdate(room, 2*time.Second)
	if second == nil {
		t.Fatalf("no second update")
	}
	if _, ok := second.Files["img"]; !ok {
		t.Fatalf("referenced file not re-offered: %v", second.Files)
	}
	if _, ok := second.Files["loose"]; ok {
		t.Fatalf("unreferenced file sent twice")
	}
}
