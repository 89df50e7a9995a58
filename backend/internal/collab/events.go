package collab

import (
	"sort"
	"time"
)

// State 连接状态机
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type EventType string

const (
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventError          EventType = "error"
	EventSynced         EventType = "synced" // init 快照已应用
	EventRemoteApplied  EventType = "remote-applied"
	EventCursorsChanged EventType = "cursors-changed"
	EventPeersChanged   EventType = "peers-changed"
)

// Event 协调器对外发布的通知，按 Type 读取对应字段
type Event struct {
	Type      EventType
	Err       error
	PeerCount int
	Cursors   []Cursor
}

// Cursor 其他协作者的光标，只在内存里，不持久化
type Cursor struct {
	PeerID     string
	X, Y       float64
	Color      string
	Name       string
	LastUpdate time.Time
}

type Status struct {
	State     State
	Connected bool
	PeerCount int
	Cursors   []Cursor
}

// 调用方需持有 c.mu
func (c *Coordinator) cursorListLocked() []Cursor {
	out := make([]Cursor, 0, len(c.cursors))
	for _, cur := range c.cursors {
		out = append(out, *cur)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Subscribe 注册事件回调，回调在协调器内部 goroutine 上同步执行，不要阻塞
func (c *Coordinator) Subscribe(fn func(Event)) (cancel func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Coordinator) emit(ev Event) {
	c.subMu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
