// Package room 中继端的房间状态：保存一份尽力而为的房间快照，供新加入的连接做 init。
// 它不是排序权威，合并规则和客户端一致（reconcile）。
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"canvasCollab/backend/internal/reconcile"
	"canvasCollab/backend/internal/scene"
)

var (
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrRoomNotFound          = errors.New("ROOM_NOT_FOUND")
	// ErrSnapshotNotFound 存储层没有该房间的快照
	ErrSnapshotNotFound = errors.New("SNAPSHOT_NOT_FOUND")
)

// 房间服务接口
type Service interface {
	// Join 加载（必要时从存储恢复）房间并返回当前快照；同一 peer 重连后序号从头开始
	Join(ctx context.Context, roomID, peerID string) (scene.Snapshot, error)
	Apply(ctx context.Context, roomID string, u Update) (Applied, error)
	Snapshot(ctx context.Context, roomID string) (scene.Snapshot, error)
	SaveSnapshot(ctx context.Context, roomID string) error
	// Leave 一个连接离开；房间没有成员后 Release
	Leave(ctx context.Context, roomID, peerID string) error
	// Release 有未保存的变更先落盘；仍然没有成员才释放内存
	Release(ctx context.Context, roomID string) error
}

// 快照存储接口，实现在 store 中
type SnapshotStore interface {
	SaveRoomSnapshot(ctx context.Context, roomID string, rev uint64, data []byte) error
	LoadLatestRoomSnapshot(ctx context.Context, roomID string) (data []byte, rev uint64, err error)
}

// Update 一条 canvas-update
type Update struct {
	SenderID string
	Seq      uint64
	Elements []scene.Element
	AppState *scene.BroadcastState
	Files    scene.FileMap
	// Relayed 来自其他中继实例的转发：不做序号去重，也不再发 Kafka 事件
	Relayed bool
}

type Applied struct {
	Revision uint64
	// 真正被采纳的元素 id；为空说明这条更新对房间状态没有影响
	Changed []string
}

type roomState struct {
	mu       sync.RWMutex
	revision uint64
	saved    uint64
	elements []scene.Element
	appState scene.AppState
	files    scene.FileMap
	// 去重窗口：记录某 sender 最近的最大 seq
	lastSeqBySender map[string]uint64
	// members 当前加入的连接数，由 InMemoryService.mu 保护
	members int
}

// 内存实现：持有所有活跃房间的状态
type InMemoryService struct {
	mu    sync.RWMutex
	rooms map[string]*roomState
	group singleflight.Group

	store  SnapshotStore
	events EventSink
	log    zerolog.Logger
	now    func() time.Time
}

func NewInMemoryService(store SnapshotStore, events EventSink, log zerolog.Logger) *InMemoryService {
	return &InMemoryService{
		rooms:  make(map[string]*roomState),
		store:  store,
		events: events,
		log:    log,
		now:    time.Now,
	}
}

var _ Service = (*InMemoryService)(nil)

func newRoomState() *roomState {
	return &roomState{
		files:           make(scene.FileMap),
		lastSeqBySender: make(map[string]uint64),
	}
}

// getOrLoad 首次访问时从存储恢复；并发的首次访问只读一次存储
func (s *InMemoryService) getOrLoad(ctx context.Context, roomID string) (*roomState, error) {
	s.mu.RLock()
	rs := s.rooms[roomID]
	s.mu.RUnlock()
	if rs != nil {
		return rs, nil
	}

	v, err, _ := s.group.Do(roomID, func() (any, error) {
		s.mu.RLock()
		rs := s.rooms[roomID]
		s.mu.RUnlock()
		if rs != nil {
			return rs, nil
		}

		rs = newRoomState()
		if s.store != nil {
			data, rev, err := s.store.LoadLatestRoomSnapshot(ctx, roomID)
			switch {
			case errors.Is(err, ErrSnapshotNotFound):
			case err != nil:
				return nil, fmt.Errorf("load room %s: %w", roomID, err)
			default:
				var snap scene.Snapshot
				if err := json.Unmarshal(data, &snap); err != nil {
					// 坏快照当作不存在，房间从空开始
					s.log.Warn().Err(err).Str("room", roomID).Msg("room snapshot corrupt, starting empty")
				} else {
					rs.elements = snap.Elements
					rs.appState = snap.AppState
					if snap.Files != nil {
						rs.files = snap.Files
					}
					rs.revision, rs.saved = rev, rev
				}
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if cur := s.rooms[roomID]; cur != nil {
			return cur, nil
		}
		s.rooms[roomID] = rs
		return rs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*roomState), nil
}

func (s *InMemoryService) Join(ctx context.Context, roomID, peerID string) (scene.Snapshot, error) {
	var rs *roomState
	for {
		var err error
		rs, err = s.getOrLoad(ctx, roomID)
		if err != nil {
			return scene.Snapshot{}, err
		}
		s.mu.Lock()
		// 拿到的状态可能刚被 Release 移出，重新加载
		if s.rooms[roomID] == rs {
			rs.members++
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
	}
	rs.mu.Lock()
	delete(rs.lastSeqBySender, peerID)
	rs.mu.Unlock()
	return rs.snapshot(), nil
}

func (rs *roomState) snapshot() scene.Snapshot {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.snapshotLocked()
}

func (rs *roomState) snapshotLocked() scene.Snapshot {
	files := make(scene.FileMap, len(rs.files))
	for id, f := range rs.files {
		files[id] = f
	}
	return scene.Snapshot{Elements: scene.Clone(rs.elements), AppState: rs.appState, Files: files}
}

// Apply 合并一条更新（InMemoryService 实现）
func (s *InMemoryService) Apply(ctx context.Context, roomID string, u Update) (Applied, error) {
	rs, err := s.getOrLoad(ctx, roomID)
	if err != nil {
		return Applied{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	// 幂等/去重：同一 sender 的 seq 只允许递增
	if !u.Relayed && u.SenderID != "" && u.Seq > 0 {
		if last := rs.lastSeqBySender[u.SenderID]; u.Seq <= last {
			return Applied{}, ErrDuplicateOrOutOfOrder
		}
		rs.lastSeqBySender[u.SenderID] = u.Seq
	}

	index := make(map[string]int, len(rs.elements))
	for i, el := range rs.elements {
		index[el.ID] = i
	}
	var changed []string
	for _, r := range u.Elements {
		if i, ok := index[r.ID]; !ok || reconcile.ShouldReplace(rs.elements[i], r) {
			changed = append(changed, r.ID)
		}
	}
	if len(changed) > 0 {
		rs.elements = reconcile.Elements(rs.elements, u.Elements)
	}
	touched := len(changed) > 0
	for id, f := range u.Files {
		if _, ok := rs.files[id]; !ok {
			rs.files[id] = f
			touched = true
		}
	}
	if u.AppState != nil {
		next := rs.appState.Apply(*u.AppState)
		if next.Broadcast() != rs.appState.Broadcast() {
			rs.appState = next
			touched = true
		}
	}

	// 有变化才推进版本
	if touched {
		rs.revision++
	}
	applied := Applied{Revision: rs.revision, Changed: changed}

	if s.events != nil && !u.Relayed && len(changed) > 0 {
		evt := RoomEvent{
			EventType:  EventCanvasUpdated,
			RoomID:     roomID,
			Revision:   rs.revision,
			SenderID:   u.SenderID,
			Seq:        u.Seq,
			ElementIDs: changed,
			AppliedAt:  s.now(),
		}
		// 入队最多等 50ms，Kafka 堵住时不拖慢中继
		ectx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		if err := s.events.Enqueue(ectx, evt); err != nil {
			s.log.Warn().Err(err).Str("room", roomID).Msg("room event dropped")
		}
		cancel()
	}
	return applied, nil
}

func (s *InMemoryService) Snapshot(ctx context.Context, roomID string) (scene.Snapshot, error) {
	s.mu.RLock()
	rs := s.rooms[roomID]
	s.mu.RUnlock()
	if rs == nil {
		return scene.Snapshot{}, ErrRoomNotFound
	}
	return rs.snapshot(), nil
}

func (s *InMemoryService) SaveSnapshot(ctx context.Context, roomID string) error {
	if s.store == nil {
		return errors.New("snapshot store not initialized")
	}
	s.mu.RLock()
	rs := s.rooms[roomID]
	s.mu.RUnlock()
	if rs == nil {
		return ErrRoomNotFound
	}
	return s.save(ctx, roomID, rs)
}

func (s *InMemoryService) save(ctx context.Context, roomID string, rs *roomState) error {
	rs.mu.RLock()
	snap := rs.snapshotLocked()
	rev := rs.revision
	rs.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.store.SaveRoomSnapshot(ctx, roomID, rev, data); err != nil {
		return err
	}
	rs.mu.Lock()
	if rev > rs.saved {
		rs.saved = rev
	}
	rs.mu.Unlock()
	s.log.Info().Str("room", roomID).Uint64("revision", rev).Msg("room snapshot saved")
	return nil
}

func (s *InMemoryService) Leave(ctx context.Context, roomID, peerID string) error {
	s.mu.Lock()
	rs := s.rooms[roomID]
	if rs == nil {
		s.mu.Unlock()
		return nil
	}
	if rs.members > 0 {
		rs.members--
	}
	remaining := rs.members
	s.mu.Unlock()

	if remaining > 0 {
		return nil
	}
	return s.Release(ctx, roomID)
}

// releaseAttempts 保存和移除之间又有更新进来时最多重试的次数
const releaseAttempts = 3

func (s *InMemoryService) Release(ctx context.Context, roomID string) error {
	for attempt := 0; attempt < releaseAttempts; attempt++ {
		s.mu.RLock()
		rs := s.rooms[roomID]
		s.mu.RUnlock()
		if rs == nil {
			return nil
		}

		rs.mu.RLock()
		dirty := rs.revision > rs.saved
		rs.mu.RUnlock()
		if dirty && s.store != nil {
			if err := s.save(ctx, roomID, rs); err != nil {
				// 保存失败就保留内存状态，下次离开时再试
				return err
			}
		}

		s.mu.Lock()
		if s.rooms[roomID] != rs || rs.members > 0 {
			// 保存期间有人加入，房间继续留在内存
			s.mu.Unlock()
			return nil
		}
		rs.mu.RLock()
		dirty = rs.revision > rs.saved
		rs.mu.RUnlock()
		if !dirty || s.store == nil {
			delete(s.rooms, roomID)
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
	}
	s.log.Warn().Str("room", roomID).Msg("room kept in memory, still changing after save")
	return nil
}

// SaveAll 保存所有有未落盘变更的房间（进程退出前调用），返回遇到的第一个错误
func (s *InMemoryService) SaveAll(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.RLock()
	rooms := make(map[string]*roomState, len(s.rooms))
	for id, rs := range s.rooms {
		rooms[id] = rs
	}
	s.mu.RUnlock()

	var first error
	for id, rs := range rooms {
		rs.mu.RLock()
		dirty := rs.revision > rs.saved
		rs.mu.RUnlock()
		if !dirty {
			continue
		}
		if err := s.save(ctx, id, rs); err != nil {
			s.log.Error().Err(err).Str("room", id).Msg("save room on shutdown failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}
