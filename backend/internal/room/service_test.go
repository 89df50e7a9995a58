package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"canvasCollab/backend/internal/scene"
)

type memSnapshots struct {
	mu    sync.Mutex
	data  map[string][]byte
	revs  map[string]uint64
	loads atomic.Int32
	delay time.Duration
	// onSave 在写入前调用，用来模拟保存期间的并发操作
	onSave func()
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{data: map[string][]byte{}, revs: map[string]uint64{}}
}

func (m *memSnapshots) SaveRoomSnapshot(ctx context.Context, roomID string, rev uint64, data []byte) error {
	if m.onSave != nil {
		m.onSave()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[roomID] = data
	m.revs[roomID] = rev
	return nil
}

func (m *memSnapshots) LoadLatestRoomSnapshot(ctx context.Context, roomID string) ([]byte, uint64, error) {
	m.loads.Add(1)
	time.Sleep(m.delay)
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[roomID]
	if !ok {
		return nil, 0, ErrSnapshotNotFound
	}
	return b, m.revs[roomID], nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []RoomEvent
}

func (r *recordingSink) Enqueue(ctx context.Context, evt RoomEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func TestApply_MergesAndDeduplicates(t *testing.T) {
	sink := &recordingSink{}
	svc := NewInMemoryService(nil, sink, zerolog.Nop())
	ctx := context.Background()

	if _, err := svc.Join(ctx, "r1", "p1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	res, err := svc.Apply(ctx, "r1", Update{SenderID: "p1", Seq: 1, Elements: []scene.Element{{ID: "a", Version: 2}}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Revision != 1 || len(res.Changed) != 1 {
		t.Fatalf("Applied = %+v", res)
	}

	if _, err := svc.Apply(ctx, "r1", Update{SenderID: "p1", Seq: 1}); !errors.Is(err, ErrDuplicateOrOutOfOrder) {
		t.Fatalf("duplicate seq err = %v", err)
	}

	// 旧版本不覆盖
	res, err = svc.Apply(ctx, "r1", Update{SenderID: "p2", Seq: 1, Elements: []scene.Element{{ID: "a", Version: 1, X: 9}}})
	if err != nil {
		t.Fatalf("Apply stale: %v", err)
	}
	if len(res.Changed) != 0 || res.Revision != 1 {
		t.Fatalf("stale update changed room: %+v", res)
	}

	snap, err := svc.Snapshot(ctx, "r1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Elements) != 1 || snap.Elements[0].X != 0 {
		t.Fatalf("room elements = %+v", snap.Elements)
	}
	if len(sink.events) != 1 || sink.events[0].EventType != EventCanvasUpdated || sink.events[0].RoomID != "r1" {
		t.Fatalf("events = %+v", sink.events)
	}
}

func TestJoin_ResetsSenderWindow(t *testing.T) {
	svc := NewInMemoryService(nil, nil, zerolog.Nop())
	ctx := context.Background()
	_, _ = svc.Join(ctx, "r1", "p1")
	if _, err := svc.Apply(ctx, "r1", Update{SenderID: "p1", Seq: 5}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// 重连后客户端序号从 1 开始
	_, _ = svc.Join(ctx, "r1", "p1")
	if _, err := svc.Apply(ctx, "r1", Update{SenderID: "p1", Seq: 1}); err != nil {
		t.Fatalf("Apply after rejoin: %v", err)
	}
}

func TestLoad_SingleflightAndRestore(t *testing.T) {
	store := newMemSnapshots()
	b, _ := json.Marshal(scene.Snapshot{Elements: []scene.Element{{ID: "saved", Version: 4}}})
	store.data["r1"] = b
	store.revs["r1"] = 7
	store.delay = 20 * time.Millisecond

	svc := NewInMemoryService(store, nil, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := svc.Join(context.Background(), "r1", "p")
			if err != nil || len(snap.Elements) != 1 {
				t.Errorf("Join = %+v, %v", snap, err)
			}
		}()
	}
	wg.Wait()
	if n := store.loads.Load(); n != 1 {
		t.Fatalf("store loaded %d times, want 1", n)
	}
}

func TestLeave_SavesDirtyRoomWhenEmpty(t *testing.T) {
	store := newMemSnapshots()
	svc := NewInMemoryService(store, nil, zerolog.Nop())
	ctx := context.Background()

	_, _ = svc.Join(ctx, "r1", "p1")
	// 未修改的房间释放时不写存储
	if err := svc.Leave(ctx, "r1", "p1"); err != nil {
		t.Fatalf("Leave clean: %v", err)
	}
	if len(store.data) != 0 {
		t.Fatalf("clean room saved")
	}
	if _, err := svc.Snapshot(ctx, "r1"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("empty room still in memory: %v", err)
	}

	_, _ = svc.Join(ctx, "r1", "p1")
	_, _ = svc.Join(ctx, "r1", "p2")
	_, _ = svc.Apply(ctx, "r1", Update{SenderID: "p1", Seq: 1, Elements: []scene.Element{{ID: "a", Version: 1}}})
	// 还有成员，不落盘也不释放
	if err := svc.Leave(ctx, "r1", "p1"); err != nil {
		t.Fatalf("Leave p1: %v", err)
	}
	if len(store.data) != 0 {
		t.Fatalf("room saved while p2 still inside")
	}
	if err := svc.Leave(ctx, "r1", "p2"); err != nil {
		t.Fatalf("Leave p2: %v", err)
	}
	if store.revs["r1"] != 1 {
		t.Fatalf("saved revision = %d", store.revs["r1"])
	}
	if _, err := svc.Snapshot(ctx, "r1"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("room still in memory: %v", err)
	}

	// 再次加入从存储恢复
	snap, err := svc.Join(ctx, "r1", "p2")
	if err != nil || len(snap.Elements) != 1 {
		t.Fatalf("restored = %+v, %v", snap, err)
	}
}

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(1)
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("second Acquire err = %v", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release(); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("extra Release err = %v", err)
	}
}

func TestSaveAll_OnlyDirtyRooms(t *testing.T) {
	store := newMemSnapshots()
	svc := NewInMemoryService(store, nil, zerolog.Nop())
	ctx := context.Background()

	_, _ = svc.Join(ctx, "clean", "p1")
	_, _ = svc.Join(ctx, "dirty", "p1")
	_, _ = svc.Apply(ctx, "dirty", Update{SenderID: "p1", Seq: 1, Elements: []scene.Element{{ID: "a", Version: 1}}})

	if err := svc.SaveAll(ctx); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	if _, ok := store.data["clean"]; ok {
		t.Fatalf("clean room saved")
	}
	if store.revs["dirty"] != 1 {
		t.Fatalf("dirty room revision = %d", store.revs["dirty"])
	}
}

func TestRelease_KeepsRoomJoinedDuringSave(t *testing.T) {
	store := newMemSnapshots()
	svc := NewInMemoryService(store, nil, zerolog.Nop())
	ctx := context.Background()

	_, _ = svc.Join(ctx, "r1", "p1")
	_, _ = svc.Apply(ctx, "r1", Update{SenderID: "p1", Seq: 1, Elements: []scene.Element{{ID: "a", Version: 1}}})

	joined := false
	store.onSave = func() {
		if joined {
			return
		}
		joined = true
		if _, err := svc.Join(ctx, "r1", "p2"); err != nil {
			t.Errorf("Join during save: %v", err)
		}
	}
	if err := svc.Leave(ctx, "r1", "p1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	// p2 的更新落在仍在内存中的房间里
	if _, err := svc.Apply(ctx, "r1", Update{SenderID: "p2", Seq: 1, Elements: []scene.Element{{ID: "b", Version: 1}}}); err != nil {
		t.Fatalf("Apply after join: %v", err)
	}
	snap, err := svc.Snapshot(ctx, "r1")
	if err != nil {
		t.Fatalf("room released under a joined peer: %v", err)
	}
	if len(snap.Elements) != 2 {
		t.Fatalf("elements = %+v", snap.Elements)
	}
}
