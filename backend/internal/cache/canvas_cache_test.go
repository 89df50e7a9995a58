package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"canvasCollab/backend/internal/store"
)

type countingSource struct {
	mu    sync.Mutex
	data  map[string]store.Canvas
	gets  int
	delay time.Duration
}

func (s *countingSource) Put(ctx context.Context, canvasID, ownerID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[canvasID] = store.Canvas{CanvasID: canvasID, OwnerID: ownerID, Data: data}
	return nil
}

func (s *countingSource) Get(ctx context.Context, canvasID string) (*store.Canvas, error) {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	c, ok := s.data[canvasID]
	if !ok {
		return nil, store.ErrCanvasNotFound
	}
	return &c, nil
}

func (s *countingSource) loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func TestCanvasCache_ReadThroughAndInvalidate(t *testing.T) {
	mr, rdb := newRedis(t)
	src := &countingSource{data: map[string]store.Canvas{}}
	c := NewCanvasCache(rdb, src)
	ctx := context.Background()

	if err := c.Put(ctx, "c1", "u1", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for i := 0; i < 3; i++ {
		got, err := c.Get(ctx, "c1")
		if err != nil || string(got.Data) != `{"v":1}` || got.OwnerID != "u1" {
			t.Fatalf("Get = %+v, %v", got, err)
		}
	}
	if n := src.loads(); n != 1 {
		t.Fatalf("source loads = %d, want 1", n)
	}
	ttl := mr.TTL(canvasKey("c1"))
	if ttl < canvasBaseTTL || ttl > canvasBaseTTL+canvasJitter {
		t.Fatalf("ttl = %v", ttl)
	}

	// 写入后缓存失效，下一次读回源
	if err := c.Put(ctx, "c1", "u1", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Put v2: %v", err)
	}
	got, err := c.Get(ctx, "c1")
	if err != nil || string(got.Data) != `{"v":2}` {
		t.Fatalf("Get after Put = %+v, %v", got, err)
	}
}

func TestCanvasCache_NullMarker(t *testing.T) {
	mr, rdb := newRedis(t)
	src := &countingSource{data: map[string]store.Canvas{}}
	c := NewCanvasCache(rdb, src)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Get(ctx, "missing"); !errors.Is(err, store.ErrCanvasNotFound) {
			t.Fatalf("Get missing err = %v", err)
		}
	}
	if n := src.loads(); n != 1 {
		t.Fatalf("source loads = %d, want 1", n)
	}

	// 空值标记过期后重新回源
	mr.FastForward(canvasNullTTL + time.Second)
	_, _ = c.Get(ctx, "missing")
	if n := src.loads(); n != 2 {
		t.Fatalf("source loads after expiry = %d", n)
	}
}

func TestCanvasCache_Singleflight(t *testing.T) {
	_, rdb := newRedis(t)
	src := &countingSource{data: map[string]store.Canvas{"c": {CanvasID: "c", Data: []byte("{}")}}, delay: 30 * time.Millisecond}
	c := NewCanvasCache(rdb, src)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), "c"); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := src.loads(); n != 1 {
		t.Fatalf("source loads = %d, want 1", n)
	}
}
