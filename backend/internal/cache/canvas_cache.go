package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"canvasCollab/backend/internal/store"
)

const (
	canvasBaseTTL = 24 * time.Hour   // 基础过期时间
	canvasJitter  = 60 * time.Minute // 随机抖动范围，防止缓存雪崩
	canvasNullTTL = 5 * time.Minute
	emptyMarker   = "-"
	keyCanvasFmt  = "canvas:record:{canvas:%s}"
)

func canvasKey(canvasID string) string { return fmt.Sprintf(keyCanvasFmt, canvasID) }

// CanvasSource 画布记录的回源接口（store.CanvasStore）
type CanvasSource interface {
	Put(ctx context.Context, canvasID, ownerID string, data []byte) error
	Get(ctx context.Context, canvasID string) (*store.Canvas, error)
}

// CanvasCache 旁路缓存：读先查 redis，未命中回源并回填；写直接落库后删缓存
type CanvasCache struct {
	rdb    redis.UniversalClient
	source CanvasSource
	sf     singleflight.Group
	jitter func() time.Duration
}

var _ CanvasSource = (*CanvasCache)(nil)

func NewCanvasCache(rdb redis.UniversalClient, source CanvasSource) *CanvasCache {
	return &CanvasCache{
		rdb:    rdb,
		source: source,
		jitter: func() time.Duration { return time.Duration(rand.Int64N(int64(canvasJitter))) },
	}
}

type cachedCanvas struct {
	OwnerID   string    `json:"ownerId"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c *CanvasCache) Put(ctx context.Context, canvasID, ownerID string, data []byte) error {
	if err := c.source.Put(ctx, canvasID, ownerID, data); err != nil {
		return err
	}
	// 删除失败只会读到旧值直到过期
	_ = c.rdb.Del(ctx, canvasKey(canvasID)).Err()
	return nil
}

func (c *CanvasCache) Get(ctx context.Context, canvasID string) (*store.Canvas, error) {
	key := canvasKey(canvasID)
	v, err, _ := c.sf.Do(key, func() (any, error) {
		raw, err := c.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil && string(raw) == emptyMarker:
			return nil, store.ErrCanvasNotFound
		case err == nil:
			var cc cachedCanvas
			if jerr := json.Unmarshal(raw, &cc); jerr == nil {
				return &store.Canvas{CanvasID: canvasID, OwnerID: cc.OwnerID, Data: cc.Data, UpdatedAt: cc.UpdatedAt}, nil
			}
			// 坏缓存当作未命中
		case !errors.Is(err, redis.Nil):
			return nil, err
		}

		// 回源 (Redis Miss)，查数据库
		canvas, err := c.source.Get(ctx, canvasID)
		if errors.Is(err, store.ErrCanvasNotFound) {
			// 空值缓存，防止缓存穿透
			_ = c.rdb.Set(ctx, key, emptyMarker, canvasNullTTL).Err()
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(cachedCanvas{OwnerID: canvas.OwnerID, Data: canvas.Data, UpdatedAt: canvas.UpdatedAt})
		if err == nil {
			_ = c.rdb.Set(ctx, key, b, canvasBaseTTL+c.jitter()).Err()
		}
		return canvas, nil
	})
	if err != nil {
		return nil, err
	}
	canvas, ok := v.(*store.Canvas)
	if !ok {
		return nil, errors.New("internal type error")
	}
	return canvas, nil
}
