// Package persist 负责画布快照的本地持久化（防抖写入）和按需上传
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"canvasCollab/backend/internal/scene"
)

const (
	// SchemaVersion 记录格式版本，变更后旧记录一律丢弃
	SchemaVersion = 1

	DefaultKey      = "canvas:state"
	DefaultDebounce = 1000 * time.Millisecond
)

var (
	// ErrNothingToSave 没有任何可上传的快照
	ErrNothingToSave = errors.New("persist: nothing to save")
	// ErrDisposed 协调器已经释放
	ErrDisposed = errors.New("persist: coordinator disposed")
)

// Record 本地存储里的记录
type Record struct {
	Version    int            `json:"version"`
	CanvasData scene.Snapshot `json:"canvasData"`
	SavedAt    int64          `json:"savedAt"`
	CanvasID   *string        `json:"canvasId"`
}

type Coordinator struct {
	storage  Storage
	key      string
	debounce time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	pending  *Record
	latest   *Record
	disposed bool

	// 串行化写入
	writeMu sync.Mutex
}

type Option func(*Coordinator)

func WithKey(key string) Option { return func(c *Coordinator) { c.key = key } }

func WithDebounce(d time.Duration) Option { return func(c *Coordinator) { c.debounce = d } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(c *Coordinator) { c.log = l } }

func NewCoordinator(storage Storage, opts ...Option) *Coordinator {
	c := &Coordinator{
		storage:  storage,
		key:      DefaultKey,
		debounce: DefaultDebounce,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ScheduleSave 安排一次防抖写入；窗口内的新调用会取消上一次还没触发的定时器
func (c *Coordinator) ScheduleSave(snap scene.Snapshot, canvasID string) {
	rec := c.record(snap, canvasID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.pending = rec
	c.latest = rec
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
	}
	g := c.gen
	c.timer = time.AfterFunc(c.debounce, func() { c.fire(g) })
}

func (c *Coordinator) record(snap scene.Snapshot, canvasID string) *Record {
	rec := &Record{
		Version: SchemaVersion,
		CanvasData: scene.Snapshot{
			Elements: scene.Clone(snap.Elements),
			AppState: snap.AppState,
			Files:    snap.Files,
		},
		SavedAt: c.now().UnixMilli(),
	}
	if canvasID != "" {
		id := canvasID
		rec.CanvasID = &id
	}
	return rec
}

// fire 定时器回调；gen 不一致说明期间又有新的调度或被取消了
func (c *Coordinator) fire(gen uint64) {
	c.mu.Lock()
	if c.disposed || gen != c.gen || c.pending == nil {
		c.mu.Unlock()
		return
	}
	rec := c.pending
	c.pending = nil
	c.timer = nil
	c.mu.Unlock()

	if err := c.write(rec); err != nil && !errors.Is(err, ErrDisposed) {
		// 本地缓存写失败（磁盘满等）只记日志，下一次调度会再写
		c.log.Error().Err(err).Str("key", c.key).Msg("persist: local save failed")
	}
}

func (c *Coordinator) write(rec *Record) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// 拿到写锁后再检查一次：定时器可能在 Dispose 之前就已触发
	c.mu.Lock()
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return ErrDisposed
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persist: encode record: %w", err)
	}
	if err := c.storage.Set(c.key, b); err != nil {
		return fmt.Errorf("persist: write %s: %w", c.key, err)
	}
	c.log.Debug().Str("key", c.key).Int("elements", len(rec.CanvasData.Elements)).Msg("persist: saved")
	return nil
}

// Flush 立即写入尚未落盘的快照（正常退出前调用）
func (c *Coordinator) Flush() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	c.stopTimerLocked()
	rec := c.pending
	c.pending = nil
	c.mu.Unlock()

	if rec == nil {
		return nil
	}
	return c.write(rec)
}

// CancelPendingSave 丢弃还没触发的写入
func (c *Coordinator) CancelPendingSave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
	c.pending = nil
}

// Dispose 之后不会再有任何写入；返回前会等正在进行的写入结束
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	c.disposed = true
	c.stopTimerLocked()
	c.pending = nil
	c.mu.Unlock()

	c.writeMu.Lock()
	c.writeMu.Unlock()
}

func (c *Coordinator) stopTimerLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// LoadFromStorage 读不到、解析失败、版本不符都返回 nil；坏记录会被删掉
func (c *Coordinator) LoadFromStorage() *Record {
	b, ok, err := c.storage.Get(c.key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", c.key).Msg("persist: read failed")
		return nil
	}
	if !ok {
		return nil
	}

	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		c.log.Warn().Err(err).Str("key", c.key).Msg("persist: corrupt record discarded")
		c.discard()
		return nil
	}
	if rec.Version != SchemaVersion {
		c.log.Warn().Int("version", rec.Version).Int("want", SchemaVersion).Msg("persist: schema mismatch, record discarded")
		c.discard()
		return nil
	}
	return &rec
}

func (c *Coordinator) discard() {
	if err := c.storage.Remove(c.key); err != nil {
		c.log.Warn().Err(err).Str("key", c.key).Msg("persist: remove failed")
	}
}

// SaveToServer 上传最近一次调度的快照；本进程还没调度过时用存储里的记录。
// 失败直接返回给调用方，不重试
func (c *Coordinator) SaveToServer(ctx context.Context, api Uploader, canvasID string) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	rec := c.latest
	c.mu.Unlock()

	if rec == nil {
		rec = c.LoadFromStorage()
	}
	if rec == nil {
		return ErrNothingToSave
	}
	if canvasID == "" && rec.CanvasID != nil {
		canvasID = *rec.CanvasID
	}
	if canvasID == "" {
		return fmt.Errorf("persist: canvas id required")
	}

	b, err := json.Marshal(rec.CanvasData)
	if err != nil {
		return fmt.Errorf("persist: encode canvas: %w", err)
	}
	if err := api.SaveCanvas(ctx, canvasID, b); err != nil {
		return fmt.Errorf("persist: upload %s: %w", canvasID, err)
	}
	c.log.Info().Str("canvasId", canvasID).Int("bytes", len(b)).Msg("persist: uploaded")
	return nil
}
