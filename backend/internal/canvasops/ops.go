// Package canvasops 是命令协议的默认处理器：把命令落到 scene.Document 上
package canvasops

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"canvasCollab/backend/internal/command"
	"canvasCollab/backend/internal/scene"
)

var (
	// ErrNoRenderer 没有配置截图渲染器
	ErrNoRenderer = errors.New("canvasops: no renderer configured")
	// ErrElementNotFound 更新的元素不在文档里
	ErrElementNotFound = errors.New("canvasops: element not found")
	// ErrElementExists 新建元素的 id 已被占用
	ErrElementExists = errors.New("canvasops: element already exists")
	// ErrBadDataURL 图片不是 base64 data URL
	ErrBadDataURL = errors.New("canvasops: invalid data url")
)

const defaultAssetSize = 200

// Renderer 把场景渲染成图片
type Renderer interface {
	Render(ctx context.Context, snap scene.Snapshot, mimeType string, scale float64) ([]byte, error)
}

// Ops 持有文档引用，本身不保存任何场景状态
type Ops struct {
	doc      scene.Document
	renderer Renderer
	notify   func(command.Command)
	now      func() time.Time
	log      zerolog.Logger
}

type Option func(*Ops)

func WithRenderer(r Renderer) Option { return func(o *Ops) { o.renderer = r } }

// WithNotify 选中变化、编辑完成这类通知命令会转给 fn
func WithNotify(fn func(command.Command)) Option { return func(o *Ops) { o.notify = fn } }

func WithLogger(l zerolog.Logger) Option { return func(o *Ops) { o.log = l } }

func New(doc scene.Document, opts ...Option) *Ops {
	o := &Ops{doc: doc, now: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handlers 返回完整的处理表
func (o *Ops) Handlers() command.Handlers {
	return command.Handlers{
		InsertImage:       o.insertImage,
		InsertVectorAsset: o.insertVectorAsset,
		DrawElements:      o.drawElements,
		UpdateElements:    o.updateElements,
		CaptureScreenshot: o.captureScreenshot,
		LoadExternalFiles: o.loadExternalFiles,
		SelectionChanged:  o.selectionChanged,
		ElementEdited:     o.elementEdited,
	}
}

func (o *Ops) insertImage(ctx context.Context, c command.InsertImage) (command.Result, error) {
	mime, raw, err := parseDataURL(c.DataURL)
	if err != nil {
		return command.Result{}, err
	}
	if c.MimeType != "" {
		mime = c.MimeType
	}
	w, h := c.Width, c.Height
	if w == 0 || h == 0 {
		w, h = defaultAssetSize, defaultAssetSize
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(raw)); err == nil {
			w, h = float64(cfg.Width), float64(cfg.Height)
		}
	}
	return o.placeFile(mime, c.DataURL, c.X, c.Y, w, h)
}

func (o *Ops) insertVectorAsset(ctx context.Context, c command.InsertVectorAsset) (command.Result, error) {
	if !strings.Contains(c.SVG, "<svg") {
		return command.Result{}, fmt.Errorf("canvasops: vector asset is not svg")
	}
	w, h := c.Width, c.Height
	if w == 0 || h == 0 {
		w, h = defaultAssetSize, defaultAssetSize
	}
	dataURL := "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(c.SVG))
	return o.placeFile("image/svg+xml", dataURL, c.X, c.Y, w, h)
}

// placeFile 先登记文件，再插入引用它的 image 元素
func (o *Ops) placeFile(mime, dataURL string, x, y, w, h float64) (command.Result, error) {
	now := o.now().UnixMilli()
	file := scene.File{ID: uuid.NewString(), MimeType: mime, DataURL: dataURL, Created: now}
	el := scene.Element{
		ID:           uuid.NewString(),
		Type:         scene.TypeImage,
		Version:      1,
		VersionNonce: scene.NewNonce(),
		X:            x,
		Y:            y,
		Width:        w,
		Height:       h,
		Opacity:      100,
		FileID:       file.ID,
		Updated:      now,
	}
	o.doc.AddFiles([]scene.File{file})
	_ = o.doc.MutateElements(func(current []scene.Element) ([]scene.Element, error) {
		return append(current, el), nil
	})
	o.log.Debug().Str("element", el.ID).Str("file", file.ID).Str("mime", mime).Msg("file placed")
	return command.Result{ElementIDs: []string{el.ID}, FileIDs: []string{file.ID}}, nil
}

func (o *Ops) drawElements(ctx context.Context, c command.DrawElements) (command.Result, error) {
	now := o.now().UnixMilli()
	var ids []string
	err := o.doc.MutateElements(func(current []scene.Element) ([]scene.Element, error) {
		exists := make(map[string]bool, len(current))
		for _, el := range current {
			exists[el.ID] = true
		}
		ids = make([]string, 0, len(c.Elements))
		for _, el := range c.Elements {
			if el.ID == "" {
				el.ID = uuid.NewString()
			}
			if exists[el.ID] {
				return nil, fmt.Errorf("%w: %s", ErrElementExists, el.ID)
			}
			exists[el.ID] = true
			if el.Version < 1 {
				el.Version = 1
			}
			el.VersionNonce = scene.NewNonce()
			el.Updated = now
			current = append(current, el)
			ids = append(ids, el.ID)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		return current, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{ElementIDs: ids}, nil
}

// updateElements 按 id 整体替换，版本号以文档里的为准再 +1，调用方传的版本号被忽略
func (o *Ops) updateElements(ctx context.Context, c command.UpdateElements) (command.Result, error) {
	var ids []string
	err := o.doc.MutateElements(func(current []scene.Element) ([]scene.Element, error) {
		index := make(map[string]int, len(current))
		for i, el := range current {
			index[el.ID] = i
		}
		ids = make([]string, 0, len(c.Elements))
		for _, patch := range c.Elements {
			i, ok := index[patch.ID]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrElementNotFound, patch.ID)
			}
			patch.Version = current[i].Version
			current[i] = scene.Bump(patch)
			ids = append(ids, patch.ID)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		return current, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{ElementIDs: ids}, nil
}

func (o *Ops) captureScreenshot(ctx context.Context, c command.CaptureScreenshot) (command.Result, error) {
	if o.renderer == nil {
		return command.Result{}, ErrNoRenderer
	}
	scale := c.Scale
	if scale <= 0 {
		scale = 1
	}
	snap := scene.Snapshot{
		Elements: scene.Live(o.doc.SceneElements()),
		AppState: o.doc.AppState(),
		Files:    o.doc.Files(),
	}
	img, err := o.renderer.Render(ctx, snap, c.MimeType, scale)
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Screenshot: img}, nil
}

func (o *Ops) loadExternalFiles(ctx context.Context, c command.LoadExternalFiles) (command.Result, error) {
	have := o.doc.Files()
	var add []scene.File
	for _, f := range c.Files {
		if _, ok := have[f.ID]; ok {
			continue
		}
		if _, _, err := parseDataURL(f.DataURL); err != nil {
			return command.Result{}, fmt.Errorf("file %s: %w", f.ID, err)
		}
		add = append(add, f)
	}
	o.doc.AddFiles(add)

	ids := make([]string, 0, len(add))
	for _, f := range add {
		ids = append(ids, f.ID)
	}
	return command.Result{FileIDs: ids}, nil
}

func (o *Ops) selectionChanged(ctx context.Context, c command.SelectionChanged) (command.Result, error) {
	st := o.doc.AppState()
	st.SelectedElementIDs = make(map[string]bool, len(c.ElementIDs))
	for _, id := range c.ElementIDs {
		st.SelectedElementIDs[id] = true
	}
	o.doc.UpdateScene(scene.SceneUpdate{AppState: &st})
	o.forward(c)
	return command.Result{ElementIDs: c.ElementIDs}, nil
}

func (o *Ops) elementEdited(ctx context.Context, c command.ElementEdited) (command.Result, error) {
	o.forward(c)
	return command.Result{ElementIDs: []string{c.Element.ID}}, nil
}

func (o *Ops) forward(c command.Command) {
	if o.notify != nil {
		o.notify(c)
	}
}

// parseDataURL 解析 data:<mime>;base64,<payload>
func parseDataURL(s string) (mime string, raw []byte, err error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, ErrBadDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, ErrBadDataURL
	}
	mime, isB64 := strings.CutSuffix(meta, ";base64")
	if !isB64 {
		return "", nil, ErrBadDataURL
	}
	raw, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadDataURL, err)
	}
	return mime, raw, nil
}
