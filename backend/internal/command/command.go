// Package command 单槽命令信箱：界面代码发起对文档的副作用请求，不需要知道由谁执行
package command

import (
	"context"
	"errors"

	"canvasCollab/backend/internal/scene"
)

var (
	// ErrCommandPending 上一条命令还没结算
	ErrCommandPending = errors.New("command: another command is pending")
	// ErrUnhandledCommand 所有订阅者都不处理这个命令类型
	ErrUnhandledCommand = errors.New("command: no subscriber handles this command")
	// ErrUnknownCommand 命令为 nil 或不在命令集合里
	ErrUnknownCommand = errors.New("command: unknown command")
)

// 命令类型
type Type string

const (
	TypeInsertImage       Type = "insert-image"
	TypeInsertVectorAsset Type = "insert-vector-asset"
	TypeDrawElements      Type = "draw-elements"
	TypeUpdateElements    Type = "update-elements"
	TypeCaptureScreenshot Type = "capture-screenshot"
	TypeLoadExternalFiles Type = "load-external-files"
	TypeSelectionChanged  Type = "selection-changed"
	TypeElementEdited     Type = "element-edited"
)

// Command 封闭的命令集合，只有本包里的类型实现它
type Command interface {
	Type() Type
	sealed()
}

// InsertImage 在画布上放一张位图
type InsertImage struct {
	DataURL  string
	MimeType string
	X, Y     float64
	// 为 0 时用默认尺寸
	Width, Height float64
}

// InsertVectorAsset 把 SVG 作为 image 元素插入
type InsertVectorAsset struct {
	SVG           string
	X, Y          float64
	Width, Height float64
}

// DrawElements 新建元素，id 为空时自动生成
type DrawElements struct {
	Elements []scene.Element
}

// UpdateElements 按 id 替换元素，版本号由处理器递增
type UpdateElements struct {
	Elements []scene.Element
}

// 截图
type CaptureScreenshot struct {
	MimeType string
	Scale    float64
}

// LoadExternalFiles 把元素引用的文件加入文件表
type LoadExternalFiles struct {
	Files []scene.File
}

// 本地选中变化（通知类命令）
type SelectionChanged struct {
	ElementIDs []string
}

// 元素编辑完成（通知类命令）
type ElementEdited struct {
	Element scene.Element
}

func (InsertImage) Type() Type       { return TypeInsertImage }
func (InsertVectorAsset) Type() Type { return TypeInsertVectorAsset }
func (DrawElements) Type() Type      { return TypeDrawElements }
func (UpdateElements) Type() Type    { return TypeUpdateElements }
func (CaptureScreenshot) Type() Type { return TypeCaptureScreenshot }
func (LoadExternalFiles) Type() Type { return TypeLoadExternalFiles }
func (SelectionChanged) Type() Type  { return TypeSelectionChanged }
func (ElementEdited) Type() Type     { return TypeElementEdited }

func (InsertImage) sealed()       {}
func (InsertVectorAsset) sealed() {}
func (DrawElements) sealed()      {}
func (UpdateElements) sealed()    {}
func (CaptureScreenshot) sealed() {}
func (LoadExternalFiles) sealed() {}
func (SelectionChanged) sealed()  {}
func (ElementEdited) sealed()     {}

// Result 处理器返回给调用方的结果
type Result struct {
	ElementIDs []string
	FileIDs    []string
	Screenshot []byte
}

// Handlers 一个订阅者的处理表，字段为 nil 表示不处理该类型
type Handlers struct {
	InsertImage       func(ctx context.Context, c InsertImage) (Result, error)
	InsertVectorAsset func(ctx context.Context, c InsertVectorAsset) (Result, error)
	DrawElements      func(ctx context.Context, c DrawElements) (Result, error)
	UpdateElements    func(ctx context.Context, c UpdateElements) (Result, error)
	CaptureScreenshot func(ctx context.Context, c CaptureScreenshot) (Result, error)
	LoadExternalFiles func(ctx context.Context, c LoadExternalFiles) (Result, error)
	SelectionChanged  func(ctx context.Context, c SelectionChanged) (Result, error)
	ElementEdited     func(ctx context.Context, c ElementEdited) (Result, error)
}

type runFunc func(ctx context.Context) (Result, error)

// lookup 找到 cmd 对应的处理函数
func (h Handlers) lookup(cmd Command) (runFunc, bool) {
	switch c := cmd.(type) {
	case InsertImage:
		return bind(h.InsertImage, c)
	case InsertVectorAsset:
		return bind(h.InsertVectorAsset, c)
	case DrawElements:
		return bind(h.DrawElements, c)
	case UpdateElements:
		return bind(h.UpdateElements, c)
	case CaptureScreenshot:
		return bind(h.CaptureScreenshot, c)
	case LoadExternalFiles:
		return bind(h.LoadExternalFiles, c)
	case SelectionChanged:
		return bind(h.SelectionChanged, c)
	case ElementEdited:
		return bind(h.ElementEdited, c)
	}
	return nil, false
}

func bind[C Command](fn func(context.Context, C) (Result, error), c C) (runFunc, bool) {
	if fn == nil {
		return nil, false
	}
	return func(ctx context.Context) (Result, error) { return fn(ctx, c) }, true
}

func known(cmd Command) bool {
	if cmd == nil {
		return false
	}
	switch cmd.(type) {
	case InsertImage, InsertVectorAsset, DrawElements, UpdateElements,
		CaptureScreenshot, LoadExternalFiles, SelectionChanged, ElementEdited:
		return true
	}
	return false
}
