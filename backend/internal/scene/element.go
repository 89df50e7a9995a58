package scene

import (
	"math/rand/v2"
	"time"
)

// Element 是画布上的一个可绘制单元
// - ID 创建时分配，永不复用
// - Version 每次本地修改都 +1
// - VersionNonce 每次修改重新随机，只用于同版本并发修改的裁决
type Element struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Version         int64          `json:"version"`
	VersionNonce    int64          `json:"versionNonce"`
	IsDeleted       bool           `json:"isDeleted,omitempty"`
	X               float64        `json:"x"`
	Y               float64        `json:"y"`
	Width           float64        `json:"width"`
	Height          float64        `json:"height"`
	Angle           float64        `json:"angle,omitempty"`
	StrokeColor     string         `json:"strokeColor,omitempty"`
	BackgroundColor string         `json:"backgroundColor,omitempty"`
	StrokeWidth     float64        `json:"strokeWidth,omitempty"`
	Opacity         float64        `json:"opacity,omitempty"`
	Points          [][2]float64   `json:"points,omitempty"`
	Text            string         `json:"text,omitempty"`
	FileID          string         `json:"fileId,omitempty"`
	Updated         int64          `json:"updated,omitempty"`
	CustomData      map[string]any `json:"customData,omitempty"`
}

// 常用元素类型
const (
	TypeRectangle = "rectangle"
	TypeEllipse   = "ellipse"
	TypeLine      = "line"
	TypeText      = "text"
	TypeImage     = "image"
)

// NewNonce 生成一个随机的 versionNonce（31 位，和浏览器端保持同一取值范围）
func NewNonce() int64 {
	return rand.Int64N(1 << 31)
}

// Bump 标记一次本地修改：版本号 +1，重新生成 nonce，记录修改时间
func Bump(el Element) Element {
	el.Version++
	el.VersionNonce = NewNonce()
	el.Updated = time.Now().UnixMilli()
	return el
}

// SceneVersion 返回所有元素版本号之和，用来判断场景是否真的发生了变化
func SceneVersion(elements []Element) int64 {
	var v int64
	for _, el := range elements {
		v += el.Version
	}
	return v
}

// Clone 深拷贝元素切片，避免调用方改到文档内部的数据
func Clone(elements []Element) []Element {
	if elements == nil {
		return nil
	}
	out := make([]Element, len(elements))
	for i, el := range elements {
		out[i] = el.clone()
	}
	return out
}

func (el Element) clone() Element {
	if el.Points != nil {
		el.Points = append([][2]float64(nil), el.Points...)
	}
	if el.CustomData != nil {
		cd := make(map[string]any, len(el.CustomData))
		for k, v := range el.CustomData {
			cd[k] = v
		}
		el.CustomData = cd
	}
	return el
}

// Live 过滤掉软删除的元素
func Live(elements []Element) []Element {
	out := make([]Element, 0, len(elements))
	for _, el := range elements {
		if !el.IsDeleted {
			out = append(out, el)
		}
	}
	return out
}
