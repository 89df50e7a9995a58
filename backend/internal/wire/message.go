package wire

import (
	"canvasCollab/backend/internal/scene"
)

// 消息类型
const (
	TypeCanvasUpdate = "canvas-update"
	TypeCursorUpdate = "cursor-update"
	TypeInit         = "init"
	TypeUserJoined   = "user-joined"
	TypeUserLeft     = "user-left"
)

// Message 房间内所有帧共用的信封，按 Type 使用不同字段
//
//   - canvas-update: Elements, AppState, Files, Seq, SenderID
//   - cursor-update: UserID, X, Y, Color, UserName
//   - init: State, ActiveUsers（中继下发给新加入的连接）
//   - user-joined / user-left: UserID, UserName, ActiveUsers
type Message struct {
	Type string `json:"type"`

	Elements []scene.Element      `json:"elements,omitempty"`
	AppState *scene.BroadcastState `json:"appState,omitempty"`
	Files    scene.FileMap        `json:"files,omitempty"`
	// 发送方本地递增序号，用于回声抑制和中继去重
	Seq      uint64 `json:"seq,omitempty"`
	SenderID string `json:"senderId,omitempty"`

	UserID   string  `json:"userId,omitempty"`
	X        float64 `json:"x,omitempty"`
	Y        float64 `json:"y,omitempty"`
	Color    string  `json:"color,omitempty"`
	UserName string  `json:"userName,omitempty"`

	State       *scene.Snapshot `json:"state,omitempty"`
	ActiveUsers int             `json:"activeUsers,omitempty"`
}

func knownType(t string) bool {
	switch t {
	case TypeCanvasUpdate, TypeCursorUpdate, TypeInit, TypeUserJoined, TypeUserLeft:
		return true
	}
	return false
}
