package scene

// AppState 视图/应用状态
type AppState struct {
	ScrollX             float64         `json:"scrollX"`
	ScrollY             float64         `json:"scrollY"`
	Zoom                float64         `json:"zoom"`
	SelectedElementIDs  map[string]bool `json:"selectedElementIds,omitempty"`
	ViewBackgroundColor string          `json:"viewBackgroundColor,omitempty"`
	Name                string          `json:"name,omitempty"`
}

// BroadcastState 是 AppState 中需要同步给其他协作者的部分
// 滚动、缩放、选中都是每个用户自己的视图，不广播
type BroadcastState struct {
	ViewBackgroundColor string `json:"viewBackgroundColor,omitempty"`
	Name                string `json:"name,omitempty"`
}

func (s AppState) Broadcast() BroadcastState {
	return BroadcastState{ViewBackgroundColor: s.ViewBackgroundColor, Name: s.Name}
}

// Apply 把远端广播过来的字段合并进本地 AppState
func (s AppState) Apply(b BroadcastState) AppState {
	if b.ViewBackgroundColor != "" {
		s.ViewBackgroundColor = b.ViewBackgroundColor
	}
	if b.Name != "" {
		s.Name = b.Name
	}
	return s
}

// File 图片等二进制资源，DataURL 形如 data:image/png;base64,...
type File struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
	DataURL  string `json:"dataURL"`
	Created  int64  `json:"created"`
}

type FileMap map[string]File

// Missing 返回 remote 中本地还没有的文件
func (m FileMap) Missing(remote FileMap) []File {
	var out []File
	for id, f := range remote {
		if _, ok := m[id]; !ok {
			out = append(out, f)
		}
	}
	return out
}

// Snapshot 文档的完整状态
type Snapshot struct {
	Elements []Element `json:"elements"`
	AppState AppState  `json:"appState"`
	Files    FileMap   `json:"files,omitempty"`
}

// SceneUpdate 对应绘图引擎的 updateScene，nil 字段表示不修改
type SceneUpdate struct {
	Elements []Element
	AppState *AppState
}
