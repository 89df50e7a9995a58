package scene

import (
	"sync"
)

// Document 绘图引擎对外暴露的访问接口
// 核心逻辑只通过这个接口读写文档，不持有第二份状态
type Document interface {
	SceneElements() []Element
	AppState() AppState
	Files() FileMap
	UpdateScene(u SceneUpdate)
	// MutateElements 在写锁内读改写元素列表：fn 拿到当前元素的副本，
	// 返回 nil 表示不修改；fn 返回错误时文档不变。
	// 不同协程的写入（命令处理、远端合并）都要走这里，不能 SceneElements 后再 UpdateScene
	MutateElements(fn func(elements []Element) ([]Element, error)) error
	AddFiles(files []File)
	// OnChange 注册变更回调，返回取消函数
	OnChange(fn func()) (cancel func())
}

// Memory 内存版 Document，供 CLI 客户端和测试使用
type Memory struct {
	mu       sync.RWMutex
	elements []Element
	appState AppState
	files    FileMap

	lmu       sync.Mutex
	listeners map[int]func()
	nextID    int
}

var _ Document = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		appState:  AppState{Zoom: 1},
		files:     make(FileMap),
		listeners: make(map[int]func()),
	}
}

// FromSnapshot 用一个快照初始化内存文档
func FromSnapshot(s Snapshot) *Memory {
	m := NewMemory()
	m.elements = Clone(s.Elements)
	m.appState = s.AppState
	for id, f := range s.Files {
		m.files[id] = f
	}
	return m
}

func (m *Memory) SceneElements() []Element {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Clone(m.elements)
}

func (m *Memory) AppState() AppState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.appState
	if s.SelectedElementIDs != nil {
		sel := make(map[string]bool, len(s.SelectedElementIDs))
		for k, v := range s.SelectedElementIDs {
			sel[k] = v
		}
		s.SelectedElementIDs = sel
	}
	return s
}

func (m *Memory) Files() FileMap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(FileMap, len(m.files))
	for id, f := range m.files {
		out[id] = f
	}
	return out
}

// Snapshot 读取当前完整状态
func (m *Memory) Snapshot() Snapshot {
	return Snapshot{Elements: m.SceneElements(), AppState: m.AppState(), Files: m.Files()}
}

func (m *Memory) UpdateScene(u SceneUpdate) {
	m.mu.Lock()
	if u.Elements != nil {
		m.elements = Clone(u.Elements)
	}
	if u.AppState != nil {
		m.appState = *u.AppState
	}
	m.mu.Unlock()
	m.notify()
}

func (m *Memory) MutateElements(fn func(elements []Element) ([]Element, error)) error {
	m.mu.Lock()
	next, err := fn(Clone(m.elements))
	if err != nil || next == nil {
		m.mu.Unlock()
		return err
	}
	m.elements = Clone(next)
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *Memory) AddFiles(files []File) {
	if len(files) == 0 {
		return
	}
	m.mu.Lock()
	for _, f := range files {
		m.files[f.ID] = f
	}
	m.mu.Unlock()
	m.notify()
}

func (m *Memory) OnChange(fn func()) func() {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.lmu.Lock()
		defer m.lmu.Unlock()
		delete(m.listeners, id)
	}
}

// 回调在锁外执行，允许回调里再读文档
func (m *Memory) notify() {
	m.lmu.Lock()
	fns := make([]func(), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.lmu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Element 按 id 查找元素
func (m *Memory) Element(id string) (Element, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, el := range m.elements {
		if el.ID == id {
			return el.clone(), true
		}
	}
	return Element{}, false
}
