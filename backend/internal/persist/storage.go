package persist

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"

	"github.com/spf13/afero"
)

// Storage 本地持久化的 KV 接口。Get 在 key 不存在时返回 ok=false 且 err=nil
type Storage interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// Uploader 远端画布存储
type Uploader interface {
	SaveCanvas(ctx context.Context, canvasID string, data []byte) error
}

// FileStorage 每个 key 一个文件
type FileStorage struct {
	fs  afero.Fs
	dir string
}

var _ Storage = (*FileStorage)(nil)

// NewFileStorage 在 dir 下存放数据，dir 不存在时会创建
func NewFileStorage(fsys afero.Fs, dir string) (*FileStorage, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: mkdir %s: %w", dir, err)
	}
	return &FileStorage{fs: fsys, dir: dir}, nil
}

// key 里可能有 ':' 之类的字符，转义后作为文件名
func (s *FileStorage) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+".json")
}

func (s *FileStorage) Get(key string) ([]byte, bool, error) {
	b, err := afero.ReadFile(s.fs, s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set 先写临时文件再 rename，避免进程中途退出留下半截数据
func (s *FileStorage) Set(key string, value []byte) error {
	p := s.path(key)
	tmp := p + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, value, 0o644); err != nil {
		return err
	}
	return s.fs.Rename(tmp, p)
}

func (s *FileStorage) Remove(key string) error {
	err := s.fs.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
