package blob

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// LocalStore 本地文件系统存储
type LocalStore struct {
	root    string
	baseURL string
}

// NewLocalStore 创建本地存储，root 不存在时自动创建
func NewLocalStore(root, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if baseURL == "" {
		baseURL = "file://" + filepath.ToSlash(root) + "/"
	}
	return &LocalStore{root: root, baseURL: strings.TrimSuffix(baseURL, "/") + "/"}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", ErrNotFound
	}
	return filepath.Join(s.root, clean), nil
}

// Put 写入对象
func (s *LocalStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", err
	}
	return s.baseURL + key, nil
}

// Get 读取对象，类型由内容探测
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	return data, mimetype.Detect(data).String(), nil
}

// Ping 检查根目录可访问
func (s *LocalStore) Ping(ctx context.Context) error {
	_, err := os.Stat(s.root)
	return err
}
