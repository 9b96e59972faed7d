package blob

import (
	"context"
	"sync"
)

type object struct {
	data        []byte
	contentType string
}

// MemoryStore 进程内文件存储
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]object
	baseURL string
}

// NewMemoryStore 创建内存文件存储
func NewMemoryStore(baseURL string) *MemoryStore {
	if baseURL == "" {
		baseURL = "mem://"
	}
	return &MemoryStore{objects: make(map[string]object), baseURL: baseURL}
}

// Put 写入对象
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.objects[key] = object{data: buf, contentType: contentType}
	s.mu.Unlock()
	return s.baseURL + key, nil
}

// Get 读取对象
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	return obj.data, obj.contentType, nil
}

// Ping 实现 Store
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Keys 已存储的对象 key
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}
