// Package blob 文件存储：聊天图片与头像上传后返回可长期访问的引用。
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrTooLarge = errors.New("blob: object too large")
	ErrEmpty    = errors.New("blob: empty object")
	ErrNotFound = errors.New("blob: not found")
)

// Store 文件存储后端
type Store interface {
	// Put 写入对象并返回可访问的引用
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, string, error)
	Ping(ctx context.Context) error
}

// Uploader 按业务路径规则上传文件
type Uploader struct {
	store   Store
	maxSize int64
	now     func() time.Time
}

// NewUploader 创建上传器，maxSize <= 0 表示不限制
func NewUploader(store Store, maxSize int64) *Uploader {
	return &Uploader{store: store, maxSize: maxSize, now: time.Now}
}

// Upload 写入 <prefix>/<毫秒时间戳>-<文件名>，返回引用
func (u *Uploader) Upload(ctx context.Context, prefix, name string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if u.maxSize > 0 && int64(len(data)) > u.maxSize {
		return "", ErrTooLarge
	}

	mt := mimetype.Detect(data)
	key := path.Join(prefix, fmt.Sprintf("%d-%s", u.now().UnixMilli(), sanitizeName(name, mt.Extension())))
	return u.store.Put(ctx, key, data, mt.String())
}

// ChatImagePrefix 聊天图片目录
func ChatImagePrefix(chatID string) string {
	return "chat-images/" + chatID
}

// ProfilePhotoPrefix 头像目录
func ProfilePhotoPrefix(uid string) string {
	return "profile-photos/" + uid
}

// sanitizeName 去掉路径分隔符，没有文件名时用 ULID 生成
func sanitizeName(name, ext string) string {
	name = strings.TrimSpace(path.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return NewObjectID() + ext
	}
	return strings.ReplaceAll(name, " ", "_")
}
