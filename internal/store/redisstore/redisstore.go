// Package redisstore 基于 Redis 的自建存储适配器。
//
// 原子写入使用 Lua 脚本与 WATCH/MULTI 事务，服务端时间取自 Redis TIME。
// 每次提交后通过 Feed 发布变更通知，订阅方收到通知后重新读取完整快照。
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.im.client/internal/store"
	"sudooom.im.client/shared/snowflake"
)

// Feed 变更通知通道
type Feed interface {
	Publish(ctx context.Context, subjects ...string) error
	Subscribe(subject string, fn func()) (store.Subscription, error)
}

// Store Redis 存储
type Store struct {
	rdb    *redis.Client
	feed   Feed
	ids    *snowflake.Node
	logger *slog.Logger

	mu      sync.Mutex
	watches map[*watch]struct{}
	closed  bool
}

var _ store.Store = (*Store)(nil)

// New 创建 Redis 存储
func New(rdb *redis.Client, feed Feed, nodeID int64) (*Store, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &Store{
		rdb:     rdb,
		feed:    feed,
		ids:     node,
		logger:  slog.Default(),
		watches: make(map[*watch]struct{}),
	}, nil
}

// Ping 检查 Redis 连通性
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close 停止全部订阅，Redis 连接由调用方关闭
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	watches := s.watches
	s.watches = make(map[*watch]struct{})
	s.mu.Unlock()

	for w := range watches {
		w.Close()
	}
	return nil
}

// publish 提交成功后发布变更，失败只记录日志
func (s *Store) publish(ctx context.Context, subjects ...string) {
	if len(subjects) == 0 {
		return
	}
	if err := s.feed.Publish(context.WithoutCancel(ctx), subjects...); err != nil {
		s.logger.Warn("Failed to publish store change", "subjects", subjects, "error", err)
	}
}

// scriptError 把 Lua 脚本返回的错误标记转换为存储哨兵错误
func scriptError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOTFOUND"):
		return store.ErrNotFound
	case strings.HasPrefix(msg, "NOTMEMBER"):
		return store.ErrNotMember
	case strings.HasPrefix(msg, "FORBIDDEN"):
		return store.ErrForbidden
	case strings.HasPrefix(msg, "EXISTS"):
		return store.ErrAlreadyExists
	}
	return err
}

// withRetry 乐观事务冲突时重试
func (s *Store) withRetry(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	const maxRetries = 8
	for i := 0; i < maxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

// hsetIfExists 仅在 Hash 已存在时写入字段
var hsetIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOTFOUND')
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

func (s *Store) hsetExisting(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return scriptError(hsetIfExists.Run(ctx, s.rdb, []string{key}, args...).Err())
}

func formatMillis(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(v string) *time.Time {
	if v == "" {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

func parseTime(v string) time.Time {
	if t := parseMillis(v); t != nil {
		return *t
	}
	return time.Time{}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func encodeList(list []string) string {
	if list == nil {
		list = []string{}
	}
	data, _ := json.Marshal(list)
	return string(data)
}

func decodeList(v string) []string {
	var out []string
	if v == "" {
		return out
	}
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}
