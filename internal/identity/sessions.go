package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	sharedRedis "sudooom.im.client/shared/redis"
)

// SessionStore 登录会话记录。Token 只有在会话仍存在时才有效，
// 登出或重置密码即撤销
type SessionStore interface {
	Save(ctx context.Context, sid, uid string, ttl time.Duration) error
	// Lookup 返回会话所属 uid，不存在时返回空串
	Lookup(ctx context.Context, sid string) (string, error)
	Delete(ctx context.Context, uid, sid string) error
	// DeleteAll 撤销该用户的全部会话
	DeleteAll(ctx context.Context, uid string) error
}

// RedisSessionStore 会话存放在 Redis：
// cs:session:{sid} -> uid，cs:user:{uid}:sessions -> {sid...}
type RedisSessionStore struct {
	rdb *redis.Client
}

// NewRedisSessionStore 创建 Redis 会话存储
func NewRedisSessionStore(rdb *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb}
}

// Save 保存会话
func (s *RedisSessionStore) Save(ctx context.Context, sid, uid string, ttl time.Duration) error {
	userKey := sharedRedis.BuildUserSessionsKey(uid)

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sharedRedis.BuildSessionKey(sid), uid, ttl)
	pipe.SAdd(ctx, userKey, sid)
	pipe.Expire(ctx, userKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Lookup 查询会话
func (s *RedisSessionStore) Lookup(ctx context.Context, sid string) (string, error) {
	uid, err := s.rdb.Get(ctx, sharedRedis.BuildSessionKey(sid)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return uid, err
}

// Delete 删除单个会话
func (s *RedisSessionStore) Delete(ctx context.Context, uid, sid string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sharedRedis.BuildSessionKey(sid))
	pipe.SRem(ctx, sharedRedis.BuildUserSessionsKey(uid), sid)
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteAll 删除用户的全部会话
func (s *RedisSessionStore) DeleteAll(ctx context.Context, uid string) error {
	userKey := sharedRedis.BuildUserSessionsKey(uid)
	sids, err := s.rdb.SMembers(ctx, userKey).Result()
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	for _, sid := range sids {
		pipe.Del(ctx, sharedRedis.BuildSessionKey(sid))
	}
	pipe.Del(ctx, userKey)
	_, err = pipe.Exec(ctx)
	return err
}

// MemorySessionStore 内存会话存储
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]memorySession
	now      func() time.Time
}

type memorySession struct {
	uid       string
	expiresAt time.Time
}

// NewMemorySessionStore 创建内存会话存储
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]memorySession), now: time.Now}
}

// Save 保存会话
func (s *MemorySessionStore) Save(ctx context.Context, sid, uid string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sid] = memorySession{uid: uid, expiresAt: s.now().Add(ttl)}
	return nil
}

// Lookup 查询会话，过期视为不存在
func (s *MemorySessionStore) Lookup(ctx context.Context, sid string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sid]
	if !ok {
		return "", nil
	}
	if s.now().After(sess.expiresAt) {
		delete(s.sessions, sid)
		return "", nil
	}
	return sess.uid, nil
}

// Delete 删除单个会话
func (s *MemorySessionStore) Delete(ctx context.Context, uid, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sid)
	return nil
}

// DeleteAll 删除用户的全部会话
func (s *MemorySessionStore) DeleteAll(ctx context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, sess := range s.sessions {
		if sess.uid == uid {
			delete(s.sessions, sid)
		}
	}
	return nil
}
