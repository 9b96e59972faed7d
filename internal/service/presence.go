package service

import (
	"context"
	"log/slog"

	"sudooom.im.client/internal/store"
	"sudooom.im.client/internal/workerpool"
)

// Presence 在线状态维护。写入都是后台尽力而为，不阻塞登录/登出
type Presence struct {
	users  store.Users
	pool   *workerpool.Pool
	policy workerpool.RetryPolicy
	logger *slog.Logger
}

// NewPresence 创建在线状态维护器
func NewPresence(users store.Users, pool *workerpool.Pool, policy workerpool.RetryPolicy) *Presence {
	return &Presence{
		users:  users,
		pool:   pool,
		policy: policy,
		logger: slog.Default(),
	}
}

// Start 会话开始：标记在线并清空 lastSeen
func (p *Presence) Start(uid string) {
	p.set(uid, true)
}

// Stop 会话结束：标记离线并以服务端时间写入 lastSeen
func (p *Presence) Stop(uid string) {
	p.set(uid, false)
}

func (p *Presence) set(uid string, online bool) {
	if uid == "" {
		return
	}
	submitted := p.pool.Go("presence", p.policy, func(ctx context.Context) error {
		// 用户已被删除时无需重试
		return store.IgnoreNotFound(p.users.SetPresence(ctx, uid, online))
	})
	if !submitted {
		p.logger.Warn("Presence update skipped", "uid", uid, "online", online)
	}
}
