// Package service 聊天同步核心：会话列表、消息流、未读/已读计数、在线状态，
// 以及会话、资料相关的用户操作。
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sudooom.im.client/internal/metrics"
	"sudooom.im.client/internal/store"
	"sudooom.im.client/internal/workerpool"
	sharedErrors "sudooom.im.client/shared/errors"
)

// DefaultSeenBatch 每批快照最多标记已读的消息数
const DefaultSeenBatch = 20

// mapStoreError 把存储层哨兵错误翻译为业务错误
func mapStoreError(err error, notFound *sharedErrors.AppError) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return notFound.Wrap(err)
	case errors.Is(err, store.ErrNotMember):
		return sharedErrors.ErrNotParticipant.Wrap(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return sharedErrors.ErrStoreError.Wrap(err)
	}
}

// resubscribePolicy 订阅重建不限次数，直到 ctx 结束
func resubscribePolicy(p workerpool.RetryPolicy) workerpool.RetryPolicy {
	p.MaxRetries = 0
	if p.InitialInterval <= 0 {
		p.InitialInterval = 200 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 10 * time.Second
	}
	return p
}

// resubscribe 在订阅中断后按退避策略重建订阅，直到成功或 ctx 结束
func resubscribe(ctx context.Context, policy workerpool.RetryPolicy, logger *slog.Logger, kind string, subscribe func(ctx context.Context) error) {
	metrics.SubscriptionErrors.WithLabelValues(kind).Inc()
	go func() {
		err := workerpool.Retry(ctx, resubscribePolicy(policy), func(ctx context.Context) error {
			if err := subscribe(ctx); err != nil {
				logger.Debug("Resubscribe attempt failed", "kind", kind, "error", err)
				return err
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("Resubscribe gave up", "kind", kind, "error", err)
		}
	}()
}
