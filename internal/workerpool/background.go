package workerpool

import (
	"context"

	"sudooom.im.client/internal/metrics"
)

// Go 提交一个尽力而为的后台写入：按策略重试，最终失败只记录日志，
// 从不阻塞调用方。队列已满或池已关闭时返回 false。
func (p *Pool) Go(op string, policy RetryPolicy, fn func(ctx context.Context) error) bool {
	return p.TrySubmit(func(ctx context.Context) {
		if err := Retry(ctx, policy, fn); err != nil {
			metrics.BackgroundWriteFailures.WithLabelValues(op).Inc()
			p.logger.Warn("Background write dropped",
				"op", op,
				"error", err)
		}
	})
}
