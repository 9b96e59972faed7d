package workerpool

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy 指数退避重试策略
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxRetries 为 0 表示一直重试直到 ctx 结束
	MaxRetries uint64
}

// DefaultRetryPolicy 后台写入的默认策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxRetries:      5,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = eb
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

// Retry 按策略重试 op，直到成功、返回 Permanent 错误、次数耗尽或 ctx 结束
func Retry(ctx context.Context, policy RetryPolicy, op func(context.Context) error) error {
	return backoff.Retry(func() error {
		return op(ctx)
	}, policy.backOff(ctx))
}

// Permanent 标记不应重试的错误
func Permanent(err error) error {
	return backoff.Permanent(err)
}
