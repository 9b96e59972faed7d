package nats

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"

	"sudooom.im.client/internal/store"
)

// Feed 基于 NATS 的存储变更通道
type Feed struct {
	publisher  *ChangePublisher
	subscriber *ChangeSubscriber
}

// NewFeed 创建变更通道
func NewFeed(nc *nats.Conn, origin string) *Feed {
	return &Feed{
		publisher:  NewChangePublisher(nc, origin),
		subscriber: NewChangeSubscriber(nc, 64),
	}
}

// Publish 为每个 Subject 发布一条变更通知，返回合并后的错误
func (f *Feed) Publish(ctx context.Context, subjects ...string) error {
	var errs []error
	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.publisher.Publish(subject); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe 订阅 Subject，每条通知调用一次 fn
func (f *Feed) Subscribe(subject string, fn func()) (store.Subscription, error) {
	cs, err := f.subscriber.Subscribe(subject, func(*ChangeEvent) { fn() })
	if err != nil {
		return nil, err
	}
	return store.OnceSubscription(cs.Stop), nil
}
