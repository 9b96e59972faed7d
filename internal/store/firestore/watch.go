package firestore

import (
	"context"
	"errors"

	gcfs "cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"sudooom.im.client/internal/store"
)

// watchQuery 在后台协程中消费查询快照迭代器
func (s *Store) watchQuery(ctx context.Context, q gcfs.Query, onSnap func([]*gcfs.DocumentSnapshot), onErr func(error)) store.Subscription {
	ctx, cancel := context.WithCancel(ctx)
	it := q.Snapshots(ctx)

	go func() {
		for {
			qs, err := it.Next()
			if err != nil {
				if !stopped(ctx, err) {
					onErr(err)
				}
				return
			}
			docs, err := qs.Documents.GetAll()
			if err != nil {
				if !stopped(ctx, err) {
					onErr(err)
				}
				return
			}
			onSnap(docs)
		}
	}()

	return store.OnceSubscription(func() {
		cancel()
		it.Stop()
	})
}

// watchDoc 在后台协程中消费文档快照迭代器
func (s *Store) watchDoc(ctx context.Context, ref *gcfs.DocumentRef, onSnap func(*gcfs.DocumentSnapshot), onErr func(error)) store.Subscription {
	ctx, cancel := context.WithCancel(ctx)
	it := ref.Snapshots(ctx)

	go func() {
		for {
			snap, err := it.Next()
			if err != nil {
				if !stopped(ctx, err) {
					onErr(err)
				}
				return
			}
			onSnap(snap)
		}
	}()

	return store.OnceSubscription(func() {
		cancel()
		it.Stop()
	})
}

// stopped 订阅是主动关闭而非异常中断
func stopped(ctx context.Context, err error) bool {
	if errors.Is(err, iterator.Done) || ctx.Err() != nil {
		return true
	}
	return status.Code(err) == codes.Canceled
}
