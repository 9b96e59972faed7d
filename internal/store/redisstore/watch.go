package redisstore

import (
	"context"
	"sync"
	"sync/atomic"

	"sudooom.im.client/internal/store"
)

// watch 单个订阅：收到变更通知后重新读取快照，通知在读取期间合并
type watch struct {
	s      *Store
	signal chan struct{}
	cancel context.CancelFunc
	sub    store.Subscription
	closed atomic.Bool
	once   sync.Once
}

// watch 订阅 subject，首次快照在订阅建立后立即投递
// read 返回错误时回调 fail 并结束订阅
func (s *Store) watch(ctx context.Context, subject string, read func(context.Context) error, fail func(error)) (store.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.ErrClosed
	}
	s.mu.Unlock()

	if err := s.Ping(ctx); err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &watch{
		s:      s,
		signal: make(chan struct{}, 1),
		cancel: cancel,
	}

	sub, err := s.feed.Subscribe(subject, w.notify)
	if err != nil {
		cancel()
		return nil, err
	}
	w.sub = sub

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		w.Close()
		return nil, store.ErrClosed
	}
	s.watches[w] = struct{}{}
	s.mu.Unlock()

	w.notify()
	go w.run(wctx, read, fail)
	return w, nil
}

func (w *watch) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watch) run(ctx context.Context, read func(context.Context) error, fail func(error)) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.signal:
		}
		if w.closed.Load() {
			return
		}
		if err := read(ctx); err != nil {
			if ctx.Err() != nil || w.closed.Load() {
				return
			}
			w.s.logger.Warn("Watch interrupted", "error", err)
			fail(err)
			return
		}
	}
}

// Close 结束订阅，可重复调用
func (w *watch) Close() {
	w.once.Do(func() {
		w.closed.Store(true)
		w.cancel()
		if w.sub != nil {
			w.sub.Close()
		}
		w.s.mu.Lock()
		delete(w.s.watches, w)
		w.s.mu.Unlock()
	})
}

// Resync 让全部订阅重新读取快照。变更通道断线期间的通知不会补发，
// 重连后调用以追上断线期间的写入
func (s *Store) Resync() {
	s.mu.Lock()
	watches := make([]*watch, 0, len(s.watches))
	for w := range s.watches {
		watches = append(watches, w)
	}
	s.mu.Unlock()

	s.logger.Info("Resyncing watches", "count", len(watches))
	for _, w := range watches {
		w.notify()
	}
}

// ActiveWatches 当前活跃订阅数
func (s *Store) ActiveWatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// LocalFeed 进程内变更通知，单实例部署与测试使用
type LocalFeed struct {
	mu   sync.RWMutex
	next uint64
	subs map[string]map[uint64]func()
}

// NewLocalFeed 创建进程内通知通道
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{subs: make(map[string]map[uint64]func())}
}

// Publish 同步回调订阅者，回调必须是非阻塞的
func (f *LocalFeed) Publish(ctx context.Context, subjects ...string) error {
	f.mu.RLock()
	var fns []func()
	for _, subject := range subjects {
		for _, fn := range f.subs[subject] {
			fns = append(fns, fn)
		}
	}
	f.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

// Subscribe 订阅 subject
func (f *LocalFeed) Subscribe(subject string, fn func()) (store.Subscription, error) {
	f.mu.Lock()
	f.next++
	id := f.next
	if f.subs[subject] == nil {
		f.subs[subject] = make(map[uint64]func())
	}
	f.subs[subject][id] = fn
	f.mu.Unlock()

	return store.OnceSubscription(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[subject], id)
		if len(f.subs[subject]) == 0 {
			delete(f.subs, subject)
		}
	}), nil
}
