package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"sudooom.im.client/internal/media"
	"sudooom.im.client/internal/metrics"
	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
	"sudooom.im.client/internal/task"
	"sudooom.im.client/internal/workerpool"
	sharedErrors "sudooom.im.client/shared/errors"
)

// Store 通话服务依赖的存储能力
type Store interface {
	store.Calls
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)
}

// Service 每个用户同一时刻最多一通进行中的通话
type Service struct {
	store     Store
	devices   media.Devices
	sessions  media.SessionFactory
	pool      *workerpool.Pool
	scheduler *task.Scheduler
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*Machine
}

// NewService 创建通话服务，scheduler 为 nil 时不做振铃超时
func NewService(st Store, devices media.Devices, sessions media.SessionFactory, pool *workerpool.Pool, scheduler *task.Scheduler, cfg Config) *Service {
	return &Service{
		store:     st,
		devices:   devices,
		sessions:  sessions,
		pool:      pool,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    slog.Default(),
		active:    make(map[string]*Machine),
	}
}

// StartCall 在单聊中向对方发起通话
func (s *Service) StartCall(ctx context.Context, uid, chatID string, mediaType model.MediaType, onEvent func(Event)) (*Machine, error) {
	if !mediaType.Valid() {
		return nil, sharedErrors.ErrInvalidParams.WithMessage("unknown call type")
	}
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, sharedErrors.ErrChatNotFound.Wrap(err)
		}
		return nil, sharedErrors.ErrStoreError.Wrap(err)
	}
	if !chat.HasParticipant(uid) {
		return nil, sharedErrors.ErrNotParticipant
	}
	peer := chat.Peer(uid)
	if chat.IsGroup || peer == "" {
		return nil, sharedErrors.ErrInvalidParams.WithMessage("calls are only supported in direct chats")
	}

	m := s.newMachine(uid, onEvent)
	if err := s.claim(uid, m); err != nil {
		return nil, err
	}
	if err := m.Dial(ctx, chatID, peer, mediaType); err != nil {
		return nil, err
	}
	s.scheduleRingTimeout(m)
	return m, nil
}

// Accept 接听来电
func (s *Service) Accept(ctx context.Context, uid, callID string, onEvent func(Event)) (*Machine, error) {
	m := s.newMachine(uid, onEvent)
	if err := s.claim(uid, m); err != nil {
		return nil, err
	}
	if err := m.Answer(ctx, callID); err != nil {
		return nil, err
	}
	return m, nil
}

// Decline 拒接：直接写入 ended，不占用本地设备。通话已不存在时视为成功
func (s *Service) Decline(ctx context.Context, uid, callID string) error {
	row, err := s.store.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return sharedErrors.ErrStoreError.Wrap(err)
	}
	if !row.HasParticipant(uid) {
		return sharedErrors.ErrNotCallParticipant
	}
	if _, err := s.store.AdvanceStatus(ctx, callID, model.CallEnded); err != nil && !errors.Is(err, store.ErrNotFound) {
		return sharedErrors.ErrSignalingWriteFailed.Wrap(err)
	}
	s.logger.Info("Call declined", "callId", callID, "uid", uid)
	return nil
}

// Hangup 结束当前用户进行中的通话，没有通话时什么也不做
func (s *Service) Hangup(ctx context.Context, uid string) error {
	m := s.Active(uid)
	if m == nil {
		return nil
	}
	if err := m.Hangup(ctx); err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			return ce.AppError()
		}
		return err
	}
	return nil
}

// Abandon 释放当前用户的通话（界面关闭、连接断开）
func (s *Service) Abandon(uid string) {
	if m := s.Active(uid); m != nil {
		m.Abandon()
	}
}

// Active 当前用户进行中的通话
func (s *Service) Active(uid string) *Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[uid]
}

// Shutdown 放弃所有进行中的通话
func (s *Service) Shutdown() {
	s.mu.Lock()
	machines := make([]*Machine, 0, len(s.active))
	for _, m := range s.active {
		machines = append(machines, m)
	}
	s.mu.Unlock()

	for _, m := range machines {
		m.Abandon()
	}
}

func (s *Service) newMachine(uid string, onEvent func(Event)) *Machine {
	return NewMachine(Deps{
		Calls:    s.store,
		Devices:  s.devices,
		Sessions: s.sessions,
		Pool:     s.pool,
	}, s.cfg, uid, onEvent)
}

// claim 登记为当前用户的通话，结束后自动注销
func (s *Service) claim(uid string, m *Machine) error {
	s.mu.Lock()
	if existing := s.active[uid]; existing != nil && !existing.State().Terminal() {
		s.mu.Unlock()
		return sharedErrors.ErrCallBusy
	}
	s.active[uid] = m
	s.mu.Unlock()

	go func() {
		<-m.Done()
		s.mu.Lock()
		if s.active[uid] == m {
			delete(s.active, uid)
		}
		s.mu.Unlock()
		if s.scheduler != nil && m.Role() == RoleCaller && m.CallID() != "" {
			_ = s.scheduler.RemoveTask(ringTaskID(m.CallID()))
		}
	}()
	return nil
}

// scheduleRingTimeout 振铃超时仍未接听则由主叫结束
func (s *Service) scheduleRingTimeout(m *Machine) {
	if s.scheduler == nil || s.cfg.RingTimeout <= 0 || !s.scheduler.IsRunning() {
		return
	}
	callID := m.CallID()
	err := s.scheduler.After(ringTaskID(callID), callID, s.cfg.RingTimeout, func(ctx context.Context, target string) error {
		row, err := s.store.GetCall(ctx, target)
		if err != nil {
			return store.IgnoreNotFound(err)
		}
		// 已写入 answer 说明被叫接听了，只是媒体尚未连通
		if row.Status != model.CallRinging || row.Answer != "" {
			return nil
		}
		metrics.CallErrors.WithLabelValues("RingTimeout").Inc()
		s.logger.Info("Call not answered, ending", "callId", target, "timeout", s.cfg.RingTimeout)
		return m.Hangup(ctx)
	})
	if err != nil {
		s.logger.Warn("Failed to schedule ring timeout", "callId", callID, "error", err)
	}
}

func ringTaskID(callID string) string {
	return "ring:" + callID
}

// WatchIncoming 订阅发给 uid 的振铃中来电，订阅中断后自动重建
func (s *Service) WatchIncoming(ctx context.Context, uid string, fn func([]*model.CallSession)) (store.Subscription, error) {
	wctx, cancel := context.WithCancel(ctx)
	w := &incomingWatch{svc: s, uid: uid, fn: fn, ctx: wctx, cancel: cancel}
	if err := w.subscribe(wctx); err != nil {
		cancel()
		return nil, err
	}
	return w, nil
}

type incomingWatch struct {
	svc    *Service
	uid    string
	fn     func([]*model.CallSession)
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	sub    store.Subscription
	closed bool
}

func (w *incomingWatch) subscribe(ctx context.Context) error {
	sub, err := w.svc.store.WatchIncoming(w.ctx, w.uid, w.onIncoming)
	if err != nil {
		return err
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		sub.Close()
		return nil
	}
	old := w.sub
	w.sub = sub
	w.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func (w *incomingWatch) onIncoming(calls []*model.CallSession, err error) {
	if err == nil {
		w.fn(calls)
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	old := w.sub
	w.sub = nil
	w.mu.Unlock()
	if old != nil {
		old.Close()
	}

	metrics.SubscriptionErrors.WithLabelValues("incoming").Inc()
	w.svc.logger.Warn("Incoming call subscription lost, resubscribing", "uid", w.uid, "error", err)
	policy := w.svc.cfg.Retry
	policy.MaxRetries = 0
	go func() {
		_ = workerpool.Retry(w.ctx, policy, w.subscribe)
	}()
}

// Close 实现 store.Subscription
func (w *incomingWatch) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()

	w.cancel()
	if sub != nil {
		sub.Close()
	}
}
