package service

import (
	"context"
	"log/slog"
	"sync"

	"sudooom.im.client/internal/metrics"
	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
	"sudooom.im.client/internal/workerpool"
)

// StreamStore 消息流依赖的存储能力
type StreamStore interface {
	WatchMessages(ctx context.Context, chatID string, fn func([]*model.Message, error)) (store.Subscription, error)
	MarkSeen(ctx context.Context, chatID string, msgIDs []string, uid string) error
	ResetUnread(ctx context.Context, chatID, uid string) error
}

// MessageView 带查看者视角标注的消息
type MessageView struct {
	*model.Message
	Mine    bool `json:"mine"`
	Starred bool `json:"starred"`
	// SeenByOthers 除发送者外至少一人已读
	SeenByOthers bool `json:"seenByOthers"`
}

// MessageList 某个会话的消息快照，按服务端时间升序
type MessageList struct {
	ChatID   string        `json:"chatId"`
	Messages []MessageView `json:"messages"`
	Stale    bool          `json:"stale"`
}

// MessageStreamConfig 消息流配置
type MessageStreamConfig struct {
	SeenBatch int
	Retry     workerpool.RetryPolicy
}

// MessageStream 当前打开会话的实时消息流。
// 同一时刻只订阅一个会话，切换会话时先取消旧订阅再建立新订阅
type MessageStream struct {
	store    StreamStore
	pool     *workerpool.Pool
	viewer   string
	cfg      MessageStreamConfig
	onChange func(MessageList)
	logger   *slog.Logger

	mu     sync.Mutex
	gen    uint64
	chatID string
	sub    store.Subscription
	cancel context.CancelFunc
	list   MessageList

	emitMu sync.Mutex
}

// NewMessageStream 创建消息流
func NewMessageStream(st StreamStore, pool *workerpool.Pool, viewer string, cfg MessageStreamConfig, onChange func(MessageList)) *MessageStream {
	if cfg.SeenBatch <= 0 {
		cfg.SeenBatch = DefaultSeenBatch
	}
	if onChange == nil {
		onChange = func(MessageList) {}
	}
	return &MessageStream{
		store:    st,
		pool:     pool,
		viewer:   viewer,
		cfg:      cfg,
		onChange: onChange,
		logger:   slog.Default().With("uid", viewer),
	}
}

// Open 打开会话。旧会话的订阅在新订阅建立前取消，
// 旧订阅迟到的回调会被丢弃，不会把已读写进错误的会话
func (m *MessageStream) Open(ctx context.Context, chatID string) error {
	m.Close()

	m.mu.Lock()
	m.gen++
	gen := m.gen
	subCtx, cancel := context.WithCancel(ctx)
	m.chatID = chatID
	m.cancel = cancel
	m.list = MessageList{ChatID: chatID, Messages: []MessageView{}}
	m.mu.Unlock()

	if err := m.subscribe(subCtx, gen, chatID); err != nil {
		m.Close()
		return err
	}
	return nil
}

// Close 关闭当前会话的订阅，可重复调用
func (m *MessageStream) Close() {
	m.mu.Lock()
	m.gen++
	sub := m.sub
	cancel := m.cancel
	m.sub = nil
	m.cancel = nil
	m.chatID = ""
	m.mu.Unlock()

	closeSub(sub, "messages")
	if cancel != nil {
		cancel()
	}
}

// ChatID 当前打开的会话
func (m *MessageStream) ChatID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chatID
}

// Snapshot 当前消息列表
func (m *MessageStream) Snapshot() MessageList {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list
}

func (m *MessageStream) subscribe(ctx context.Context, gen uint64, chatID string) error {
	sub, err := m.store.WatchMessages(ctx, chatID, func(msgs []*model.Message, err error) {
		m.onMessages(ctx, gen, chatID, msgs, err)
	})
	if err != nil {
		return err
	}
	metrics.ActiveSubscriptions.WithLabelValues("messages").Inc()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		closeSub(sub, "messages")
		return nil
	}
	old := m.sub
	m.sub = sub
	m.mu.Unlock()

	closeSub(old, "messages")
	return nil
}

func (m *MessageStream) onMessages(ctx context.Context, gen uint64, chatID string, msgs []*model.Message, err error) {
	if err != nil {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		old := m.sub
		m.sub = nil
		m.list.Stale = true
		list := m.list
		m.mu.Unlock()

		closeSub(old, "messages")
		m.logger.Warn("Message subscription lost, resubscribing", "chatId", chatID, "error", err)
		m.emit(gen, list)
		resubscribe(ctx, m.cfg.Retry, m.logger, "messages", func(ctx context.Context) error {
			return m.subscribe(ctx, gen, chatID)
		})
		return
	}

	// 每次通知都是完整视图，按服务端时间重新排序而不是追加
	sorted := make([]*model.Message, 0, len(msgs))
	for _, msg := range msgs {
		sorted = append(sorted, msg.Clone().Normalize())
	}
	model.SortMessages(sorted)

	list := MessageList{ChatID: chatID, Messages: make([]MessageView, 0, len(sorted))}
	for _, msg := range sorted {
		list.Messages = append(list.Messages, m.annotate(msg))
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.list = list
	m.mu.Unlock()

	m.emit(gen, list)
	m.markRead(gen, chatID, sorted)
}

func (m *MessageStream) annotate(msg *model.Message) MessageView {
	v := MessageView{
		Message: msg,
		Mine:    msg.SenderID == m.viewer,
		Starred: msg.StarredByUser(m.viewer),
	}
	for _, uid := range msg.SeenBy {
		if uid != msg.SenderID {
			v.SeenByOthers = true
			break
		}
	}
	return v
}

// markRead 清零自己的未读数，并把最近 N 条他人发送的未读消息标记为已读。
// 两个写入都是幂等的后台写入，会话已切走时不再执行
func (m *MessageStream) markRead(gen uint64, chatID string, msgs []*model.Message) {
	viewer := m.viewer
	m.pool.Go("reset_unread", m.cfg.Retry, func(ctx context.Context) error {
		if !m.current(gen) {
			return nil
		}
		return store.IgnoreNotFound(m.store.ResetUnread(ctx, chatID, viewer))
	})

	ids := model.UnseenBy(msgs, viewer, m.cfg.SeenBatch)
	if len(ids) == 0 {
		return
	}
	m.pool.Go("mark_seen", m.cfg.Retry, func(ctx context.Context) error {
		if !m.current(gen) {
			return nil
		}
		if err := m.store.MarkSeen(ctx, chatID, ids, viewer); err != nil {
			return store.IgnoreNotFound(err)
		}
		metrics.SeenMarked.Add(float64(len(ids)))
		return nil
	})
}

func (m *MessageStream) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *MessageStream) emit(gen uint64, list MessageList) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	if m.current(gen) {
		m.onChange(list)
	}
}
