package service

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"sudooom.im.client/internal/metrics"
	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
	"sudooom.im.client/internal/workerpool"
)

// IndexStore 会话列表依赖的订阅能力
type IndexStore interface {
	WatchChatsFor(ctx context.Context, uid string, fn func([]*model.Chat, error)) (store.Subscription, error)
	WatchUser(ctx context.Context, uid string, fn func(*model.User, error)) (store.Subscription, error)
}

// ChatEntry 会话列表中的一项，已解析好显示信息
type ChatEntry struct {
	Chat     *model.Chat `json:"chat"`
	Title    string      `json:"title"`
	Avatar   string      `json:"avatar"`
	PeerID   string      `json:"peerId,omitempty"`
	Online   bool        `json:"online"`
	LastSeen *time.Time  `json:"lastSeen,omitempty"`
	Unread   int         `json:"unread"`
	Pinned   bool        `json:"pinned"`
	Archived bool        `json:"archived"`
}

// ChatList 会话列表快照
type ChatList struct {
	Entries  []ChatEntry `json:"entries"`
	Pinned   []string    `json:"pinned"`
	Archived []string    `json:"archived"`
	// Stale 订阅中断、正在重连，Entries 保留中断前的内容
	Stale bool `json:"stale"`
	Ready bool `json:"ready"`
}

// Sections 划分为置顶、普通、归档三组，组内保持原有顺序。
// 归档优先于置顶
func (l ChatList) Sections() (pinned, active, archived []ChatEntry) {
	for _, e := range l.Entries {
		switch {
		case e.Archived:
			archived = append(archived, e)
		case e.Pinned:
			pinned = append(pinned, e)
		default:
			active = append(active, e)
		}
	}
	return pinned, active, archived
}

// TotalUnread 非归档会话的未读总数
func (l ChatList) TotalUnread() int {
	n := 0
	for _, e := range l.Entries {
		if !e.Archived {
			n += e.Unread
		}
	}
	return n
}

// ChatIndex 某个用户的实时会话列表。
// 单聊对方的资料单独订阅，资料变化无需重新拉取会话即可反映到列表
type ChatIndex struct {
	store    IndexStore
	uid      string
	policy   workerpool.RetryPolicy
	onChange func(ChatList)
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	chats      []*model.Chat
	self       *model.User
	peers      map[string]*model.User
	peerSubs   map[string]store.Subscription
	chatSub    store.Subscription
	selfSub    store.Subscription
	chatsStale bool
	selfStale  bool
	stalePeers map[string]struct{}
	ready      bool
	closed     bool

	emitMu sync.Mutex
}

// NewChatIndex 创建会话列表，onChange 在每次列表变化后以完整快照回调
func NewChatIndex(st IndexStore, uid string, policy workerpool.RetryPolicy, onChange func(ChatList)) *ChatIndex {
	if onChange == nil {
		onChange = func(ChatList) {}
	}
	return &ChatIndex{
		store:      st,
		uid:        uid,
		policy:     policy,
		onChange:   onChange,
		logger:     slog.Default().With("uid", uid),
		peers:      make(map[string]*model.User),
		peerSubs:   make(map[string]store.Subscription),
		stalePeers: make(map[string]struct{}),
	}
}

// Start 建立订阅。ctx 决定整个列表的生命周期
func (x *ChatIndex) Start(ctx context.Context) error {
	x.ctx, x.cancel = context.WithCancel(ctx)

	if err := x.subscribeSelf(x.ctx); err != nil {
		x.Close()
		return err
	}
	if err := x.subscribeChats(x.ctx); err != nil {
		x.Close()
		return err
	}
	return nil
}

// Close 取消全部订阅，可重复调用
func (x *ChatIndex) Close() {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	x.closed = true
	subs := make([]store.Subscription, 0, len(x.peerSubs)+1)
	for _, sub := range x.peerSubs {
		subs = append(subs, sub)
	}
	subs = append(subs, x.selfSub)
	chatSub := x.chatSub
	x.peerSubs = make(map[string]store.Subscription)
	x.chatSub, x.selfSub = nil, nil
	x.mu.Unlock()

	if x.cancel != nil {
		x.cancel()
	}
	closeSub(chatSub, "chats")
	for _, sub := range subs {
		closeSub(sub, "user")
	}
}

// Snapshot 当前列表
func (x *ChatIndex) Snapshot() ChatList {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.build()
}

func (x *ChatIndex) subscribeChats(ctx context.Context) error {
	sub, err := x.store.WatchChatsFor(ctx, x.uid, x.onChats)
	if err != nil {
		return err
	}
	metrics.ActiveSubscriptions.WithLabelValues("chats").Inc()

	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		closeSub(sub, "chats")
		return nil
	}
	old := x.chatSub
	x.chatSub = sub
	x.mu.Unlock()

	closeSub(old, "chats")
	return nil
}

func (x *ChatIndex) subscribeSelf(ctx context.Context) error {
	sub, err := x.store.WatchUser(ctx, x.uid, x.onSelf)
	if err != nil {
		return err
	}
	metrics.ActiveSubscriptions.WithLabelValues("user").Inc()

	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		closeSub(sub, "user")
		return nil
	}
	old := x.selfSub
	x.selfSub = sub
	x.mu.Unlock()

	closeSub(old, "user")
	return nil
}

// subscribePeer 订阅单聊对方资料；对方已不在列表中时放弃
func (x *ChatIndex) subscribePeer(ctx context.Context, peer string) error {
	sub, err := x.store.WatchUser(ctx, peer, func(u *model.User, err error) {
		x.onPeer(peer, u, err)
	})
	if err != nil {
		return err
	}
	metrics.ActiveSubscriptions.WithLabelValues("user").Inc()

	x.mu.Lock()
	current, pending := x.peerSubs[peer]
	if x.closed || !pending || current != nil {
		x.mu.Unlock()
		closeSub(sub, "user")
		return nil
	}
	x.peerSubs[peer] = sub
	x.mu.Unlock()
	return nil
}

func (x *ChatIndex) onChats(chats []*model.Chat, err error) {
	if err != nil {
		x.mu.Lock()
		if x.closed {
			x.mu.Unlock()
			return
		}
		x.chatsStale = true
		old := x.chatSub
		x.chatSub = nil
		x.mu.Unlock()

		closeSub(old, "chats")
		x.logger.Warn("Chat list subscription lost, resubscribing", "error", err)
		x.emit()
		resubscribe(x.ctx, x.policy, x.logger, "chats", x.subscribeChats)
		return
	}

	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	x.chats = chats
	x.chatsStale = false
	x.ready = true

	wanted := make(map[string]struct{})
	for _, c := range chats {
		if peer := c.Peer(x.uid); peer != "" {
			wanted[peer] = struct{}{}
		}
	}
	var added []string
	for peer := range wanted {
		if _, ok := x.peerSubs[peer]; !ok {
			x.peerSubs[peer] = nil
			added = append(added, peer)
		}
	}
	var removed []store.Subscription
	for peer, sub := range x.peerSubs {
		if _, ok := wanted[peer]; !ok {
			removed = append(removed, sub)
			delete(x.peerSubs, peer)
			delete(x.peers, peer)
			delete(x.stalePeers, peer)
		}
	}
	x.mu.Unlock()

	for _, sub := range removed {
		closeSub(sub, "user")
	}
	for _, peer := range added {
		if err := x.subscribePeer(x.ctx, peer); err != nil {
			x.logger.Warn("Failed to watch peer profile", "peer", peer, "error", err)
			x.markPeerStale(peer)
			x.retryPeer(peer)
		}
	}
	x.emit()
}

func (x *ChatIndex) onSelf(u *model.User, err error) {
	if err != nil {
		x.mu.Lock()
		if x.closed {
			x.mu.Unlock()
			return
		}
		x.selfStale = true
		old := x.selfSub
		x.selfSub = nil
		x.mu.Unlock()

		closeSub(old, "user")
		x.emit()
		resubscribe(x.ctx, x.policy, x.logger, "user", x.subscribeSelf)
		return
	}

	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	x.self = u
	x.selfStale = false
	x.mu.Unlock()
	x.emit()
}

func (x *ChatIndex) onPeer(peer string, u *model.User, err error) {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	if _, wanted := x.peerSubs[peer]; !wanted {
		x.mu.Unlock()
		return
	}
	if err != nil {
		old := x.peerSubs[peer]
		x.peerSubs[peer] = nil
		x.stalePeers[peer] = struct{}{}
		x.mu.Unlock()

		closeSub(old, "user")
		x.logger.Warn("Peer profile subscription lost, resubscribing", "peer", peer, "error", err)
		x.emit()
		x.retryPeer(peer)
		return
	}
	x.peers[peer] = u
	delete(x.stalePeers, peer)
	x.mu.Unlock()
	x.emit()
}

func (x *ChatIndex) markPeerStale(peer string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, wanted := x.peerSubs[peer]; wanted && !x.closed {
		x.stalePeers[peer] = struct{}{}
	}
}

func (x *ChatIndex) retryPeer(peer string) {
	resubscribe(x.ctx, x.policy, x.logger, "user", func(ctx context.Context) error {
		return x.subscribePeer(ctx, peer)
	})
}

// emit 串行回调，保证消费者按顺序看到快照
func (x *ChatIndex) emit() {
	x.emitMu.Lock()
	defer x.emitMu.Unlock()

	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	list := x.build()
	x.mu.Unlock()

	x.onChange(list)
}

// build 组装快照，调用方需持有 x.mu
func (x *ChatIndex) build() ChatList {
	list := ChatList{
		Pinned:   []string{},
		Archived: []string{},
		Stale:    x.chatsStale || x.selfStale || len(x.stalePeers) > 0,
		Ready:    x.ready,
	}
	if x.self != nil {
		list.Pinned = slices.Clone(x.self.PinnedChats)
		list.Archived = slices.Clone(x.self.ArchivedChats)
	}

	chats := make([]*model.Chat, 0, len(x.chats))
	for _, c := range x.chats {
		chats = append(chats, c.Clone())
	}
	model.SortChats(chats)

	list.Entries = make([]ChatEntry, 0, len(chats))
	for _, c := range chats {
		e := ChatEntry{
			Chat:     c,
			Unread:   c.Unread(x.uid),
			Pinned:   slices.Contains(list.Pinned, c.ID),
			Archived: slices.Contains(list.Archived, c.ID),
		}
		if c.IsGroup {
			e.Title = c.Name
			e.Avatar = c.Image
		} else {
			e.PeerID = c.Peer(x.uid)
			e.Title = model.DefaultUserName
			if peer := x.peers[e.PeerID]; peer != nil {
				e.Title = peer.Name
				e.Avatar = peer.PhotoURL
				e.Online = peer.Online
				e.LastSeen = peer.LastSeen
			}
		}
		list.Entries = append(list.Entries, e)
	}
	return list
}

func closeSub(sub store.Subscription, kind string) {
	if sub == nil {
		return
	}
	sub.Close()
	metrics.ActiveSubscriptions.WithLabelValues(kind).Dec()
}
