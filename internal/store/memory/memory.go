// Package memory 提供进程内的参考存储实现，语义与远程适配器一致，
// 用于测试与本地开发。支持故障注入以验证原子写入。
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
	"sudooom.im.client/shared/snowflake"
)

// Option 配置项
type Option func(*Store)

// WithClock 替换服务端时钟
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// Store 内存存储
type Store struct {
	mu       sync.RWMutex
	users    map[string]*model.User
	chats    map[string]*model.Chat
	messages map[string]map[string]*model.Message
	calls    map[string]*model.CallSession
	admins   map[string]bool
	lastTS   map[string]time.Time
	faults   map[string]error
	closed   bool

	ids   *snowflake.Node
	clock func() time.Time
	hub   *hub
}

var _ store.Store = (*Store)(nil)

// New 创建内存存储
func New(opts ...Option) *Store {
	node, _ := snowflake.NewNode(1)
	s := &Store{
		users:    make(map[string]*model.User),
		chats:    make(map[string]*model.Chat),
		messages: make(map[string]map[string]*model.Message),
		calls:    make(map[string]*model.CallSession),
		admins:   make(map[string]bool),
		lastTS:   make(map[string]time.Time),
		faults:   make(map[string]error),
		ids:      node,
		clock:    time.Now,
		hub:      newHub(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InjectFault 让下一次 op 操作在提交前失败
func (s *Store) InjectFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// BreakSubscriptions 以 err 终止当前所有订阅（模拟连接中断）
func (s *Store) BreakSubscriptions(err error) {
	s.hub.breakAll(err)
}

// ActiveSubscriptions 当前存活的订阅数
func (s *Store) ActiveSubscriptions() int {
	return s.hub.count()
}

// Ping 实现 store.Store
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// Close 关闭存储并终止所有订阅
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.closeAll()
	return nil
}

// fault 取出并清除注入的故障，调用方需持有写锁
func (s *Store) fault(op string) error {
	if err, ok := s.faults[op]; ok {
		delete(s.faults, op)
		return err
	}
	return nil
}

func (s *Store) check() error {
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// serverTime 分配会话内单调递增的服务端时间
func (s *Store) serverTime(chatID string) time.Time {
	now := s.clock()
	if last, ok := s.lastTS[chatID]; ok && !now.After(last) {
		now = last.Add(time.Millisecond)
	}
	s.lastTS[chatID] = now
	return now
}

func (s *Store) watch(topic string, deliver func(), fail func(error)) store.Subscription {
	w := s.hub.add(topic, deliver, fail)
	return store.OnceSubscription(func() { s.hub.remove(w) })
}

// ============== Users ==============

// GetUser 获取用户
func (s *Store) GetUser(ctx context.Context, uid string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[uid]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(u), nil
}

// EnsureUser 首次登录创建用户
func (s *Store) EnsureUser(ctx context.Context, user *model.User) (*model.User, error) {
	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if existing, ok := s.users[user.UID]; ok {
		s.mu.Unlock()
		return cloneUser(existing), nil
	}
	u := cloneUser(user).Normalize()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.clock()
	}
	s.users[u.UID] = u
	out := cloneUser(u)
	s.mu.Unlock()

	s.hub.publish(userTopic(u.UID))
	return out, nil
}

// UpdateProfile 更新用户资料
func (s *Store) UpdateProfile(ctx context.Context, uid string, update model.ProfileUpdate) error {
	s.mu.Lock()
	u, ok := s.users[uid]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if err := s.fault("UpdateProfile"); err != nil {
		s.mu.Unlock()
		return err
	}
	update.Apply(u)
	s.mu.Unlock()

	s.hub.publish(userTopic(uid))
	return nil
}

// SetPresence 更新在线状态
func (s *Store) SetPresence(ctx context.Context, uid string, online bool) error {
	s.mu.Lock()
	u, ok := s.users[uid]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if err := s.fault("SetPresence"); err != nil {
		s.mu.Unlock()
		return err
	}
	u.Online = online
	if online {
		u.LastSeen = nil
	} else {
		now := s.clock()
		u.LastSeen = &now
	}
	s.mu.Unlock()

	s.hub.publish(userTopic(uid))
	return nil
}

// SetListMembership 修改置顶/归档列表
func (s *Store) SetListMembership(ctx context.Context, uid string, list model.UserList, chatID string, member bool) error {
	s.mu.Lock()
	u, ok := s.users[uid]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	target := &u.PinnedChats
	if list == model.ListArchived {
		target = &u.ArchivedChats
	}
	*target = setMembership(*target, chatID, member)
	s.mu.Unlock()

	s.hub.publish(userTopic(uid))
	return nil
}

// ListUsers 列出全部用户
func (s *Store) ListUsers(ctx context.Context) ([]*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].UID < out[j].UID
	})
	return out, nil
}

// DeleteUser 删除用户文档
func (s *Store) DeleteUser(ctx context.Context, uid string) error {
	s.mu.Lock()
	if _, ok := s.users[uid]; !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	delete(s.users, uid)
	s.mu.Unlock()

	s.hub.publish(userTopic(uid))
	return nil
}

// WatchUser 订阅用户文档
func (s *Store) WatchUser(ctx context.Context, uid string, fn func(*model.User, error)) (store.Subscription, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s.watch(userTopic(uid), func() {
		u, err := s.GetUser(ctx, uid)
		if err != nil {
			fn(nil, nil)
			return
		}
		fn(u, nil)
	}, func(err error) { fn(nil, err) }), nil
}

// ============== Chats ==============

// GetChat 获取会话
func (s *Store) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[chatID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.Clone(), nil
}

// FindDirectChat 查找两人之间的单聊
func (s *Store) FindDirectChat(ctx context.Context, a, b string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.chats[model.DirectChatID(a, b)]; ok && !c.IsGroup {
		return c.Clone(), nil
	}
	for _, c := range s.chats {
		if !c.IsGroup && len(c.Participants) == 2 && c.HasParticipant(a) && c.HasParticipant(b) {
			return c.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

// CreateChat 创建会话
func (s *Store) CreateChat(ctx context.Context, chat *model.Chat) error {
	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := s.chats[chat.ID]; ok {
		s.mu.Unlock()
		return store.ErrAlreadyExists
	}
	if err := s.fault("CreateChat"); err != nil {
		s.mu.Unlock()
		return err
	}
	c := chat.Clone().Normalize()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock()
	}
	s.chats[c.ID] = c
	participants := slices.Clone(c.Participants)
	s.mu.Unlock()

	s.publishChats(participants)
	return nil
}

// UpdateGroup 更新群资料
func (s *Store) UpdateGroup(ctx context.Context, chatID string, update model.GroupUpdate) error {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	update.Apply(c)
	participants := slices.Clone(c.Participants)
	s.mu.Unlock()

	s.publishChats(participants)
	return nil
}

// SetParticipants 同时改写成员与未读计数
func (s *Store) SetParticipants(ctx context.Context, chatID string, participants []string) error {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if err := s.fault("SetParticipants"); err != nil {
		s.mu.Unlock()
		return err
	}
	affected := append(slices.Clone(c.Participants), participants...)
	c.Participants = slices.Clone(participants)
	c.Normalize()
	s.mu.Unlock()

	s.publishChats(affected)
	return nil
}

// DeleteChat 删除会话及其消息
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	delete(s.chats, chatID)
	delete(s.messages, chatID)
	delete(s.lastTS, chatID)
	participants := slices.Clone(c.Participants)
	s.mu.Unlock()

	s.publishChats(participants)
	s.hub.publish(messagesTopic(chatID))
	return nil
}

// ChatsFor 用户参与的会话，按最新消息时间倒序
func (s *Store) ChatsFor(ctx context.Context, uid string) ([]*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Chat, 0)
	for _, c := range s.chats {
		if c.HasParticipant(uid) {
			out = append(out, c.Clone())
		}
	}
	model.SortChats(out)
	return out, nil
}

// ListGroups 全部群聊
func (s *Store) ListGroups(ctx context.Context) ([]*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Chat, 0)
	for _, c := range s.chats {
		if c.IsGroup {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ResetUnread 清零指定成员的未读数
func (s *Store) ResetUnread(ctx context.Context, chatID, uid string) error {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if !c.HasParticipant(uid) {
		s.mu.Unlock()
		return store.ErrNotMember
	}
	if err := s.fault("ResetUnread"); err != nil {
		s.mu.Unlock()
		return err
	}
	changed := c.UnreadCounts[uid] != 0
	c.UnreadCounts[uid] = 0
	s.mu.Unlock()

	if changed {
		s.hub.publish(chatsTopic(uid))
	}
	return nil
}

// WatchChatsFor 订阅用户会话列表
func (s *Store) WatchChatsFor(ctx context.Context, uid string, fn func([]*model.Chat, error)) (store.Subscription, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s.watch(chatsTopic(uid), func() {
		chats, _ := s.ChatsFor(ctx, uid)
		fn(chats, nil)
	}, func(err error) { fn(nil, err) }), nil
}

func (s *Store) publishChats(uids []string) {
	topics := make([]string, 0, len(uids))
	for _, uid := range uids {
		topics = append(topics, chatsTopic(uid))
	}
	s.hub.publish(topics...)
}

// ============== Messages ==============

// SendMessage 原子写入消息、预览与未读计数
func (s *Store) SendMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	chat, ok := s.chats[msg.ChatID]
	if !ok {
		s.mu.Unlock()
		return nil, store.ErrNotFound
	}
	if !chat.HasParticipant(msg.SenderID) {
		s.mu.Unlock()
		return nil, store.ErrNotMember
	}

	// 先在副本上准备全部变更，故障注入点之后才一次性提交
	staged := msg.Clone()
	staged.ID = s.ids.Generate().String()
	staged.SeenBy = []string{}
	staged.StarredBy = []string{}
	staged.Deleted = false
	staged.Normalize()

	nextChat := chat.Clone()
	prevTS, hadTS := s.lastTS[msg.ChatID]
	staged.CreatedAt = s.serverTime(msg.ChatID)
	nextChat.LastMessage = &model.LastMessage{
		Text:     staged.Preview(),
		Time:     staged.CreatedAt,
		SenderID: staged.SenderID,
	}
	for _, uid := range nextChat.Participants {
		if uid != staged.SenderID {
			nextChat.UnreadCounts[uid]++
		}
	}

	if err := s.fault("SendMessage"); err != nil {
		if hadTS {
			s.lastTS[msg.ChatID] = prevTS
		} else {
			delete(s.lastTS, msg.ChatID)
		}
		s.mu.Unlock()
		return nil, err
	}

	if s.messages[msg.ChatID] == nil {
		s.messages[msg.ChatID] = make(map[string]*model.Message)
	}
	s.messages[msg.ChatID][staged.ID] = staged
	s.chats[msg.ChatID] = nextChat
	participants := slices.Clone(nextChat.Participants)
	out := staged.Clone()
	s.mu.Unlock()

	s.publishChats(participants)
	s.hub.publish(messagesTopic(msg.ChatID))
	return out, nil
}

// GetMessage 获取消息
func (s *Store) GetMessage(ctx context.Context, chatID, msgID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[chatID][msgID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.Clone(), nil
}

// SoftDeleteMessage 软删除
func (s *Store) SoftDeleteMessage(ctx context.Context, chatID, msgID, requester string) error {
	s.mu.Lock()
	m, ok := s.messages[chatID][msgID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if m.SenderID != requester {
		s.mu.Unlock()
		return store.ErrForbidden
	}
	m.Deleted = true
	m.Normalize()
	s.mu.Unlock()

	s.hub.publish(messagesTopic(chatID))
	return nil
}

// SetStar 收藏/取消收藏
func (s *Store) SetStar(ctx context.Context, chatID, msgID, uid string, starred bool) error {
	s.mu.Lock()
	m, ok := s.messages[chatID][msgID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	m.StarredBy = setMembership(m.StarredBy, uid, starred)
	s.mu.Unlock()

	s.hub.publish(messagesTopic(chatID))
	return nil
}

// MarkSeen 把 uid 并入消息的 seenBy
func (s *Store) MarkSeen(ctx context.Context, chatID string, msgIDs []string, uid string) error {
	s.mu.Lock()
	if err := s.fault("MarkSeen"); err != nil {
		s.mu.Unlock()
		return err
	}
	changed := false
	for _, id := range msgIDs {
		m, ok := s.messages[chatID][id]
		if !ok || m.SeenByUser(uid) {
			continue
		}
		m.SeenBy = append(m.SeenBy, uid)
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.hub.publish(messagesTopic(chatID))
	}
	return nil
}

// RecentMessages 最近 limit 条消息
func (s *Store) RecentMessages(ctx context.Context, chatID string, limit int) ([]*model.Message, error) {
	msgs := s.listMessages(chatID)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// WatchMessages 订阅会话消息
func (s *Store) WatchMessages(ctx context.Context, chatID string, fn func([]*model.Message, error)) (store.Subscription, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s.watch(messagesTopic(chatID), func() {
		fn(s.listMessages(chatID), nil)
	}, func(err error) { fn(nil, err) }), nil
}

func (s *Store) listMessages(chatID string) []*model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Message, 0, len(s.messages[chatID]))
	for _, m := range s.messages[chatID] {
		out = append(out, m.Clone())
	}
	model.SortMessages(out)
	return out
}

// ============== Calls ==============

// CreateCall 创建通话文档
func (s *Store) CreateCall(ctx context.Context, call *model.CallSession) error {
	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := s.calls[call.ID]; ok {
		s.mu.Unlock()
		return store.ErrAlreadyExists
	}
	if err := s.fault("CreateCall"); err != nil {
		s.mu.Unlock()
		return err
	}
	c := call.Clone().Normalize()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock()
	}
	s.calls[c.ID] = c
	callee := c.CalleeID
	s.mu.Unlock()

	s.hub.publish(callTopic(c.ID), incomingTopic(callee))
	return nil
}

// GetCall 获取通话文档
func (s *Store) GetCall(ctx context.Context, callID string) (*model.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.calls[callID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.Clone(), nil
}

// SetAnswer 写入应答
func (s *Store) SetAnswer(ctx context.Context, callID, answer string) error {
	s.mu.Lock()
	c, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if err := s.fault("SetAnswer"); err != nil {
		s.mu.Unlock()
		return err
	}
	c.Answer = answer
	s.mu.Unlock()

	s.hub.publish(callTopic(callID))
	return nil
}

// AppendCandidate 追加 ICE 候选
func (s *Store) AppendCandidate(ctx context.Context, callID string, cand model.Candidate) error {
	s.mu.Lock()
	c, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if err := s.fault("AppendCandidate"); err != nil {
		s.mu.Unlock()
		return err
	}
	if !slices.Contains(c.Candidates, cand) {
		c.Candidates = append(c.Candidates, cand)
	}
	s.mu.Unlock()

	s.hub.publish(callTopic(callID))
	return nil
}

// AdvanceStatus 单调推进通话状态
func (s *Store) AdvanceStatus(ctx context.Context, callID string, status model.CallStatus) (bool, error) {
	s.mu.Lock()
	c, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return false, store.ErrNotFound
	}
	if err := s.fault("AdvanceStatus"); err != nil {
		s.mu.Unlock()
		return false, err
	}
	if !c.Status.CanAdvanceTo(status) {
		s.mu.Unlock()
		return false, nil
	}
	c.Status = status
	callee := c.CalleeID
	s.mu.Unlock()

	s.hub.publish(callTopic(callID), incomingTopic(callee))
	return true, nil
}

// WatchCall 订阅通话文档
func (s *Store) WatchCall(ctx context.Context, callID string, fn func(*model.CallSession, error)) (store.Subscription, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s.watch(callTopic(callID), func() {
		c, err := s.GetCall(ctx, callID)
		if err != nil {
			return
		}
		fn(c, nil)
	}, func(err error) { fn(nil, err) }), nil
}

// WatchIncoming 订阅振铃中的来电
func (s *Store) WatchIncoming(ctx context.Context, uid string, fn func([]*model.CallSession, error)) (store.Subscription, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s.watch(incomingTopic(uid), func() {
		fn(s.incomingFor(uid), nil)
	}, func(err error) { fn(nil, err) }), nil
}

func (s *Store) incomingFor(uid string) []*model.CallSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.CallSession, 0)
	for _, c := range s.calls {
		if c.CalleeID == uid && c.Status == model.CallRinging {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ============== Admins ==============

// IsAdmin 是否为管理员
func (s *Store) IsAdmin(ctx context.Context, uid string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admins[uid], nil
}

// SetAdmin 设置/取消管理员
func (s *Store) SetAdmin(ctx context.Context, uid string, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if admin {
		s.admins[uid] = true
	} else {
		delete(s.admins, uid)
	}
	return nil
}

func cloneUser(u *model.User) *model.User {
	cp := *u
	cp.PinnedChats = slices.Clone(u.PinnedChats)
	cp.ArchivedChats = slices.Clone(u.ArchivedChats)
	if u.LastSeen != nil {
		t := *u.LastSeen
		cp.LastSeen = &t
	}
	if cp.PinnedChats == nil {
		cp.PinnedChats = []string{}
	}
	if cp.ArchivedChats == nil {
		cp.ArchivedChats = []string{}
	}
	return &cp
}

func setMembership(list []string, item string, member bool) []string {
	idx := slices.Index(list, item)
	switch {
	case member && idx < 0:
		return append(list, item)
	case !member && idx >= 0:
		return slices.Delete(list, idx, idx+1)
	default:
		return list
	}
}
