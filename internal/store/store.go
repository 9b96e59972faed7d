// Package store 定义远程文档存储的类型化访问契约。
//
// 所有 Watch 方法在每次相关数据变化后回调完整快照（不是增量），
// 回调携带 error 时表示订阅已中断，调用方需要自行重新订阅。
package store

import (
	"context"
	"errors"
	"sync"

	"sudooom.im.client/internal/model"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrForbidden     = errors.New("store: forbidden")
	ErrNotMember     = errors.New("store: not a participant")
	ErrClosed        = errors.New("store: closed")
)

// Subscription 订阅句柄，Close 可重复调用
type Subscription interface {
	Close()
}

// Users 用户文档
type Users interface {
	GetUser(ctx context.Context, uid string) (*model.User, error)
	// EnsureUser 首次登录时创建用户，已存在则不修改
	EnsureUser(ctx context.Context, user *model.User) (*model.User, error)
	UpdateProfile(ctx context.Context, uid string, update model.ProfileUpdate) error
	// SetPresence online=true 时清空 lastSeen，否则以服务端时间写入 lastSeen
	SetPresence(ctx context.Context, uid string, online bool) error
	// SetListMembership 以并集/差集原语修改用户私有列表
	SetListMembership(ctx context.Context, uid string, list model.UserList, chatID string, member bool) error
	ListUsers(ctx context.Context) ([]*model.User, error)
	DeleteUser(ctx context.Context, uid string) error
	WatchUser(ctx context.Context, uid string, fn func(*model.User, error)) (Subscription, error)
}

// Chats 会话文档
type Chats interface {
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)
	// FindDirectChat 查找两人之间的单聊，不存在返回 ErrNotFound
	FindDirectChat(ctx context.Context, a, b string) (*model.Chat, error)
	// CreateChat ID 已存在时返回 ErrAlreadyExists
	CreateChat(ctx context.Context, chat *model.Chat) error
	UpdateGroup(ctx context.Context, chatID string, update model.GroupUpdate) error
	// SetParticipants 同时改写成员列表与 unreadCounts，保留留存成员的计数
	SetParticipants(ctx context.Context, chatID string, participants []string) error
	DeleteChat(ctx context.Context, chatID string) error
	ChatsFor(ctx context.Context, uid string) ([]*model.Chat, error)
	ListGroups(ctx context.Context) ([]*model.Chat, error)
	ResetUnread(ctx context.Context, chatID, uid string) error
	WatchChatsFor(ctx context.Context, uid string, fn func([]*model.Chat, error)) (Subscription, error)
}

// Messages 消息文档
type Messages interface {
	// SendMessage 原子地写入消息、更新会话预览并为其他成员未读数加一
	// 成功时返回带服务端时间戳与 ID 的消息
	SendMessage(ctx context.Context, msg *model.Message) (*model.Message, error)
	GetMessage(ctx context.Context, chatID, msgID string) (*model.Message, error)
	// SoftDeleteMessage requester 不是发送者时返回 ErrForbidden 且不写入
	SoftDeleteMessage(ctx context.Context, chatID, msgID, requester string) error
	SetStar(ctx context.Context, chatID, msgID, uid string, starred bool) error
	MarkSeen(ctx context.Context, chatID string, msgIDs []string, uid string) error
	// RecentMessages 最近 limit 条消息，按时间升序返回
	RecentMessages(ctx context.Context, chatID string, limit int) ([]*model.Message, error)
	WatchMessages(ctx context.Context, chatID string, fn func([]*model.Message, error)) (Subscription, error)
}

// Calls 通话信令文档
type Calls interface {
	CreateCall(ctx context.Context, call *model.CallSession) error
	GetCall(ctx context.Context, callID string) (*model.CallSession, error)
	SetAnswer(ctx context.Context, callID, answer string) error
	AppendCandidate(ctx context.Context, callID string, cand model.Candidate) error
	// AdvanceStatus 只允许向前推进，返回是否发生了变化
	AdvanceStatus(ctx context.Context, callID string, status model.CallStatus) (bool, error)
	WatchCall(ctx context.Context, callID string, fn func(*model.CallSession, error)) (Subscription, error)
	// WatchIncoming calleeId == uid 且 status == ringing 的通话
	WatchIncoming(ctx context.Context, uid string, fn func([]*model.CallSession, error)) (Subscription, error)
}

// Admins 管理员记录
type Admins interface {
	IsAdmin(ctx context.Context, uid string) (bool, error)
	SetAdmin(ctx context.Context, uid string, admin bool) error
}

// Store 远程存储适配器
type Store interface {
	Users
	Chats
	Messages
	Calls
	Admins
	Ping(ctx context.Context) error
	Close() error
}

// OnceSubscription 把任意关闭函数包装为幂等的 Subscription
func OnceSubscription(fn func()) Subscription {
	return &onceSub{fn: fn}
}

type onceSub struct {
	once sync.Once
	fn   func()
}

func (s *onceSub) Close() {
	s.once.Do(func() {
		if s.fn != nil {
			s.fn()
		}
	})
}

// IgnoreNotFound 把 ErrNotFound 视为成功（目标已被并发删除时的写操作）
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
