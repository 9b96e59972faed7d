// Package admin 管理后台操作：站点管理员管理用户与管理员名单，
// 站点管理员或群主管理群聊与成员。
package admin

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/service"
	"sudooom.im.client/internal/store"
	sharedErrors "sudooom.im.client/shared/errors"
)

// Store 管理操作依赖的存储能力
type Store interface {
	store.Users
	store.Chats
	store.Admins
}

// Service 管理服务，每个操作的第一个参数是操作者 uid
type Service struct {
	store  Store
	chats  *service.ChatService
	logger *slog.Logger
}

// NewService 创建管理服务
func NewService(st Store, chats *service.ChatService) *Service {
	return &Service{
		store:  st,
		chats:  chats,
		logger: slog.Default(),
	}
}

// IsAdmin 是否为站点管理员
func (s *Service) IsAdmin(ctx context.Context, uid string) (bool, error) {
	ok, err := s.store.IsAdmin(ctx, uid)
	if err != nil {
		return false, storeError(err, sharedErrors.ErrUserNotFound)
	}
	return ok, nil
}

// ============== 用户 ==============

// ListUsers 列出全部用户
func (s *Service) ListUsers(ctx context.Context, actor string) ([]*model.User, error) {
	if err := s.requireSiteAdmin(ctx, actor); err != nil {
		return nil, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, storeError(err, sharedErrors.ErrUserNotFound)
	}
	return users, nil
}

// UpdateUser 修改任意用户资料
func (s *Service) UpdateUser(ctx context.Context, actor, uid string, update model.ProfileUpdate) (*model.User, error) {
	if err := s.requireSiteAdmin(ctx, actor); err != nil {
		return nil, err
	}
	if update.Empty() {
		return nil, sharedErrors.ErrInvalidParams
	}
	if err := s.store.UpdateProfile(ctx, uid, update); err != nil {
		return nil, storeError(err, sharedErrors.ErrUserNotFound)
	}
	s.logger.Info("User updated by admin", "uid", uid, "actor", actor)

	user, err := s.store.GetUser(ctx, uid)
	if err != nil {
		return nil, storeError(err, sharedErrors.ErrUserNotFound)
	}
	return user, nil
}

// DeleteUser 删除用户：从所有会话中移除（成员与未读计数一起），
// 删除因此变空的会话，最后删除用户与管理员记录
func (s *Service) DeleteUser(ctx context.Context, actor, uid string) error {
	if err := s.requireSiteAdmin(ctx, actor); err != nil {
		return err
	}

	chats, err := s.store.ChatsFor(ctx, uid)
	if err != nil {
		return storeError(err, sharedErrors.ErrUserNotFound)
	}
	for _, chat := range chats {
		if err := s.removeParticipant(ctx, chat, uid); err != nil {
			return err
		}
	}

	if err := s.store.DeleteUser(ctx, uid); err != nil && !errors.Is(err, store.ErrNotFound) {
		return storeError(err, sharedErrors.ErrUserNotFound)
	}
	if err := s.store.SetAdmin(ctx, uid, false); err != nil {
		return storeError(err, sharedErrors.ErrUserNotFound)
	}
	s.logger.Info("User deleted", "uid", uid, "actor", actor, "chats", len(chats))
	return nil
}

// SetAdmin 授予或撤销站点管理员
func (s *Service) SetAdmin(ctx context.Context, actor, uid string, admin bool) error {
	if err := s.requireSiteAdmin(ctx, actor); err != nil {
		return err
	}
	if _, err := s.store.GetUser(ctx, uid); err != nil {
		return storeError(err, sharedErrors.ErrUserNotFound)
	}
	if err := s.store.SetAdmin(ctx, uid, admin); err != nil {
		return storeError(err, sharedErrors.ErrUserNotFound)
	}
	s.logger.Info("Admin flag changed", "uid", uid, "admin", admin, "actor", actor)
	return nil
}

// ============== 群聊 ==============

// ListGroups 列出全部群聊
func (s *Service) ListGroups(ctx context.Context, actor string) ([]*model.Chat, error) {
	if err := s.requireSiteAdmin(ctx, actor); err != nil {
		return nil, err
	}
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return nil, storeError(err, sharedErrors.ErrChatNotFound)
	}
	return groups, nil
}

// CreateGroup 站点管理员建群，建群者成为群主
func (s *Service) CreateGroup(ctx context.Context, actor, name string, members []string, image *service.Attachment) (*model.Chat, error) {
	if err := s.requireSiteAdmin(ctx, actor); err != nil {
		return nil, err
	}
	return s.chats.CreateGroup(ctx, actor, name, members, image)
}

// UpdateGroup 修改群名、群头像或转让群主
func (s *Service) UpdateGroup(ctx context.Context, actor, chatID string, update model.GroupUpdate) (*model.Chat, error) {
	chat, err := s.requireGroupAdmin(ctx, actor, chatID)
	if err != nil {
		return nil, err
	}
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		update.Name = &name
	}
	if update.AdminID != nil && !chat.HasParticipant(*update.AdminID) {
		return nil, sharedErrors.ErrMemberNotInGroup
	}
	if update.Name == nil && update.Image == nil && update.AdminID == nil {
		return nil, sharedErrors.ErrInvalidParams
	}

	if err := s.store.UpdateGroup(ctx, chatID, update); err != nil {
		return nil, storeError(err, sharedErrors.ErrChatNotFound)
	}
	s.logger.Info("Group updated", "chatId", chatID, "actor", actor)
	return s.getChat(ctx, chatID)
}

// AddMember 拉人进群，新成员未读数从 0 开始
func (s *Service) AddMember(ctx context.Context, actor, chatID, uid string) (*model.Chat, error) {
	chat, err := s.requireGroupAdmin(ctx, actor, chatID)
	if err != nil {
		return nil, err
	}
	if chat.HasParticipant(uid) {
		return nil, sharedErrors.ErrAlreadyMember
	}
	if _, err := s.store.GetUser(ctx, uid); err != nil {
		return nil, storeError(err, sharedErrors.ErrUserNotFound)
	}

	participants := append(slices.Clone(chat.Participants), uid)
	if err := s.store.SetParticipants(ctx, chatID, participants); err != nil {
		return nil, storeError(err, sharedErrors.ErrChatNotFound)
	}
	s.logger.Info("Group member added", "chatId", chatID, "uid", uid, "actor", actor)
	return s.getChat(ctx, chatID)
}

// RemoveMember 移出群成员，成员与未读计数一起删除
func (s *Service) RemoveMember(ctx context.Context, actor, chatID, uid string) error {
	chat, err := s.requireGroupAdmin(ctx, actor, chatID)
	if err != nil {
		return err
	}
	if !chat.HasParticipant(uid) {
		return sharedErrors.ErrMemberNotInGroup
	}
	if err := s.removeParticipant(ctx, chat, uid); err != nil {
		return err
	}
	s.logger.Info("Group member removed", "chatId", chatID, "uid", uid, "actor", actor)
	return nil
}

// DeleteGroup 解散群聊
func (s *Service) DeleteGroup(ctx context.Context, actor, chatID string) error {
	if _, err := s.requireGroupAdmin(ctx, actor, chatID); err != nil {
		return err
	}
	if err := s.store.DeleteChat(ctx, chatID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return storeError(err, sharedErrors.ErrChatNotFound)
	}
	s.logger.Info("Group deleted", "chatId", chatID, "actor", actor)
	return nil
}

// removeParticipant 把 uid 移出会话；会话变空则删除，群主离开时由剩余第一位成员接任
func (s *Service) removeParticipant(ctx context.Context, chat *model.Chat, uid string) error {
	remaining := slices.DeleteFunc(slices.Clone(chat.Participants), func(p string) bool { return p == uid })
	if len(remaining) == 0 {
		if err := s.store.DeleteChat(ctx, chat.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return storeError(err, sharedErrors.ErrChatNotFound)
		}
		return nil
	}

	if err := s.store.SetParticipants(ctx, chat.ID, remaining); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return storeError(err, sharedErrors.ErrChatNotFound)
	}
	if chat.IsGroup && chat.AdminID == uid {
		next := remaining[0]
		if err := s.store.UpdateGroup(ctx, chat.ID, model.GroupUpdate{AdminID: &next}); err != nil && !errors.Is(err, store.ErrNotFound) {
			return storeError(err, sharedErrors.ErrChatNotFound)
		}
	}
	return nil
}

func (s *Service) requireSiteAdmin(ctx context.Context, actor string) error {
	ok, err := s.IsAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Warn("Admin operation denied", "uid", actor)
		return sharedErrors.ErrNotAdmin
	}
	return nil
}

// requireGroupAdmin 站点管理员或该群群主
func (s *Service) requireGroupAdmin(ctx context.Context, actor, chatID string) (*model.Chat, error) {
	chat, err := s.getChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.IsGroup {
		return nil, sharedErrors.ErrNotGroup
	}
	if chat.AdminID == actor {
		return chat, nil
	}
	if err := s.requireSiteAdmin(ctx, actor); err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *Service) getChat(ctx context.Context, chatID string) (*model.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, storeError(err, sharedErrors.ErrChatNotFound)
	}
	return chat, nil
}

func storeError(err error, notFound *sharedErrors.AppError) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFound.Wrap(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return sharedErrors.ErrStoreError.Wrap(err)
	}
}
