package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"sudooom.im.client/internal/blob"
	"sudooom.im.client/internal/metrics"
	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
	sharedErrors "sudooom.im.client/shared/errors"
	"sudooom.im.client/shared/snowflake"
)

// PinnedHistoryLimit 置顶会话预览的消息条数
const PinnedHistoryLimit = 3

// Attachment 待上传的图片
type Attachment struct {
	Name string
	Data []byte
}

// ChatStore 会话操作依赖的存储能力
type ChatStore interface {
	store.Users
	store.Chats
	store.Messages
}

// ChatService 会话与消息相关的用户操作
type ChatService struct {
	store    ChatStore
	uploader *blob.Uploader
	ids      *snowflake.Node
	logger   *slog.Logger
}

// NewChatService 创建会话服务
func NewChatService(st ChatStore, uploader *blob.Uploader, ids *snowflake.Node) *ChatService {
	return &ChatService{
		store:    st,
		uploader: uploader,
		ids:      ids,
		logger:   slog.Default(),
	}
}

// GetOrCreateDirect 获取或创建两人单聊，同一对用户最多一个单聊
func (s *ChatService) GetOrCreateDirect(ctx context.Context, uid, peer string) (*model.Chat, error) {
	if uid == "" || peer == "" {
		return nil, sharedErrors.ErrInvalidParams
	}
	if uid == peer {
		return nil, sharedErrors.ErrCannotChatSelf
	}

	chat, err := s.store.FindDirectChat(ctx, uid, peer)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, mapStoreError(err, sharedErrors.ErrChatNotFound)
	}

	if _, err := s.store.GetUser(ctx, peer); err != nil {
		return nil, mapStoreError(err, sharedErrors.ErrUserNotFound)
	}

	chat = model.NewDirectChat(uid, peer)
	if err := s.store.CreateChat(ctx, chat); err != nil {
		if !errors.Is(err, store.ErrAlreadyExists) {
			return nil, mapStoreError(err, sharedErrors.ErrChatNotFound)
		}
		// 对方同时发起，以先创建的为准
		existing, err := s.store.GetChat(ctx, chat.ID)
		if err != nil {
			return nil, mapStoreError(err, sharedErrors.ErrChatNotFound)
		}
		return existing, nil
	}

	s.logger.Info("Direct chat created", "chatId", chat.ID, "uid", uid, "peer", peer)
	return chat, nil
}

// CreateGroup 创建群聊，创建者为群管理员
func (s *ChatService) CreateGroup(ctx context.Context, creator, name string, members []string, image *Attachment) (*model.Chat, error) {
	participants := append([]string{creator}, members...)
	chat := (&model.Chat{
		ID:           "grp_" + s.ids.Generate().String(),
		Participants: participants,
		IsGroup:      true,
		Name:         strings.TrimSpace(name),
		AdminID:      creator,
		CreatedBy:    creator,
	}).Normalize()
	if len(chat.Participants) < 3 {
		return nil, sharedErrors.ErrGroupTooSmall
	}

	if image != nil {
		ref, err := s.uploader.Upload(ctx, "group-images/"+chat.ID, image.Name, image.Data)
		if err != nil {
			return nil, sharedErrors.ErrUploadFailed.Wrap(err)
		}
		chat.Image = ref
	}

	if err := s.store.CreateChat(ctx, chat); err != nil {
		return nil, mapStoreError(err, sharedErrors.ErrChatNotFound)
	}
	s.logger.Info("Group chat created", "chatId", chat.ID, "creator", creator, "members", len(chat.Participants))
	return chat, nil
}

// SendMessage 发送消息。图片先上传，随后消息写入、会话预览更新与
// 其他成员未读数加一作为一个原子批次提交，失败时什么都不会写入
func (s *ChatService) SendMessage(ctx context.Context, chatID, sender, text string, image *Attachment) (*model.Message, error) {
	msg := &model.Message{ChatID: chatID, SenderID: sender, Text: strings.TrimSpace(text)}
	if msg.Text == "" && (image == nil || len(image.Data) == 0) {
		return nil, sharedErrors.ErrEmptyMessage
	}

	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, mapStoreError(err, sharedErrors.ErrChatNotFound)
	}
	if !chat.HasParticipant(sender) {
		return nil, sharedErrors.ErrNotParticipant
	}

	kind := "text"
	if image != nil && len(image.Data) > 0 {
		ref, err := s.uploader.Upload(ctx, blob.ChatImagePrefix(chatID), image.Name, image.Data)
		if err != nil {
			metrics.SendFailures.Inc()
			return nil, sharedErrors.ErrUploadFailed.Wrap(err)
		}
		msg.ImageURL = ref
		kind = "image"
	}

	sent, err := s.store.SendMessage(ctx, msg)
	if err != nil {
		metrics.SendFailures.Inc()
		s.logger.Warn("Failed to send message", "chatId", chatID, "sender", sender, "error", err)
		return nil, mapStoreError(err, sharedErrors.ErrChatNotFound)
	}
	metrics.MessagesSent.WithLabelValues(kind).Inc()
	return sent, nil
}

// DeleteMessage 软删除，只有发送者可以删除。
// 消息已不存在时视为成功
func (s *ChatService) DeleteMessage(ctx context.Context, chatID, msgID, requester string) error {
	msg, err := s.store.GetMessage(ctx, chatID, msgID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return mapStoreError(err, sharedErrors.ErrMessageNotFound)
	}
	if msg.SenderID != requester {
		return sharedErrors.ErrNotSender
	}

	err = s.store.SoftDeleteMessage(ctx, chatID, msgID, requester)
	switch {
	case err == nil, errors.Is(err, store.ErrNotFound):
		return nil
	case errors.Is(err, store.ErrForbidden):
		return sharedErrors.ErrNotSender
	default:
		return mapStoreError(err, sharedErrors.ErrMessageNotFound)
	}
}

// ToggleStar 切换自己对消息的收藏，返回切换后的状态
func (s *ChatService) ToggleStar(ctx context.Context, chatID, msgID, uid string) (bool, error) {
	msg, err := s.store.GetMessage(ctx, chatID, msgID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, mapStoreError(err, sharedErrors.ErrMessageNotFound)
	}
	starred := !msg.StarredByUser(uid)
	if err := s.store.SetStar(ctx, chatID, msgID, uid, starred); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, mapStoreError(err, sharedErrors.ErrMessageNotFound)
	}
	return starred, nil
}

// TogglePin 切换会话置顶，返回切换后的状态
func (s *ChatService) TogglePin(ctx context.Context, uid, chatID string) (bool, error) {
	return s.toggleList(ctx, uid, chatID, model.ListPinned)
}

// ToggleArchive 切换会话归档，返回切换后的状态
func (s *ChatService) ToggleArchive(ctx context.Context, uid, chatID string) (bool, error) {
	return s.toggleList(ctx, uid, chatID, model.ListArchived)
}

// toggleList 列表只由所属用户自己修改，无需协调
func (s *ChatService) toggleList(ctx context.Context, uid, chatID string, list model.UserList) (bool, error) {
	if chatID == "" {
		return false, sharedErrors.ErrInvalidParams
	}
	user, err := s.store.GetUser(ctx, uid)
	if err != nil {
		return false, mapStoreError(err, sharedErrors.ErrUserNotFound)
	}

	member := !user.IsPinned(chatID)
	if list == model.ListArchived {
		member = !user.IsArchived(chatID)
	}
	if err := s.store.SetListMembership(ctx, uid, list, chatID, member); err != nil {
		return false, mapStoreError(err, sharedErrors.ErrUserNotFound)
	}
	return member, nil
}

// MarkRead 清零自己在会话中的未读数
func (s *ChatService) MarkRead(ctx context.Context, chatID, uid string) error {
	return mapStoreError(store.IgnoreNotFound(s.store.ResetUnread(ctx, chatID, uid)), sharedErrors.ErrChatNotFound)
}

// RecentMessages 最近几条消息（置顶会话预览），按时间升序
func (s *ChatService) RecentMessages(ctx context.Context, chatID, uid string, limit int) ([]*model.Message, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, mapStoreError(err, sharedErrors.ErrChatNotFound)
	}
	if !chat.HasParticipant(uid) {
		return nil, sharedErrors.ErrNotParticipant
	}
	if limit <= 0 {
		limit = PinnedHistoryLimit
	}
	msgs, err := s.store.RecentMessages(ctx, chatID, limit)
	if err != nil {
		return nil, mapStoreError(err, sharedErrors.ErrChatNotFound)
	}
	return msgs, nil
}

// GetChat 获取会话，要求是会话成员
func (s *ChatService) GetChat(ctx context.Context, chatID, uid string) (*model.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, mapStoreError(err, sharedErrors.ErrChatNotFound)
	}
	if !chat.HasParticipant(uid) {
		return nil, sharedErrors.ErrNotParticipant
	}
	return chat, nil
}
