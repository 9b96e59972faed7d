package firestore

import (
	"context"
	"slices"
	"sort"

	gcfs "cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
)

// GetChat 获取会话
func (s *Store) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	snap, err := s.chats().Doc(chatID).Get(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return decodeChat(snap)
}

func decodeChat(snap *gcfs.DocumentSnapshot) (*model.Chat, error) {
	var doc chatDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, err
	}
	return doc.toModel(snap.Ref.ID), nil
}

// FindDirectChat 先按确定性 ID 查找，再回退到成员查询（兼容历史自动 ID 的会话）
func (s *Store) FindDirectChat(ctx context.Context, a, b string) (*model.Chat, error) {
	chat, err := s.GetChat(ctx, model.DirectChatID(a, b))
	if err == nil && !chat.IsGroup {
		return chat, nil
	}
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	chats, err := s.ChatsFor(ctx, a)
	if err != nil {
		return nil, err
	}
	for _, c := range chats {
		if !c.IsGroup && len(c.Participants) == 2 && c.HasParticipant(b) {
			return c, nil
		}
	}
	return nil, store.ErrNotFound
}

// CreateChat 创建会话，ID 已存在时返回 ErrAlreadyExists
func (s *Store) CreateChat(ctx context.Context, chat *model.Chat) error {
	c := chat.Clone().Normalize()
	_, err := s.chats().Doc(c.ID).Create(ctx, chatDocFrom(c))
	return mapError(err)
}

// UpdateGroup 更新群资料
func (s *Store) UpdateGroup(ctx context.Context, chatID string, update model.GroupUpdate) error {
	var updates []gcfs.Update
	if update.Name != nil {
		name := *update.Name
		if name == "" {
			name = model.DefaultGroupName
		}
		updates = append(updates, gcfs.Update{Path: "groupName", Value: name})
	}
	if update.Image != nil {
		updates = append(updates, gcfs.Update{Path: "groupImage", Value: *update.Image})
	}
	if update.AdminID != nil {
		updates = append(updates, gcfs.Update{Path: "groupAdmin", Value: *update.AdminID})
	}
	if len(updates) == 0 {
		return nil
	}
	_, err := s.chats().Doc(chatID).Update(ctx, updates)
	return mapError(err)
}

// SetParticipants 在事务中同时改写成员与未读计数
func (s *Store) SetParticipants(ctx context.Context, chatID string, participants []string) error {
	ref := s.chats().Doc(chatID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *gcfs.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		chat, err := decodeChat(snap)
		if err != nil {
			return err
		}
		chat.Participants = slices.Clone(participants)
		chat.Normalize()

		unread := make(map[string]int64, len(chat.UnreadCounts))
		for uid, n := range chat.UnreadCounts {
			unread[uid] = int64(n)
		}
		return tx.Update(ref, []gcfs.Update{
			{Path: "participants", Value: chat.Participants},
			{Path: "unreadCounts", Value: unread},
		})
	})
	return mapError(err)
}

// DeleteChat 删除会话及消息子集合
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	it := s.messages(chatID).Documents(ctx)
	defer it.Stop()
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return mapError(err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return mapError(err)
		}
	}
	_, err := s.chats().Doc(chatID).Delete(ctx, gcfs.Exists)
	return mapError(err)
}

func (s *Store) chatsQuery(uid string) gcfs.Query {
	return s.chats().Where("participants", "array-contains", uid)
}

// ChatsFor 用户参与的会话
func (s *Store) ChatsFor(ctx context.Context, uid string) ([]*model.Chat, error) {
	docs, err := s.chatsQuery(uid).Documents(ctx).GetAll()
	if err != nil {
		return nil, mapError(err)
	}
	return s.decodeChats(docs), nil
}

func (s *Store) decodeChats(docs []*gcfs.DocumentSnapshot) []*model.Chat {
	out := make([]*model.Chat, 0, len(docs))
	for _, snap := range docs {
		chat, err := decodeChat(snap)
		if err != nil {
			s.logger.Warn("Skipping malformed chat document", "chatId", snap.Ref.ID, "error", err)
			continue
		}
		out = append(out, chat)
	}
	model.SortChats(out)
	return out
}

// ListGroups 全部群聊
func (s *Store) ListGroups(ctx context.Context) ([]*model.Chat, error) {
	docs, err := s.chats().Where("isGroup", "==", true).Documents(ctx).GetAll()
	if err != nil {
		return nil, mapError(err)
	}
	out := s.decodeChats(docs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ResetUnread 清零未读数
func (s *Store) ResetUnread(ctx context.Context, chatID, uid string) error {
	_, err := s.chats().Doc(chatID).Update(ctx, []gcfs.Update{
		{FieldPath: gcfs.FieldPath{"unreadCounts", uid}, Value: 0},
	})
	return mapError(err)
}

// WatchChatsFor 订阅用户会话列表
func (s *Store) WatchChatsFor(ctx context.Context, uid string, fn func([]*model.Chat, error)) (store.Subscription, error) {
	return s.watchQuery(ctx, s.chatsQuery(uid), func(docs []*gcfs.DocumentSnapshot) {
		fn(s.decodeChats(docs), nil)
	}, func(err error) { fn(nil, err) }), nil
}
