package firestore

import (
	"context"
	"slices"

	gcfs "cloud.google.com/go/firestore"

	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
)

// SendMessage 事务内写入消息、更新预览并为其他成员未读数加一
func (s *Store) SendMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	chatRef := s.chats().Doc(msg.ChatID)
	msgRef := s.messages(msg.ChatID).NewDoc()

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *gcfs.Transaction) error {
		snap, err := tx.Get(chatRef)
		if err != nil {
			return err
		}
		chat, err := decodeChat(snap)
		if err != nil {
			return err
		}
		if !chat.HasParticipant(msg.SenderID) {
			return store.ErrNotMember
		}

		if err := tx.Create(msgRef, &messageDoc{
			SenderID:  msg.SenderID,
			Text:      msg.Text,
			ImageURL:  msg.ImageURL,
			SeenBy:    []string{},
			StarredBy: []string{},
		}); err != nil {
			return err
		}

		updates := []gcfs.Update{
			{Path: "lastMessage", Value: msg.Preview()},
			{Path: "lastMessageTime", Value: gcfs.ServerTimestamp},
			{Path: "lastMessageSender", Value: msg.SenderID},
		}
		for _, uid := range chat.Others(msg.SenderID) {
			updates = append(updates, gcfs.Update{
				FieldPath: gcfs.FieldPath{"unreadCounts", uid},
				Value:     gcfs.Increment(1),
			})
		}
		return tx.Update(chatRef, updates)
	})
	if err != nil {
		return nil, mapError(err)
	}

	return s.GetMessage(ctx, msg.ChatID, msgRef.ID)
}

// GetMessage 获取消息
func (s *Store) GetMessage(ctx context.Context, chatID, msgID string) (*model.Message, error) {
	snap, err := s.messages(chatID).Doc(msgID).Get(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return decodeMessage(chatID, snap)
}

func decodeMessage(chatID string, snap *gcfs.DocumentSnapshot) (*model.Message, error) {
	var doc messageDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, err
	}
	return doc.toModel(chatID, snap.Ref.ID), nil
}

// SoftDeleteMessage 事务内校验发送者后打删除标记
func (s *Store) SoftDeleteMessage(ctx context.Context, chatID, msgID, requester string) error {
	ref := s.messages(chatID).Doc(msgID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *gcfs.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		if doc.SenderID != requester {
			return store.ErrForbidden
		}
		return tx.Update(ref, []gcfs.Update{
			{Path: "text", Value: ""},
			{Path: "imageUrl", Value: ""},
			{Path: "deleted", Value: true},
		})
	})
	return mapError(err)
}

// SetStar 收藏/取消收藏
func (s *Store) SetStar(ctx context.Context, chatID, msgID, uid string, starred bool) error {
	var value interface{}
	if starred {
		value = gcfs.ArrayUnion(uid)
	} else {
		value = gcfs.ArrayRemove(uid)
	}
	_, err := s.messages(chatID).Doc(msgID).Update(ctx, []gcfs.Update{{Path: "starredBy", Value: value}})
	return mapError(err)
}

// MarkSeen 把 uid 并入每条消息的 seenBy，已被并发删除的消息忽略
func (s *Store) MarkSeen(ctx context.Context, chatID string, msgIDs []string, uid string) error {
	for _, id := range msgIDs {
		_, err := s.messages(chatID).Doc(id).Update(ctx, []gcfs.Update{
			{Path: "seenBy", Value: gcfs.ArrayUnion(uid)},
		})
		if err := store.IgnoreNotFound(mapError(err)); err != nil {
			return err
		}
	}
	return nil
}

// RecentMessages 倒序取最近 limit 条再翻转为升序
func (s *Store) RecentMessages(ctx context.Context, chatID string, limit int) ([]*model.Message, error) {
	q := s.messages(chatID).OrderBy("createdAt", gcfs.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, mapError(err)
	}
	out := s.decodeMessages(chatID, docs)
	slices.Reverse(out)
	model.SortMessages(out)
	return out, nil
}

func (s *Store) decodeMessages(chatID string, docs []*gcfs.DocumentSnapshot) []*model.Message {
	out := make([]*model.Message, 0, len(docs))
	for _, snap := range docs {
		m, err := decodeMessage(chatID, snap)
		if err != nil {
			s.logger.Warn("Skipping malformed message document", "chatId", chatID, "msgId", snap.Ref.ID, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out
}

// WatchMessages 订阅会话消息（按 createdAt 升序）
func (s *Store) WatchMessages(ctx context.Context, chatID string, fn func([]*model.Message, error)) (store.Subscription, error) {
	q := s.messages(chatID).OrderBy("createdAt", gcfs.Asc)
	return s.watchQuery(ctx, q, func(docs []*gcfs.DocumentSnapshot) {
		msgs := s.decodeMessages(chatID, docs)
		model.SortMessages(msgs)
		fn(msgs, nil)
	}, func(err error) { fn(nil, err) }), nil
}
