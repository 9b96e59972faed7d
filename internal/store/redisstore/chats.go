package redisstore

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
	sharedNats "sudooom.im.client/shared/nats"
	sharedRedis "sudooom.im.client/shared/redis"
)

// resetUnreadScript 清零成员未读数，unread Hash 的 field 即成员列表
var resetUnreadScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOTFOUND')
end
local cur = redis.call('HGET', KEYS[2], ARGV[1])
if not cur then
	return redis.error_reply('NOTMEMBER')
end
if cur == '0' then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[1], 0)
return 1
`)

// GetChat 获取会话
func (s *Store) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	chats, err := s.loadChats(ctx, []string{chatID})
	if err != nil {
		return nil, err
	}
	if len(chats) == 0 {
		return nil, store.ErrNotFound
	}
	return chats[0], nil
}

// loadChats 批量读取会话与未读计数，不存在的 ID 被跳过
func (s *Store) loadChats(ctx context.Context, ids []string) ([]*model.Chat, error) {
	if len(ids) == 0 {
		return []*model.Chat{}, nil
	}
	pipe := s.rdb.Pipeline()
	docs := make([]*redis.MapStringStringCmd, len(ids))
	unread := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		docs[i] = pipe.HGetAll(ctx, sharedRedis.BuildChatKey(id))
		unread[i] = pipe.HGetAll(ctx, sharedRedis.BuildChatUnreadKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]*model.Chat, 0, len(ids))
	for i, id := range ids {
		fields := docs[i].Val()
		if len(fields) == 0 {
			continue
		}
		out = append(out, decodeChat(id, fields, unread[i].Val()))
	}
	return out, nil
}

func decodeChat(id string, fields, unread map[string]string) *model.Chat {
	c := &model.Chat{
		ID:           id,
		Participants: decodeList(fields["participants"]),
		IsGroup:      fields["isGroup"] == "1",
		Name:         fields["name"],
		Image:        fields["image"],
		AdminID:      fields["adminId"],
		CreatedBy:    fields["createdBy"],
		CreatedAt:    parseTime(fields["createdAt"]),
		UnreadCounts: make(map[string]int, len(unread)),
	}
	if at := parseMillis(fields["lastMessageTime"]); at != nil {
		c.LastMessage = &model.LastMessage{
			Text:     fields["lastMessage"],
			Time:     *at,
			SenderID: fields["lastMessageSender"],
		}
	}
	for uid, v := range unread {
		n, _ := strconv.Atoi(v)
		c.UnreadCounts[uid] = n
	}
	return c.Normalize()
}

func chatFields(c *model.Chat) map[string]any {
	fields := map[string]any{
		"participants":      encodeList(c.Participants),
		"isGroup":           boolField(c.IsGroup),
		"name":              c.Name,
		"image":             c.Image,
		"adminId":           c.AdminID,
		"createdBy":         c.CreatedBy,
		"createdAt":         formatMillis(&c.CreatedAt),
		"lastMessage":       "",
		"lastMessageTime":   "",
		"lastMessageSender": "",
	}
	if c.LastMessage != nil {
		fields["lastMessage"] = c.LastMessage.Text
		fields["lastMessageTime"] = formatMillis(&c.LastMessage.Time)
		fields["lastMessageSender"] = c.LastMessage.SenderID
	}
	return fields
}

func unreadFields(c *model.Chat) map[string]any {
	fields := make(map[string]any, len(c.UnreadCounts))
	for uid, n := range c.UnreadCounts {
		fields[uid] = n
	}
	return fields
}

// FindDirectChat 通过单聊索引查找两人之间的会话
func (s *Store) FindDirectChat(ctx context.Context, a, b string) (*model.Chat, error) {
	id, err := s.rdb.Get(ctx, sharedRedis.BuildDirectIndexKey(a, b)).Result()
	if errors.Is(err, redis.Nil) {
		id = model.DirectChatID(a, b)
	} else if err != nil {
		return nil, err
	}
	c, err := s.GetChat(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.IsGroup || !c.HasParticipant(a) || !c.HasParticipant(b) {
		return nil, store.ErrNotFound
	}
	return c, nil
}

// CreateChat 创建会话，同时维护成员索引与单聊索引
func (s *Store) CreateChat(ctx context.Context, chat *model.Chat) error {
	c := chat.Clone().Normalize()
	chatKey := sharedRedis.BuildChatKey(c.ID)
	direct := !c.IsGroup && len(c.Participants) == 2

	err := s.withRetry(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, chatKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return store.ErrAlreadyExists
		}
		if c.CreatedAt.IsZero() {
			t, err := tx.Time(ctx).Result()
			if err != nil {
				return err
			}
			c.CreatedAt = t
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, chatKey, chatFields(c))
			if len(c.UnreadCounts) > 0 {
				pipe.HSet(ctx, sharedRedis.BuildChatUnreadKey(c.ID), unreadFields(c))
			}
			for _, uid := range c.Participants {
				pipe.SAdd(ctx, sharedRedis.BuildUserChatsKey(uid), c.ID)
			}
			if c.IsGroup {
				pipe.SAdd(ctx, sharedRedis.GroupsKey, c.ID)
			}
			if direct {
				pipe.SetNX(ctx, sharedRedis.BuildDirectIndexKey(c.Participants[0], c.Participants[1]), c.ID, 0)
			}
			return nil
		})
		return err
	}, chatKey)
	if err != nil {
		return err
	}

	s.publish(ctx, chatListSubjects(c.Participants)...)
	return nil
}

// UpdateGroup 更新群资料
func (s *Store) UpdateGroup(ctx context.Context, chatID string, update model.GroupUpdate) error {
	fields := make(map[string]any)
	if update.Name != nil {
		name := *update.Name
		if strings.TrimSpace(name) == "" {
			name = model.DefaultGroupName
		}
		fields["name"] = name
	}
	if update.Image != nil {
		fields["image"] = *update.Image
	}
	if update.AdminID != nil {
		fields["adminId"] = *update.AdminID
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.hsetExisting(ctx, sharedRedis.BuildChatKey(chatID), fields); err != nil {
		return err
	}
	return s.publishChatMembers(ctx, chatID)
}

// SetParticipants 在同一事务中改写成员、未读计数与成员索引
func (s *Store) SetParticipants(ctx context.Context, chatID string, participants []string) error {
	chatKey := sharedRedis.BuildChatKey(chatID)
	unreadKey := sharedRedis.BuildChatUnreadKey(chatID)
	var affected []string

	err := s.withRetry(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, chatKey).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return store.ErrNotFound
		}
		unread, err := tx.HGetAll(ctx, unreadKey).Result()
		if err != nil {
			return err
		}
		current := decodeChat(chatID, fields, unread)
		next := current.Clone()
		next.Participants = slices.Clone(participants)
		next.Normalize()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, chatKey, "participants", encodeList(next.Participants))
			pipe.Del(ctx, unreadKey)
			if len(next.UnreadCounts) > 0 {
				pipe.HSet(ctx, unreadKey, unreadFields(next))
			}
			for _, uid := range current.Participants {
				if !next.HasParticipant(uid) {
					pipe.SRem(ctx, sharedRedis.BuildUserChatsKey(uid), chatID)
				}
			}
			for _, uid := range next.Participants {
				pipe.SAdd(ctx, sharedRedis.BuildUserChatsKey(uid), chatID)
			}
			return nil
		})
		affected = append(slices.Clone(current.Participants), next.Participants...)
		return err
	}, chatKey, unreadKey)
	if err != nil {
		return err
	}

	s.publish(ctx, chatListSubjects(affected)...)
	return nil
}

// DeleteChat 删除会话及其全部消息
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	chatKey := sharedRedis.BuildChatKey(chatID)
	msgsKey := sharedRedis.BuildChatMessagesKey(chatID)
	var participants []string

	err := s.withRetry(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, chatKey).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return store.ErrNotFound
		}
		chat := decodeChat(chatID, fields, nil)
		participants = chat.Participants
		msgIDs, err := tx.ZRange(ctx, msgsKey, 0, -1).Result()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			keys := []string{chatKey, sharedRedis.BuildChatUnreadKey(chatID), msgsKey}
			for _, id := range msgIDs {
				keys = append(keys,
					sharedRedis.BuildMessageKey(chatID, id),
					sharedRedis.BuildMessageSeenKey(chatID, id),
					sharedRedis.BuildMessageStarredKey(chatID, id),
				)
			}
			pipe.Del(ctx, keys...)
			for _, uid := range participants {
				pipe.SRem(ctx, sharedRedis.BuildUserChatsKey(uid), chatID)
			}
			if chat.IsGroup {
				pipe.SRem(ctx, sharedRedis.GroupsKey, chatID)
			} else if len(participants) == 2 {
				pipe.Del(ctx, sharedRedis.BuildDirectIndexKey(participants[0], participants[1]))
			}
			return nil
		})
		return err
	}, chatKey, msgsKey)
	if err != nil {
		return err
	}

	s.publish(ctx, append(chatListSubjects(participants), sharedNats.BuildMessagesSubject(chatID))...)
	return nil
}

// ChatsFor 用户参与的会话，按最新消息时间倒序
func (s *Store) ChatsFor(ctx context.Context, uid string) ([]*model.Chat, error) {
	ids, err := s.rdb.SMembers(ctx, sharedRedis.BuildUserChatsKey(uid)).Result()
	if err != nil {
		return nil, err
	}
	chats, err := s.loadChats(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := chats[:0]
	for _, c := range chats {
		if c.HasParticipant(uid) {
			out = append(out, c)
		}
	}
	model.SortChats(out)
	return out, nil
}

// ListGroups 全部群聊，按名称排序
func (s *Store) ListGroups(ctx context.Context) ([]*model.Chat, error) {
	ids, err := s.rdb.SMembers(ctx, sharedRedis.GroupsKey).Result()
	if err != nil {
		return nil, err
	}
	groups, err := s.loadChats(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Name != groups[j].Name {
			return groups[i].Name < groups[j].Name
		}
		return groups[i].ID < groups[j].ID
	})
	return groups, nil
}

// ResetUnread 清零指定成员的未读数
func (s *Store) ResetUnread(ctx context.Context, chatID, uid string) error {
	keys := []string{sharedRedis.BuildChatKey(chatID), sharedRedis.BuildChatUnreadKey(chatID)}
	changed, err := resetUnreadScript.Run(ctx, s.rdb, keys, uid).Int()
	if err = scriptError(err); err != nil {
		return err
	}
	if changed == 1 {
		s.publish(ctx, sharedNats.BuildChatListSubject(uid))
	}
	return nil
}

// WatchChatsFor 订阅用户会话列表
func (s *Store) WatchChatsFor(ctx context.Context, uid string, fn func([]*model.Chat, error)) (store.Subscription, error) {
	return s.watch(ctx, sharedNats.BuildChatListSubject(uid), func(ctx context.Context) error {
		chats, err := s.ChatsFor(ctx, uid)
		if err != nil {
			return err
		}
		fn(chats, nil)
		return nil
	}, func(err error) { fn(nil, err) })
}

// publishChatMembers 通知会话全部成员的会话列表
func (s *Store) publishChatMembers(ctx context.Context, chatID string) error {
	raw, err := s.rdb.HGet(ctx, sharedRedis.BuildChatKey(chatID), "participants").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	s.publish(ctx, chatListSubjects(decodeList(raw))...)
	return nil
}

func chatListSubjects(uids []string) []string {
	seen := make(map[string]struct{}, len(uids))
	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, sharedNats.BuildChatListSubject(uid))
	}
	return out
}
