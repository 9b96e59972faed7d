package redisstore

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
	sharedNats "sudooom.im.client/shared/nats"
	sharedRedis "sudooom.im.client/shared/redis"
)

// sendMessageScript 原子发送：校验会话与成员后写入消息、索引、预览与未读计数
//
// KEYS: chat, unread, msgs, msg
// ARGV: msgId, senderId, text, imageUrl, preview
// 返回会话内单调递增的服务端毫秒时间戳
var sendMessageScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOTFOUND')
end
if redis.call('HEXISTS', KEYS[2], ARGV[2]) == 0 then
	return redis.error_reply('NOTMEMBER')
end
local t = redis.call('TIME')
local ms = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local last = redis.call('ZREVRANGE', KEYS[3], 0, 0, 'WITHSCORES')
if #last == 2 and tonumber(last[2]) >= ms then
	ms = tonumber(last[2]) + 1
end
redis.call('HSET', KEYS[4], 'senderId', ARGV[2], 'text', ARGV[3], 'imageUrl', ARGV[4], 'createdAt', ms, 'deleted', '0')
redis.call('ZADD', KEYS[3], ms, ARGV[1])
redis.call('HSET', KEYS[1], 'lastMessage', ARGV[5], 'lastMessageTime', ms, 'lastMessageSender', ARGV[2])
for _, uid in ipairs(redis.call('HKEYS', KEYS[2])) do
	if uid ~= ARGV[2] then
		redis.call('HINCRBY', KEYS[2], uid, 1)
	end
end
return ms
`)

// softDeleteScript 仅发送者可删除，删除后清空正文与图片
var softDeleteScript = redis.NewScript(`
local sender = redis.call('HGET', KEYS[1], 'senderId')
if not sender then
	return redis.error_reply('NOTFOUND')
end
if sender ~= ARGV[1] then
	return redis.error_reply('FORBIDDEN')
end
redis.call('HSET', KEYS[1], 'deleted', '1', 'text', '', 'imageUrl', '')
return 1
`)

// markSeenScript KEYS 为 (msg, seen) 成对出现，跳过不存在的消息
var markSeenScript = redis.NewScript(`
local changed = 0
for i = 1, #KEYS, 2 do
	if redis.call('EXISTS', KEYS[i]) == 1 then
		changed = changed + redis.call('SADD', KEYS[i + 1], ARGV[1])
	end
end
return changed
`)

// SendMessage 原子写入消息、预览与未读计数
func (s *Store) SendMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	out := msg.Clone()
	out.ID = s.ids.Generate().String()
	out.SeenBy = []string{}
	out.StarredBy = []string{}
	out.Deleted = false
	out.Normalize()

	keys := []string{
		sharedRedis.BuildChatKey(out.ChatID),
		sharedRedis.BuildChatUnreadKey(out.ChatID),
		sharedRedis.BuildChatMessagesKey(out.ChatID),
		sharedRedis.BuildMessageKey(out.ChatID, out.ID),
	}
	ms, err := sendMessageScript.Run(ctx, s.rdb, keys,
		out.ID, out.SenderID, out.Text, out.ImageURL, out.Preview()).Int64()
	if err = scriptError(err); err != nil {
		return nil, err
	}
	out.CreatedAt = time.UnixMilli(ms)

	if err := s.publishChatMembers(ctx, out.ChatID); err != nil {
		s.logger.Warn("Failed to load chat members for notify", "chatId", out.ChatID, "error", err)
	}
	s.publish(ctx, sharedNats.BuildMessagesSubject(out.ChatID))
	return out, nil
}

// GetMessage 获取消息
func (s *Store) GetMessage(ctx context.Context, chatID, msgID string) (*model.Message, error) {
	msgs, err := s.loadMessages(ctx, chatID, []string{msgID})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, store.ErrNotFound
	}
	return msgs[0], nil
}

// loadMessages 批量读取消息及其已读/收藏集合
func (s *Store) loadMessages(ctx context.Context, chatID string, ids []string) ([]*model.Message, error) {
	if len(ids) == 0 {
		return []*model.Message{}, nil
	}
	pipe := s.rdb.Pipeline()
	docs := make([]*redis.MapStringStringCmd, len(ids))
	seen := make([]*redis.StringSliceCmd, len(ids))
	starred := make([]*redis.StringSliceCmd, len(ids))
	for i, id := range ids {
		docs[i] = pipe.HGetAll(ctx, sharedRedis.BuildMessageKey(chatID, id))
		seen[i] = pipe.SMembers(ctx, sharedRedis.BuildMessageSeenKey(chatID, id))
		starred[i] = pipe.SMembers(ctx, sharedRedis.BuildMessageStarredKey(chatID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]*model.Message, 0, len(ids))
	for i, id := range ids {
		fields := docs[i].Val()
		if len(fields) == 0 {
			continue
		}
		m := &model.Message{
			ID:        id,
			ChatID:    chatID,
			SenderID:  fields["senderId"],
			Text:      fields["text"],
			ImageURL:  fields["imageUrl"],
			CreatedAt: parseTime(fields["createdAt"]),
			SeenBy:    seen[i].Val(),
			StarredBy: starred[i].Val(),
			Deleted:   fields["deleted"] == "1",
		}
		slices.Sort(m.SeenBy)
		slices.Sort(m.StarredBy)
		out = append(out, m.Normalize())
	}
	model.SortMessages(out)
	return out, nil
}

// SoftDeleteMessage 软删除，仅发送者可操作
func (s *Store) SoftDeleteMessage(ctx context.Context, chatID, msgID, requester string) error {
	err := softDeleteScript.Run(ctx, s.rdb, []string{sharedRedis.BuildMessageKey(chatID, msgID)}, requester).Err()
	if err = scriptError(err); err != nil {
		return err
	}
	s.publish(ctx, sharedNats.BuildMessagesSubject(chatID))
	return nil
}

// SetStar 收藏/取消收藏
func (s *Store) SetStar(ctx context.Context, chatID, msgID, uid string, starred bool) error {
	n, err := s.rdb.Exists(ctx, sharedRedis.BuildMessageKey(chatID, msgID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	key := sharedRedis.BuildMessageStarredKey(chatID, msgID)
	if starred {
		err = s.rdb.SAdd(ctx, key, uid).Err()
	} else {
		err = s.rdb.SRem(ctx, key, uid).Err()
	}
	if err != nil {
		return err
	}
	s.publish(ctx, sharedNats.BuildMessagesSubject(chatID))
	return nil
}

// MarkSeen 把 uid 并入消息的已读集合
func (s *Store) MarkSeen(ctx context.Context, chatID string, msgIDs []string, uid string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(msgIDs)*2)
	for _, id := range msgIDs {
		keys = append(keys, sharedRedis.BuildMessageKey(chatID, id), sharedRedis.BuildMessageSeenKey(chatID, id))
	}
	changed, err := markSeenScript.Run(ctx, s.rdb, keys, uid).Int()
	if err != nil {
		return err
	}
	if changed > 0 {
		s.publish(ctx, sharedNats.BuildMessagesSubject(chatID))
	}
	return nil
}

// RecentMessages 最近 limit 条消息，limit <= 0 时返回全部
func (s *Store) RecentMessages(ctx context.Context, chatID string, limit int) ([]*model.Message, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.rdb.ZRevRange(ctx, sharedRedis.BuildChatMessagesKey(chatID), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	return s.loadMessages(ctx, chatID, ids)
}

// WatchMessages 订阅会话消息
func (s *Store) WatchMessages(ctx context.Context, chatID string, fn func([]*model.Message, error)) (store.Subscription, error) {
	return s.watch(ctx, sharedNats.BuildMessagesSubject(chatID), func(ctx context.Context) error {
		msgs, err := s.RecentMessages(ctx, chatID, 0)
		if err != nil {
			return err
		}
		fn(msgs, nil)
		return nil
	}, func(err error) { fn(nil, err) })
}
