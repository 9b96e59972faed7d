package redisstore

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
	sharedNats "sudooom.im.client/shared/nats"
	sharedRedis "sudooom.im.client/shared/redis"
)

// setPresenceScript 以 Redis 服务端时间写入离线时间
var setPresenceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOTFOUND')
end
if ARGV[1] == '1' then
	redis.call('HSET', KEYS[1], 'online', '1', 'lastSeen', '')
	return 1
end
local t = redis.call('TIME')
local ms = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
redis.call('HSET', KEYS[1], 'online', '0', 'lastSeen', ms)
return ms
`)

// GetUser 获取用户资料
func (s *Store) GetUser(ctx context.Context, uid string) (*model.User, error) {
	users, err := s.loadUsers(ctx, []string{uid})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, store.ErrNotFound
	}
	return users[0], nil
}

// loadUsers 批量读取用户，不存在的 uid 被跳过
func (s *Store) loadUsers(ctx context.Context, uids []string) ([]*model.User, error) {
	if len(uids) == 0 {
		return []*model.User{}, nil
	}
	pipe := s.rdb.Pipeline()
	profiles := make([]*redis.MapStringStringCmd, len(uids))
	pinned := make([]*redis.StringSliceCmd, len(uids))
	archived := make([]*redis.StringSliceCmd, len(uids))
	for i, uid := range uids {
		profiles[i] = pipe.HGetAll(ctx, sharedRedis.BuildUserKey(uid))
		pinned[i] = pipe.SMembers(ctx, sharedRedis.BuildUserPinnedKey(uid))
		archived[i] = pipe.SMembers(ctx, sharedRedis.BuildUserArchivedKey(uid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]*model.User, 0, len(uids))
	for i, uid := range uids {
		fields := profiles[i].Val()
		if len(fields) == 0 {
			continue
		}
		u := &model.User{
			UID:           uid,
			Name:          fields["name"],
			Email:         fields["email"],
			PhotoURL:      fields["photoURL"],
			About:         fields["about"],
			Phone:         fields["phone"],
			Online:        fields["online"] == "1",
			LastSeen:      parseMillis(fields["lastSeen"]),
			PinnedChats:   pinned[i].Val(),
			ArchivedChats: archived[i].Val(),
			CreatedAt:     parseTime(fields["createdAt"]),
		}
		// 集合无序，排序后返回稳定结果
		sort.Strings(u.PinnedChats)
		sort.Strings(u.ArchivedChats)
		out = append(out, u.Normalize())
	}
	return out, nil
}

func userFields(u *model.User) map[string]any {
	return map[string]any{
		"name":      u.Name,
		"email":     u.Email,
		"photoURL":  u.PhotoURL,
		"about":     u.About,
		"phone":     u.Phone,
		"online":    boolField(u.Online),
		"lastSeen":  formatMillis(u.LastSeen),
		"createdAt": formatMillis(&u.CreatedAt),
	}
}

// EnsureUser 首次登录创建用户，已存在时返回现有资料
func (s *Store) EnsureUser(ctx context.Context, user *model.User) (*model.User, error) {
	key := sharedRedis.BuildUserKey(user.UID)
	created := false

	err := s.withRetry(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		u := *user
		u.Normalize()
		if u.CreatedAt.IsZero() {
			t, err := tx.Time(ctx).Result()
			if err != nil {
				return err
			}
			u.CreatedAt = t
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, userFields(&u))
			pipe.SAdd(ctx, sharedRedis.UsersKey, u.UID)
			for _, id := range u.PinnedChats {
				pipe.SAdd(ctx, sharedRedis.BuildUserPinnedKey(u.UID), id)
			}
			for _, id := range u.ArchivedChats {
				pipe.SAdd(ctx, sharedRedis.BuildUserArchivedKey(u.UID), id)
			}
			return nil
		})
		created = err == nil
		return err
	}, key)
	if err != nil {
		return nil, err
	}

	if created {
		s.publish(ctx, sharedNats.BuildUserSubject(user.UID))
	}
	return s.GetUser(ctx, user.UID)
}

// UpdateProfile 更新用户资料
func (s *Store) UpdateProfile(ctx context.Context, uid string, update model.ProfileUpdate) error {
	fields := make(map[string]any)
	if update.Name != nil {
		name := *update.Name
		if strings.TrimSpace(name) == "" {
			name = model.DefaultUserName
		}
		fields["name"] = name
	}
	if update.About != nil {
		fields["about"] = *update.About
	}
	if update.Phone != nil {
		fields["phone"] = *update.Phone
	}
	if update.PhotoURL != nil {
		fields["photoURL"] = *update.PhotoURL
	}
	if update.Email != nil {
		fields["email"] = *update.Email
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.hsetExisting(ctx, sharedRedis.BuildUserKey(uid), fields); err != nil {
		return err
	}
	s.publish(ctx, sharedNats.BuildUserSubject(uid))
	return nil
}

// SetPresence 更新在线状态
func (s *Store) SetPresence(ctx context.Context, uid string, online bool) error {
	err := setPresenceScript.Run(ctx, s.rdb, []string{sharedRedis.BuildUserKey(uid)}, boolField(online)).Err()
	if err = scriptError(err); err != nil {
		return err
	}
	s.publish(ctx, sharedNats.BuildUserSubject(uid))
	return nil
}

// SetListMembership 修改置顶/归档集合
func (s *Store) SetListMembership(ctx context.Context, uid string, list model.UserList, chatID string, member bool) error {
	n, err := s.rdb.Exists(ctx, sharedRedis.BuildUserKey(uid)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}

	key := sharedRedis.BuildUserPinnedKey(uid)
	if list == model.ListArchived {
		key = sharedRedis.BuildUserArchivedKey(uid)
	}
	if member {
		err = s.rdb.SAdd(ctx, key, chatID).Err()
	} else {
		err = s.rdb.SRem(ctx, key, chatID).Err()
	}
	if err != nil {
		return err
	}
	s.publish(ctx, sharedNats.BuildUserSubject(uid))
	return nil
}

// ListUsers 列出全部用户，按昵称排序
func (s *Store) ListUsers(ctx context.Context) ([]*model.User, error) {
	uids, err := s.rdb.SMembers(ctx, sharedRedis.UsersKey).Result()
	if err != nil {
		return nil, err
	}
	users, err := s.loadUsers(ctx, uids)
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].UID < users[j].UID
	})
	return users, nil
}

// DeleteUser 删除用户资料及其私有集合，会话成员关系由调用方处理
func (s *Store) DeleteUser(ctx context.Context, uid string) error {
	pipe := s.rdb.TxPipeline()
	deleted := pipe.Del(ctx, sharedRedis.BuildUserKey(uid))
	pipe.Del(ctx,
		sharedRedis.BuildUserPinnedKey(uid),
		sharedRedis.BuildUserArchivedKey(uid),
		sharedRedis.BuildUserIncomingKey(uid),
	)
	pipe.SRem(ctx, sharedRedis.UsersKey, uid)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if deleted.Val() == 0 {
		return store.ErrNotFound
	}
	s.publish(ctx, sharedNats.BuildUserSubject(uid))
	return nil
}

// WatchUser 订阅用户资料，文档不存在时回调 nil
func (s *Store) WatchUser(ctx context.Context, uid string, fn func(*model.User, error)) (store.Subscription, error) {
	return s.watch(ctx, sharedNats.BuildUserSubject(uid), func(ctx context.Context) error {
		u, err := s.GetUser(ctx, uid)
		if errors.Is(err, store.ErrNotFound) {
			fn(nil, nil)
			return nil
		}
		if err != nil {
			return err
		}
		fn(u, nil)
		return nil
	}, func(err error) { fn(nil, err) })
}
