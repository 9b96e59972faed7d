// Package firestore 基于 Cloud Firestore 的远程存储适配器。
package firestore

import (
	"context"
	"errors"
	"log/slog"
	"os"

	gcfs "cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
)

// Config Firestore 连接配置
type Config struct {
	ProjectID       string
	CredentialsFile string
	EmulatorHost    string
}

// Store Firestore 存储
type Store struct {
	client *gcfs.Client
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New 创建 Firestore 存储
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.EmulatorHost != "" {
		// 客户端库通过环境变量识别模拟器
		os.Setenv("FIRESTORE_EMULATOR_HOST", cfg.EmulatorHost)
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := gcfs.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, err
	}

	return &Store{
		client: client,
		logger: slog.Default(),
	}, nil
}

// Ping 通过一次轻量查询检查连通性
func (s *Store) Ping(ctx context.Context) error {
	it := s.client.Collection(colAdmins).Limit(1).Documents(ctx)
	defer it.Stop()
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

// Close 关闭客户端
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) users() *gcfs.CollectionRef { return s.client.Collection(colUsers) }
func (s *Store) chats() *gcfs.CollectionRef { return s.client.Collection(colChats) }
func (s *Store) calls() *gcfs.CollectionRef { return s.client.Collection(colCalls) }

func (s *Store) messages(chatID string) *gcfs.CollectionRef {
	return s.chats().Doc(chatID).Collection(colMessages)
}

// mapError 把 gRPC 状态码转换为存储哨兵错误
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return store.ErrNotFound
	case codes.AlreadyExists:
		return store.ErrAlreadyExists
	case codes.PermissionDenied:
		return store.ErrForbidden
	}
	return err
}

// ============== Users ==============

// GetUser 获取用户
func (s *Store) GetUser(ctx context.Context, uid string) (*model.User, error) {
	snap, err := s.users().Doc(uid).Get(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	var doc userDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, err
	}
	return doc.toModel(uid), nil
}

// EnsureUser 首次登录创建用户
func (s *Store) EnsureUser(ctx context.Context, user *model.User) (*model.User, error) {
	u := *user
	u.Normalize()
	_, err := s.users().Doc(u.UID).Create(ctx, userDocFrom(&u))
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, mapError(err)
	}
	return s.GetUser(ctx, u.UID)
}

// UpdateProfile 更新用户资料
func (s *Store) UpdateProfile(ctx context.Context, uid string, update model.ProfileUpdate) error {
	if update.Empty() {
		return nil
	}
	var updates []gcfs.Update
	if update.Name != nil {
		name := *update.Name
		if name == "" {
			name = model.DefaultUserName
		}
		updates = append(updates, gcfs.Update{Path: "name", Value: name})
	}
	if update.About != nil {
		updates = append(updates, gcfs.Update{Path: "about", Value: *update.About})
	}
	if update.Phone != nil {
		updates = append(updates, gcfs.Update{Path: "phone", Value: *update.Phone})
	}
	if update.PhotoURL != nil {
		updates = append(updates, gcfs.Update{Path: "photoURL", Value: *update.PhotoURL})
	}
	if update.Email != nil {
		updates = append(updates, gcfs.Update{Path: "email", Value: *update.Email})
	}
	_, err := s.users().Doc(uid).Update(ctx, updates)
	return mapError(err)
}

// SetPresence 更新在线状态，lastSeen 使用服务端时间
func (s *Store) SetPresence(ctx context.Context, uid string, online bool) error {
	var lastSeen interface{}
	if !online {
		lastSeen = gcfs.ServerTimestamp
	}
	_, err := s.users().Doc(uid).Update(ctx, []gcfs.Update{
		{Path: "online", Value: online},
		{Path: "lastSeen", Value: lastSeen},
	})
	return mapError(err)
}

// SetListMembership 以 arrayUnion/arrayRemove 修改置顶/归档列表
func (s *Store) SetListMembership(ctx context.Context, uid string, list model.UserList, chatID string, member bool) error {
	var value interface{}
	if member {
		value = gcfs.ArrayUnion(chatID)
	} else {
		value = gcfs.ArrayRemove(chatID)
	}
	_, err := s.users().Doc(uid).Update(ctx, []gcfs.Update{{Path: string(list), Value: value}})
	return mapError(err)
}

// ListUsers 列出全部用户
func (s *Store) ListUsers(ctx context.Context) ([]*model.User, error) {
	docs, err := s.users().OrderBy("name", gcfs.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]*model.User, 0, len(docs))
	for _, snap := range docs {
		var doc userDoc
		if err := snap.DataTo(&doc); err != nil {
			s.logger.Warn("Skipping malformed user document", "uid", snap.Ref.ID, "error", err)
			continue
		}
		out = append(out, doc.toModel(snap.Ref.ID))
	}
	return out, nil
}

// DeleteUser 删除用户文档
func (s *Store) DeleteUser(ctx context.Context, uid string) error {
	_, err := s.users().Doc(uid).Delete(ctx, gcfs.Exists)
	return mapError(err)
}

// WatchUser 订阅用户文档
func (s *Store) WatchUser(ctx context.Context, uid string, fn func(*model.User, error)) (store.Subscription, error) {
	return s.watchDoc(ctx, s.users().Doc(uid), func(snap *gcfs.DocumentSnapshot) {
		if !snap.Exists() {
			fn(nil, nil)
			return
		}
		var doc userDoc
		if err := snap.DataTo(&doc); err != nil {
			s.logger.Warn("Malformed user document", "uid", uid, "error", err)
			return
		}
		fn(doc.toModel(uid), nil)
	}, func(err error) { fn(nil, err) }), nil
}
