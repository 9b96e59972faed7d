package service

import (
	"context"
	"log/slog"
	"strings"

	"sudooom.im.client/internal/blob"
	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
	sharedErrors "sudooom.im.client/shared/errors"
)

// DisplayNameUpdater 身份提供方侧的显示名同步
type DisplayNameUpdater interface {
	UpdateDisplayName(ctx context.Context, uid, name string) error
}

// ProfileService 用户资料
type ProfileService struct {
	users    store.Users
	uploader *blob.Uploader
	identity DisplayNameUpdater
	logger   *slog.Logger
}

// NewProfileService 创建资料服务，identity 可为 nil
func NewProfileService(users store.Users, uploader *blob.Uploader, identity DisplayNameUpdater) *ProfileService {
	return &ProfileService{
		users:    users,
		uploader: uploader,
		identity: identity,
		logger:   slog.Default(),
	}
}

// GetProfile 获取用户资料
func (s *ProfileService) GetProfile(ctx context.Context, uid string) (*model.User, error) {
	u, err := s.users.GetUser(ctx, uid)
	if err != nil {
		return nil, mapStoreError(err, sharedErrors.ErrUserNotFound)
	}
	return u, nil
}

// UpdateProfile 更新资料。显示名同时同步到身份提供方，同步失败只记录日志
func (s *ProfileService) UpdateProfile(ctx context.Context, uid string, update model.ProfileUpdate) (*model.User, error) {
	if update.Empty() {
		return nil, sharedErrors.ErrInvalidParams
	}
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return nil, sharedErrors.ErrInvalidParams.WithMessage("name must not be empty")
		}
		update.Name = &name
	}

	if err := s.users.UpdateProfile(ctx, uid, update); err != nil {
		return nil, mapStoreError(err, sharedErrors.ErrUserNotFound)
	}

	if update.Name != nil && s.identity != nil {
		if err := s.identity.UpdateDisplayName(ctx, uid, *update.Name); err != nil {
			s.logger.Warn("Failed to sync display name", "uid", uid, "error", err)
		}
	}
	return s.GetProfile(ctx, uid)
}

// UploadPhoto 上传头像并写入 photoURL
func (s *ProfileService) UploadPhoto(ctx context.Context, uid string, photo Attachment) (*model.User, error) {
	ref, err := s.uploader.Upload(ctx, blob.ProfilePhotoPrefix(uid), photo.Name, photo.Data)
	if err != nil {
		return nil, sharedErrors.ErrUploadFailed.Wrap(err)
	}
	return s.UpdateProfile(ctx, uid, model.ProfileUpdate{PhotoURL: &ref})
}
