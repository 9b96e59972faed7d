package bridge

import (
	"github.com/gin-gonic/gin"

	"sudooom.im.client/internal/model"
	sharedErrors "sudooom.im.client/shared/errors"
)

// getProfile 获取当前用户资料
// GET /api/v1/profile
func (s *Server) getProfile(c *gin.Context) {
	user, err := s.deps.Profiles.GetProfile(c.Request.Context(), GetUID(c))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, user)
}

// updateProfile 部分更新资料，未提供的字段不修改
// PUT /api/v1/profile
func (s *Server) updateProfile(c *gin.Context) {
	var req model.ProfileUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err.Error())
		return
	}
	// 头像与邮箱不允许经由此接口修改
	req.PhotoURL = nil
	req.Email = nil

	user, err := s.deps.Profiles.UpdateProfile(c.Request.Context(), GetUID(c), req)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, user)
}

// uploadPhoto 上传头像，multipart 字段 photo
// POST /api/v1/profile/photo
func (s *Server) uploadPhoto(c *gin.Context) {
	photo, err := s.readAttachment(c, "photo")
	if err != nil {
		Error(c, err)
		return
	}
	if photo == nil {
		Error(c, sharedErrors.ErrInvalidParams.WithMessage("photo is required"))
		return
	}

	user, err := s.deps.Profiles.UploadPhoto(c.Request.Context(), GetUID(c), *photo)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, user)
}
