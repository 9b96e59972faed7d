package bridge

import (
	"github.com/gin-gonic/gin"

	"sudooom.im.client/internal/model"
)

// SetAdminRequest 授予/撤销管理员
type SetAdminRequest struct {
	Admin bool `json:"admin"`
}

// MemberRequest 拉人进群
type MemberRequest struct {
	UID string `json:"uid" binding:"required"`
}

// adminListUsers GET /api/v1/admin/users
func (s *Server) adminListUsers(c *gin.Context) {
	users, err := s.deps.Admin.ListUsers(c.Request.Context(), GetUID(c))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"list": users})
}

// adminUpdateUser PUT /api/v1/admin/users/:uid
func (s *Server) adminUpdateUser(c *gin.Context) {
	var req model.ProfileUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err.Error())
		return
	}

	user, err := s.deps.Admin.UpdateUser(c.Request.Context(), GetUID(c), c.Param("uid"), req)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, user)
}

// adminDeleteUser DELETE /api/v1/admin/users/:uid
func (s *Server) adminDeleteUser(c *gin.Context) {
	uid := c.Param("uid")
	if err := s.deps.Admin.DeleteUser(c.Request.Context(), GetUID(c), uid); err != nil {
		Error(c, err)
		return
	}
	s.hub.CloseUser(uid)
	Success(c, nil)
}

// adminSetAdmin PUT /api/v1/admin/users/:uid/admin
func (s *Server) adminSetAdmin(c *gin.Context) {
	var req SetAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err.Error())
		return
	}

	if err := s.deps.Admin.SetAdmin(c.Request.Context(), GetUID(c), c.Param("uid"), req.Admin); err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"admin": req.Admin})
}

// adminListGroups GET /api/v1/admin/groups
func (s *Server) adminListGroups(c *gin.Context) {
	groups, err := s.deps.Admin.ListGroups(c.Request.Context(), GetUID(c))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"list": groups})
}

// adminCreateGroup 表单同 /chats/group
// POST /api/v1/admin/groups
func (s *Server) adminCreateGroup(c *gin.Context) {
	image, err := s.readAttachment(c, "image")
	if err != nil {
		Error(c, err)
		return
	}

	chat, err := s.deps.Admin.CreateGroup(c.Request.Context(), GetUID(c), c.PostForm("name"), formMembers(c), image)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, chat)
}

// adminUpdateGroup PUT /api/v1/admin/groups/:id
func (s *Server) adminUpdateGroup(c *gin.Context) {
	var req model.GroupUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err.Error())
		return
	}

	chat, err := s.deps.Admin.UpdateGroup(c.Request.Context(), GetUID(c), c.Param("id"), req)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, chat)
}

// adminDeleteGroup DELETE /api/v1/admin/groups/:id
func (s *Server) adminDeleteGroup(c *gin.Context) {
	if err := s.deps.Admin.DeleteGroup(c.Request.Context(), GetUID(c), c.Param("id")); err != nil {
		Error(c, err)
		return
	}
	Success(c, nil)
}

// adminAddMember POST /api/v1/admin/groups/:id/members
func (s *Server) adminAddMember(c *gin.Context) {
	var req MemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err.Error())
		return
	}

	chat, err := s.deps.Admin.AddMember(c.Request.Context(), GetUID(c), c.Param("id"), req.UID)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, chat)
}

// adminRemoveMember DELETE /api/v1/admin/groups/:id/members/:uid
func (s *Server) adminRemoveMember(c *gin.Context) {
	if err := s.deps.Admin.RemoveMember(c.Request.Context(), GetUID(c), c.Param("id"), c.Param("uid")); err != nil {
		Error(c, err)
		return
	}
	Success(c, nil)
}
