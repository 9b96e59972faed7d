package bridge

import (
	"github.com/gin-gonic/gin"
)

// SignUpRequest 注册请求
type SignUpRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
}

// SignInRequest 登录请求
type SignInRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RefreshRequest 刷新令牌请求
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// ResetRequest 申请重置密码
type ResetRequest struct {
	Email string `json:"email" binding:"required"`
}

// ResetConfirmRequest 使用重置码设置新密码
type ResetConfirmRequest struct {
	Code     string `json:"code" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// signUp 注册并登录
// POST /api/v1/auth/signup
func (s *Server) signUp(c *gin.Context) {
	var req SignUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err.Error())
		return
	}

	sess, err := s.deps.Identity.SignUp(c.Request.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, sess)
}

// signIn 登录
// POST /api/v1/auth/signin
func (s *Server) signIn(c *gin.Context) {
	var req SignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err.Error())
		return
	}

	sess, err := s.deps.Identity.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, sess)
}

// refresh 用 refresh token 换新的令牌对
// POST /api/v1/auth/refresh
func (s *Server) refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err.Error())
		return
	}

	sess, err := s.deps.Identity.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, sess)
}

// signOut 登出，当前会话失效并断开该用户进行中的通话
// POST /api/v1/auth/signout
func (s *Server) signOut(c *gin.Context) {
	uid := GetUID(c)
	if err := s.deps.Identity.SignOut(c.Request.Context(), GetAccessToken(c)); err != nil {
		Error(c, err)
		return
	}
	if s.deps.Calls != nil {
		s.deps.Calls.Abandon(uid)
	}
	s.hub.CloseUser(uid)
	Success(c, nil)
}

// requestPasswordReset 发送重置码；邮箱不存在同样返回成功
// POST /api/v1/auth/password/reset
func (s *Server) requestPasswordReset(c *gin.Context) {
	var req ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err.Error())
		return
	}

	if err := s.deps.Identity.RequestPasswordReset(c.Request.Context(), req.Email); err != nil {
		Error(c, err)
		return
	}
	Success(c, nil)
}

// confirmPasswordReset 校验重置码并设置新密码
// POST /api/v1/auth/password/confirm
func (s *Server) confirmPasswordReset(c *gin.Context) {
	var req ResetConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err.Error())
		return
	}

	if err := s.deps.Identity.ConfirmPasswordReset(c.Request.Context(), req.Code, req.Password); err != nil {
		Error(c, err)
		return
	}
	Success(c, nil)
}
