package bridge

import (
	"github.com/gin-gonic/gin"

	"sudooom.im.client/internal/call"
	"sudooom.im.client/internal/model"
)

// StartCallRequest 发起通话
type StartCallRequest struct {
	ChatID string          `json:"chatId" binding:"required"`
	Type   model.MediaType `json:"type" binding:"required"`
}

// startCall 在单聊中发起通话，后续状态通过 websocket 的 call 事件推送
// POST /api/v1/calls
func (s *Server) startCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err.Error())
		return
	}

	uid := GetUID(c)
	m, err := s.deps.Calls.StartCall(c.Request.Context(), uid, req.ChatID, req.Type, s.callEvents(uid))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, m.Snapshot())
}

// acceptCall 接听来电
// POST /api/v1/calls/:id/accept
func (s *Server) acceptCall(c *gin.Context) {
	uid := GetUID(c)
	m, err := s.deps.Calls.Accept(c.Request.Context(), uid, c.Param("id"), s.callEvents(uid))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, m.Snapshot())
}

// declineCall 拒接来电
// POST /api/v1/calls/:id/decline
func (s *Server) declineCall(c *gin.Context) {
	if err := s.deps.Calls.Decline(c.Request.Context(), GetUID(c), c.Param("id")); err != nil {
		Error(c, err)
		return
	}
	Success(c, nil)
}

// hangup 挂断当前通话
// POST /api/v1/calls/hangup
func (s *Server) hangup(c *gin.Context) {
	if err := s.deps.Calls.Hangup(c.Request.Context(), GetUID(c)); err != nil {
		Error(c, err)
		return
	}
	Success(c, nil)
}

// activeCall 当前通话快照，没有通话时 data 为 null
// GET /api/v1/calls/active
func (s *Server) activeCall(c *gin.Context) {
	m := s.deps.Calls.Active(GetUID(c))
	if m == nil {
		Success(c, nil)
		return
	}
	Success(c, m.Snapshot())
}

// callEvents 通话事件转发到该用户的所有 websocket 连接
func (s *Server) callEvents(uid string) func(call.Event) {
	return func(ev call.Event) {
		s.hub.Publish(uid, FrameCall, ev)
	}
}
