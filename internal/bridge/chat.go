package bridge

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"sudooom.im.client/internal/service"
	sharedErrors "sudooom.im.client/shared/errors"
)

// 置顶会话预览默认条数
const defaultRecentLimit = 3

// DirectChatRequest 单聊请求
type DirectChatRequest struct {
	PeerID string `json:"peerId" binding:"required"`
}

// SendMessageRequest JSON 形式的纯文本消息
type SendMessageRequest struct {
	Text string `json:"text"`
}

// createDirect 获取或创建与对方的单聊
// POST /api/v1/chats/direct
func (s *Server) createDirect(c *gin.Context) {
	var req DirectChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err.Error())
		return
	}

	chat, err := s.deps.Chats.GetOrCreateDirect(c.Request.Context(), GetUID(c), req.PeerID)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, chat)
}

// createGroup 建群，multipart 表单：name、members（可重复）、image（可选）
// POST /api/v1/chats/group
func (s *Server) createGroup(c *gin.Context) {
	image, err := s.readAttachment(c, "image")
	if err != nil {
		Error(c, err)
		return
	}

	chat, err := s.deps.Chats.CreateGroup(c.Request.Context(), GetUID(c), c.PostForm("name"), formMembers(c), image)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, chat)
}

// getChat 获取会话
// GET /api/v1/chats/:id
func (s *Server) getChat(c *gin.Context) {
	chat, err := s.deps.Chats.GetChat(c.Request.Context(), c.Param("id"), GetUID(c))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, chat)
}

// togglePin 切换置顶
// POST /api/v1/chats/:id/pin
func (s *Server) togglePin(c *gin.Context) {
	pinned, err := s.deps.Chats.TogglePin(c.Request.Context(), GetUID(c), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"pinned": pinned})
}

// toggleArchive 切换归档
// POST /api/v1/chats/:id/archive
func (s *Server) toggleArchive(c *gin.Context) {
	archived, err := s.deps.Chats.ToggleArchive(c.Request.Context(), GetUID(c), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"archived": archived})
}

// markRead 清零当前用户在该会话的未读数
// POST /api/v1/chats/:id/read
func (s *Server) markRead(c *gin.Context) {
	if err := s.deps.Chats.MarkRead(c.Request.Context(), c.Param("id"), GetUID(c)); err != nil {
		Error(c, err)
		return
	}
	Success(c, nil)
}

// recentMessages 最近几条消息，时间升序
// GET /api/v1/chats/:id/messages?limit=3
func (s *Server) recentMessages(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultRecentLimit)))
	if err != nil || limit <= 0 {
		InvalidParams(c, "invalid limit")
		return
	}

	msgs, err := s.deps.Chats.RecentMessages(c.Request.Context(), c.Param("id"), GetUID(c), limit)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"list": msgs})
}

// sendMessage 发送消息。JSON 只发文本；multipart 表单可带 text 与 image
// POST /api/v1/chats/:id/messages
func (s *Server) sendMessage(c *gin.Context) {
	var (
		text  string
		image *service.Attachment
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		text = c.PostForm("text")
		att, err := s.readAttachment(c, "image")
		if err != nil {
			Error(c, err)
			return
		}
		image = att
	} else {
		var req SendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			InvalidParams(c, err.Error())
			return
		}
		text = req.Text
	}

	msg, err := s.deps.Chats.SendMessage(c.Request.Context(), c.Param("id"), GetUID(c), text, image)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, msg)
}

// deleteMessage 删除自己发送的消息
// DELETE /api/v1/chats/:id/messages/:msgId
func (s *Server) deleteMessage(c *gin.Context) {
	if err := s.deps.Chats.DeleteMessage(c.Request.Context(), c.Param("id"), c.Param("msgId"), GetUID(c)); err != nil {
		Error(c, err)
		return
	}
	Success(c, nil)
}

// toggleStar 切换星标
// POST /api/v1/chats/:id/messages/:msgId/star
func (s *Server) toggleStar(c *gin.Context) {
	starred, err := s.deps.Chats.ToggleStar(c.Request.Context(), c.Param("id"), c.Param("msgId"), GetUID(c))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"starred": starred})
}

// readAttachment 读取表单文件，字段不存在时返回 nil
func (s *Server) readAttachment(c *gin.Context, field string) (*service.Attachment, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return nil, nil
		}
		return nil, sharedErrors.ErrInvalidParams.Wrap(err)
	}
	if fh.Size > s.opts.MaxUpload {
		return nil, sharedErrors.ErrInvalidParams.WithMessage("file too large")
	}

	f, err := fh.Open()
	if err != nil {
		return nil, sharedErrors.ErrUploadFailed.Wrap(err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.opts.MaxUpload+1))
	if err != nil {
		return nil, sharedErrors.ErrUploadFailed.Wrap(err)
	}
	if int64(len(data)) > s.opts.MaxUpload {
		return nil, sharedErrors.ErrInvalidParams.WithMessage("file too large")
	}
	return &service.Attachment{Name: fh.Filename, Data: data}, nil
}

// formMembers 支持 members=a&members=b 与 members=a,b 两种写法
func formMembers(c *gin.Context) []string {
	var out []string
	for _, v := range c.PostFormArray("members") {
		for _, uid := range strings.Split(v, ",") {
			if uid = strings.TrimSpace(uid); uid != "" {
				out = append(out, uid)
			}
		}
	}
	return out
}
