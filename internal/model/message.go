package model

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// Message 消息
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	ImageURL  string    `json:"imageUrl"`
	CreatedAt time.Time `json:"createdAt"`
	SeenBy    []string  `json:"seenBy"`
	StarredBy []string  `json:"starredBy"`
	Deleted   bool      `json:"deleted"`
}

// Normalize 在存储边界补齐默认值；已删除消息的文本和图片必须为空
func (m *Message) Normalize() *Message {
	if m.Deleted {
		m.Text = ""
		m.ImageURL = ""
	}
	m.SeenBy = uniqueStrings(m.SeenBy)
	m.StarredBy = uniqueStrings(m.StarredBy)
	return m
}

// Validate 校验待发送消息
func (m *Message) Validate() bool {
	return strings.TrimSpace(m.Text) != "" || m.ImageURL != ""
}

// Preview 会话列表预览文本
func (m *Message) Preview() string {
	if strings.TrimSpace(m.Text) != "" {
		return m.Text
	}
	if m.ImageURL != "" {
		return ImagePreview
	}
	return ""
}

// SeenByUser 是否已被该用户看到
func (m *Message) SeenByUser(uid string) bool {
	return slices.Contains(m.SeenBy, uid)
}

// StarredByUser 是否被该用户收藏
func (m *Message) StarredByUser(uid string) bool {
	return slices.Contains(m.StarredBy, uid)
}

// Clone 深拷贝
func (m *Message) Clone() *Message {
	cp := *m
	cp.SeenBy = slices.Clone(m.SeenBy)
	cp.StarredBy = slices.Clone(m.StarredBy)
	return &cp
}

// SortMessages 按服务端时间升序排列，时间相同按 ID 升序
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// UnseenBy 返回他人发送且 viewer 未看到的消息 ID，只保留最近的 limit 条
// msgs 需已按时间升序排列
func UnseenBy(msgs []*Message, viewer string, limit int) []string {
	ids := make([]string, 0)
	for i := len(msgs) - 1; i >= 0 && (limit <= 0 || len(ids) < limit); i-- {
		m := msgs[i]
		if m.SenderID == viewer || m.SeenByUser(viewer) {
			continue
		}
		ids = append(ids, m.ID)
	}
	slices.Reverse(ids)
	return ids
}
