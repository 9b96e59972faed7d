package model

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// DefaultGroupName 未命名群聊的显示名
const DefaultGroupName = "Group"

// ImagePreview 纯图片消息在会话列表中的预览文本
const ImagePreview = "Photo"

// LastMessage 会话的最新消息预览（随发送原子更新）
type LastMessage struct {
	Text     string    `json:"text"`
	Time     time.Time `json:"time"`
	SenderID string    `json:"senderId"`
}

// Chat 会话（单聊或群聊）
type Chat struct {
	ID           string         `json:"id"`
	Participants []string       `json:"participants"`
	IsGroup      bool           `json:"isGroup"`
	Name         string         `json:"name,omitempty"`
	Image        string         `json:"image,omitempty"`
	AdminID      string         `json:"adminId,omitempty"`
	LastMessage  *LastMessage   `json:"lastMessage"`
	UnreadCounts map[string]int `json:"unreadCounts"`
	CreatedBy    string         `json:"createdBy,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// DirectChatID 单聊的确定性 ID，与参数顺序无关
func DirectChatID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm_" + a + "_" + b
}

// NewDirectChat 构造单聊
func NewDirectChat(a, b string) *Chat {
	return (&Chat{
		ID:           DirectChatID(a, b),
		Participants: []string{a, b},
		CreatedBy:    a,
	}).Normalize()
}

// Normalize 在存储边界补齐默认值，并保证 unreadCounts 与成员一致
func (c *Chat) Normalize() *Chat {
	c.Participants = uniqueStrings(c.Participants)
	counts := make(map[string]int, len(c.Participants))
	for _, uid := range c.Participants {
		n := c.UnreadCounts[uid]
		if n < 0 {
			n = 0
		}
		counts[uid] = n
	}
	c.UnreadCounts = counts
	if c.IsGroup && strings.TrimSpace(c.Name) == "" {
		c.Name = DefaultGroupName
	}
	if c.LastMessage != nil && c.LastMessage.Time.IsZero() && c.LastMessage.Text == "" {
		c.LastMessage = nil
	}
	return c
}

// HasParticipant 是否为会话成员
func (c *Chat) HasParticipant(uid string) bool {
	return slices.Contains(c.Participants, uid)
}

// Unread 指定成员的未读数
func (c *Chat) Unread(uid string) int {
	return c.UnreadCounts[uid]
}

// Peer 单聊中对方的 uid；群聊返回空
func (c *Chat) Peer(uid string) string {
	if c.IsGroup {
		return ""
	}
	for _, p := range c.Participants {
		if p != uid {
			return p
		}
	}
	return ""
}

// Others 除 uid 外的其他成员
func (c *Chat) Others(uid string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != uid {
			out = append(out, p)
		}
	}
	return out
}

// LastActivity 最新消息时间，无消息时为零值（排序时视为最早）
func (c *Chat) LastActivity() time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.Time
}

// Clone 深拷贝
func (c *Chat) Clone() *Chat {
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	cp.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		cp.UnreadCounts[k] = v
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	return &cp
}

// SortChats 按最新消息时间倒序排列；无消息视为最早，时间相同按 ID 升序
func SortChats(chats []*Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		ti, tj := chats[i].LastActivity(), chats[j].LastActivity()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return chats[i].ID < chats[j].ID
	})
}

// GroupUpdate 群资料更新，nil 字段不修改
type GroupUpdate struct {
	Name    *string `json:"name,omitempty"`
	Image   *string `json:"image,omitempty"`
	AdminID *string `json:"adminId,omitempty"`
}

// Apply 将更新应用到会话上
func (g GroupUpdate) Apply(c *Chat) {
	if g.Name != nil {
		c.Name = *g.Name
	}
	if g.Image != nil {
		c.Image = *g.Image
	}
	if g.AdminID != nil {
		c.AdminID = *g.AdminID
	}
	c.Normalize()
}
